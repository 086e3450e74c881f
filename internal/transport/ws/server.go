package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"matchledger.ai/internal/ledger"
	"matchledger.ai/internal/protocol"
	"matchledger.ai/internal/session"
)

// Service is the part of session.Service the socket exposes.
type Service interface {
	SubmitMove(ctx context.Context, sessionID, author string, payload json.RawMessage) (session.MoveReceipt, error)
	UndoLastMove(ctx context.Context, sessionID, requester string) (int, error)
	Resign(ctx context.Context, sessionID, participant string) (ledger.SettlementRecord, error)
	Settlement(ctx context.Context, sessionID string) (ledger.SettlementRecord, error)
}

type Subscriber interface {
	Subscribe(sessionID string, buffer int) (<-chan ledger.SettlementRecord, func())
}

type Server struct {
	svc Service
	hub Subscriber
	log *log.Logger

	// RequestTimeout bounds each request, including engine and chain calls.
	RequestTimeout time.Duration

	upgrader websocket.Upgrader
}

func NewServer(svc Service, hub Subscriber, logger *log.Logger) *Server {
	return &Server{
		svc:            svc,
		hub:            hub,
		log:            logger,
		RequestTimeout: 60 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type conn struct {
	ctx context.Context
	out chan []byte

	mu   sync.Mutex
	subs map[string]func()
}

func (c *conn) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	case <-c.ctx.Done():
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		c := &conn{ctx: ctx, out: make(chan []byte, 32), subs: map[string]func(){}}
		defer func() {
			c.mu.Lock()
			for _, unsub := range c.subs {
				unsub()
			}
			c.mu.Unlock()
		}()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = ws.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := ws.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			s.dispatch(c, msg)
		}
	}
}

func (s *Server) dispatch(c *conn, msg []byte) {
	var req protocol.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		c.send(errorMsg(req, protocol.ErrProtoBadRequest, "malformed frame"))
		return
	}
	if req.ProtocolVersion != protocol.Version {
		c.send(errorMsg(req, protocol.ErrProtoVersion, "unsupported protocol_version"))
		return
	}
	if err := protocol.Validate("request.schema.json", msg); err != nil {
		c.send(errorMsg(req, protocol.ErrProtoBadRequest, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, s.RequestTimeout)
	defer cancel()

	switch req.Type {
	case protocol.TypeSubmitMove:
		rcpt, err := s.svc.SubmitMove(ctx, req.SessionID, req.Participant, req.Payload)
		if err != nil && !errors.Is(err, session.ErrSettlementFailed) {
			c.send(errorMsg(req, CodeFor(err), err.Error()))
			return
		}
		res := protocol.MoveResult{
			MoveHash:     rcpt.MoveHash,
			Seq:          rcpt.Seq,
			LatencyMS:    rcpt.Latency.Milliseconds(),
			LedgerLength: rcpt.LedgerLength,
		}
		if rcpt.Terminal != nil {
			res.Terminal = rcpt.Terminal
		}
		if rcpt.Settlement != nil {
			res.Settlement = rcpt.Settlement
		}
		if err != nil {
			res.SettlementError = err.Error()
		}
		c.send(resultMsg(req, res))

	case protocol.TypeUndo:
		n, err := s.svc.UndoLastMove(ctx, req.SessionID, req.Participant)
		if err != nil {
			c.send(errorMsg(req, CodeFor(err), err.Error()))
			return
		}
		c.send(resultMsg(req, protocol.UndoResult{LedgerLength: n}))

	case protocol.TypeResign:
		rec, err := s.svc.Resign(ctx, req.SessionID, req.Participant)
		if err != nil {
			c.send(errorMsg(req, CodeFor(err), err.Error()))
			return
		}
		c.send(resultMsg(req, rec))

	case protocol.TypeGetSettlement:
		rec, err := s.svc.Settlement(ctx, req.SessionID)
		if err != nil {
			c.send(errorMsg(req, CodeFor(err), err.Error()))
			return
		}
		c.send(resultMsg(req, rec))

	case protocol.TypeSubscribe:
		s.subscribe(c, req.SessionID)
		c.send(resultMsg(req, map[string]bool{"subscribed": true}))

	default:
		c.send(errorMsg(req, protocol.ErrProtoBadRequest, "unknown type"))
	}
}

func (s *Server) subscribe(c *conn, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sessionID]; ok || s.hub == nil {
		return
	}
	ch, unsub := s.hub.Subscribe(sessionID, 4)
	c.subs[sessionID] = unsub
	go func() {
		for rec := range ch {
			c.send(protocol.SettledMsg{
				Type:            protocol.TypeSettled,
				ProtocolVersion: protocol.Version,
				SessionID:       rec.SessionID,
				Settlement:      rec,
			})
		}
	}()
}

// CodeFor maps service errors to wire codes.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ledger.ErrSessionNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrSessionEnded):
		return protocol.ErrSessionEnded
	case errors.Is(err, session.ErrNotParticipant):
		return protocol.ErrNotParticipant
	case errors.Is(err, session.ErrTurnViolation):
		return protocol.ErrTurnViolation
	case errors.Is(err, session.ErrMoveRejected):
		return protocol.ErrMoveRejected
	case errors.Is(err, session.ErrEmptyLedger):
		return protocol.ErrEmptyLedger
	case errors.Is(err, session.ErrNotAuthor):
		return protocol.ErrNotAuthor
	case errors.Is(err, session.ErrUndoExpired):
		return protocol.ErrUndoExpired
	case errors.Is(err, session.ErrReplayFailure):
		return protocol.ErrReplayFailure
	case errors.Is(err, ledger.ErrLedgerConflict), errors.Is(err, session.ErrOutcomeConflict):
		return protocol.ErrConflict
	case errors.Is(err, session.ErrSettlementFailed):
		return protocol.ErrSettlementFailed
	case errors.Is(err, session.ErrSettlementPending):
		return protocol.ErrSettlementPending
	case errors.Is(err, session.ErrNotSettled):
		return protocol.ErrNotSettled
	case errors.Is(err, session.ErrInvalidOutcome):
		return protocol.ErrProtoBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrBusy
	}
	return protocol.ErrInternal
}

func resultMsg(req protocol.Request, v any) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ID:              req.ID,
		SessionID:       req.SessionID,
		Result:          v,
	}
}

func errorMsg(req protocol.Request, code, message string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		ID:              req.ID,
		SessionID:       req.SessionID,
		Code:            code,
		Message:         message,
	}
}
