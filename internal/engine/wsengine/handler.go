package wsengine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"matchledger.ai/internal/engine"
)

// Handler serves any engine.Engine over the same frame format the Client speaks.
type Handler struct {
	eng      engine.Engine
	log      *log.Logger
	upgrader websocket.Upgrader
	timeout  time.Duration
}

func NewHandler(e engine.Engine, logger *log.Logger) *Handler {
	return &Handler{
		eng: e,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		timeout: 10 * time.Second,
	}
}

func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		go func(req request) {
			resp := h.dispatch(req)
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(resp); err != nil && h.log != nil {
				h.log.Printf("engine handler write id=%s: %v", req.ID, err)
			}
		}(req)
	}
}

func (h *Handler) dispatch(req request) response {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var (
		out any
		err error
	)
	switch req.Method {
	case methodInitialize:
		err = h.eng.Initialize(ctx, req.SessionID, req.Participants, req.Settings)
		out = struct{}{}
	case methodSubmit:
		out, err = h.eng.Submit(ctx, req.SessionID, req.Move, req.Author, req.Nonce)
	case methodSnapshot:
		out, err = h.eng.Snapshot(ctx, req.SessionID)
	default:
		return response{ID: req.ID, Error: "unknown method " + req.Method}
	}
	if err != nil {
		msg := err.Error()
		if errors.Is(err, engine.ErrUnknownSession) {
			msg = engine.ErrUnknownSession.Error()
		}
		return response{ID: req.ID, Error: msg}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return response{ID: req.ID, Error: err.Error()}
	}
	return response{ID: req.ID, OK: true, Result: b}
}
