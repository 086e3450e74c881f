package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"matchledger.ai/internal/protocol"
)

func main() {
	var (
		url         = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		sessionID   = flag.String("session", "", "session id")
		participant = flag.String("as", "", "participant id to play as")
		movesPath   = flag.String("moves", "", "JSON file with an array of move payloads")
		retry       = flag.Duration("retry", 500*time.Millisecond, "wait before resubmitting after a turn violation")
		resign      = flag.Bool("resign", false, "resign after the scripted moves")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *sessionID == "" || *participant == "" {
		logger.Fatalf("-session and -as are required")
	}
	moves, err := loadMoves(*movesPath)
	if err != nil {
		logger.Fatalf("load moves: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- msg
		}
	}()

	b := &bot{conn: conn, log: logger, session: *sessionID, as: *participant, frames: frames, stop: stop}
	if _, err := b.call(protocol.TypeSubscribe, nil); err != nil {
		logger.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < len(moves); {
		res, err := b.call(protocol.TypeSubmitMove, moves[i])
		switch {
		case err == nil:
			var mr protocol.MoveResult
			_ = json.Unmarshal(res, &mr)
			logger.Printf("move %d accepted seq=%d hash=%s latency=%dms", i, mr.Seq, mr.MoveHash, mr.LatencyMS)
			if mr.Terminal != nil {
				logger.Printf("match ended: %v", mr.Terminal)
				b.awaitSettled(10 * time.Second)
				return
			}
			i++
		case isCode(err, protocol.ErrTurnViolation), isCode(err, protocol.ErrBusy):
			time.Sleep(*retry)
		default:
			logger.Fatalf("move %d: %v", i, err)
		}
	}

	if *resign {
		if _, err := b.call(protocol.TypeResign, nil); err != nil {
			logger.Fatalf("resign: %v", err)
		}
		b.awaitSettled(10 * time.Second)
	}
}

type bot struct {
	conn    *websocket.Conn
	log     *log.Logger
	session string
	as      string
	frames  <-chan []byte
	stop    <-chan os.Signal
}

type wireError struct {
	Code    string
	Message string
}

func (e *wireError) Error() string { return e.Code + ": " + e.Message }

func isCode(err error, code string) bool {
	we, ok := err.(*wireError)
	return ok && we.Code == code
}

// call sends one request and waits for the frame carrying its id. SETTLED pushes that arrive in
// between are logged.
func (b *bot) call(typ string, payload json.RawMessage) (json.RawMessage, error) {
	req := protocol.Request{
		Type:            typ,
		ProtocolVersion: protocol.Version,
		ID:              uuid.NewString(),
		SessionID:       b.session,
		Payload:         payload,
	}
	if typ != protocol.TypeSubscribe {
		req.Participant = b.as
	}
	if err := b.conn.WriteJSON(req); err != nil {
		return nil, err
	}
	for {
		select {
		case <-b.stop:
			os.Exit(130)
		case msg, ok := <-b.frames:
			if !ok {
				return nil, fmt.Errorf("connection closed")
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeSettled:
				b.logSettled(msg)
			case protocol.TypeResult, protocol.TypeError:
				var f struct {
					ID      string          `json:"id"`
					Code    string          `json:"code"`
					Message string          `json:"message"`
					Result  json.RawMessage `json:"result"`
				}
				if err := json.Unmarshal(msg, &f); err != nil || f.ID != req.ID {
					continue
				}
				if base.Type == protocol.TypeError {
					return nil, &wireError{Code: f.Code, Message: f.Message}
				}
				return f.Result, nil
			}
		}
	}
}

func (b *bot) awaitSettled(timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.log.Printf("no SETTLED within %s", timeout)
			return
		case msg, ok := <-b.frames:
			if !ok {
				return
			}
			if base, err := protocol.DecodeBase(msg); err == nil && base.Type == protocol.TypeSettled {
				b.logSettled(msg)
				return
			}
		}
	}
}

func (b *bot) logSettled(msg []byte) {
	var s protocol.SettledMsg
	if err := json.Unmarshal(msg, &s); err != nil {
		return
	}
	b.log.Printf("SETTLED session=%s %s", s.SessionID, strings.TrimSpace(fmt.Sprintf("%+v", s.Settlement)))
}

func loadMoves(path string) ([]json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var moves []json.RawMessage
	if err := json.Unmarshal(raw, &moves); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return moves, nil
}
