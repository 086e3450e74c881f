// Package wsengine talks to a remote rule engine over a websocket using JSON request/response
// frames correlated by id.
package wsengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"matchledger.ai/internal/engine"
)

const (
	methodInitialize = "initialize"
	methodSubmit     = "submit"
	methodSnapshot   = "snapshot"
)

var ErrClosed = errors.New("wsengine: connection closed")

type request struct {
	ID           string          `json:"id"`
	Method       string          `json:"method"`
	SessionID    string          `json:"session_id"`
	Participants [2]string       `json:"participants,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	Move         json.RawMessage `json:"move,omitempty"`
	Author       string          `json:"author,omitempty"`
	Nonce        string          `json:"nonce,omitempty"`
}

type response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type Config struct {
	URL         string
	Header      http.Header
	DialTimeout time.Duration
	Logger      *log.Logger
}

// Client is safe for concurrent use. A dropped connection is re-dialed on the next call.
type Client struct {
	cfg    Config
	dialer websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan response

	writeMu sync.Mutex
}

var _ engine.Engine = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("empty engine url")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		pending: map[string]chan response{},
	}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

func (c *Client) Initialize(ctx context.Context, sessionID string, participants [2]string, settings json.RawMessage) error {
	_, err := c.call(ctx, request{Method: methodInitialize, SessionID: sessionID, Participants: participants, Settings: settings})
	return err
}

func (c *Client) Submit(ctx context.Context, sessionID string, move json.RawMessage, author, nonce string) (engine.Result, error) {
	start := time.Now()
	raw, err := c.call(ctx, request{Method: methodSubmit, SessionID: sessionID, Move: move, Author: author, Nonce: nonce})
	if err != nil {
		return engine.Result{}, err
	}
	var res engine.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return engine.Result{}, fmt.Errorf("decode submit result: %w", err)
	}
	if res.Latency == 0 {
		res.Latency = time.Since(start)
	}
	return res, nil
}

func (c *Client) Snapshot(ctx context.Context, sessionID string) (engine.WorldState, error) {
	raw, err := c.call(ctx, request{Method: methodSnapshot, SessionID: sessionID})
	if err != nil {
		return engine.WorldState{}, err
	}
	var st engine.WorldState
	if err := json.Unmarshal(raw, &st); err != nil {
		return engine.WorldState{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return st, nil
}

func (c *Client) call(ctx context.Context, req request) (json.RawMessage, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	req.ID = uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return nil, fmt.Errorf("engine %s: write: %w", req.Method, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("engine %s: %w", req.Method, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("engine %s: %w", req.Method, ErrClosed)
		}
		if !resp.OK {
			if resp.Error == engine.ErrUnknownSession.Error() {
				return nil, fmt.Errorf("engine %s: %w", req.Method, engine.ErrUnknownSession)
			}
			return nil, fmt.Errorf("engine %s: %s", req.Method, resp.Error)
		}
		return resp.Result, nil
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	// Dial without c.mu so readLoop and call cleanup keep running during a slow redial.
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial engine: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		winner := c.conn
		c.mu.Unlock()
		_ = conn.Close()
		return winner, nil
	}
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			c.drop(conn, err)
			return
		}
		// Deliver under the lock so drop cannot close ch between lookup and send.
		c.mu.Lock()
		ch := c.pending[resp.ID]
		if ch != nil {
			delete(c.pending, resp.ID)
			select {
			case ch <- resp:
			default:
			}
		}
		c.mu.Unlock()
		if ch == nil {
			c.printf("engine response for unknown id=%s", resp.ID)
		}
	}
}

// drop forgets conn and fails every in-flight call that was waiting on it.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = map[string]chan response{}
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.printf("engine connection dropped: %v", cause)
	}
}

func (c *Client) printf(format string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}
