// Package memengine is an in-process rule engine: a small capture board with ranked units. It
// backs tests and the server's local mode.
package memengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"matchledger.ai/internal/commit"
	"matchledger.ai/internal/engine"
)

const (
	defaultWidth  = 5
	defaultHeight = 5
)

// Settings is the optional per-session layout passed through Initialize.
type Settings struct {
	Width  int           `json:"width,omitempty"`
	Height int           `json:"height,omitempty"`
	Units  []engine.Unit `json:"units,omitempty"`
}

// Move is the payload the engine understands.
type Move struct {
	Unit string     `json:"unit"`
	To   engine.Pos `json:"to"`
}

type world struct {
	participants [2]string
	width        int
	height       int
	turn         int
	units        []engine.Unit
	nonces       map[string]struct{}
}

type Engine struct {
	mu     sync.Mutex
	worlds map[string]*world
	reject func(sessionID string, move json.RawMessage, author string) string
}

var _ engine.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{worlds: map[string]*world{}}
}

// SetRejectFunc installs a hook that can decline moves before the rules run. A non-empty return
// value is used as the decline reason.
func (e *Engine) SetRejectFunc(fn func(sessionID string, move json.RawMessage, author string) string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject = fn
}

func (e *Engine) Initialize(ctx context.Context, sessionID string, participants [2]string, settings json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var st Settings
	if len(settings) > 0 && string(settings) != "null" {
		if err := json.Unmarshal(settings, &st); err != nil {
			return fmt.Errorf("memengine settings: %w", err)
		}
	}
	if st.Width <= 0 {
		st.Width = defaultWidth
	}
	if st.Height <= 0 {
		st.Height = defaultHeight
	}
	units := st.Units
	if len(units) == 0 {
		units = DefaultLayout(participants, st.Height)
	}
	w := &world{
		participants: participants,
		width:        st.Width,
		height:       st.Height,
		units:        append([]engine.Unit(nil), units...),
		nonces:       map[string]struct{}{},
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.worlds[sessionID] = w
	return nil
}

func (e *Engine) Submit(ctx context.Context, sessionID string, move json.RawMessage, author, nonce string) (engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return engine.Result{}, err
	}
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.worlds[sessionID]
	if !ok {
		return engine.Result{}, fmt.Errorf("%w: %s", engine.ErrUnknownSession, sessionID)
	}
	decline := func(reason string) (engine.Result, error) {
		return engine.Result{Success: false, Reason: reason, Latency: time.Since(start)}, nil
	}
	if nonce == "" {
		return decline("missing nonce")
	}
	if _, dup := w.nonces[nonce]; dup {
		return decline("duplicate nonce")
	}
	if e.reject != nil {
		if reason := e.reject(sessionID, move, author); reason != "" {
			return decline(reason)
		}
	}
	if reason := w.apply(move, author); reason != "" {
		return decline(reason)
	}
	w.nonces[nonce] = struct{}{}
	w.turn++

	h, err := commit.ContentHash(move)
	if err != nil {
		return engine.Result{}, err
	}
	return engine.Result{Success: true, MoveHash: h, Latency: time.Since(start)}, nil
}

func (e *Engine) Snapshot(ctx context.Context, sessionID string) (engine.WorldState, error) {
	if err := ctx.Err(); err != nil {
		return engine.WorldState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.worlds[sessionID]
	if !ok {
		return engine.WorldState{}, fmt.Errorf("%w: %s", engine.ErrUnknownSession, sessionID)
	}
	return engine.WorldState{
		SessionID: sessionID,
		Turn:      w.turn,
		Units:     append([]engine.Unit(nil), w.units...),
	}, nil
}

// apply validates and executes one move, returning a decline reason or "".
func (w *world) apply(raw json.RawMessage, author string) string {
	if author != w.participants[w.turn%2] {
		return "not your turn"
	}
	var mv Move
	if err := json.Unmarshal(raw, &mv); err != nil || mv.Unit == "" {
		return "malformed move"
	}
	idx := w.unitIndex(mv.Unit)
	if idx < 0 {
		return "unknown unit"
	}
	u := w.units[idx]
	if u.Owner != author {
		return "unit belongs to opponent"
	}
	if u.Captured {
		return "unit captured"
	}
	if u.Rank <= 0 {
		return "unit cannot move"
	}
	if mv.To.X < 0 || mv.To.Y < 0 || mv.To.X >= w.width || mv.To.Y >= w.height {
		return "out of bounds"
	}
	if abs(mv.To.X-u.Pos.X)+abs(mv.To.Y-u.Pos.Y) != 1 {
		return "not adjacent"
	}

	target := w.occupant(mv.To)
	if target >= 0 {
		def := w.units[target]
		if def.Owner == author {
			return "square occupied"
		}
		switch {
		case u.Rank > def.Rank:
			w.units[target].Captured = true
		case u.Rank < def.Rank:
			w.units[idx].Captured = true
			return ""
		default:
			w.units[target].Captured = true
			w.units[idx].Captured = true
			return ""
		}
	}
	w.units[idx].Pos = mv.To
	return ""
}

func (w *world) unitIndex(id string) int {
	for i, u := range w.units {
		if u.ID == id {
			return i
		}
	}
	return -1
}

func (w *world) occupant(p engine.Pos) int {
	for i, u := range w.units {
		if !u.Captured && u.Pos == p {
			return i
		}
	}
	return -1
}

// DefaultLayout places a marshal, a captain and a scout on each home row.
func DefaultLayout(participants [2]string, height int) []engine.Unit {
	if height <= 0 {
		height = defaultHeight
	}
	var out []engine.Unit
	rows := [2]int{0, height - 1}
	for side, p := range participants {
		y := rows[side]
		prefix := []string{"a", "b"}[side]
		out = append(out,
			engine.Unit{ID: prefix + "-marshal", Owner: p, Kind: "marshal", Rank: 10, Pos: engine.Pos{X: 0, Y: y}},
			engine.Unit{ID: prefix + "-captain", Owner: p, Kind: "captain", Rank: 6, Pos: engine.Pos{X: 1, Y: y}},
			engine.Unit{ID: prefix + "-scout", Owner: p, Kind: "scout", Rank: 2, Pos: engine.Pos{X: 2, Y: y}},
		)
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
