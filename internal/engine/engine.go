// Package engine is the contract to the rule engine that validates and applies moves. The engine
// owns the authoritative board state; this repository only drives it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnknownSession is returned by engines asked about a session they never initialized.
var ErrUnknownSession = errors.New("engine: unknown session")

type Engine interface {
	// Initialize resets the session to its starting position.
	Initialize(ctx context.Context, sessionID string, participants [2]string, settings json.RawMessage) error
	// Submit validates and applies a move. A declined move is reported through Result, not error.
	Submit(ctx context.Context, sessionID string, move json.RawMessage, author, nonce string) (Result, error)
	Snapshot(ctx context.Context, sessionID string) (WorldState, error)
}

type Result struct {
	Success  bool          `json:"success"`
	MoveHash string        `json:"move_hash,omitempty"`
	Latency  time.Duration `json:"latency_ns,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

type Pos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Unit struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Kind     string `json:"kind"`
	Rank     int    `json:"rank"`
	Pos      Pos    `json:"pos"`
	Captured bool   `json:"captured"`
}

// WorldState is a read-only view of the engine's entities for one session.
type WorldState struct {
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`
	Units     []Unit `json:"units"`
}
