// Package ledger defines the per-session move ledger, the settlement record and the storage
// contracts the session service runs against.
package ledger

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Reason string

const (
	ReasonResignation Reason = "resignation"
	ReasonTerminal    Reason = "terminal"
)

// Draw is the Outcome.Winner value for a drawn match. Participant ids may not use it.
const Draw = "draw"

type Outcome struct {
	Reason Reason `json:"reason"`
	Winner string `json:"winner"`
}

func (o Outcome) IsDraw() bool { return o.Winner == Draw }

// Session is the registry view of a match. Participant order defines turn order.
type Session struct {
	ID           string          `json:"id"`
	Participants [2]string       `json:"participants"`
	Status       Status          `json:"status"`
	Result       *Outcome        `json:"result,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsParticipant reports whether id is one of the two registered participants.
func (s Session) IsParticipant(id string) bool {
	return id != "" && (s.Participants[0] == id || s.Participants[1] == id)
}

// Opponent returns the other participant, or "" if id is not registered.
func (s Session) Opponent(id string) string {
	switch id {
	case s.Participants[0]:
		return s.Participants[1]
	case s.Participants[1]:
		return s.Participants[0]
	}
	return ""
}

// NextToMove returns the participant whose turn it is for a ledger of the given length.
func (s Session) NextToMove(ledgerLen int) string {
	return s.Participants[ledgerLen%2]
}

// MoveRecord is one accepted move. Seq is its index in the ledger.
type MoveRecord struct {
	Seq       int             `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Author    string          `json:"author"`
	Payload   json.RawMessage `json:"payload"`
	Hash      string          `json:"hash,omitempty"`
	Latency   time.Duration   `json:"latency_ns"`
}

type Transfer struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// PayoutResult is the outcome of moving escrow funds. A failed payout never invalidates the
// settlement it belongs to.
type PayoutResult struct {
	OK         bool       `json:"ok"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	Escrow     string     `json:"escrow,omitempty"`
	Balance    uint64     `json:"balance,omitempty"`
	Transfers  []Transfer `json:"transfers,omitempty"`
	Signatures []string   `json:"signatures,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
}

// SettlementRecord is written once per session.
type SettlementRecord struct {
	SessionID      string       `json:"session_id"`
	Outcome        Outcome      `json:"outcome"`
	MerkleRoot     string       `json:"merkle_root"`
	FinalStateHash string       `json:"final_state_hash"`
	MoveCount      int          `json:"move_count"`
	CommitmentRef  string       `json:"commitment_ref"`
	Payout         PayoutResult `json:"payout"`
	ArchiveError   string       `json:"archive_error,omitempty"`
	SettledAt      time.Time    `json:"settled_at"`
}
