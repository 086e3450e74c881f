package protocol

import "encoding/json"

// Request is every client -> server frame. Payload is only read by SUBMIT_MOVE.
type Request struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	Participant     string          `json:"participant,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	SessionID       string `json:"session_id"`
	Result          any    `json:"result"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// SETTLED (server -> client), pushed to SUBSCRIBE'd connections.
type SettledMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Settlement      any    `json:"settlement"`
}

type MoveResult struct {
	MoveHash     string `json:"move_hash"`
	Seq          int    `json:"seq"`
	LatencyMS    int64  `json:"latency_ms"`
	LedgerLength int    `json:"ledger_length"`
	Terminal     any    `json:"terminal,omitempty"`
	Settlement   any    `json:"settlement,omitempty"`

	// SettlementError is set when the move ended the match but settlement has to be retried.
	SettlementError string `json:"settlement_error,omitempty"`
}

type UndoResult struct {
	LedgerLength int `json:"ledger_length"`
}
