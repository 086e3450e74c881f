package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session routing/state.
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrSessionEnded    = "E_SESSION_ENDED"
	ErrNotParticipant  = "E_NOT_PARTICIPANT"
	ErrBusy            = "E_BUSY"

	// Move/undo layer.
	ErrTurnViolation = "E_TURN_VIOLATION"
	ErrMoveRejected  = "E_MOVE_REJECTED"
	ErrEmptyLedger   = "E_EMPTY_LEDGER"
	ErrNotAuthor     = "E_NOT_AUTHOR"
	ErrUndoExpired   = "E_UNDO_EXPIRED"
	ErrReplayFailure = "E_REPLAY_FAILURE"
	ErrConflict      = "E_CONFLICT"

	// Settlement layer.
	ErrSettlementFailed  = "E_SETTLEMENT_FAILED"
	ErrSettlementPending = "E_SETTLEMENT_PENDING"
	ErrNotSettled        = "E_NOT_SETTLED"
	ErrInternal          = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrProtoVersion:      {},
	ErrSessionNotFound:   {},
	ErrSessionEnded:      {},
	ErrNotParticipant:    {},
	ErrBusy:              {},
	ErrTurnViolation:     {},
	ErrMoveRejected:      {},
	ErrEmptyLedger:       {},
	ErrNotAuthor:         {},
	ErrUndoExpired:       {},
	ErrReplayFailure:     {},
	ErrConflict:          {},
	ErrSettlementFailed:  {},
	ErrSettlementPending: {},
	ErrNotSettled:        {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
