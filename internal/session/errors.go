package session

import "errors"

var (
	ErrSessionEnded   = errors.New("session has ended")
	ErrNotParticipant = errors.New("not a participant")
	ErrTurnViolation  = errors.New("turn violation")
	ErrMoveRejected   = errors.New("move rejected")
	ErrEmptyLedger    = errors.New("ledger is empty")
	ErrNotAuthor      = errors.New("only the author of the last move may undo it")
	ErrUndoExpired    = errors.New("undo window expired")
	ErrReplayFailure  = errors.New("ledger replay failed")
	ErrInvalidOutcome = errors.New("invalid outcome")

	// ErrSettlementFailed accompanies a receipt whose move ended the match but whose settlement
	// could not be committed. Finalize must be retried.
	ErrSettlementFailed = errors.New("settlement failed")
	// ErrSettlementPending refuses moves and undos on a match that ended but is not yet settled.
	ErrSettlementPending = errors.New("settlement pending")
	ErrNotSettled        = errors.New("session not settled")
	ErrOutcomeConflict   = errors.New("outcome conflicts with pending settlement")
)
