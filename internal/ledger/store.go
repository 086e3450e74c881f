package ledger

import (
	"context"
	"errors"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrLedgerConflict   = errors.New("ledger length conflict")
	ErrSettlementExists = errors.New("settlement already recorded")
	ErrNoSettlement     = errors.New("settlement not found")
)

// MoveStore is the append-only move ledger. The only shrink operation removes the last record.
type MoveStore interface {
	ListMoves(ctx context.Context, sessionID string) ([]MoveRecord, error)
	// AppendMove stores rec at position rec.Seq, which must equal the current ledger length.
	AppendMove(ctx context.Context, sessionID string, rec MoveRecord) error
	// TruncateMoves shrinks the ledger to length, which must be exactly one less than the
	// current length.
	TruncateMoves(ctx context.Context, sessionID string, length int) error
}

type SettlementStore interface {
	GetSettlement(ctx context.Context, sessionID string) (SettlementRecord, bool, error)
	SaveSettlement(ctx context.Context, rec SettlementRecord) error
	UpdatePayout(ctx context.Context, sessionID string, payout PayoutResult) error
}

// Registry is the session registry contract: participants, settings and status.
type Registry interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
	UpdateSession(ctx context.Context, sessionID string, fn func(*Session) error) error
}

// Store bundles everything the session service persists.
type Store interface {
	MoveStore
	SettlementStore
	Registry
}

// ValidateNewSession checks the fields a registry needs before accepting a session.
func ValidateNewSession(s Session) error {
	if s.ID == "" {
		return errors.New("empty session id")
	}
	a, b := s.Participants[0], s.Participants[1]
	if a == "" || b == "" {
		return errors.New("session needs two participants")
	}
	if a == b {
		return errors.New("participants must be distinct")
	}
	if a == Draw || b == Draw {
		return errors.New("participant id is reserved")
	}
	return nil
}
