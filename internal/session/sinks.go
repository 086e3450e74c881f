package session

import (
	"context"

	"matchledger.ai/internal/ledger"
)

// Replicator forwards each accepted move to an append-only replication sink.
type Replicator interface {
	Append(ctx context.Context, sessionID string, rec ledger.MoveRecord) error
}

// Archiver stores the full ledger of a settled session for later replay. The summary carries
// no payout yet.
type Archiver interface {
	PersistLedger(ctx context.Context, summary ledger.SettlementRecord, moves []ledger.MoveRecord) error
}

// Distributor pays out a session's escrow. Failures are reported in the result.
type Distributor interface {
	Distribute(ctx context.Context, sessionID string, participants [2]string, outcome ledger.Outcome) ledger.PayoutResult
}

// NopSinks is used when no replication or archival sink is configured.
type NopSinks struct{}

func (NopSinks) Append(context.Context, string, ledger.MoveRecord) error { return nil }

func (NopSinks) PersistLedger(context.Context, ledger.SettlementRecord, []ledger.MoveRecord) error {
	return nil
}

// MultiSink fans out to several sinks and returns the first error after trying all of them.
type MultiSink []interface {
	Replicator
	Archiver
}

func (m MultiSink) Append(ctx context.Context, sessionID string, rec ledger.MoveRecord) error {
	var first error
	for _, s := range m {
		if err := s.Append(ctx, sessionID, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) PersistLedger(ctx context.Context, summary ledger.SettlementRecord, moves []ledger.MoveRecord) error {
	var first error
	for _, s := range m {
		if err := s.PersistLedger(ctx, summary, moves); err != nil && first == nil {
			first = err
		}
	}
	return first
}
