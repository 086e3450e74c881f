// Package session coordinates moves, undo and settlement for two-party matches.
//
// Every ledger-mutating operation on a session runs under that session's lock; different
// sessions proceed independently. Settlement reads bypass the lock because a settlement
// record is written once.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"matchledger.ai/internal/chain"
	"matchledger.ai/internal/commit"
	"matchledger.ai/internal/engine"
	"matchledger.ai/internal/ledger"
	"matchledger.ai/internal/protocol"
)

type Config struct {
	UndoWindow       time.Duration
	EngineTimeout    time.Duration
	ChainTimeout     time.Duration
	TerminalUnitKind string
}

func DefaultConfig() Config {
	return Config{
		UndoWindow:       10 * time.Second,
		EngineTimeout:    5 * time.Second,
		ChainTimeout:     30 * time.Second,
		TerminalUnitKind: DefaultTerminalUnitKind,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.UndoWindow <= 0 {
		c.UndoWindow = d.UndoWindow
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = d.EngineTimeout
	}
	if c.ChainTimeout <= 0 {
		c.ChainTimeout = d.ChainTimeout
	}
	if c.TerminalUnitKind == "" {
		c.TerminalUnitKind = d.TerminalUnitKind
	}
}

type Options struct {
	Config Config

	Store     ledger.Store
	Engine    engine.Engine
	Chain     chain.Client
	Payout    Distributor
	Publisher Publisher

	// Optional; nil disables the sink.
	Replicator Replicator
	Archiver   Archiver

	Logger *log.Logger
	Now    func() time.Time
}

type Service struct {
	cfg       Config
	store     ledger.Store
	engine    engine.Engine
	chain     chain.Client
	payout    Distributor
	publisher Publisher
	replica   Replicator
	archive   Archiver
	log       *log.Logger
	now       func() time.Time
	tracer    trace.Tracer

	locks *keyedLock

	mu sync.Mutex
	// ready marks sessions whose engine state matches the stored ledger.
	ready map[string]bool
	// pending holds terminal outcomes whose settlement has not been committed yet.
	pending map[string]ledger.Outcome
}

// MoveReceipt describes an accepted move. Terminal and Settlement are set when the move ended
// the match.
type MoveReceipt struct {
	MoveHash     string                   `json:"move_hash"`
	Seq          int                      `json:"seq"`
	Latency      time.Duration            `json:"latency_ns"`
	LedgerLength int                      `json:"ledger_length"`
	Terminal     *ledger.Outcome          `json:"terminal,omitempty"`
	Settlement   *ledger.SettlementRecord `json:"settlement,omitempty"`
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("session: nil store")
	}
	if opts.Engine == nil {
		return nil, errors.New("session: nil engine")
	}
	if opts.Chain == nil {
		return nil, errors.New("session: nil chain client")
	}
	if opts.Payout == nil {
		return nil, errors.New("session: nil payout distributor")
	}
	if opts.Replicator == nil {
		opts.Replicator = NopSinks{}
	}
	if opts.Archiver == nil {
		opts.Archiver = NopSinks{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[session] ", log.LstdFlags|log.Lmicroseconds)
	}
	opts.Config.normalize()
	return &Service{
		cfg:       opts.Config,
		store:     opts.Store,
		engine:    opts.Engine,
		chain:     opts.Chain,
		payout:    opts.Payout,
		publisher: opts.Publisher,
		replica:   opts.Replicator,
		archive:   opts.Archiver,
		log:       opts.Logger,
		now:       opts.Now,
		tracer:    otel.Tracer("matchledger/session"),
		locks:     newKeyedLock(),
		ready:     map[string]bool{},
		pending:   map[string]ledger.Outcome{},
	}, nil
}

func (s *Service) Config() Config { return s.cfg }

// SubmitMove validates turn order, hands the move to the rule engine and appends it to the
// ledger. A move that ends the match is settled before SubmitMove returns; if that settlement
// fails the receipt is still returned, alongside ErrSettlementFailed.
func (s *Service) SubmitMove(ctx context.Context, sessionID, author string, payload json.RawMessage) (rcpt MoveReceipt, err error) {
	ctx, span := s.startSpan(ctx, "session.SubmitMove", sessionID, attribute.String("author", author))
	defer func() { endSpan(span, err) }()

	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return MoveReceipt{}, err
	}
	defer unlock()

	if !json.Valid(payload) {
		return MoveReceipt{}, fmt.Errorf("%w: payload is not valid JSON", ErrMoveRejected)
	}
	sess, err := s.activeSession(ctx, sessionID)
	if err != nil {
		return MoveReceipt{}, err
	}
	if !sess.IsParticipant(author) {
		return MoveReceipt{}, fmt.Errorf("%w: %s", ErrNotParticipant, author)
	}
	moves, err := s.store.ListMoves(ctx, sessionID)
	if err != nil {
		return MoveReceipt{}, fmt.Errorf("list moves: %w", err)
	}
	if err := s.ensureEngine(ctx, sess, moves); err != nil {
		return MoveReceipt{}, err
	}
	if next := sess.NextToMove(len(moves)); next != author {
		return MoveReceipt{}, fmt.Errorf("%w: expected %s", ErrTurnViolation, next)
	}

	hash, err := commit.ContentHash(payload)
	if err != nil {
		return MoveReceipt{}, fmt.Errorf("%w: %v", ErrMoveRejected, err)
	}

	ectx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	started := time.Now()
	res, err := s.engine.Submit(ectx, sessionID, payload, author, uuid.NewString())
	latency := time.Since(started)
	cancel()
	if err != nil {
		// The engine may or may not have applied the move.
		s.markStale(sessionID)
		return MoveReceipt{}, fmt.Errorf("%w: %v", ErrMoveRejected, err)
	}
	if !res.Success {
		return MoveReceipt{}, fmt.Errorf("%w: %s", ErrMoveRejected, res.Reason)
	}

	rec := ledger.MoveRecord{
		Seq:       len(moves),
		Timestamp: s.now().UTC(),
		Author:    author,
		Payload:   append(json.RawMessage(nil), payload...),
		Hash:      hash,
		Latency:   latency,
	}
	if err := s.store.AppendMove(ctx, sessionID, rec); err != nil {
		s.resync(ctx, sess)
		return MoveReceipt{}, fmt.Errorf("append move: %w", err)
	}
	moves = append(moves, rec)

	if err := s.replica.Append(ctx, sessionID, rec); err != nil {
		s.log.Printf("replicate session=%s seq=%d: %v", sessionID, rec.Seq, err)
	}

	rcpt = MoveReceipt{
		MoveHash:     rec.Hash,
		Seq:          rec.Seq,
		Latency:      latency,
		LedgerLength: len(moves),
	}

	outcome, err := s.checkTerminalLocked(ctx, sess)
	if err != nil {
		// Rebuilding on the next call re-runs the check.
		s.markStale(sessionID)
		s.log.Printf("terminal check session=%s: %v", sessionID, err)
		return rcpt, nil
	}
	if outcome == nil {
		return rcpt, nil
	}
	rcpt.Terminal = outcome

	settled, err := s.finalizeLocked(ctx, sess, moves, *outcome)
	if err != nil {
		s.setPending(sessionID, *outcome)
		return rcpt, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	rcpt.Settlement = &settled
	return rcpt, nil
}

// UndoLastMove removes the requester's last move inside the undo window. The engine is rebuilt
// by replaying the remaining ledger first; the ledger shrinks only if that replay succeeds.
func (s *Service) UndoLastMove(ctx context.Context, sessionID, requester string) (length int, err error) {
	ctx, span := s.startSpan(ctx, "session.UndoLastMove", sessionID, attribute.String("requester", requester))
	defer func() { endSpan(span, err) }()

	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	sess, err := s.activeSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	moves, err := s.store.ListMoves(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("list moves: %w", err)
	}
	if len(moves) == 0 {
		return 0, ErrEmptyLedger
	}
	if err := s.ensureEngine(ctx, sess, moves); err != nil {
		return len(moves), err
	}
	last := moves[len(moves)-1]
	if last.Author != requester {
		return len(moves), ErrNotAuthor
	}
	if age := s.now().Sub(last.Timestamp); age > s.cfg.UndoWindow {
		return len(moves), fmt.Errorf("%w: move is %s old", ErrUndoExpired, age.Round(time.Millisecond))
	}

	remaining := moves[:len(moves)-1]
	if err := s.rebuild(ctx, sess, remaining); err != nil {
		s.resync(ctx, sess)
		return len(moves), fmt.Errorf("%w: %v", ErrReplayFailure, err)
	}
	if err := s.store.TruncateMoves(ctx, sessionID, len(remaining)); err != nil {
		s.resync(ctx, sess)
		return len(moves), fmt.Errorf("truncate ledger: %w", err)
	}
	return len(remaining), nil
}

// CheckTerminal inspects the engine snapshot for a decided match. A decided match without a
// settlement is recorded as pending so that FinalizePending can settle it.
func (s *Service) CheckTerminal(ctx context.Context, sessionID string) (*ledger.Outcome, error) {
	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.checkTerminalStored(ctx, sessionID)
}

func (s *Service) checkTerminalStored(ctx context.Context, sessionID string) (*ledger.Outcome, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	moves, err := s.store.ListMoves(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list moves: %w", err)
	}
	if err := s.ensureEngine(ctx, sess, moves); err != nil && !errors.Is(err, ErrSettlementPending) {
		return nil, err
	}
	out, err := s.checkTerminalLocked(ctx, sess)
	if err != nil || out == nil {
		return out, err
	}
	if _, settled, err := s.store.GetSettlement(ctx, sessionID); err != nil {
		return nil, err
	} else if !settled {
		s.setPending(sessionID, *out)
	}
	return out, nil
}

func (s *Service) checkTerminalLocked(ctx context.Context, sess ledger.Session) (*ledger.Outcome, error) {
	ectx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	defer cancel()
	state, err := s.engine.Snapshot(ectx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("engine snapshot: %w", err)
	}
	return DetectTerminal(state, sess.Participants, s.cfg.TerminalUnitKind), nil
}

// Resign ends the match in favour of the opponent.
func (s *Service) Resign(ctx context.Context, sessionID, participant string) (rec ledger.SettlementRecord, err error) {
	ctx, span := s.startSpan(ctx, "session.Resign", sessionID, attribute.String("participant", participant))
	defer func() { endSpan(span, err) }()

	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return ledger.SettlementRecord{}, err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return ledger.SettlementRecord{}, err
	}
	if !sess.IsParticipant(participant) {
		return ledger.SettlementRecord{}, fmt.Errorf("%w: %s", ErrNotParticipant, participant)
	}
	if existing, ok, err := s.store.GetSettlement(ctx, sessionID); err != nil {
		return ledger.SettlementRecord{}, err
	} else if ok {
		return existing, nil
	}
	if err := s.recoverPending(ctx, sess); err != nil {
		return ledger.SettlementRecord{}, err
	}
	if _, ok := s.pendingOutcome(sessionID); ok {
		return ledger.SettlementRecord{}, ErrSettlementPending
	}
	outcome := ledger.Outcome{Reason: ledger.ReasonResignation, Winner: sess.Opponent(participant)}
	return s.finalizeLocked(ctx, sess, nil, outcome)
}

// Finalize settles the session with outcome. An existing settlement is returned unchanged.
func (s *Service) Finalize(ctx context.Context, sessionID string, outcome ledger.Outcome) (rec ledger.SettlementRecord, err error) {
	ctx, span := s.startSpan(ctx, "session.Finalize", sessionID,
		attribute.String("reason", string(outcome.Reason)), attribute.String("winner", outcome.Winner))
	defer func() { endSpan(span, err) }()

	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return ledger.SettlementRecord{}, err
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return ledger.SettlementRecord{}, err
	}
	if existing, ok, err := s.store.GetSettlement(ctx, sessionID); err != nil {
		return ledger.SettlementRecord{}, err
	} else if ok {
		return existing, nil
	}
	if err := validateOutcome(sess, outcome); err != nil {
		return ledger.SettlementRecord{}, err
	}
	if err := s.recoverPending(ctx, sess); err != nil {
		return ledger.SettlementRecord{}, err
	}
	if p, ok := s.pendingOutcome(sessionID); ok && p != outcome {
		return ledger.SettlementRecord{}, fmt.Errorf("%w: pending %s/%s", ErrOutcomeConflict, p.Reason, p.Winner)
	}
	return s.finalizeLocked(ctx, sess, nil, outcome)
}

// FinalizePending retries the settlement of a match that ended on a move but failed to settle.
// After a restart the pending outcome is recovered from the stored ledger first.
func (s *Service) FinalizePending(ctx context.Context, sessionID string) (ledger.SettlementRecord, error) {
	if rec, err := s.Settlement(ctx, sessionID); err == nil {
		return rec, nil
	}
	p, ok := s.pendingOutcome(sessionID)
	if !ok {
		out, err := s.CheckTerminal(ctx, sessionID)
		if err != nil {
			return ledger.SettlementRecord{}, err
		}
		if out == nil {
			return ledger.SettlementRecord{}, ErrNotSettled
		}
		p = *out
	}
	return s.Finalize(ctx, sessionID, p)
}

func (s *Service) finalizeLocked(ctx context.Context, sess ledger.Session, moves []ledger.MoveRecord, outcome ledger.Outcome) (ledger.SettlementRecord, error) {
	if moves == nil {
		var err error
		if moves, err = s.store.ListMoves(ctx, sess.ID); err != nil {
			return ledger.SettlementRecord{}, fmt.Errorf("list moves: %w", err)
		}
	}

	root, stateHash, err := LedgerCommitment(sess.ID, moves)
	if err != nil {
		return ledger.SettlementRecord{}, err
	}
	settledAt := s.now().UTC()
	memo, err := protocol.EncodeCommitment(protocol.Commitment{
		Kind:           protocol.CommitmentKind,
		Version:        protocol.CommitmentVersion,
		SessionID:      sess.ID,
		Outcome:        protocol.CommitmentOutcome{Reason: string(outcome.Reason), Winner: outcome.Winner},
		MerkleRoot:     root,
		FinalStateHash: stateHash,
		MoveCount:      len(moves),
		Timestamp:      settledAt.UnixMilli(),
	})
	if err != nil {
		return ledger.SettlementRecord{}, fmt.Errorf("encode commitment: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ChainTimeout)
	ref, err := s.chain.BroadcastCommitment(cctx, memo)
	cancel()
	if err != nil {
		return ledger.SettlementRecord{}, fmt.Errorf("broadcast commitment: %w", err)
	}

	rec := ledger.SettlementRecord{
		SessionID:      sess.ID,
		Outcome:        outcome,
		MerkleRoot:     root,
		FinalStateHash: stateHash,
		MoveCount:      len(moves),
		CommitmentRef:  ref,
		SettledAt:      settledAt,
	}
	if err := s.archive.PersistLedger(ctx, rec, moves); err != nil {
		rec.ArchiveError = err.Error()
		s.log.Printf("archive session=%s: %v", sess.ID, err)
	}

	// The record is stored before any funds move; the payout is written onto it afterwards.
	if err := s.store.SaveSettlement(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrSettlementExists) {
			if existing, ok, gerr := s.store.GetSettlement(ctx, sess.ID); gerr == nil && ok {
				return existing, nil
			}
		}
		s.log.Printf("save settlement session=%s ref=%s: %v", sess.ID, ref, err)
		return ledger.SettlementRecord{}, fmt.Errorf("save settlement: %w", err)
	}
	s.clearPending(sess.ID)

	rec.Payout = s.payout.Distribute(ctx, sess.ID, sess.Participants, outcome)
	rec.Payout.Attempts = 1
	if !rec.Payout.OK {
		s.log.Printf("payout session=%s failed: %s", sess.ID, rec.Payout.Error)
	}
	if err := s.store.UpdatePayout(ctx, sess.ID, rec.Payout); err != nil {
		s.log.Printf("record payout session=%s ok=%t sigs=%v: %v", sess.ID, rec.Payout.OK, rec.Payout.Signatures, err)
	}

	err = s.store.UpdateSession(ctx, sess.ID, func(x *ledger.Session) error {
		x.Status = ledger.StatusEnded
		o := outcome
		x.Result = &o
		return nil
	})
	if err != nil {
		s.log.Printf("mark session ended session=%s: %v", sess.ID, err)
	}

	if s.publisher != nil {
		s.publisher.PublishSettled(rec)
	}
	s.log.Printf("settled session=%s reason=%s winner=%s moves=%d ref=%s payout_ok=%t",
		sess.ID, outcome.Reason, outcome.Winner, rec.MoveCount, ref, rec.Payout.OK)
	return rec, nil
}

// RetryPayout re-runs the payout of a settled session whose payout did not succeed. Only the
// payout part of the record changes.
func (s *Service) RetryPayout(ctx context.Context, sessionID string) (res ledger.PayoutResult, err error) {
	ctx, span := s.startSpan(ctx, "session.RetryPayout", sessionID)
	defer func() { endSpan(span, err) }()

	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return ledger.PayoutResult{}, err
	}
	defer unlock()

	rec, ok, err := s.store.GetSettlement(ctx, sessionID)
	if err != nil {
		return ledger.PayoutResult{}, err
	}
	if !ok {
		return ledger.PayoutResult{}, ErrNotSettled
	}
	if rec.Payout.OK {
		return rec.Payout, nil
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return ledger.PayoutResult{}, err
	}
	res = s.payout.Distribute(ctx, sessionID, sess.Participants, rec.Outcome)
	res.Attempts = rec.Payout.Attempts + 1
	if err := s.store.UpdatePayout(ctx, sessionID, res); err != nil {
		return res, fmt.Errorf("update payout: %w", err)
	}
	return res, nil
}

// Settlement returns the stored settlement record without taking the session lock.
func (s *Service) Settlement(ctx context.Context, sessionID string) (ledger.SettlementRecord, error) {
	rec, ok, err := s.store.GetSettlement(ctx, sessionID)
	if err != nil {
		return ledger.SettlementRecord{}, err
	}
	if !ok {
		return ledger.SettlementRecord{}, ErrNotSettled
	}
	return rec, nil
}

func (s *Service) Moves(ctx context.Context, sessionID string) ([]ledger.MoveRecord, error) {
	return s.store.ListMoves(ctx, sessionID)
}

// LedgerCommitment returns the Merkle root over the move hashes and the final-state hash.
// Records without a stored hash are hashed from their payload.
func LedgerCommitment(sessionID string, moves []ledger.MoveRecord) (root, stateHash string, err error) {
	hashes := make([]string, len(moves))
	for i, m := range moves {
		h := m.Hash
		if h == "" {
			if h, err = commit.ContentHash(m.Payload); err != nil {
				return "", "", fmt.Errorf("hash move %d: %w", i, err)
			}
		}
		hashes[i] = h
	}
	root = commit.MerkleRoot(hashes)
	var last *string
	if n := len(hashes); n > 0 {
		last = &hashes[n-1]
	}
	stateHash, err = commit.FinalStateHash(sessionID, last, len(moves))
	if err != nil {
		return "", "", err
	}
	return root, stateHash, nil
}

// activeSession loads a session that may still accept moves and undos.
func (s *Service) activeSession(ctx context.Context, sessionID string) (ledger.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return ledger.Session{}, err
	}
	if sess.Status != ledger.StatusActive {
		return ledger.Session{}, ErrSessionEnded
	}
	if _, ok, err := s.store.GetSettlement(ctx, sessionID); err != nil {
		return ledger.Session{}, err
	} else if ok {
		return ledger.Session{}, ErrSessionEnded
	}
	if _, ok := s.pendingOutcome(sessionID); ok {
		return ledger.Session{}, ErrSettlementPending
	}
	return sess, nil
}

func validateOutcome(sess ledger.Session, o ledger.Outcome) error {
	switch o.Reason {
	case ledger.ReasonResignation, ledger.ReasonTerminal:
	default:
		return fmt.Errorf("%w: reason %q", ErrInvalidOutcome, o.Reason)
	}
	if !o.IsDraw() && !sess.IsParticipant(o.Winner) {
		return fmt.Errorf("%w: winner %q", ErrInvalidOutcome, o.Winner)
	}
	return nil
}

// ensureEngine brings the engine in line with the stored ledger if this process has not done so
// yet, or if an earlier engine call left it in an unknown state. A rebuilt ledger that already
// ends the match without a settlement is marked pending and refused with ErrSettlementPending.
func (s *Service) ensureEngine(ctx context.Context, sess ledger.Session, moves []ledger.MoveRecord) error {
	s.mu.Lock()
	ok := s.ready[sess.ID]
	s.mu.Unlock()
	if ok {
		return nil
	}
	if err := s.rebuild(ctx, sess, moves); err != nil {
		return fmt.Errorf("%w: %v", ErrReplayFailure, err)
	}
	if len(moves) == 0 {
		return nil
	}
	if _, settled, err := s.store.GetSettlement(ctx, sess.ID); err != nil || settled {
		return err
	}
	out, err := s.checkTerminalLocked(ctx, sess)
	if err != nil {
		s.markStale(sess.ID)
		return fmt.Errorf("%w: %v", ErrReplayFailure, err)
	}
	if out != nil {
		s.setPending(sess.ID, *out)
		s.log.Printf("session=%s ledger already decided (%s/%s); awaiting settlement", sess.ID, out.Reason, out.Winner)
		return ErrSettlementPending
	}
	return nil
}

// recoverPending makes sure a decided but unsettled ledger is known as pending before an
// outcome is chosen for the session. An engine that cannot replay does not block settlement.
func (s *Service) recoverPending(ctx context.Context, sess ledger.Session) error {
	moves, err := s.store.ListMoves(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("list moves: %w", err)
	}
	err = s.ensureEngine(ctx, sess, moves)
	if err != nil && !errors.Is(err, ErrSettlementPending) {
		s.log.Printf("pending check session=%s: %v", sess.ID, err)
	}
	return nil
}

// rebuild reinitializes the engine and resubmits moves in order with fresh nonces.
func (s *Service) rebuild(ctx context.Context, sess ledger.Session, moves []ledger.MoveRecord) error {
	s.markStale(sess.ID)

	ectx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	err := s.engine.Initialize(ectx, sess.ID, sess.Participants, sess.Settings)
	cancel()
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	for _, m := range moves {
		ectx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
		res, err := s.engine.Submit(ectx, sess.ID, m.Payload, m.Author, uuid.NewString())
		cancel()
		if err != nil {
			return fmt.Errorf("replay seq=%d: %w", m.Seq, err)
		}
		if !res.Success {
			return fmt.Errorf("replay seq=%d declined: %s", m.Seq, res.Reason)
		}
	}

	s.mu.Lock()
	s.ready[sess.ID] = true
	s.mu.Unlock()
	return nil
}

// resync rebuilds the engine from whatever the store holds. Failures are logged; the session
// stays stale and the next operation retries.
func (s *Service) resync(ctx context.Context, sess ledger.Session) {
	moves, err := s.store.ListMoves(ctx, sess.ID)
	if err == nil {
		err = s.rebuild(ctx, sess, moves)
	}
	if err != nil {
		s.log.Printf("engine resync session=%s: %v", sess.ID, err)
	}
}

func (s *Service) markStale(sessionID string) {
	s.mu.Lock()
	delete(s.ready, sessionID)
	s.mu.Unlock()
}

func (s *Service) setPending(sessionID string, o ledger.Outcome) {
	s.mu.Lock()
	s.pending[sessionID] = o
	s.mu.Unlock()
}

func (s *Service) clearPending(sessionID string) {
	s.mu.Lock()
	delete(s.pending, sessionID)
	s.mu.Unlock()
}

func (s *Service) pendingOutcome(sessionID string) (ledger.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.pending[sessionID]
	return o, ok
}

func (s *Service) startSpan(ctx context.Context, name, sessionID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("session.id", sessionID))
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
