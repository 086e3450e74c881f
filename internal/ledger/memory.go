package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps sessions, ledgers and settlements in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]Session
	moves       map[string][]MoveRecord
	settlements map[string]SettlementRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    map[string]Session{},
		moves:       map[string][]MoveRecord{},
		settlements: map[string]SettlementRecord{},
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) error {
	if err := ValidateNewSession(s); err != nil {
		return err
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, sessionID string, fn func(*Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s = cloneSession(s)
	if err := fn(&s); err != nil {
		return err
	}
	s.ID = sessionID
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryStore) ListMoves(ctx context.Context, sessionID string) ([]MoveRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.moves[sessionID]
	out := make([]MoveRecord, len(src))
	for i, r := range src {
		out[i] = cloneMove(r)
	}
	return out, nil
}

func (m *MemoryStore) AppendMove(ctx context.Context, sessionID string, rec MoveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.moves[sessionID]
	if rec.Seq != len(cur) {
		return fmt.Errorf("%w: append seq=%d len=%d", ErrLedgerConflict, rec.Seq, len(cur))
	}
	m.moves[sessionID] = append(cur, cloneMove(rec))
	return nil
}

func (m *MemoryStore) TruncateMoves(ctx context.Context, sessionID string, length int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.moves[sessionID]
	if len(cur) == 0 || length != len(cur)-1 {
		return fmt.Errorf("%w: truncate to=%d len=%d", ErrLedgerConflict, length, len(cur))
	}
	m.moves[sessionID] = cur[:length:length]
	return nil
}

func (m *MemoryStore) GetSettlement(ctx context.Context, sessionID string) (SettlementRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.settlements[sessionID]
	return cloneSettlement(rec), ok, nil
}

func (m *MemoryStore) SaveSettlement(ctx context.Context, rec SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settlements[rec.SessionID]; ok {
		return fmt.Errorf("%w: %s", ErrSettlementExists, rec.SessionID)
	}
	m.settlements[rec.SessionID] = cloneSettlement(rec)
	return nil
}

func (m *MemoryStore) UpdatePayout(ctx context.Context, sessionID string, payout PayoutResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.settlements[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSettlement, sessionID)
	}
	rec.Payout = clonePayout(payout)
	m.settlements[sessionID] = rec
	return nil
}

func cloneSession(s Session) Session {
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	if s.Settings != nil {
		s.Settings = append(json.RawMessage(nil), s.Settings...)
	}
	return s
}

func cloneMove(r MoveRecord) MoveRecord {
	r.Payload = append(json.RawMessage(nil), r.Payload...)
	return r
}

func cloneSettlement(r SettlementRecord) SettlementRecord {
	r.Payout = clonePayout(r.Payout)
	return r
}

func clonePayout(p PayoutResult) PayoutResult {
	if p.Transfers != nil {
		p.Transfers = append([]Transfer(nil), p.Transfers...)
	}
	if p.Signatures != nil {
		p.Signatures = append([]string(nil), p.Signatures...)
	}
	return p
}
