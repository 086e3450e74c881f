package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestMemoryStore_AppendAndTruncateOnlyAtTail(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for i := 0; i < 3; i++ {
		if err := m.AppendMove(ctx, "s1", MoveRecord{Seq: i, Author: "a", Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := m.AppendMove(ctx, "s1", MoveRecord{Seq: 1}); !errors.Is(err, ErrLedgerConflict) {
		t.Fatalf("expected conflict for stale seq, got %v", err)
	}
	if err := m.TruncateMoves(ctx, "s1", 1); !errors.Is(err, ErrLedgerConflict) {
		t.Fatalf("expected conflict for multi-record truncate, got %v", err)
	}
	if err := m.TruncateMoves(ctx, "s1", 2); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	got, _ := m.ListMoves(ctx, "s1")
	if len(got) != 2 {
		t.Fatalf("len after truncate: got %d want 2", len(got))
	}
	if err := m.AppendMove(ctx, "s1", MoveRecord{Seq: 2}); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
}

func TestMemoryStore_ListReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.AppendMove(ctx, "s1", MoveRecord{Seq: 0, Payload: json.RawMessage(`{"a":1}`)})
	got, _ := m.ListMoves(ctx, "s1")
	got[0].Payload[2] = 'z'
	again, _ := m.ListMoves(ctx, "s1")
	if string(again[0].Payload) != `{"a":1}` {
		t.Fatalf("stored payload mutated through returned slice: %s", again[0].Payload)
	}
}

func TestMemoryStore_SettlementPayoutReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	payout := PayoutResult{OK: true, Transfers: []Transfer{{To: "alice", Amount: 10}}, Signatures: []string{"sig1"}}
	if err := m.SaveSettlement(ctx, SettlementRecord{SessionID: "s1", Payout: payout}); err != nil {
		t.Fatalf("save: %v", err)
	}
	payout.Signatures[0] = "caller"
	got, _, _ := m.GetSettlement(ctx, "s1")
	got.Payout.Transfers[0].Amount = 99
	got.Payout.Signatures[0] = "mutated"

	again, _, _ := m.GetSettlement(ctx, "s1")
	if again.Payout.Transfers[0].Amount != 10 || again.Payout.Signatures[0] != "sig1" {
		t.Fatalf("stored payout mutated through shared slices: %+v", again.Payout)
	}
}

func TestMemoryStore_SettlementInsertOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	rec := SettlementRecord{SessionID: "s1", MerkleRoot: "r1"}
	if err := m.SaveSettlement(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.MerkleRoot = "r2"
	if err := m.SaveSettlement(ctx, rec); !errors.Is(err, ErrSettlementExists) {
		t.Fatalf("expected ErrSettlementExists, got %v", err)
	}
	got, ok, _ := m.GetSettlement(ctx, "s1")
	if !ok || got.MerkleRoot != "r1" {
		t.Fatalf("settlement overwritten: %+v", got)
	}
	if err := m.UpdatePayout(ctx, "s1", PayoutResult{OK: true, Reason: "no_funds"}); err != nil {
		t.Fatalf("update payout: %v", err)
	}
	if err := m.UpdatePayout(ctx, "missing", PayoutResult{}); !errors.Is(err, ErrNoSettlement) {
		t.Fatalf("expected ErrNoSettlement, got %v", err)
	}
}

func TestValidateNewSession(t *testing.T) {
	cases := []Session{
		{ID: "", Participants: [2]string{"a", "b"}},
		{ID: "s", Participants: [2]string{"a", ""}},
		{ID: "s", Participants: [2]string{"a", "a"}},
		{ID: "s", Participants: [2]string{"a", Draw}},
	}
	for _, c := range cases {
		if err := ValidateNewSession(c); err == nil {
			t.Fatalf("expected error for %+v", c)
		}
	}
	if err := ValidateNewSession(Session{ID: "s", Participants: [2]string{"a", "b"}}); err != nil {
		t.Fatalf("valid session rejected: %v", err)
	}
}

func TestSession_NextToMoveParity(t *testing.T) {
	s := Session{Participants: [2]string{"alice", "bob"}}
	for n := 0; n < 6; n++ {
		want := "alice"
		if n%2 == 1 {
			want = "bob"
		}
		if got := s.NextToMove(n); got != want {
			t.Fatalf("len=%d: got %s want %s", n, got, want)
		}
	}
	if s.Opponent("alice") != "bob" || s.Opponent("bob") != "alice" || s.Opponent("eve") != "" {
		t.Fatalf("opponent mapping wrong")
	}
}
