package chain

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
)

func TestDeriveEscrow_Deterministic(t *testing.T) {
	seed := []byte("operator-seed")
	a := DeriveEscrow(seed, "s1")
	b := DeriveEscrow(seed, "s1")
	if a.Address() != b.Address() || !a.Private.Equal(b.Private) {
		t.Fatalf("derivation not deterministic")
	}
	if DeriveEscrow(seed, "s2").Address() == a.Address() {
		t.Fatalf("different sessions share an escrow")
	}
	if DeriveEscrow([]byte("other-seed"), "s1").Address() == a.Address() {
		t.Fatalf("different seeds share an escrow")
	}
	if !ValidAddress(a.Address()) {
		t.Fatalf("derived address is not a 32-byte key: %s", a.Address())
	}
}

func TestDeriveEscrow_Signs(t *testing.T) {
	kp := DeriveEscrow([]byte("seed"), "s1")
	msg := []byte("payout")
	sig := ed25519.Sign(kp.Private, msg)
	if !ed25519.Verify(kp.Public(), msg, sig) {
		t.Fatalf("derived key cannot sign")
	}
}

func TestParseKeypair(t *testing.T) {
	kp := DeriveEscrow([]byte("seed"), "authority")
	full, err := ParseKeypair(base58.Encode(kp.Private))
	if err != nil {
		t.Fatalf("ParseKeypair full: %v", err)
	}
	seedOnly, err := ParseKeypair(base58.Encode(kp.Private.Seed()))
	if err != nil {
		t.Fatalf("ParseKeypair seed: %v", err)
	}
	if full.Address() != kp.Address() || seedOnly.Address() != kp.Address() {
		t.Fatalf("parsed keypair address mismatch")
	}
	if _, err := ParseKeypair(base58.Encode([]byte("short"))); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestOffline_TransferBatchAtomic(t *testing.T) {
	ctx := context.Background()
	o := NewOffline()
	escrow := DeriveEscrow([]byte("seed"), "s1")
	o.Fund(escrow.Address(), 100)

	_, err := o.TransferBatch(ctx, escrow, []Transfer{{To: "a", Amount: 60}, {To: "b", Amount: 60}})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if bal, _ := o.Balance(ctx, escrow.Address()); bal != 100 {
		t.Fatalf("failed batch moved funds: %d", bal)
	}

	sig, err := o.TransferBatch(ctx, escrow, []Transfer{{To: "a", Amount: 50}, {To: "b", Amount: 40}})
	if err != nil {
		t.Fatalf("TransferBatch: %v", err)
	}
	if raw, err := base58.Decode(sig); err != nil || len(raw) != 64 {
		t.Fatalf("synthetic signature malformed: %q", sig)
	}
	a, _ := o.Balance(ctx, "a")
	b, _ := o.Balance(ctx, "b")
	rest, _ := o.Balance(ctx, escrow.Address())
	if a != 50 || b != 40 || rest != 10 {
		t.Fatalf("balances: a=%d b=%d escrow=%d", a, b, rest)
	}
}

func TestOffline_BroadcastRecordsMemo(t *testing.T) {
	o := NewOffline()
	ref1, err := o.BroadcastCommitment(context.Background(), []byte(`{"k":1}`))
	if err != nil {
		t.Fatalf("BroadcastCommitment: %v", err)
	}
	ref2, _ := o.BroadcastCommitment(context.Background(), []byte(`{"k":1}`))
	if ref1 == "" || ref1 == ref2 {
		t.Fatalf("references must be unique: %q %q", ref1, ref2)
	}
	if len(o.Memos()) != 2 {
		t.Fatalf("memos: got %d want 2", len(o.Memos()))
	}
}
