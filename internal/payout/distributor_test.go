package payout

import (
	"context"
	"errors"
	"strings"
	"testing"

	"matchledger.ai/internal/chain"
	"matchledger.ai/internal/ledger"
)

var players = [2]string{"alice", "bob"}

func newDistributor(t *testing.T, c chain.Client, reserve uint64) *Distributor {
	t.Helper()
	d, err := New(c, Config{EscrowSeed: []byte("seed"), FeeReserve: reserve})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestPlan_DrawSplitSumsExactly(t *testing.T) {
	for _, n := range []uint64{1, 2, 3, 10, 11, 999_999_999} {
		ts, err := Plan(players, ledger.Outcome{Reason: ledger.ReasonTerminal, Winner: ledger.Draw}, n)
		if err != nil {
			t.Fatalf("Plan(%d): %v", n, err)
		}
		var sum, second uint64
		for _, tr := range ts {
			sum += tr.Amount
			if tr.To == "bob" {
				second = tr.Amount
			}
		}
		if sum != n {
			t.Fatalf("N=%d: split sums to %d", n, sum)
		}
		if second != n/2 {
			t.Fatalf("N=%d: second participant got %d want %d", n, second, n/2)
		}
		if ts[0].To != "alice" || ts[0].Amount != n-n/2 {
			t.Fatalf("N=%d: first participant got %+v", n, ts[0])
		}
	}
}

func TestPlan_WinnerTakesAll(t *testing.T) {
	ts, err := Plan(players, ledger.Outcome{Reason: ledger.ReasonResignation, Winner: "bob"}, 500)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(ts) != 1 || ts[0].To != "bob" || ts[0].Amount != 500 {
		t.Fatalf("unexpected plan: %+v", ts)
	}
	if _, err := Plan(players, ledger.Outcome{Winner: "eve"}, 500); err == nil {
		t.Fatalf("expected error for unknown winner")
	}
}

func TestDistribute_NoFunds(t *testing.T) {
	d := newDistributor(t, chain.NewOffline(), 5000)
	res := d.Distribute(context.Background(), "s1", players, ledger.Outcome{Winner: "alice"})
	if !res.OK || res.Reason != ReasonNoFunds {
		t.Fatalf("expected no_funds, got %+v", res)
	}
	if res.Escrow != d.Escrow("s1").Address() {
		t.Fatalf("escrow address not reported")
	}
}

func TestDistribute_InsufficientAfterFees(t *testing.T) {
	c := chain.NewOffline()
	d := newDistributor(t, c, 5000)
	c.Fund(d.Escrow("s1").Address(), 5000)
	res := d.Distribute(context.Background(), "s1", players, ledger.Outcome{Winner: "alice"})
	if !res.OK || res.Reason != ReasonInsufficientFees {
		t.Fatalf("expected insufficient_after_fees, got %+v", res)
	}
}

func TestDistribute_DrawAtomic(t *testing.T) {
	ctx := context.Background()
	c := chain.NewOffline()
	d := newDistributor(t, c, 5000)
	c.Fund(d.Escrow("s1").Address(), 5000+1001)

	res := d.Distribute(ctx, "s1", players, ledger.Outcome{Reason: ledger.ReasonTerminal, Winner: ledger.Draw})
	if !res.OK || len(res.Signatures) != 1 {
		t.Fatalf("draw payout: %+v", res)
	}
	a, _ := c.Balance(ctx, "alice")
	b, _ := c.Balance(ctx, "bob")
	left, _ := c.Balance(ctx, d.Escrow("s1").Address())
	if a != 501 || b != 500 || left != 5000 {
		t.Fatalf("balances a=%d b=%d escrow=%d", a, b, left)
	}
}

func TestDistribute_TransferFailureIsReported(t *testing.T) {
	c := chain.NewOffline()
	c.FailTransfers = errors.New("rpc unavailable")
	d := newDistributor(t, c, 0)
	c.Fund(d.Escrow("s1").Address(), 100)
	res := d.Distribute(context.Background(), "s1", players, ledger.Outcome{Winner: "bob"})
	if res.OK || !strings.Contains(res.Error, "rpc unavailable") {
		t.Fatalf("expected reported failure, got %+v", res)
	}
}

// sequentialChain has no batch support and fails transfers to one recipient.
type sequentialChain struct {
	balance uint64
	failTo  string
	sent    []chain.Transfer
}

func (s *sequentialChain) BroadcastCommitment(context.Context, []byte) (string, error) {
	return "memo", nil
}

func (s *sequentialChain) Balance(context.Context, string) (uint64, error) { return s.balance, nil }

func (s *sequentialChain) Transfer(_ context.Context, _ chain.Keypair, to string, amount uint64) (string, error) {
	if to == s.failTo {
		return "", errors.New("account frozen")
	}
	s.sent = append(s.sent, chain.Transfer{To: to, Amount: amount})
	return "sig-" + to, nil
}

func TestDistribute_SequentialReportsEachFailure(t *testing.T) {
	c := &sequentialChain{balance: 10, failTo: "bob"}
	d := newDistributor(t, c, 0)
	res := d.Distribute(context.Background(), "s1", players, ledger.Outcome{Winner: ledger.Draw})
	if res.OK {
		t.Fatalf("expected failure")
	}
	if len(res.Signatures) != 1 || res.Signatures[0] != "sig-alice" {
		t.Fatalf("successful transfer not reported: %+v", res.Signatures)
	}
	if !strings.Contains(res.Error, "transfer to bob") {
		t.Fatalf("failed transfer not reported: %q", res.Error)
	}
	if len(c.sent) != 1 || c.sent[0].Amount != 5 {
		t.Fatalf("sent: %+v", c.sent)
	}
}
