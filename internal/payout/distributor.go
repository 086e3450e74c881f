// Package payout moves a session's escrow balance to the winner, or splits it on a draw.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"matchledger.ai/internal/chain"
	"matchledger.ai/internal/ledger"
)

const (
	ReasonNoFunds             = "no_funds"
	ReasonInsufficientFees    = "insufficient_after_fees"
	DefaultFeeReserveLamports = 5000
)

type Config struct {
	EscrowSeed []byte
	// FeeReserve stays in escrow to pay transaction fees.
	FeeReserve uint64
	Timeout    time.Duration
	Logger     *log.Logger
}

type Distributor struct {
	chain      chain.Client
	seed       []byte
	feeReserve uint64
	timeout    time.Duration
	log        *log.Logger
}

func New(c chain.Client, cfg Config) (*Distributor, error) {
	if c == nil {
		return nil, errors.New("nil chain client")
	}
	if len(cfg.EscrowSeed) == 0 {
		return nil, errors.New("escrow seed is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Distributor{
		chain:      c,
		seed:       append([]byte(nil), cfg.EscrowSeed...),
		feeReserve: cfg.FeeReserve,
		timeout:    cfg.Timeout,
		log:        cfg.Logger,
	}, nil
}

// Escrow returns the session's derived escrow keypair.
func (d *Distributor) Escrow(sessionID string) chain.Keypair {
	return chain.DeriveEscrow(d.seed, sessionID)
}

// Distribute never returns an error: failures are reported in the result so settlement can
// proceed and the payout can be retried on its own.
func (d *Distributor) Distribute(ctx context.Context, sessionID string, participants [2]string, outcome ledger.Outcome) ledger.PayoutResult {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	escrow := d.Escrow(sessionID)
	res := ledger.PayoutResult{Escrow: escrow.Address()}

	balance, err := d.chain.Balance(ctx, res.Escrow)
	if err != nil {
		res.Error = fmt.Sprintf("read escrow balance: %v", err)
		return res
	}
	res.Balance = balance
	if balance == 0 {
		res.OK = true
		res.Reason = ReasonNoFunds
		return res
	}
	if balance <= d.feeReserve {
		res.OK = true
		res.Reason = ReasonInsufficientFees
		return res
	}

	transfers, err := Plan(participants, outcome, balance-d.feeReserve)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	for _, t := range transfers {
		res.Transfers = append(res.Transfers, ledger.Transfer{To: t.To, Amount: t.Amount})
	}

	if batch, ok := d.chain.(chain.BatchTransferer); ok {
		sig, err := batch.TransferBatch(ctx, escrow, transfers)
		if err != nil {
			res.Error = fmt.Sprintf("batch transfer: %v", err)
			return res
		}
		res.OK = true
		res.Signatures = []string{sig}
		return res
	}

	var failures []string
	for _, t := range transfers {
		sig, err := d.chain.Transfer(ctx, escrow, t.To, t.Amount)
		if err != nil {
			failures = append(failures, fmt.Sprintf("transfer to %s: %v", t.To, err))
			continue
		}
		res.Signatures = append(res.Signatures, sig)
	}
	if len(failures) > 0 {
		res.Error = strings.Join(failures, "; ")
		if d.log != nil {
			d.log.Printf("payout session=%s partial failure: %s", sessionID, res.Error)
		}
		return res
	}
	res.OK = true
	return res
}

// Plan computes the transfers for an available amount. On a draw the second participant gets
// floor(N/2) and the first gets the remainder.
func Plan(participants [2]string, outcome ledger.Outcome, available uint64) ([]chain.Transfer, error) {
	if available == 0 {
		return nil, nil
	}
	if outcome.IsDraw() {
		half := available / 2
		out := []chain.Transfer{{To: participants[0], Amount: available - half}}
		if half > 0 {
			out = append(out, chain.Transfer{To: participants[1], Amount: half})
		}
		return out, nil
	}
	if outcome.Winner != participants[0] && outcome.Winner != participants[1] {
		return nil, fmt.Errorf("winner %q is not a participant", outcome.Winner)
	}
	return []chain.Transfer{{To: outcome.Winner, Amount: available}}, nil
}
