// Package chain is the blockchain boundary: commitment broadcast, balance reads and transfers,
// plus deterministic escrow keypairs.
package chain

import (
	"context"
	"errors"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Client is the minimal chain surface the settlement path needs.
type Client interface {
	// BroadcastCommitment publishes memo bytes and returns the transaction reference.
	BroadcastCommitment(ctx context.Context, memo []byte) (string, error)
	Balance(ctx context.Context, address string) (uint64, error)
	Transfer(ctx context.Context, from Keypair, to string, amount uint64) (string, error)
}

// BatchTransferer is implemented by clients that can move funds to several recipients in one
// atomic transaction.
type BatchTransferer interface {
	TransferBatch(ctx context.Context, from Keypair, transfers []Transfer) (string, error)
}

type Transfer struct {
	To     string
	Amount uint64
}
