package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

type SolanaConfig struct {
	RPCURL string
	// Authority signs and pays for commitment memos.
	Authority  Keypair
	Commitment rpc.CommitmentType
}

// Solana is the live-network client. Commitments are memo-program transactions; payouts are
// system transfers paid for by the escrow itself.
type Solana struct {
	rpc        *rpc.Client
	authority  Keypair
	commitment rpc.CommitmentType
}

var (
	_ Client          = (*Solana)(nil)
	_ BatchTransferer = (*Solana)(nil)
)

func NewSolana(cfg SolanaConfig) (*Solana, error) {
	url := strings.TrimSpace(cfg.RPCURL)
	if url == "" {
		return nil, fmt.Errorf("empty solana rpc url")
	}
	if cfg.Authority.Address() == "" {
		return nil, fmt.Errorf("solana authority key is required")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	return &Solana{
		rpc:        rpc.New(url),
		authority:  cfg.Authority,
		commitment: cfg.Commitment,
	}, nil
}

func (s *Solana) BroadcastCommitment(ctx context.Context, memo []byte) (string, error) {
	payer := solana.PrivateKey(s.authority.Private)
	ix := solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(payer.PublicKey(), false, true)},
		memo,
	)
	return s.send(ctx, payer, ix)
}

func (s *Solana) Balance(ctx context.Context, address string) (uint64, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("parse address: %w", err)
	}
	out, err := s.rpc.GetBalance(ctx, pk, s.commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return out.Value, nil
}

func (s *Solana) Transfer(ctx context.Context, from Keypair, to string, amount uint64) (string, error) {
	return s.TransferBatch(ctx, from, []Transfer{{To: to, Amount: amount}})
}

func (s *Solana) TransferBatch(ctx context.Context, from Keypair, transfers []Transfer) (string, error) {
	payer := solana.PrivateKey(from.Private)
	ixs := make([]solana.Instruction, 0, len(transfers))
	for _, t := range transfers {
		to, err := solana.PublicKeyFromBase58(t.To)
		if err != nil {
			return "", fmt.Errorf("parse recipient %q: %w", t.To, err)
		}
		ixs = append(ixs, system.NewTransferInstruction(t.Amount, payer.PublicKey(), to).Build())
	}
	return s.send(ctx, payer, ixs...)
}

func (s *Solana) send(ctx context.Context, payer solana.PrivateKey, ixs ...solana.Instruction) (string, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.commitment)
	if err != nil {
		return "", fmt.Errorf("latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(ixs, recent.Value.Blockhash, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	sig, err := s.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return sig.String(), nil
}
