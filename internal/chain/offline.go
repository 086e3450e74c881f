package chain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
)

// Offline is the disabled-network client: balances live in memory and every transaction gets a
// synthetic signature. It never touches a live network.
type Offline struct {
	mu       sync.Mutex
	balances map[string]uint64
	memos    [][]byte
	seq      uint64

	// FailTransfers makes every transfer fail with the given error.
	FailTransfers error
}

var (
	_ Client          = (*Offline)(nil)
	_ BatchTransferer = (*Offline)(nil)
)

func NewOffline() *Offline {
	return &Offline{balances: map[string]uint64{}}
}

// Fund credits address with amount.
func (o *Offline) Fund(address string, amount uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.balances[address] += amount
}

// Memos returns every commitment memo broadcast so far.
func (o *Offline) Memos() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.memos))
	copy(out, o.memos)
	return out
}

func (o *Offline) BroadcastCommitment(ctx context.Context, memo []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.memos = append(o.memos, append([]byte(nil), memo...))
	return o.signatureLocked("memo", memo), nil
}

func (o *Offline) Balance(ctx context.Context, address string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.balances[address], nil
}

func (o *Offline) Transfer(ctx context.Context, from Keypair, to string, amount uint64) (string, error) {
	return o.TransferBatch(ctx, from, []Transfer{{To: to, Amount: amount}})
}

// TransferBatch applies all transfers or none.
func (o *Offline) TransferBatch(ctx context.Context, from Keypair, transfers []Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailTransfers != nil {
		return "", o.FailTransfers
	}
	src := from.Address()
	var total uint64
	for _, t := range transfers {
		total += t.Amount
	}
	if o.balances[src] < total {
		return "", fmt.Errorf("%w: have=%d need=%d", ErrInsufficientFunds, o.balances[src], total)
	}
	o.balances[src] -= total
	var buf []byte
	for _, t := range transfers {
		o.balances[t.To] += t.Amount
		buf = append(buf, t.To...)
		buf = binary.LittleEndian.AppendUint64(buf, t.Amount)
	}
	return o.signatureLocked(src, buf), nil
}

func (o *Offline) signatureLocked(kind string, body []byte) string {
	o.seq++
	h := sha256.New()
	h.Write([]byte("offline|"))
	h.Write([]byte(kind))
	h.Write(binary.LittleEndian.AppendUint64(nil, o.seq))
	h.Write(body)
	sum := h.Sum(nil)
	// 64 bytes, the length of a real ed25519 signature.
	return base58.Encode(append(sum, sum...))
}
