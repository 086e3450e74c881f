// Package commit computes the content hashes, Merkle roots and final-state digests that make a
// match ledger tamper evident.
package commit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EmptyRoot is the Merkle root of a ledger with no moves.
var EmptyRoot = hashBytes([]byte("empty"))

// ContentHash returns the lowercase hex SHA-256 of v's canonical JSON encoding.
// Object keys are sorted, so two payloads that differ only in key order hash the same.
func ContentHash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return hashBytes(b), nil
}

// Canonical encodes v as compact JSON with sorted object keys.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	return out, nil
}

// MerkleRoot folds an ordered list of hex hashes into a single root. Odd levels duplicate their
// last node. The result depends on leaf order.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return EmptyRoot
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = leafBytes(l)
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}

// FinalStateHash digests the compact summary of a finished ledger.
func FinalStateHash(sessionID string, lastMoveHash *string, moveCount int) (string, error) {
	summary := struct {
		SessionID    string  `json:"session_id"`
		LastMoveHash *string `json:"last_move_hash"`
		MoveCount    int     `json:"move_count"`
	}{sessionID, lastMoveHash, moveCount}
	return ContentHash(summary)
}

func leafBytes(leaf string) []byte {
	if b, err := hex.DecodeString(leaf); err == nil && len(b) > 0 {
		return b
	}
	return []byte(leaf)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
