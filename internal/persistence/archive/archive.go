// Package archive keeps a local replay archive: an hour-rotated replication log of accepted
// moves and one compressed ledger file per settled session.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"matchledger.ai/internal/ledger"
)

const (
	KindSummary = "summary"
	KindMove    = "move"
)

// Entry is one line of a ledger file: the summary first, then every move in order.
type Entry struct {
	Kind    string                   `json:"kind"`
	Summary *ledger.SettlementRecord `json:"summary,omitempty"`
	Move    *ledger.MoveRecord       `json:"move,omitempty"`
}

type Meta struct {
	SessionID     string `json:"session_id"`
	MoveCount     int    `json:"move_count"`
	MerkleRoot    string `json:"merkle_root"`
	CommitmentRef string `json:"commitment_ref"`
	Ledger        string `json:"ledger"`
	CreatedAt     string `json:"created_at"`
}

type Store struct {
	dir   string
	moves *moveLog
}

func New(dir string) *Store {
	return &Store{
		dir:   dir,
		moves: newMoveLog(filepath.Join(dir, "replication")),
	}
}

func (s *Store) Close() error { return s.moves.close() }

func (s *Store) Append(ctx context.Context, sessionID string, rec ledger.MoveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.moves.append(sessionID, rec)
}

// ReplicationDir holds the hour-rotated move log written by Append.
func (s *Store) ReplicationDir() string { return s.moves.dir }

// LedgerPath is where PersistLedger writes the session's ledger.
func (s *Store) LedgerPath(sessionID string) string {
	return filepath.Join(s.dir, "sessions", url.PathEscape(sessionID), "ledger.jsonl.zst")
}

// PersistLedger writes the ledger file atomically, replacing any earlier file for the session.
func (s *Store) PersistLedger(ctx context.Context, summary ledger.SettlementRecord, moves []ledger.MoveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if summary.SessionID == "" {
		return errors.New("archive: empty session id")
	}
	dst := s.LedgerPath(summary.SessionID)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "ledger-*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := writeLedger(tmp, summary, moves); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}

	meta := Meta{
		SessionID:     summary.SessionID,
		MoveCount:     len(moves),
		MerkleRoot:    summary.MerkleRoot,
		CommitmentRef: summary.CommitmentRef,
		Ledger:        filepath.Base(dst),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}
	return nil
}

func writeLedger(f *os.File, summary ledger.SettlementRecord, moves []ledger.MoveRecord) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	je := json.NewEncoder(enc)
	if err := je.Encode(Entry{Kind: KindSummary, Summary: &summary}); err != nil {
		_ = enc.Close()
		return err
	}
	for i := range moves {
		if err := je.Encode(Entry{Kind: KindMove, Move: &moves[i]}); err != nil {
			_ = enc.Close()
			return err
		}
	}
	return enc.Close()
}

// ReadLedger loads a file written by PersistLedger.
func ReadLedger(path string) (ledger.SettlementRecord, []ledger.MoveRecord, error) {
	var (
		summary *ledger.SettlementRecord
		moves   []ledger.MoveRecord
	)
	err := readFile(path, func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		switch e.Kind {
		case KindSummary:
			if summary != nil {
				return errors.New("duplicate summary line")
			}
			summary = e.Summary
		case KindMove:
			if summary == nil {
				return errors.New("move before summary")
			}
			if e.Move == nil {
				return errors.New("empty move line")
			}
			moves = append(moves, *e.Move)
		default:
			return fmt.Errorf("unknown entry kind %q", e.Kind)
		}
		return nil
	})
	if err != nil {
		return ledger.SettlementRecord{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	if summary == nil {
		return ledger.SettlementRecord{}, nil, fmt.Errorf("%s: missing summary", path)
	}
	return *summary, moves, nil
}
