package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"matchledger.ai/internal/commit"
	"matchledger.ai/internal/engine"
	"matchledger.ai/internal/engine/memengine"
	"matchledger.ai/internal/ledger"
	"matchledger.ai/internal/persistence/archive"
	"matchledger.ai/internal/persistence/sqlitestore"
	"matchledger.ai/internal/session"
)

func main() {
	var (
		ledgerPath   = flag.String("ledger", "", "path to a session ledger.jsonl.zst")
		archiveDir   = flag.String("archive", "./data/archive", "archive directory (used with -session)")
		sessionID    = flag.String("session", "", "session id (resolves -ledger inside -archive)")
		dbPath       = flag.String("db", "", "sqlite store to cross-check the settlement record (optional)")
		participants = flag.String("participants", "", "a,b participant ids for engine replay (defaults to the db or move authors)")
		unitKind     = flag.String("terminal_unit", session.DefaultTerminalUnitKind, "unit kind whose capture ends the match")
		noEngine     = flag.Bool("no_engine", false, "skip re-applying moves to the reference engine")
	)
	flag.Parse()

	path := strings.TrimSpace(*ledgerPath)
	replicationDir := ""
	if path == "" {
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintln(os.Stderr, "missing -ledger or -session")
			os.Exit(2)
		}
		store := archive.New(*archiveDir)
		path = store.LedgerPath(*sessionID)
		replicationDir = store.ReplicationDir()
	}

	summary, moves, err := archive.ReadLedger(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read ledger:", err)
		os.Exit(1)
	}
	in := verifyInput{Summary: summary, Moves: moves, UnitKind: *unitKind, Engine: !*noEngine}

	if p := strings.TrimSpace(*participants); p != "" {
		parts := strings.Split(p, ",")
		if len(parts) != 2 {
			fmt.Fprintln(os.Stderr, "bad -participants: want a,b")
			os.Exit(2)
		}
		in.Participants = [2]string{strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *dbPath != "" {
		store, err := sqlitestore.Open(filepath.Clean(*dbPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "open db:", err)
			os.Exit(1)
		}
		defer store.Close()
		sess, err := store.GetSession(ctx, summary.SessionID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load session:", err)
			os.Exit(1)
		}
		if in.Participants == ([2]string{}) {
			in.Participants = sess.Participants
		}
		in.Settings = sess.Settings
		rec, ok, err := store.GetSettlement(ctx, summary.SessionID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load settlement:", err)
			os.Exit(1)
		}
		if ok {
			in.Stored = &rec
		}
	}

	rep, err := verify(ctx, in)
	fmt.Printf("session=%s moves=%d root=%s state=%s ref=%s\n",
		summary.SessionID, len(moves), rep.MerkleRoot, rep.FinalStateHash, summary.CommitmentRef)
	if rep.EngineChecked {
		fmt.Printf("engine replay ok; terminal=%s\n", describeOutcome(rep.Terminal))
	}
	if replicationDir != "" {
		// Replication is best effort; gaps are reported, not failed.
		if n, rerr := replicationCoverage(replicationDir, summary.SessionID, moves); rerr != nil {
			fmt.Fprintln(os.Stderr, "read replication log:", rerr)
		} else {
			fmt.Printf("replication log has %d/%d ledger moves\n", n, len(moves))
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "MISMATCH:", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

type verifyInput struct {
	Summary      ledger.SettlementRecord
	Moves        []ledger.MoveRecord
	Participants [2]string
	Settings     json.RawMessage
	UnitKind     string
	// Stored is the settlement record from the live store, when available.
	Stored *ledger.SettlementRecord
	Engine bool
}

type report struct {
	MerkleRoot     string
	FinalStateHash string
	EngineChecked  bool
	Terminal       *ledger.Outcome
}

// verify recomputes every move hash and the commitment, then optionally replays the moves on a
// fresh reference engine. All mismatches are joined into one error.
func verify(ctx context.Context, in verifyInput) (report, error) {
	var errs []error
	var rep report

	for i, m := range in.Moves {
		if m.Seq != i {
			errs = append(errs, fmt.Errorf("move %d has seq %d", i, m.Seq))
		}
		h, err := commit.ContentHash(m.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("hash move %d: %w", i, err))
			continue
		}
		if m.Hash != "" && m.Hash != h {
			errs = append(errs, fmt.Errorf("move %d hash %s != recomputed %s", i, m.Hash, h))
		}
	}

	root, stateHash, err := session.LedgerCommitment(in.Summary.SessionID, in.Moves)
	if err != nil {
		return rep, err
	}
	rep.MerkleRoot, rep.FinalStateHash = root, stateHash
	if in.Summary.MoveCount != len(in.Moves) {
		errs = append(errs, fmt.Errorf("summary move_count %d != %d moves", in.Summary.MoveCount, len(in.Moves)))
	}
	if in.Summary.MerkleRoot != root {
		errs = append(errs, fmt.Errorf("merkle root %s != recomputed %s", in.Summary.MerkleRoot, root))
	}
	if in.Summary.FinalStateHash != stateHash {
		errs = append(errs, fmt.Errorf("final state hash %s != recomputed %s", in.Summary.FinalStateHash, stateHash))
	}
	if s := in.Stored; s != nil {
		if s.MerkleRoot != root || s.CommitmentRef != in.Summary.CommitmentRef || s.Outcome != in.Summary.Outcome {
			errs = append(errs, errors.New("archived summary differs from stored settlement"))
		}
	}

	if in.Engine {
		parts := in.Participants
		if parts == ([2]string{}) {
			parts = authorsOf(in.Moves)
		}
		if parts[0] == "" || parts[1] == "" {
			errs = append(errs, errors.New("engine replay needs both participants (-participants or -db)"))
		} else {
			out, err := replay(ctx, memengine.New(), in.Summary.SessionID, parts, in.Settings, in.Moves, in.UnitKind)
			if err != nil {
				errs = append(errs, err)
			} else {
				rep.EngineChecked = true
				rep.Terminal = out
				if in.Summary.Outcome.Reason == ledger.ReasonTerminal && (out == nil || *out != in.Summary.Outcome) {
					errs = append(errs, fmt.Errorf("terminal outcome %s != replayed %s", describeOutcome(&in.Summary.Outcome), describeOutcome(out)))
				}
			}
		}
	}
	return rep, errors.Join(errs...)
}

func replay(ctx context.Context, eng engine.Engine, sessionID string, participants [2]string, settings json.RawMessage, moves []ledger.MoveRecord, unitKind string) (*ledger.Outcome, error) {
	if err := eng.Initialize(ctx, sessionID, participants, settings); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	for _, m := range moves {
		if want := participants[m.Seq%2]; m.Author != want {
			return nil, fmt.Errorf("move %d authored by %s, expected %s", m.Seq, m.Author, want)
		}
		res, err := eng.Submit(ctx, sessionID, m.Payload, m.Author, uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("replay move %d: %w", m.Seq, err)
		}
		if !res.Success {
			return nil, fmt.Errorf("replay move %d declined: %s", m.Seq, res.Reason)
		}
	}
	state, err := eng.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return session.DetectTerminal(state, participants, unitKind), nil
}

// replicationCoverage counts ledger moves that also appear, with the same hash, in the
// replication log.
func replicationCoverage(dir, sessionID string, moves []ledger.MoveRecord) (int, error) {
	seen := map[int]map[string]bool{}
	err := archive.ReadReplication(dir, func(m archive.ReplicatedMove) error {
		if m.SessionID != sessionID {
			return nil
		}
		if seen[m.Move.Seq] == nil {
			seen[m.Move.Seq] = map[string]bool{}
		}
		seen[m.Move.Seq][m.Move.Hash] = true
		return nil
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range moves {
		if seen[m.Seq][m.Hash] {
			n++
		}
	}
	return n, nil
}

func authorsOf(moves []ledger.MoveRecord) [2]string {
	var out [2]string
	for i := 0; i < len(moves) && i < 2; i++ {
		out[i] = moves[i].Author
	}
	return out
}

func describeOutcome(o *ledger.Outcome) string {
	if o == nil {
		return "none"
	}
	return fmt.Sprintf("%s/%s", o.Reason, o.Winner)
}
