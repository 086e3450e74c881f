package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"matchledger.ai/internal/commit"
	"matchledger.ai/internal/ledger"
	"matchledger.ai/internal/persistence/archive"
	"matchledger.ai/internal/session"
)

func buildLedger(t *testing.T, sessionID string, authors []string, payloads ...string) (ledger.SettlementRecord, []ledger.MoveRecord) {
	t.Helper()
	var moves []ledger.MoveRecord
	for i, p := range payloads {
		h, err := commit.ContentHash(json.RawMessage(p))
		if err != nil {
			t.Fatalf("ContentHash: %v", err)
		}
		moves = append(moves, ledger.MoveRecord{
			Seq:       i,
			Timestamp: time.Unix(1700000000+int64(i), 0).UTC(),
			Author:    authors[i%2],
			Payload:   json.RawMessage(p),
			Hash:      h,
		})
	}
	root, state, err := session.LedgerCommitment(sessionID, moves)
	if err != nil {
		t.Fatalf("LedgerCommitment: %v", err)
	}
	return ledger.SettlementRecord{
		SessionID:      sessionID,
		Outcome:        ledger.Outcome{Reason: ledger.ReasonResignation, Winner: authors[0]},
		MerkleRoot:     root,
		FinalStateHash: state,
		MoveCount:      len(moves),
		CommitmentRef:  "offline-memo-1",
	}, moves
}

func TestVerify_ArchivedLedgerRoundTrip(t *testing.T) {
	summary, moves := buildLedger(t, "s1", []string{"alice", "bob"},
		`{"unit":"a-scout","to":{"x":2,"y":1}}`,
		`{"unit":"b-scout","to":{"x":2,"y":3}}`,
	)
	store := archive.New(t.TempDir())
	defer store.Close()
	if err := store.PersistLedger(context.Background(), summary, moves); err != nil {
		t.Fatalf("PersistLedger: %v", err)
	}
	gotSummary, gotMoves, err := archive.ReadLedger(store.LedgerPath("s1"))
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}

	rep, err := verify(context.Background(), verifyInput{
		Summary:  gotSummary,
		Moves:    gotMoves,
		UnitKind: session.DefaultTerminalUnitKind,
		Engine:   true,
		Stored:   &summary,
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.EngineChecked || rep.Terminal != nil || rep.MerkleRoot != summary.MerkleRoot {
		t.Fatalf("report %+v", rep)
	}
}

func TestVerify_DetectsTamperedPayload(t *testing.T) {
	summary, moves := buildLedger(t, "s1", []string{"alice", "bob"}, `{"unit":"a-scout","to":{"x":2,"y":1}}`)
	moves[0].Payload = json.RawMessage(`{"unit":"a-scout","to":{"x":3,"y":0}}`)

	_, err := verify(context.Background(), verifyInput{Summary: summary, Moves: moves})
	if err == nil || !strings.Contains(err.Error(), "hash") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestVerify_TerminalOutcomeMustReplay(t *testing.T) {
	settings := json.RawMessage(`{"width":3,"height":3,"units":[
  {"id":"a-marshal","owner":"alice","kind":"marshal","rank":10,"pos":{"x":2,"y":0}},
  {"id":"a-captain","owner":"alice","kind":"captain","rank":12,"pos":{"x":0,"y":1}},
  {"id":"b-marshal","owner":"bob","kind":"marshal","rank":10,"pos":{"x":0,"y":2}}
]}`)
	summary, moves := buildLedger(t, "s2", []string{"alice", "bob"}, `{"unit":"a-captain","to":{"x":0,"y":2}}`)
	summary.Outcome = ledger.Outcome{Reason: ledger.ReasonTerminal, Winner: "alice"}

	in := verifyInput{
		Summary:      summary,
		Moves:        moves,
		Participants: [2]string{"alice", "bob"},
		Settings:     settings,
		UnitKind:     session.DefaultTerminalUnitKind,
		Engine:       true,
	}
	rep, err := verify(context.Background(), in)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Terminal == nil || rep.Terminal.Winner != "alice" {
		t.Fatalf("terminal %+v", rep.Terminal)
	}

	in.Summary.Outcome.Winner = "bob"
	if _, err := verify(context.Background(), in); err == nil || !strings.Contains(err.Error(), "terminal outcome") {
		t.Fatalf("expected terminal mismatch, got %v", err)
	}
}

func TestVerify_StoredSettlementMismatch(t *testing.T) {
	summary, moves := buildLedger(t, "s3", []string{"alice", "bob"}, `{"unit":"a-scout","to":{"x":2,"y":1}}`)
	stored := summary
	stored.CommitmentRef = "other"
	_, err := verify(context.Background(), verifyInput{Summary: summary, Moves: moves, Stored: &stored})
	if err == nil || !strings.Contains(err.Error(), "stored settlement") {
		t.Fatalf("expected stored mismatch, got %v", err)
	}
}

func TestReplicationCoverage_CountsMatchingMoves(t *testing.T) {
	_, moves := buildLedger(t, "s4", []string{"alice", "bob"},
		`{"unit":"a-scout","to":{"x":2,"y":1}}`,
		`{"unit":"b-scout","to":{"x":2,"y":3}}`,
	)
	store := archive.New(t.TempDir())
	defer store.Close()
	ctx := context.Background()
	if err := store.Append(ctx, "s4", moves[0]); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, "other", moves[1]); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	n, err := replicationCoverage(store.ReplicationDir(), "s4", moves)
	if err != nil {
		t.Fatalf("replicationCoverage: %v", err)
	}
	if n != 1 {
		t.Fatalf("covered %d want 1", n)
	}
}
