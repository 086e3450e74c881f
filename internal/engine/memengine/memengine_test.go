package memengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"matchledger.ai/internal/engine"
)

func mustInit(t *testing.T, e *Engine, settings string) {
	t.Helper()
	var raw json.RawMessage
	if settings != "" {
		raw = json.RawMessage(settings)
	}
	if err := e.Initialize(context.Background(), "s1", [2]string{"alice", "bob"}, raw); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func submit(t *testing.T, e *Engine, move, author, nonce string) engine.Result {
	t.Helper()
	res, err := e.Submit(context.Background(), "s1", json.RawMessage(move), author, nonce)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res
}

func TestSubmit_TurnAndAdjacency(t *testing.T) {
	e := New()
	mustInit(t, e, "")

	if res := submit(t, e, `{"unit":"b-scout","to":{"x":2,"y":3}}`, "bob", "n0"); res.Success {
		t.Fatalf("bob moved out of turn")
	}
	if res := submit(t, e, `{"unit":"a-scout","to":{"x":2,"y":2}}`, "alice", "n1"); res.Success {
		t.Fatalf("two-square move accepted")
	}
	res := submit(t, e, `{"unit":"a-scout","to":{"x":2,"y":1}}`, "alice", "n2")
	if !res.Success || res.MoveHash == "" {
		t.Fatalf("legal move rejected: %+v", res)
	}
	if res := submit(t, e, `{"unit":"a-scout","to":{"x":2,"y":2}}`, "alice", "n3"); res.Success {
		t.Fatalf("alice moved twice")
	}
}

func TestSubmit_DuplicateNonceDeclined(t *testing.T) {
	e := New()
	mustInit(t, e, "")
	if res := submit(t, e, `{"unit":"a-scout","to":{"x":2,"y":1}}`, "alice", "same"); !res.Success {
		t.Fatalf("first submit rejected: %s", res.Reason)
	}
	res := submit(t, e, `{"unit":"b-scout","to":{"x":2,"y":3}}`, "bob", "same")
	if res.Success || res.Reason != "duplicate nonce" {
		t.Fatalf("duplicate nonce accepted: %+v", res)
	}
}

func TestSubmit_CaptureByRank(t *testing.T) {
	e := New()
	mustInit(t, e, `{"width":3,"height":3,"units":[
		{"id":"am","owner":"alice","kind":"marshal","rank":10,"pos":{"x":0,"y":0}},
		{"id":"ac","owner":"alice","kind":"captain","rank":6,"pos":{"x":1,"y":1}},
		{"id":"bm","owner":"bob","kind":"marshal","rank":10,"pos":{"x":2,"y":2}},
		{"id":"bs","owner":"bob","kind":"scout","rank":2,"pos":{"x":1,"y":2}}
	]}`)
	if res := submit(t, e, `{"unit":"ac","to":{"x":1,"y":2}}`, "alice", "n1"); !res.Success {
		t.Fatalf("attack rejected: %s", res.Reason)
	}
	st, err := e.Snapshot(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, u := range st.Units {
		if u.ID == "bs" && !u.Captured {
			t.Fatalf("scout should be captured")
		}
		if u.ID == "ac" && (u.Captured || u.Pos != (engine.Pos{X: 1, Y: 2})) {
			t.Fatalf("captain should occupy the square: %+v", u)
		}
	}
	if st.Turn != 1 {
		t.Fatalf("turn: got %d want 1", st.Turn)
	}
}

func TestInitialize_ResetsState(t *testing.T) {
	e := New()
	mustInit(t, e, "")
	submit(t, e, `{"unit":"a-scout","to":{"x":2,"y":1}}`, "alice", "n1")
	mustInit(t, e, "")
	st, _ := e.Snapshot(context.Background(), "s1")
	if st.Turn != 0 {
		t.Fatalf("turn not reset: %d", st.Turn)
	}
	if res := submit(t, e, `{"unit":"a-scout","to":{"x":2,"y":1}}`, "alice", "n1"); !res.Success {
		t.Fatalf("nonce set not reset: %s", res.Reason)
	}
}

func TestRejectFunc(t *testing.T) {
	e := New()
	mustInit(t, e, "")
	e.SetRejectFunc(func(string, json.RawMessage, string) string { return "engine offline" })
	if res := submit(t, e, `{"unit":"a-scout","to":{"x":2,"y":1}}`, "alice", "n1"); res.Success || res.Reason != "engine offline" {
		t.Fatalf("reject hook ignored: %+v", res)
	}
}

func TestUnknownSession(t *testing.T) {
	e := New()
	_, err := e.Submit(context.Background(), "nope", json.RawMessage(`{}`), "alice", "n")
	if !errors.Is(err, engine.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}
