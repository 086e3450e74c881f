package session

import (
	"testing"

	"matchledger.ai/internal/engine"
	"matchledger.ai/internal/ledger"
)

func TestDetectTerminal(t *testing.T) {
	players := [2]string{"alice", "bob"}
	unit := func(owner, kind string, captured bool) engine.Unit {
		return engine.Unit{ID: owner + "-" + kind, Owner: owner, Kind: kind, Captured: captured}
	}
	cases := []struct {
		name   string
		units  []engine.Unit
		winner string
	}{
		{"none captured", []engine.Unit{unit("alice", "marshal", false), unit("bob", "marshal", false)}, ""},
		{"bob lost marshal", []engine.Unit{unit("alice", "marshal", false), unit("bob", "marshal", true)}, "alice"},
		{"alice lost marshal", []engine.Unit{unit("alice", "marshal", true), unit("bob", "marshal", false)}, "bob"},
		{"both lost", []engine.Unit{unit("alice", "marshal", true), unit("bob", "marshal", true)}, ""},
		{"other kinds ignored", []engine.Unit{unit("alice", "scout", true), unit("bob", "captain", true)}, ""},
	}
	for _, tc := range cases {
		got := DetectTerminal(engine.WorldState{Units: tc.units}, players, "marshal")
		if tc.winner == "" {
			if got != nil {
				t.Fatalf("%s: expected no outcome, got %+v", tc.name, got)
			}
			continue
		}
		if got == nil || got.Winner != tc.winner || got.Reason != ledger.ReasonTerminal {
			t.Fatalf("%s: got %+v want winner %s", tc.name, got, tc.winner)
		}
	}
}

func TestDetectTerminal_ConfiguredKind(t *testing.T) {
	state := engine.WorldState{Units: []engine.Unit{{Owner: "bob", Kind: "king", Captured: true}}}
	if DetectTerminal(state, [2]string{"alice", "bob"}, "marshal") != nil {
		t.Fatalf("king capture ended a marshal game")
	}
	if out := DetectTerminal(state, [2]string{"alice", "bob"}, "king"); out == nil || out.Winner != "alice" {
		t.Fatalf("king capture not detected: %+v", out)
	}
}
