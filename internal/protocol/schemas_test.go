package protocol_test

import (
	"strings"
	"testing"

	"matchledger.ai/internal/protocol"
)

const (
	rootHex  = "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"
	stateHex = "fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(name, raw string) {
		t.Helper()
		if err := protocol.Validate(name, []byte(raw)); err != nil {
			t.Fatalf("validate %s: %v", name, err)
		}
	}

	validate("request.schema.json", `{
	  "type":"SUBMIT_MOVE",
	  "protocol_version":"1.0",
	  "id":"r1",
	  "session_id":"s1",
	  "participant":"alice",
	  "payload":{"unit":"a-scout","to":{"x":2,"y":1}}
	}`)
	validate("request.schema.json", `{
	  "type":"GET_SETTLEMENT",
	  "protocol_version":"1.0",
	  "id":"r2",
	  "session_id":"s1"
	}`)
	validate("settled.schema.json", `{
	  "type":"SETTLED",
	  "protocol_version":"1.0",
	  "session_id":"s1",
	  "settlement":{
	    "session_id":"s1",
	    "outcome":{"reason":"resignation","winner":"bob"},
	    "merkle_root":"`+rootHex+`",
	    "final_state_hash":"`+stateHex+`",
	    "move_count":3,
	    "commitment_ref":"offline-ref",
	    "payout":{"ok":true,"reason":"no_funds"}
	  }
	}`)
}

func TestSchemas_RejectMissingParticipant(t *testing.T) {
	err := protocol.Validate("request.schema.json", []byte(`{
	  "type":"UNDO","protocol_version":"1.0","id":"r1","session_id":"s1"
	}`))
	if err == nil {
		t.Fatalf("expected UNDO without participant to be rejected")
	}
}

func TestEncodeCommitment(t *testing.T) {
	c := protocol.Commitment{
		Kind:           protocol.CommitmentKind,
		Version:        protocol.CommitmentVersion,
		SessionID:      "s1",
		Outcome:        protocol.CommitmentOutcome{Reason: "terminal", Winner: "draw"},
		MerkleRoot:     rootHex,
		FinalStateHash: stateHex,
		MoveCount:      0,
		Timestamp:      1700000000000,
	}
	b, err := protocol.EncodeCommitment(c)
	if err != nil {
		t.Fatalf("EncodeCommitment: %v", err)
	}
	if !strings.Contains(string(b), `"kind":"match_settlement"`) {
		t.Fatalf("unexpected memo: %s", b)
	}

	bad := c
	bad.MerkleRoot = "not-hex"
	if _, err := protocol.EncodeCommitment(bad); err == nil {
		t.Fatalf("expected malformed merkle root rejected")
	}
	bad = c
	bad.Outcome.Reason = "timeout"
	if _, err := protocol.EncodeCommitment(bad); err == nil {
		t.Fatalf("expected unknown reason rejected")
	}
}

func TestValidate_UnknownSchema(t *testing.T) {
	if err := protocol.Validate("nope.schema.json", []byte(`{}`)); err == nil {
		t.Fatalf("expected unknown schema error")
	}
}
