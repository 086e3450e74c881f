package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	CommitmentKind    = "match_settlement"
	CommitmentVersion = 1
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Commitment is the memo broadcast on settlement. Timestamp is unix milliseconds.
type Commitment struct {
	Kind           string            `json:"kind"`
	Version        int               `json:"version"`
	SessionID      string            `json:"session_id"`
	Outcome        CommitmentOutcome `json:"outcome"`
	MerkleRoot     string            `json:"merkle_root"`
	FinalStateHash string            `json:"final_state_hash"`
	MoveCount      int               `json:"move_count"`
	Timestamp      int64             `json:"timestamp"`
}

type CommitmentOutcome struct {
	Reason string `json:"reason"`
	Winner string `json:"winner"`
}

// EncodeCommitment validates c against the embedded schema and returns its memo bytes.
func EncodeCommitment(c Commitment) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	if err := Validate("commitment.schema.json", b); err != nil {
		return nil, err
	}
	return b, nil
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*jsonschema.Schema{}
)

// Validate checks raw JSON against one of the embedded schemas.
func Validate(schemaName string, raw []byte) error {
	s, err := loadSchema(schemaName)
	if err != nil {
		return err
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", schemaName, err)
	}
	return nil
}

func loadSchema(name string) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[name]; ok {
		return s, nil
	}
	b, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, err
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	schemaCache[name] = s
	return s, nil
}
