// Package config loads the coordinator's YAML configuration and overlays secrets from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EngineLocal = "local"
	EngineWS    = "ws"

	ChainOffline = "offline"
	ChainSolana  = "solana"

	offlineEscrowSeed = "matchledger-offline-escrow"
)

type Config struct {
	Session SessionConfig `yaml:"session"`
	Engine  EngineConfig  `yaml:"engine"`
	Chain   ChainConfig   `yaml:"chain"`
	Payout  PayoutConfig  `yaml:"payout"`
	Archive ArchiveConfig `yaml:"archive"`
	Ingest  IngestConfig  `yaml:"ingest"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Secrets never come from the YAML file.
	Secrets Secrets `yaml:"-"`
}

type SessionConfig struct {
	UndoWindowMS     int    `yaml:"undo_window_ms"`
	EngineTimeoutMS  int    `yaml:"engine_timeout_ms"`
	ChainTimeoutMS   int    `yaml:"chain_timeout_ms"`
	TerminalUnitKind string `yaml:"terminal_unit_kind"`
}

type EngineConfig struct {
	Mode          string `yaml:"mode"`
	URL           string `yaml:"url" env:"ML_ENGINE_URL"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
}

type ChainConfig struct {
	Mode       string `yaml:"mode" env:"ML_CHAIN_MODE"`
	RPCURL     string `yaml:"rpc_url" env:"ML_SOLANA_RPC"`
	Commitment string `yaml:"commitment"`
}

type PayoutConfig struct {
	FeeReserveLamports uint64 `yaml:"fee_reserve_lamports"`
}

type ArchiveConfig struct {
	// Dir holds the replication log and per-session ledger files. Empty disables archival.
	Dir string `yaml:"dir"`
}

type IngestConfig struct {
	URL       string `yaml:"url" env:"ML_INGEST_URL"`
	Token     string `yaml:"-" env:"ML_INGEST_TOKEN"`
	BatchSize int    `yaml:"batch_size"`
	FlushMS   int    `yaml:"flush_ms"`
	QueueSize int    `yaml:"queue_size"`
}

type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"ML_OTEL_ENDPOINT"`
	Enabled     bool    `yaml:"enabled" env:"ML_OTEL_ENABLED"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Secrets struct {
	EscrowSeed   string `env:"ML_ESCROW_SEED"`
	AuthorityKey string `env:"ML_AUTHORITY_KEY"`
}

func Defaults() Config {
	return Config{
		Session: SessionConfig{
			UndoWindowMS:     10_000,
			EngineTimeoutMS:  5_000,
			ChainTimeoutMS:   30_000,
			TerminalUnitKind: "marshal",
		},
		Engine:  EngineConfig{Mode: EngineLocal, DialTimeoutMS: 5_000},
		Chain:   ChainConfig{Mode: ChainOffline, Commitment: "confirmed"},
		Payout:  PayoutConfig{FeeReserveLamports: 5000},
		Archive: ArchiveConfig{Dir: "data/archive"},
		Ingest:  IngestConfig{BatchSize: 200, FlushMS: 1000, QueueSize: 10_000},

		Telemetry: TelemetryConfig{Enabled: true, SampleRatio: 1},
	}
}

// Load reads path (optional), overlays the environment, then normalizes and validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	for _, target := range []any{&cfg.Engine, &cfg.Chain, &cfg.Ingest, &cfg.Telemetry, &cfg.Secrets} {
		if err := env.Parse(target); err != nil {
			return cfg, fmt.Errorf("parse env: %w", err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadDotenv loads KEY=VALUE files into the process environment without overriding variables
// that are already set. Missing files are skipped.
func LoadDotenv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func (c *Config) Normalize() {
	d := Defaults()
	c.Engine.Mode = strings.ToLower(strings.TrimSpace(c.Engine.Mode))
	c.Chain.Mode = strings.ToLower(strings.TrimSpace(c.Chain.Mode))
	if c.Engine.Mode == "" {
		c.Engine.Mode = d.Engine.Mode
	}
	if c.Chain.Mode == "" {
		c.Chain.Mode = d.Chain.Mode
	}
	if c.Session.UndoWindowMS <= 0 {
		c.Session.UndoWindowMS = d.Session.UndoWindowMS
	}
	if c.Session.EngineTimeoutMS <= 0 {
		c.Session.EngineTimeoutMS = d.Session.EngineTimeoutMS
	}
	if c.Session.ChainTimeoutMS <= 0 {
		c.Session.ChainTimeoutMS = d.Session.ChainTimeoutMS
	}
	if strings.TrimSpace(c.Session.TerminalUnitKind) == "" {
		c.Session.TerminalUnitKind = d.Session.TerminalUnitKind
	}
	if c.Engine.DialTimeoutMS <= 0 {
		c.Engine.DialTimeoutMS = d.Engine.DialTimeoutMS
	}
	if c.Chain.Commitment == "" {
		c.Chain.Commitment = d.Chain.Commitment
	}
	if c.Ingest.BatchSize <= 0 {
		c.Ingest.BatchSize = d.Ingest.BatchSize
	}
	if c.Ingest.FlushMS <= 0 {
		c.Ingest.FlushMS = d.Ingest.FlushMS
	}
	if c.Ingest.QueueSize <= 0 {
		c.Ingest.QueueSize = d.Ingest.QueueSize
	}
	if c.Telemetry.SampleRatio <= 0 || c.Telemetry.SampleRatio > 1 {
		c.Telemetry.SampleRatio = d.Telemetry.SampleRatio
	}
	if c.Chain.Mode == ChainOffline && c.Secrets.EscrowSeed == "" {
		c.Secrets.EscrowSeed = offlineEscrowSeed
	}
}

func (c Config) Validate() error {
	switch c.Engine.Mode {
	case EngineLocal:
	case EngineWS:
		if strings.TrimSpace(c.Engine.URL) == "" {
			return errors.New("engine.url is required for ws engine")
		}
	default:
		return fmt.Errorf("unknown engine.mode %q", c.Engine.Mode)
	}
	switch c.Chain.Mode {
	case ChainOffline:
	case ChainSolana:
		if strings.TrimSpace(c.Chain.RPCURL) == "" {
			return errors.New("chain.rpc_url (ML_SOLANA_RPC) is required for solana")
		}
		if c.Secrets.AuthorityKey == "" {
			return errors.New("ML_AUTHORITY_KEY is required for solana")
		}
		if c.Secrets.EscrowSeed == "" {
			return errors.New("ML_ESCROW_SEED is required for solana")
		}
	default:
		return fmt.Errorf("unknown chain.mode %q", c.Chain.Mode)
	}
	if c.Ingest.URL != "" && !strings.HasPrefix(c.Ingest.URL, "http://") && !strings.HasPrefix(c.Ingest.URL, "https://") {
		return fmt.Errorf("ingest.url must be http(s): %q", c.Ingest.URL)
	}
	return nil
}
