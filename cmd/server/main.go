package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"

	"matchledger.ai/internal/chain"
	"matchledger.ai/internal/config"
	"matchledger.ai/internal/engine"
	"matchledger.ai/internal/engine/memengine"
	"matchledger.ai/internal/engine/wsengine"
	"matchledger.ai/internal/payout"
	"matchledger.ai/internal/persistence/archive"
	"matchledger.ai/internal/persistence/ingest"
	"matchledger.ai/internal/persistence/sqlitestore"
	"matchledger.ai/internal/session"
	"matchledger.ai/internal/telemetry"
	"matchledger.ai/internal/transport/ws"
)

func main() {
	var (
		addr        = flag.String("addr", ":8080", "http listen address")
		configPath  = flag.String("config", "", "path to matchledger.yaml (optional)")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		dotenv      = flag.String("env", ".env", "dotenv file loaded before the environment overlay")
		engineMode  = flag.String("engine", "", "override engine.mode (local|ws)")
		chainMode   = flag.String("chain", "", "override chain.mode (offline|solana)")
		serveEngine = flag.Bool("serve_engine", false, "also serve a standalone reference engine at /v1/engine")
		enableAdmin = flag.Bool("admin", envBool("ML_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()), "serve loopback-only /admin/v1 endpoints")
		enablePprof = flag.Bool("pprof", envBool("ML_ENABLE_PPROF_HTTP", false), "serve /debug/pprof")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if err := config.LoadDotenv(*dotenv); err != nil {
		logger.Fatalf("load %s: %v", *dotenv, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *engineMode != "" || *chainMode != "" {
		if *engineMode != "" {
			cfg.Engine.Mode = *engineMode
		}
		if *chainMode != "" {
			cfg.Chain.Mode = *chainMode
		}
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			logger.Fatalf("config: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "matchledger-server",
		Endpoint:    cfg.Telemetry.Endpoint,
		Disabled:    !cfg.Telemetry.Enabled,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Printf("telemetry disabled: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = shutdownTracing(ctx2)
	}()

	a, err := newApp(cfg, *dataDir, logger)
	if err != nil {
		logger.Fatalf("startup: %v", err)
	}
	defer a.Close()

	mux := http.NewServeMux()
	a.routes(mux)
	if *enableAdmin {
		a.admin.register(mux)
	} else {
		logger.Printf("admin endpoints disabled (ML_ENABLE_ADMIN_HTTP=false)")
	}
	if *serveEngine {
		mux.Handle("/v1/engine", wsengine.NewHandler(memengine.New(), log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds)))
	}
	if *enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (engine=%s chain=%s)", *addr, cfg.Engine.Mode, cfg.Chain.Mode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// app owns everything the server wires together at startup.
type app struct {
	cfg    config.Config
	log    *log.Logger
	store  *sqlitestore.Store
	engine engine.Engine
	dist   *payout.Distributor
	hub    *session.Hub
	svc    *session.Service
	admin  *adminAPI

	archive *archive.Store
	ingest  *ingest.Sink
	closers []func() error
}

func newApp(cfg config.Config, dataDir string, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	store, err := sqlitestore.Open(filepath.Join(dataDir, "matchledger.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.engine = eng
	if c, ok := eng.(*wsengine.Client); ok {
		a.closers = append(a.closers, c.Close)
	}

	cc, err := buildChain(cfg)
	if err != nil {
		return nil, err
	}
	dist, err := payout.New(cc, payout.Config{
		EscrowSeed: []byte(cfg.Secrets.EscrowSeed),
		FeeReserve: cfg.Payout.FeeReserveLamports,
		Timeout:    time.Duration(cfg.Session.ChainTimeoutMS) * time.Millisecond,
		Logger:     log.New(os.Stdout, "[payout] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		return nil, fmt.Errorf("payout: %w", err)
	}
	a.dist = dist

	var sinks session.MultiSink
	if dir := strings.TrimSpace(cfg.Archive.Dir); dir != "" {
		a.archive = archive.New(dir)
		a.closers = append(a.closers, a.archive.Close)
		sinks = append(sinks, a.archive)
	}
	if cfg.Ingest.URL != "" {
		sink, err := ingest.Open(ingest.Config{
			Endpoint:      cfg.Ingest.URL,
			Token:         cfg.Ingest.Token,
			BatchSize:     cfg.Ingest.BatchSize,
			FlushInterval: time.Duration(cfg.Ingest.FlushMS) * time.Millisecond,
			QueueSize:     cfg.Ingest.QueueSize,
			Logger:        log.New(os.Stdout, "[ingest] ", log.LstdFlags|log.Lmicroseconds),
		})
		if err != nil {
			return nil, fmt.Errorf("ingest: %w", err)
		}
		a.ingest = sink
		a.closers = append(a.closers, sink.Close)
		sinks = append(sinks, sink)
		logger.Printf("ingest enabled: %s", cfg.Ingest.URL)
	}

	a.hub = session.NewHub(log.New(os.Stdout, "[hub] ", log.LstdFlags|log.Lmicroseconds))
	opts := session.Options{
		Config: session.Config{
			UndoWindow:       time.Duration(cfg.Session.UndoWindowMS) * time.Millisecond,
			EngineTimeout:    time.Duration(cfg.Session.EngineTimeoutMS) * time.Millisecond,
			ChainTimeout:     time.Duration(cfg.Session.ChainTimeoutMS) * time.Millisecond,
			TerminalUnitKind: cfg.Session.TerminalUnitKind,
		},
		Store:     store,
		Engine:    eng,
		Chain:     cc,
		Payout:    dist,
		Publisher: a.hub,
		Logger:    log.New(os.Stdout, "[session] ", log.LstdFlags|log.Lmicroseconds),
	}
	if len(sinks) > 0 {
		opts.Replicator = sinks
		opts.Archiver = sinks
	}
	svc, err := session.New(opts)
	if err != nil {
		return nil, err
	}
	a.svc = svc
	a.admin = &adminAPI{
		reg:    store,
		svc:    svc,
		escrow: func(id string) string { return dist.Escrow(id).Address() },
		ingest: a.ingest,
		log:    logger,
		now:    time.Now,
	}
	ok = true
	return a, nil
}

func (a *app) routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(a.svc, a.hub, a.log).Handler())
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Printf("close: %v", err)
		}
	}
	a.closers = nil
}

func buildEngine(cfg config.Config, logger *log.Logger) (engine.Engine, error) {
	switch cfg.Engine.Mode {
	case config.EngineWS:
		c, err := wsengine.New(wsengine.Config{
			URL:         cfg.Engine.URL,
			DialTimeout: time.Duration(cfg.Engine.DialTimeoutMS) * time.Millisecond,
			Logger:      log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds),
		})
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		logger.Printf("remote engine: %s", cfg.Engine.URL)
		return c, nil
	default:
		return memengine.New(), nil
	}
}

func buildChain(cfg config.Config) (chain.Client, error) {
	switch cfg.Chain.Mode {
	case config.ChainSolana:
		authority, err := chain.ParseKeypair(cfg.Secrets.AuthorityKey)
		if err != nil {
			return nil, fmt.Errorf("authority key: %w", err)
		}
		return chain.NewSolana(chain.SolanaConfig{
			RPCURL:     cfg.Chain.RPCURL,
			Authority:  authority,
			Commitment: rpc.CommitmentType(cfg.Chain.Commitment),
		})
	default:
		return chain.NewOffline(), nil
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
