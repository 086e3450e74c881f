// Package ingest forwards accepted moves and settled ledgers to an HTTP ingest endpoint
// (a rollup or index service). Moves are batched in the background; ledgers are posted
// synchronously.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"matchledger.ai/internal/ledger"
)

const TokenHeader = "x-ml-ingest-token"

var (
	ErrQueueFull = errors.New("ingest queue full")
	ErrClosed    = errors.New("ingest sink closed")
)

type Config struct {
	Endpoint      string
	Token         string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	QueueSize     int
	// MaxRetained caps how many undelivered events are kept for the next flush.
	MaxRetained int
	Logger      *log.Logger
}

type Sink struct {
	cfg        Config
	httpClient *http.Client

	mu     sync.RWMutex
	closed bool
	ch     chan event
	wg     sync.WaitGroup
	once   sync.Once

	dropped   atomic.Uint64
	flushFail atomic.Uint64
	sent      atomic.Uint64
}

type event struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
	Payload   any    `json:"payload"`
}

type ledgerPayload struct {
	Summary ledger.SettlementRecord `json:"summary"`
	Moves   []ledger.MoveRecord     `json:"moves"`
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	QueueDroppedTotal uint64 `json:"queue_dropped_total"`
	FlushFailTotal    uint64 `json:"flush_fail_total"`
	SentTotal         uint64 `json:"sent_total"`
}

func Open(cfg Config) (*Sink, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8192
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = cfg.QueueSize
	}

	s := &Sink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan event, cfg.QueueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

// Close flushes what is queued and stops the background loop.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
	})
	return nil
}

func (s *Sink) Append(ctx context.Context, sessionID string, rec ledger.MoveRecord) error {
	return s.enqueue(event{Kind: "move", SessionID: sessionID, Payload: rec})
}

func (s *Sink) PersistLedger(ctx context.Context, summary ledger.SettlementRecord, moves []ledger.MoveRecord) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if moves == nil {
		moves = []ledger.MoveRecord{}
	}
	ev := event{Kind: "ledger", SessionID: summary.SessionID, Payload: ledgerPayload{Summary: summary, Moves: moves}}
	if err := s.sendBatch(ctx, []event{ev}); err != nil {
		s.flushFail.Add(1)
		return err
	}
	s.sent.Add(1)
	return nil
}

func (s *Sink) Stats() Stats {
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		QueueDroppedTotal: s.dropped.Load(),
		FlushFailTotal:    s.flushFail.Load(),
		SentTotal:         s.sent.Load(),
	}
}

func (s *Sink) enqueue(ev event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		s.dropped.Add(1)
		s.printf("ingest queue full; drop kind=%s session=%s", ev.Kind, ev.SessionID)
		return ErrQueueFull
	}
}

func (s *Sink) loop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]event, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.sendBatch(context.Background(), batch); err != nil {
			s.flushFail.Add(1)
			s.printf("ingest flush failed batch=%d err=%v", len(batch), err)
			// Keep the batch for the next tick, dropping the oldest beyond the cap.
			if over := len(batch) - s.cfg.MaxRetained; over > 0 {
				s.dropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		s.sent.Add(uint64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) sendBatch(ctx context.Context, events []event) error {
	if len(events) == 0 {
		return nil
	}
	body := struct {
		Events []event `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if s.cfg.Token != "" {
			req.Header.Set(TokenHeader, s.cfg.Token)
		}

		resp, err := s.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

func (s *Sink) printf(format string, args ...any) {
	if s != nil && s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
