package wsengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"matchledger.ai/internal/engine"
	"matchledger.ai/internal/engine/memengine"
)

func newPair(t *testing.T) (*Client, *memengine.Engine) {
	t.Helper()
	eng := memengine.New()
	srv := httptest.NewServer(NewHandler(eng, nil))
	t.Cleanup(srv.Close)

	c, err := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, eng
}

func TestClient_RoundTrip(t *testing.T) {
	c, _ := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Initialize(ctx, "s1", [2]string{"alice", "bob"}, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	res, err := c.Submit(ctx, "s1", json.RawMessage(`{"unit":"a-scout","to":{"x":2,"y":1}}`), "alice", "n1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Success || res.MoveHash == "" || res.Latency <= 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	res, err = c.Submit(ctx, "s1", json.RawMessage(`{"unit":"a-scout","to":{"x":2,"y":2}}`), "alice", "n2")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Success || res.Reason == "" {
		t.Fatalf("out-of-turn move accepted: %+v", res)
	}

	st, err := c.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if st.Turn != 1 || len(st.Units) != 6 {
		t.Fatalf("snapshot mismatch: turn=%d units=%d", st.Turn, len(st.Units))
	}
}

func TestClient_UnknownSessionError(t *testing.T) {
	c, _ := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Snapshot(ctx, "missing")
	if !errors.Is(err, engine.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestClient_ConcurrentCalls(t *testing.T) {
	c, _ := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids := []string{"s1", "s2", "s3", "s4"}
	errs := make(chan error, len(ids))
	for _, id := range ids {
		go func(id string) {
			if err := c.Initialize(ctx, id, [2]string{"a", "b"}, nil); err != nil {
				errs <- err
				return
			}
			_, err := c.Snapshot(ctx, id)
			errs <- err
		}(id)
	}
	for range ids {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent call: %v", err)
		}
	}
}

func TestClient_DialFailure(t *testing.T) {
	c, err := New(Config{URL: "ws://127.0.0.1:1/engine", DialTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Snapshot(ctx, "s1"); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestClient_SlowDialDoesNotHoldLock(t *testing.T) {
	eng := memengine.New()
	inner := NewHandler(eng, nil)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		inner.ServeHTTP(w, r)
	}))
	defer srv.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	c, err := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- c.Initialize(ctx, "s1", [2]string{"alice", "bob"}, nil)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("dial never reached the server")
	}
	locked := make(chan struct{})
	go func() {
		c.mu.Lock()
		c.mu.Unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("client mutex held while dialing")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Initialize after slow dial: %v", err)
	}
}
