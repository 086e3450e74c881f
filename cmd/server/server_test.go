package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"matchledger.ai/internal/config"
	"matchledger.ai/internal/ledger"
	"matchledger.ai/internal/persistence/archive"
	"matchledger.ai/internal/protocol"
)

func newTestApp(t *testing.T) (*app, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Archive.Dir = t.TempDir()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	a, err := newApp(cfg, t.TempDir(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)

	mux := http.NewServeMux()
	a.routes(mux)
	a.admin.register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return a, srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestServer_Healthz(t *testing.T) {
	_, srv := newTestApp(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestAdmin_CreateAndShowSession(t *testing.T) {
	_, srv := newTestApp(t)

	resp, body := postJSON(t, srv.URL+"/admin/v1/sessions", `{"participants":["alice","bob"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", resp.StatusCode, body)
	}
	var created struct {
		Session ledger.Session `json:"session"`
		Escrow  string         `json:"escrow"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Session.ID == "" || created.Escrow == "" {
		t.Fatalf("expected generated id and escrow: %s", body)
	}

	resp, body = postJSON(t, srv.URL+"/admin/v1/sessions", `{"id":"`+created.Session.ID+`","participants":["alice","bob"]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status %d: %s", resp.StatusCode, body)
	}
	resp, _ = postJSON(t, srv.URL+"/admin/v1/sessions", `{"participants":["alice","alice"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate participants status %d", resp.StatusCode)
	}

	get, err := http.Get(srv.URL + "/admin/v1/sessions/" + created.Session.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer get.Body.Close()
	var view sessionView
	if err := json.NewDecoder(get.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Session.Status != ledger.StatusActive || len(view.Moves) != 0 || view.Settlement != nil {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Escrow != created.Escrow {
		t.Fatalf("escrow mismatch %s vs %s", view.Escrow, created.Escrow)
	}

	missing, err := http.Get(srv.URL + "/admin/v1/sessions/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session status %d", missing.StatusCode)
	}
}

func TestServer_ResignSettlesAndArchives(t *testing.T) {
	a, srv := newTestApp(t)
	resp, body := postJSON(t, srv.URL+"/admin/v1/sessions", `{"id":"m1","participants":["alice","bob"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	frames := []string{
		`{"type":"SUBMIT_MOVE","protocol_version":"` + protocol.Version + `","id":"r1","session_id":"m1","participant":"alice","payload":{"unit":"a-scout","to":{"x":2,"y":1}}}`,
		`{"type":"RESIGN","protocol_version":"` + protocol.Version + `","id":"r2","session_id":"m1","participant":"bob"}`,
	}
	for _, f := range frames {
		if err := c.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, b, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.Contains(string(b), `"type":"RESULT"`) {
			t.Fatalf("expected RESULT, got %s", b)
		}
	}

	resp, body = postJSON(t, srv.URL+"/admin/v1/sessions/m1/retry_payout", ``)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry payout: %d %s", resp.StatusCode, body)
	}
	var pr ledger.PayoutResult
	if err := json.Unmarshal(body, &pr); err != nil {
		t.Fatalf("decode payout: %v", err)
	}
	// An unfunded escrow settles as a successful no-op; retrying does not re-run it.
	if !pr.OK || pr.Reason != "no_funds" || pr.Attempts != 1 {
		t.Fatalf("payout after retry: %+v", pr)
	}

	if a.archive == nil {
		t.Fatalf("archive sink not wired")
	}
	summary, moves, err := archive.ReadLedger(a.archive.LedgerPath("m1"))
	if err != nil {
		t.Fatalf("read archived ledger: %v", err)
	}
	if summary.Outcome.Winner != "alice" || len(moves) != 1 {
		t.Fatalf("archived summary=%+v moves=%d", summary, len(moves))
	}
}
