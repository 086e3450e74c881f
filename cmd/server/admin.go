package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"matchledger.ai/internal/ledger"
	"matchledger.ai/internal/persistence/ingest"
	"matchledger.ai/internal/session"
	"matchledger.ai/internal/transport/ws"
)

type registry interface {
	CreateSession(ctx context.Context, s ledger.Session) error
	GetSession(ctx context.Context, sessionID string) (ledger.Session, error)
	ListSessions(ctx context.Context, status ledger.Status) ([]ledger.Session, error)
}

type sessionOps interface {
	Moves(ctx context.Context, sessionID string) ([]ledger.MoveRecord, error)
	Settlement(ctx context.Context, sessionID string) (ledger.SettlementRecord, error)
	CheckTerminal(ctx context.Context, sessionID string) (*ledger.Outcome, error)
	FinalizePending(ctx context.Context, sessionID string) (ledger.SettlementRecord, error)
	RetryPayout(ctx context.Context, sessionID string) (ledger.PayoutResult, error)
}

// adminAPI serves the local-only operator endpoints.
type adminAPI struct {
	reg    registry
	svc    sessionOps
	escrow func(sessionID string) string
	ingest *ingest.Sink
	log    *log.Logger
	now    func() time.Time
}

type createSessionRequest struct {
	ID           string          `json:"id"`
	Participants [2]string       `json:"participants"`
	Settings     json.RawMessage `json:"settings,omitempty"`
}

type sessionView struct {
	Session    ledger.Session           `json:"session"`
	Escrow     string                   `json:"escrow"`
	Moves      []ledger.MoveRecord      `json:"moves"`
	Settlement *ledger.SettlementRecord `json:"settlement,omitempty"`
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/v1/sessions", a.loopback(a.listSessions))
	mux.HandleFunc("POST /admin/v1/sessions", a.loopback(a.createSession))
	mux.HandleFunc("GET /admin/v1/sessions/{id}", a.loopback(a.showSession))
	mux.HandleFunc("POST /admin/v1/sessions/{id}/check", a.loopback(a.checkTerminal))
	mux.HandleFunc("POST /admin/v1/sessions/{id}/finalize", a.loopback(a.finalize))
	mux.HandleFunc("POST /admin/v1/sessions/{id}/retry_payout", a.loopback(a.retryPayout))
	mux.HandleFunc("GET /admin/v1/ingest", a.loopback(a.ingestStats))
}

func (a *adminAPI) loopback(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (a *adminAPI) listSessions(rw http.ResponseWriter, r *http.Request) {
	sessions, err := a.reg.ListSessions(r.Context(), ledger.Status(r.URL.Query().Get("status")))
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *adminAPI) createSession(rw http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "bad json: " + err.Error()})
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	sess := ledger.Session{
		ID:           req.ID,
		Participants: req.Participants,
		Status:       ledger.StatusActive,
		Settings:     req.Settings,
		CreatedAt:    a.now().UTC(),
	}
	if err := ledger.ValidateNewSession(sess); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.reg.CreateSession(r.Context(), sess); err != nil {
		a.fail(rw, err)
		return
	}
	a.log.Printf("session created: %s %s vs %s", sess.ID, sess.Participants[0], sess.Participants[1])
	writeJSON(rw, http.StatusCreated, map[string]any{"session": sess, "escrow": a.escrow(sess.ID)})
}

func (a *adminAPI) showSession(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := a.reg.GetSession(r.Context(), id)
	if err != nil {
		a.fail(rw, err)
		return
	}
	moves, err := a.svc.Moves(r.Context(), id)
	if err != nil {
		a.fail(rw, err)
		return
	}
	view := sessionView{Session: sess, Escrow: a.escrow(id), Moves: moves}
	if rec, err := a.svc.Settlement(r.Context(), id); err == nil {
		view.Settlement = &rec
	} else if !errors.Is(err, session.ErrNotSettled) {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, view)
}

func (a *adminAPI) checkTerminal(rw http.ResponseWriter, r *http.Request) {
	out, err := a.svc.CheckTerminal(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"terminal": out})
}

func (a *adminAPI) finalize(rw http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.FinalizePending(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, rec)
}

func (a *adminAPI) retryPayout(rw http.ResponseWriter, r *http.Request) {
	res, err := a.svc.RetryPayout(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (a *adminAPI) ingestStats(rw http.ResponseWriter, r *http.Request) {
	if a.ingest == nil {
		writeJSON(rw, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"enabled": true, "stats": a.ingest.Stats()})
}

func (a *adminAPI) fail(rw http.ResponseWriter, err error) {
	code := ws.CodeFor(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrSessionNotFound), errors.Is(err, session.ErrNotSettled):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrSessionExists), errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, session.ErrOutcomeConflict), errors.Is(err, ledger.ErrLedgerConflict):
		status = http.StatusConflict
	case errors.Is(err, session.ErrSettlementFailed):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.log.Printf("admin: %v", err)
	}
	writeJSON(rw, status, map[string]string{"code": code, "error": err.Error()})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
