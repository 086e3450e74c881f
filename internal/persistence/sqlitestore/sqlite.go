package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"matchledger.ai/internal/ledger"
)

// Store is the durable sessions/moves/settlements backend.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		// Ledger rows are the source of truth, so pay for a full sync.
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			status TEXT NOT NULL,
			result_json TEXT,
			settings_json TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS moves (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts TEXT NOT NULL,
			author TEXT NOT NULL,
			payload TEXT NOT NULL,
			hash TEXT NOT NULL,
			latency_ns INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS settlements (
			session_id TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			winner TEXT NOT NULL,
			merkle_root TEXT NOT NULL,
			final_state_hash TEXT NOT NULL,
			move_count INTEGER NOT NULL,
			commitment_ref TEXT NOT NULL,
			payout_json TEXT NOT NULL,
			archive_error TEXT,
			settled_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, sess ledger.Session) error {
	if err := ledger.ValidateNewSession(sess); err != nil {
		return err
	}
	if sess.Status == "" {
		sess.Status = ledger.StatusActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	resultJSON, err := marshalResult(sess.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(id,participant_a,participant_b,status,result_json,settings_json,created_at) VALUES(?,?,?,?,?,?,?)`,
		sess.ID, sess.Participants[0], sess.Participants[1], string(sess.Status), resultJSON, nullString(string(sess.Settings)), formatTime(sess.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ledger.ErrSessionExists, sess.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (ledger.Session, error) {
	return getSession(ctx, s.db, sessionID)
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn func(*ledger.Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := getSession(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if err := fn(&sess); err != nil {
		return err
	}
	resultJSON, err := marshalResult(sess.Result)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status=?, result_json=?, settings_json=? WHERE id=?`,
		string(sess.Status), resultJSON, nullString(string(sess.Settings)), sessionID); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit()
}

// ListSessions returns sessions ordered by creation time, optionally filtered by status.
func (s *Store) ListSessions(ctx context.Context, status ledger.Status) ([]ledger.Session, error) {
	q := `SELECT id,participant_a,participant_b,status,result_json,settings_json,created_at FROM sessions`
	var args []any
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) ListMoves(ctx context.Context, sessionID string) ([]ledger.MoveRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,ts,author,payload,hash,latency_ns FROM moves WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list moves: %w", err)
	}
	defer rows.Close()
	var out []ledger.MoveRecord
	for rows.Next() {
		var (
			rec     ledger.MoveRecord
			ts      string
			payload string
			latency int64
		)
		if err := rows.Scan(&rec.Seq, &ts, &rec.Author, &payload, &rec.Hash, &latency); err != nil {
			return nil, err
		}
		rec.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("move %d timestamp: %w", rec.Seq, err)
		}
		rec.Payload = json.RawMessage(payload)
		rec.Latency = time.Duration(latency)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendMove(ctx context.Context, sessionID string, rec ledger.MoveRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := countMoves(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if rec.Seq != n {
		return fmt.Errorf("%w: append seq=%d len=%d", ledger.ErrLedgerConflict, rec.Seq, n)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO moves(session_id,seq,ts,author,payload,hash,latency_ns) VALUES(?,?,?,?,?,?,?)`,
		sessionID, rec.Seq, formatTime(rec.Timestamp), rec.Author, string(rec.Payload), rec.Hash, int64(rec.Latency)); err != nil {
		return fmt.Errorf("insert move: %w", err)
	}
	return tx.Commit()
}

func (s *Store) TruncateMoves(ctx context.Context, sessionID string, length int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := countMoves(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if n == 0 || length != n-1 {
		return fmt.Errorf("%w: truncate to=%d len=%d", ledger.ErrLedgerConflict, length, n)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM moves WHERE session_id=? AND seq=?`, sessionID, length); err != nil {
		return fmt.Errorf("delete move: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetSettlement(ctx context.Context, sessionID string) (ledger.SettlementRecord, bool, error) {
	var (
		rec        ledger.SettlementRecord
		reason     string
		payoutJSON string
		archiveErr sql.NullString
		settledAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id,reason,winner,merkle_root,final_state_hash,move_count,commitment_ref,payout_json,archive_error,settled_at
		 FROM settlements WHERE session_id=?`, sessionID).
		Scan(&rec.SessionID, &reason, &rec.Outcome.Winner, &rec.MerkleRoot, &rec.FinalStateHash, &rec.MoveCount,
			&rec.CommitmentRef, &payoutJSON, &archiveErr, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SettlementRecord{}, false, nil
	}
	if err != nil {
		return ledger.SettlementRecord{}, false, fmt.Errorf("get settlement: %w", err)
	}
	rec.Outcome.Reason = ledger.Reason(reason)
	rec.ArchiveError = archiveErr.String
	if err := json.Unmarshal([]byte(payoutJSON), &rec.Payout); err != nil {
		return ledger.SettlementRecord{}, false, fmt.Errorf("settlement payout: %w", err)
	}
	if rec.SettledAt, err = parseTime(settledAt); err != nil {
		return ledger.SettlementRecord{}, false, fmt.Errorf("settlement time: %w", err)
	}
	return rec, true, nil
}

func (s *Store) SaveSettlement(ctx context.Context, rec ledger.SettlementRecord) error {
	payoutJSON, err := json.Marshal(rec.Payout)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settlements(session_id,reason,winner,merkle_root,final_state_hash,move_count,commitment_ref,payout_json,archive_error,settled_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.SessionID, string(rec.Outcome.Reason), rec.Outcome.Winner, rec.MerkleRoot, rec.FinalStateHash, rec.MoveCount,
		rec.CommitmentRef, string(payoutJSON), nullString(rec.ArchiveError), formatTime(rec.SettledAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: %s", ledger.ErrSettlementExists, rec.SessionID)
		}
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func (s *Store) UpdatePayout(ctx context.Context, sessionID string, payout ledger.PayoutResult) error {
	payoutJSON, err := json.Marshal(payout)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE settlements SET payout_json=? WHERE session_id=?`, string(payoutJSON), sessionID)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrNoSettlement, sessionID)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getSession(ctx context.Context, q queryer, sessionID string) (ledger.Session, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id,participant_a,participant_b,status,result_json,settings_json,created_at FROM sessions WHERE id=?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Session{}, fmt.Errorf("%w: %s", ledger.ErrSessionNotFound, sessionID)
	}
	return sess, err
}

func scanSession(r rowScanner) (ledger.Session, error) {
	var (
		sess       ledger.Session
		status     string
		resultJSON sql.NullString
		settings   sql.NullString
		createdAt  string
	)
	if err := r.Scan(&sess.ID, &sess.Participants[0], &sess.Participants[1], &status, &resultJSON, &settings, &createdAt); err != nil {
		return ledger.Session{}, err
	}
	sess.Status = ledger.Status(status)
	if resultJSON.Valid && resultJSON.String != "" {
		var out ledger.Outcome
		if err := json.Unmarshal([]byte(resultJSON.String), &out); err != nil {
			return ledger.Session{}, fmt.Errorf("session result: %w", err)
		}
		sess.Result = &out
	}
	if settings.Valid && settings.String != "" {
		sess.Settings = json.RawMessage(settings.String)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return ledger.Session{}, fmt.Errorf("session created_at: %w", err)
	}
	sess.CreatedAt = t
	return sess, nil
}

func countMoves(ctx context.Context, q queryer, sessionID string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM moves WHERE session_id=?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count moves: %w", err)
	}
	return n, nil
}

func marshalResult(o *ledger.Outcome) (sql.NullString, error) {
	if o == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func isConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
