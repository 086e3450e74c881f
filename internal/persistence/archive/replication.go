package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"matchledger.ai/internal/ledger"
)

// ReplicatedMove is one line of the replication log.
type ReplicatedMove struct {
	SessionID string            `json:"session_id"`
	Move      ledger.MoveRecord `json:"move"`
}

const replicationPrefix = "moves"

// moveLog appends accepted moves to zstd JSONL files, one file per UTC hour. Each line is
// flushed to the file before append returns.
type moveLog struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	bucket string
	f      *os.File
	zw     *zstd.Encoder
	je     *json.Encoder
}

func newMoveLog(dir string) *moveLog {
	return &moveLog{dir: dir, now: time.Now}
}

func (l *moveLog) append(sessionID string, rec ledger.MoveRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b := hourBucket(l.now()); b != l.bucket || l.je == nil {
		if err := l.openLocked(b); err != nil {
			return fmt.Errorf("replication log: %w", err)
		}
	}
	if err := l.je.Encode(ReplicatedMove{SessionID: sessionID, Move: rec}); err != nil {
		return fmt.Errorf("replication log: encode session=%s seq=%d: %w", sessionID, rec.Seq, err)
	}
	if err := l.zw.Flush(); err != nil {
		return fmt.Errorf("replication log: flush: %w", err)
	}
	return nil
}

func (l *moveLog) openLocked(bucket string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(replicationFile(l.dir, bucket), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f, l.zw, l.je = f, zw, json.NewEncoder(zw)
	l.bucket = bucket
	return nil
}

func (l *moveLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *moveLog) closeLocked() error {
	var err error
	if l.zw != nil {
		err = l.zw.Close()
	}
	if l.f != nil {
		if cerr := l.f.Close(); err == nil {
			err = cerr
		}
	}
	l.f, l.zw, l.je = nil, nil, nil
	l.bucket = ""
	return err
}

func hourBucket(t time.Time) string { return t.UTC().Format("2006-01-02-15") }

func replicationFile(dir, bucket string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl.zst", replicationPrefix, bucket))
}

// ReplicationFiles lists the replication log files under dir, oldest first.
func ReplicationFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, replicationPrefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ReadReplication calls fn for every move in the replication log under dir, in write order.
// Moves that were later undone appear too; the ledger file is authoritative.
func ReadReplication(dir string, fn func(ReplicatedMove) error) error {
	files, err := ReplicationFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		err := readFile(path, func(line []byte) error {
			var m ReplicatedMove
			if err := json.Unmarshal(line, &m); err != nil {
				return err
			}
			return fn(m)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func readFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return readLines(f, fn)
}

// readLines decodes a zstd stream of JSON lines. Files reopened for append hold several
// concatenated frames; the decoder reads through them in order.
func readLines(r io.Reader, fn func(line []byte) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return err
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}
