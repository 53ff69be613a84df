// File: internal/registry/index.go
// Brief: SQLite index of run records, rebuilt from history when missing.

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const indexFileName = "registry.sqlite"

const metaHistoryOffset = "history_offset"

type indexStore struct {
	db   *sql.DB
	path string
}

// openIndex opens (or creates) the index. created reports whether the file
// did not exist beforehand.
func openIndex(ctx context.Context, dir string) (idx *indexStore, created bool, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, err
	}
	path := filepath.Join(dir, indexFileName)
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		created = true
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, created, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, created, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &indexStore{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, created, err
	}
	return s, created, nil
}

func (s *indexStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *indexStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  edition TEXT NOT NULL,
  version TEXT NOT NULL,
  status TEXT NOT NULL,
  phase TEXT NOT NULL,
  work_dir TEXT NOT NULL,
  compose_file TEXT NOT NULL,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  pruned INTEGER NOT NULL,
  last_seq INTEGER NOT NULL,
  last_digest TEXT NOT NULL,
  record_json TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at_ns, run_id);`,
		`
CREATE TABLE IF NOT EXISTS meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *indexStore) historyOffset(ctx context.Context) (int64, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaHistoryOffset).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// chainHead returns the last applied seq and digest of a run; ok is false
// when the run is not indexed.
func (s *indexStore) chainHead(ctx context.Context, runID string) (seq int64, digest string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT last_seq, last_digest FROM runs WHERE run_id = ?`, runID).Scan(&seq, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	return seq, digest, true, nil
}

// applyEvent upserts the event's record and advances the history offset in
// one transaction.
func (s *indexStore) applyEvent(ctx context.Context, ev Event, offset int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertRun(ctx, tx, ev); err != nil {
		return err
	}
	if err := setOffset(ctx, tx, offset); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertRun(ctx context.Context, tx *sql.Tx, ev Event) error {
	rec := ev.Record
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pruned := 0
	if rec.Pruned {
		pruned = 1
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO runs (
  run_id, edition, version, status, phase, work_dir, compose_file,
  created_at_ns, updated_at_ns, pruned, last_seq, last_digest, record_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  edition = excluded.edition,
  version = excluded.version,
  status = excluded.status,
  phase = excluded.phase,
  work_dir = excluded.work_dir,
  compose_file = excluded.compose_file,
  updated_at_ns = excluded.updated_at_ns,
  pruned = excluded.pruned,
  last_seq = excluded.last_seq,
  last_digest = excluded.last_digest,
  record_json = excluded.record_json
`, rec.RunID, rec.Edition, rec.Version, string(rec.Status), string(rec.Phase), rec.WorkDir, rec.ComposeFile,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), pruned, ev.Seq, ev.Digest, string(recordJSON))
	return err
}

func setOffset(ctx context.Context, tx *sql.Tx, offset int64) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, metaHistoryOffset, strconv.FormatInt(offset, 10))
	return err
}

func (s *indexStore) get(ctx context.Context, runID string) (*RunRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &RegistryError{Kind: KindNotFound, RunID: runID}
	}
	if err != nil {
		return nil, err
	}
	var rec RunRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, &RegistryError{Kind: KindCorrupt, RunID: runID, Path: s.path, Err: err}
	}
	return &rec, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status        Status
	Edition       string
	IncludePruned bool
}

func (s *indexStore) list(ctx context.Context, f ListFilter) ([]*RunRecord, error) {
	q := `SELECT record_json FROM runs WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Edition != "" {
		q += ` AND edition = ?`
		args = append(args, f.Edition)
	}
	if !f.IncludePruned {
		q += ` AND pruned = 0`
	}
	q += ` ORDER BY created_at_ns ASC, run_id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RunRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, &RegistryError{Kind: KindCorrupt, Path: s.path, Err: err}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// reset drops all indexed state so history can be replayed from the start.
func (s *indexStore) reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta`); err != nil {
		return err
	}
	return tx.Commit()
}
