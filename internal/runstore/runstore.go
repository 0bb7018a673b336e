// Package runstore records service-driver apply runs in SQLite so their
// outcome survives the process that ran them.
package runstore

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
)

// ErrNotFound indicates no run exists with the given id.
var ErrNotFound = errors.New("run not found")

// State is the lifecycle state of a run.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether a run in state s has finished.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Run is one recorded apply run.
type Run struct {
	ID          string    `json:"id"`
	PlanPath    string    `json:"planPath"`
	Fingerprint string    `json:"fingerprint"`
	OutputPath  string    `json:"outputPath"`
	Resume      bool      `json:"resume"`
	State       State     `json:"state"`
	StagingPath string    `json:"stagingPath,omitempty"`
	LogPath     string    `json:"logPath,omitempty"`
	FailedStep  string    `json:"failedStep,omitempty"`
	Error       string    `json:"error,omitempty"`
	Executed    []string  `json:"executed,omitempty"`
	Skipped     []string  `json:"skipped,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	FinishedAt  time.Time `json:"finishedAt,omitzero"`
}

// ListOptions filters List.
type ListOptions struct {
	State      State
	OutputPath string
	// Limit caps the result; zero means no limit.
	Limit int
}

// Store is a SQLite-backed run registry. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the registry at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("open run store: empty path")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve run store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create run store dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, path: absPath}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS monotize_runs (
  run_id TEXT PRIMARY KEY,
  plan_path TEXT NOT NULL,
  fingerprint TEXT NOT NULL,
  output_path TEXT NOT NULL,
  resume INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL,
  staging_path TEXT NOT NULL DEFAULT '',
  log_path TEXT NOT NULL DEFAULT '',
  failed_step TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  executed_json TEXT NOT NULL DEFAULT '[]',
  skipped_json TEXT NOT NULL DEFAULT '[]',
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  finished_at_ns INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE INDEX IF NOT EXISTS idx_monotize_runs_created ON monotize_runs(created_at_ns DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_monotize_runs_output ON monotize_runs(output_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init run store schema: %w", err)
		}
	}
	return nil
}

// Put inserts or replaces a run.
func (s *Store) Put(ctx context.Context, r *Run) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("put run: missing id")
	}
	executed, err := json.Marshal(nonNil(r.Executed))
	if err != nil {
		return fmt.Errorf("encode executed steps: %w", err)
	}
	skipped, err := json.Marshal(nonNil(r.Skipped))
	if err != nil {
		return fmt.Errorf("encode skipped steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO monotize_runs (
  run_id, plan_path, fingerprint, output_path, resume, state,
  staging_path, log_path, failed_step, error_message,
  executed_json, skipped_json, created_at_ns, updated_at_ns, finished_at_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  plan_path = excluded.plan_path,
  fingerprint = excluded.fingerprint,
  output_path = excluded.output_path,
  resume = excluded.resume,
  state = excluded.state,
  staging_path = excluded.staging_path,
  log_path = excluded.log_path,
  failed_step = excluded.failed_step,
  error_message = excluded.error_message,
  executed_json = excluded.executed_json,
  skipped_json = excluded.skipped_json,
  updated_at_ns = excluded.updated_at_ns,
  finished_at_ns = excluded.finished_at_ns`,
		r.ID, r.PlanPath, r.Fingerprint, r.OutputPath, boolInt(r.Resume), string(r.State),
		r.StagingPath, r.LogPath, r.FailedStep, r.Error,
		string(executed), string(skipped), unixNano(r.CreatedAt), unixNano(r.UpdatedAt), unixNano(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("put run %s: %w", r.ID, err)
	}
	return nil
}

const selectColumns = `run_id, plan_path, fingerprint, output_path, resume, state,
  staging_path, log_path, failed_step, error_message,
  executed_json, skipped_json, created_at_ns, updated_at_ns, finished_at_ns`

// Get returns the run with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM monotize_runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// List returns runs newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	query := `SELECT ` + selectColumns + ` FROM monotize_runs`
	var (
		where []string
		args  []any
	)
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(opts.State))
	}
	if opts.OutputPath != "" {
		where = append(where, "output_path = ?")
		args = append(args, opts.OutputPath)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ns DESC, run_id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// MarkInterrupted fails every run left queued or running by a previous
// process and returns how many were updated.
func (s *Store) MarkInterrupted(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE monotize_runs
SET state = ?, error_message = ?, updated_at_ns = ?, finished_at_ns = ?
WHERE state IN (?, ?)`,
		string(StateFailed), "interrupted: service stopped before the run finished",
		unixNano(now), unixNano(now), string(StateQueued), string(StateRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r                       Run
		resume                  int
		state                   string
		executed, skipped       string
		created, updated, ended int64
	)
	if err := sc.Scan(
		&r.ID, &r.PlanPath, &r.Fingerprint, &r.OutputPath, &resume, &state,
		&r.StagingPath, &r.LogPath, &r.FailedStep, &r.Error,
		&executed, &skipped, &created, &updated, &ended,
	); err != nil {
		return nil, err
	}
	r.Resume = resume != 0
	r.State = State(state)
	if err := json.Unmarshal([]byte(executed), &r.Executed); err != nil {
		return nil, fmt.Errorf("decode executed steps: %w", err)
	}
	if err := json.Unmarshal([]byte(skipped), &r.Skipped); err != nil {
		return nil, fmt.Errorf("decode skipped steps: %w", err)
	}
	r.CreatedAt = fromUnixNano(created)
	r.UpdatedAt = fromUnixNano(updated)
	r.FinishedAt = fromUnixNano(ended)
	return &r, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
