// Package store keeps a local SQLite ledger of supervised runs.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
// Several slugrunner processes on one host may share a ledger file.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Run is one supervised invocation.
type Run struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Worker   string `json:"worker"`
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
	State    string `json:"state"`
	// ExitCode is the runner's own exit code, -1 while running.
	ExitCode int `json:"exit_code"`
	// ChildExit describes how the workload ended, e.g. "exit 0" or "signal killed".
	ChildExit  string    `json:"child_exit,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	slug        TEXT NOT NULL,
	worker      TEXT NOT NULL,
	hostname    TEXT NOT NULL,
	pid         INTEGER NOT NULL DEFAULT 0,
	state       TEXT NOT NULL DEFAULT 'setup',
	exit_code   INTEGER NOT NULL DEFAULT -1,
	child_exit  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_runs_worker ON runs(worker);
`

// dsnWithPragmas applies WAL and busy_timeout to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// New opens (creating if needed) the ledger at dbPath. ":memory:" is
// accepted for tests.
func New(dbPath string) (*Store, error) {
	inMemory := dbPath == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if inMemory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(2)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRun(run *Run) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO runs (id, slug, worker, hostname, pid, state, exit_code, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Slug, run.Worker, run.Hostname, run.PID, run.State, -1, run.StartedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// UpdateRunState records a lifecycle transition. A pid of 0 leaves the stored
// pid unchanged.
func (s *Store) UpdateRunState(id, state string, pid int) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET state = ?, pid = CASE WHEN ? > 0 THEN ? ELSE pid END WHERE id = ?`,
			state, pid, pid, id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating run state: %w", err)
	}
	return checkRowAffected(result, id)
}

// FinishRun marks a run as ended.
func (s *Store) FinishRun(id, state string, exitCode int, childExit, errMsg string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET state = ?, exit_code = ?, child_exit = ?, error = ?, finished_at = ? WHERE id = ?`,
			state, exitCode, childExit, errMsg, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return checkRowAffected(result, id)
}

const selectRunSQL = `SELECT id, slug, worker, hostname, pid, state, exit_code, child_exit, error, started_at, finished_at FROM runs`

// GetRun returns the run with id, or nil if there is none.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(selectRunSQL+` WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(selectRunSQL+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// PruneRuns deletes finished runs started before cutoff and returns how many
// were removed.
func (s *Store) PruneRuns(cutoff time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM runs WHERE finished_at IS NOT NULL AND started_at < ?`, cutoff.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return result.RowsAffected()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var run Run
	var finished sql.NullTime
	err := row.Scan(
		&run.ID, &run.Slug, &run.Worker, &run.Hostname, &run.PID, &run.State,
		&run.ExitCode, &run.ChildExit, &run.Error, &run.StartedAt, &finished,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}
