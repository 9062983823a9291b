// Package taskstore persists task records in SQLite. The store is the
// external boundary's source of truth for task lifecycle: a record is
// created PENDING on submission, moves to PROCESSING when a worker picks it
// up, and terminates at SUCCESS, FAILED, or CANCELLED. Terminal records are
// garbage-collected after a TTL.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fixbot/pkg/logx"
	"fixbot/pkg/workflow"
)

// Status is a task record's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Record is one persisted task.
type Record struct {
	ID          string           `json:"id"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      *workflow.Result `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Store is a SQLite-backed task record store. Safe for concurrent use; the
// single write connection serializes writers.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// migrations are applied in order; the schema_version table records progress
// so upgrades are incremental and idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		status       TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		completed_at INTEGER,
		result       TEXT,
		error        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed_at)`,
}

// Open opens (creating if needed) the store at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	// modernc/sqlite serializes through a single connection; more only adds
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logx.NewLogger("taskstore")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		s.logger.Debug("applied schema migration %d", i+1)
	}
	return nil
}

// Create inserts a new PENDING record.
func (s *Store) Create(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, created_at) VALUES (?, ?, ?)`,
		id, StatusPending, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", id, err)
	}
	return nil
}

// MarkProcessing moves a PENDING record to PROCESSING. Returns false when
// the record is not pending anymore (e.g. cancelled before pickup).
func (s *Store) MarkProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		StatusProcessing, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s processing: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finish terminates a record with the given status, result snapshot, and
// optional error text. Already-terminal records are left untouched.
func (s *Store) Finish(ctx context.Context, id string, status Status, result *workflow.Result, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %s", status)
	}

	var resultJSON any
	if result != nil {
		blob, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result for task %s: %w", id, err)
		}
		resultJSON = string(blob)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, result = ?, error = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, time.Now().UTC().Unix(), resultJSON, errMsg,
		id, StatusSuccess, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("finish ignored for task %s: already terminal or unknown", id)
	}
	return nil
}

// Cancel marks a non-terminal record CANCELLED. Returns false when the task
// had already terminated.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, time.Now().UTC().Unix(), id, StatusPending, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get loads one record.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, completed_at, result, error FROM tasks WHERE id = ?`, id)

	var (
		rec         Record
		createdAt   int64
		completedAt sql.NullInt64
		resultBlob  sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Status, &createdAt, &completedAt, &resultBlob, &rec.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %s not found", id)
		}
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}

	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		rec.CompletedAt = &t
	}
	if resultBlob.Valid && resultBlob.String != "" {
		var result workflow.Result
		if err := json.Unmarshal([]byte(resultBlob.String), &result); err != nil {
			return nil, fmt.Errorf("corrupt result for task %s: %w", id, err)
		}
		rec.Result = &result
	}
	return &rec, nil
}

// PurgeOlderThan deletes terminal records completed before now-ttl and
// returns how many were removed.
func (s *Store) PurgeOlderThan(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusSuccess, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged %d expired task records", n)
	}
	return n, nil
}
