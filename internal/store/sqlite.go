package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatwire/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements JobStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes to avoid SQLITE_BUSY
}

// NewSQLite opens (or creates) the snapshot database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS job_snapshots (
		job_id TEXT PRIMARY KEY,
		progress REAL NOT NULL,
		current_step TEXT NOT NULL,
		status TEXT NOT NULL,
		estimated_completion INTEGER,
		error_message TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_snapshots_status ON job_snapshots(status, updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSnapshot creates or replaces the snapshot for snap.JobID.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap domain.ETLProgressSnapshot) error {
	if strings.TrimSpace(snap.JobID) == "" {
		return errors.New("save snapshot: job id is required")
	}
	query := `
	INSERT INTO job_snapshots (job_id, progress, current_step, status, estimated_completion, error_message, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(job_id) DO UPDATE SET
		progress = excluded.progress,
		current_step = excluded.current_step,
		status = excluded.status,
		estimated_completion = excluded.estimated_completion,
		error_message = excluded.error_message,
		updated_at = excluded.updated_at`

	var eta any
	if snap.EstimatedCompletion != nil {
		eta = snap.EstimatedCompletion.UnixMilli()
	}
	var errMsg any
	if snap.ErrorMessage != "" {
		errMsg = snap.ErrorMessage
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	return s.withRetry(ctx, "save snapshot", func() error {
		_, err := s.db.ExecContext(ctx, query,
			snap.JobID, snap.Progress, snap.CurrentStep, string(snap.Status),
			eta, errMsg, updated.UnixMilli(),
		)
		return err
	})
}

// GetSnapshot returns the snapshot for jobID or ErrNotFound.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, jobID string) (*domain.ETLProgressSnapshot, error) {
	query := `
		SELECT job_id, progress, current_step, status, estimated_completion, error_message, updated_at
		FROM job_snapshots WHERE job_id = ?`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot row: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns every snapshot, most recently updated first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]domain.ETLProgressSnapshot, error) {
	query := `
		SELECT job_id, progress, current_step, status, estimated_completion, error_message, updated_at
		FROM job_snapshots ORDER BY updated_at DESC, job_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close snapshot rows", "error", closeErr)
		}
	}()

	var out []domain.ETLProgressSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// DeleteSnapshot removes the snapshot for jobID.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, jobID string) error {
	return s.withRetry(ctx, "delete snapshot", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM job_snapshots WHERE job_id = ?`, jobID)
		return err
	})
}

// PruneFinished removes terminal snapshots not updated within ttl.
func (s *SQLiteStore) PruneFinished(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	query := `DELETE FROM job_snapshots WHERE status NOT IN (?, ?) AND updated_at < ?`

	var affected int64
	err := s.withRetry(ctx, "prune snapshots", func() error {
		res, err := s.db.ExecContext(ctx, query, string(domain.JobPending), string(domain.JobRunning), threshold)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry runs a write under the store mutex, retrying with exponential
// backoff while SQLite reports a lock conflict.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		s.mu.Lock()
		err = fn()
		s.mu.Unlock()
		if err == nil {
			return nil
		}
		if !isConflict(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*domain.ETLProgressSnapshot, error) {
	var (
		snap    domain.ETLProgressSnapshot
		status  string
		eta     sql.NullInt64
		errMsg  sql.NullString
		updated int64
	)
	if err := row.Scan(&snap.JobID, &snap.Progress, &snap.CurrentStep, &status, &eta, &errMsg, &updated); err != nil {
		return nil, err
	}
	snap.Status = domain.JobStatus(status)
	if eta.Valid {
		t := time.UnixMilli(eta.Int64)
		snap.EstimatedCompletion = &t
	}
	snap.ErrorMessage = errMsg.String
	snap.UpdatedAt = time.UnixMilli(updated)
	return &snap, nil
}

// isConflict reports SQLITE_BUSY or "database is locked" errors.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
