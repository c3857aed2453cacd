// Package store persists ETL progress snapshots so tracked jobs survive
// restarts. Chat transcripts are never stored.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/chatwire/internal/domain"
)

// ErrNotFound is returned when no snapshot exists for a job.
var ErrNotFound = errors.New("snapshot not found")

// JobStore defines the interface for persisting job progress.
type JobStore interface {
	// SaveSnapshot creates or replaces the snapshot for snap.JobID.
	SaveSnapshot(ctx context.Context, snap domain.ETLProgressSnapshot) error

	// GetSnapshot returns the snapshot for jobID or ErrNotFound.
	GetSnapshot(ctx context.Context, jobID string) (*domain.ETLProgressSnapshot, error)

	// ListSnapshots returns every snapshot, most recently updated first.
	ListSnapshots(ctx context.Context) ([]domain.ETLProgressSnapshot, error)

	// DeleteSnapshot removes the snapshot for jobID.
	DeleteSnapshot(ctx context.Context, jobID string) error

	// PruneFinished removes terminal snapshots not updated within ttl.
	PruneFinished(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
