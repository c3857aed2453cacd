// Package progress follows background ETL jobs over a one-way server push
// stream, reconnecting with capped backoff until the job reaches a terminal
// status.
package progress

import (
	"context"
	"errors"
)

// Event names carried by a progress stream.
const (
	EventProgress = "progress"
	EventComplete = "complete"
)

// ErrStreamClosed is returned by Stream.Next once the server ends the stream.
var ErrStreamClosed = errors.New("progress stream closed")

// Event is one named event with its raw JSON payload.
type Event struct {
	Name string
	Data []byte
}

// Stream is one open subscription.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Source opens progress subscriptions for a job.
type Source interface {
	Open(ctx context.Context, jobID string) (Stream, error)
}
