package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatwire/internal/clock"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/ashureev/chatwire/internal/store"
	"github.com/ashureev/chatwire/internal/transport"
)

// DefaultIssueThreshold is the reconnect count at which a job reports
// connection issues.
const DefaultIssueThreshold = 3

const persistTimeout = 5 * time.Second

// ErrMissingJobID is returned when tracking is requested without a job id.
var ErrMissingJobID = errors.New("job id is required")

// TrackerOptions configures a Tracker. Store is optional.
type TrackerOptions struct {
	Source               Source
	Store                store.JobStore
	Clock                clock.Clock
	Logger               *slog.Logger
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	IssueThreshold       uint
}

// Tracker follows many jobs, one Client per job, and persists their
// snapshots.
type Tracker struct {
	opts   TrackerOptions
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	unsub   map[string]func()
	loading map[string]chan struct{}

	updates *transport.Subject[domain.ETLProgressSnapshot]
}

// NewTracker creates an empty tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IssueThreshold == 0 {
		opts.IssueThreshold = DefaultIssueThreshold
	}
	return &Tracker{
		opts:    opts,
		logger:  opts.Logger,
		clients: make(map[string]*Client),
		unsub:   make(map[string]func()),
		loading: make(map[string]chan struct{}),
		updates: transport.NewSubject[domain.ETLProgressSnapshot]("jobs", opts.Logger),
	}
}

// OnUpdate registers a listener for snapshot changes of any tracked job.
func (t *Tracker) OnUpdate(fn func(domain.ETLProgressSnapshot)) (unsubscribe func()) {
	return t.updates.Subscribe(fn)
}

// Track starts following jobID. Tracking an already tracked job returns its
// existing client.
func (t *Tracker) Track(ctx context.Context, jobID string) (*Client, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, ErrMissingJobID
	}
	c, release, err := t.reserve(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if c != nil {
		c.Connect()
		return c, nil
	}
	defer release()

	initial := domain.ETLProgressSnapshot{JobID: jobID, Status: domain.JobPending, UpdatedAt: t.now()}
	if t.opts.Store != nil {
		stored, err := t.opts.Store.GetSnapshot(ctx, jobID)
		switch {
		case err == nil:
			initial = *stored
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load snapshot: %w", err)
		default:
			if err := t.opts.Store.SaveSnapshot(ctx, initial); err != nil {
				return nil, fmt.Errorf("save snapshot: %w", err)
			}
		}
	}

	c = t.add(initial)
	c.Connect()
	return c, nil
}

// reserve returns the existing client for jobID, or claims the job so this
// caller alone loads its snapshot. Concurrent callers wait for the claim to
// be released and then see the client it added.
func (t *Tracker) reserve(ctx context.Context, jobID string) (*Client, func(), error) {
	for {
		t.mu.Lock()
		if c, ok := t.clients[jobID]; ok {
			t.mu.Unlock()
			return c, nil, nil
		}
		wait, busy := t.loading[jobID]
		if !busy {
			done := make(chan struct{})
			t.loading[jobID] = done
			t.mu.Unlock()
			return nil, func() {
				t.mu.Lock()
				delete(t.loading, jobID)
				t.mu.Unlock()
				close(done)
			}, nil
		}
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Restore loads persisted snapshots and subscribes to every job that is
// still pending or running. It returns the number of subscriptions opened.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.opts.Store == nil {
		return 0, nil
	}
	snaps, err := t.opts.Store.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}

	subscribed := 0
	for _, snap := range snaps {
		if _, ok := t.Client(snap.JobID); ok {
			continue
		}
		c := t.add(snap)
		if snap.Status.IsActive() {
			c.Connect()
			subscribed++
		}
	}
	t.logger.Info("Restored tracked jobs", "total", len(snaps), "subscribed", subscribed)
	return subscribed, nil
}

// add registers a client for initial.JobID, returning the existing one if
// the job is already tracked.
func (t *Tracker) add(initial domain.ETLProgressSnapshot) *Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[initial.JobID]; ok {
		return c
	}
	c := NewClient(Options{
		JobID:                initial.JobID,
		Source:               t.opts.Source,
		Clock:                t.opts.Clock,
		Logger:               t.logger,
		MaxReconnectAttempts: t.opts.MaxReconnectAttempts,
		BaseDelay:            t.opts.BaseDelay,
		MaxDelay:             t.opts.MaxDelay,
		Initial:              &initial,
	})
	t.clients[initial.JobID] = c
	t.unsub[initial.JobID] = c.OnUpdate(t.persist)
	return c
}

func (t *Tracker) persist(snap domain.ETLProgressSnapshot) {
	if t.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := t.opts.Store.SaveSnapshot(ctx, snap); err != nil {
			t.logger.Error("Failed to persist job snapshot", "job_id", snap.JobID, "error", err)
		}
	}
	t.updates.Publish(snap)
}

// Untrack stops following jobID and forgets its snapshot.
func (t *Tracker) Untrack(ctx context.Context, jobID string) error {
	t.mu.Lock()
	c, ok := t.clients[jobID]
	unsub := t.unsub[jobID]
	delete(t.clients, jobID)
	delete(t.unsub, jobID)
	t.mu.Unlock()

	if ok {
		unsub()
		c.Disconnect()
	}
	if t.opts.Store != nil {
		if err := t.opts.Store.DeleteSnapshot(ctx, jobID); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
	}
	return nil
}

// Client returns the client following jobID.
func (t *Tracker) Client(jobID string) (*Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[jobID]
	return c, ok
}

// Snapshot returns the last known progress of jobID.
func (t *Tracker) Snapshot(jobID string) (domain.ETLProgressSnapshot, bool) {
	c, ok := t.Client(jobID)
	if !ok {
		return domain.ETLProgressSnapshot{}, false
	}
	return c.Snapshot(), true
}

// Snapshots returns every tracked snapshot ordered by job id.
func (t *Tracker) Snapshots() []domain.ETLProgressSnapshot {
	t.mu.Lock()
	clients := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.Unlock()

	out := make([]domain.ETLProgressSnapshot, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// ConnectionIssues reports whether jobID's stream has failed to reconnect
// at least the configured threshold of times in a row.
func (t *Tracker) ConnectionIssues(jobID string) bool {
	c, ok := t.Client(jobID)
	if !ok {
		return false
	}
	return c.ReconnectAttempts() >= t.opts.IssueThreshold
}

// Close disconnects every client.
func (t *Tracker) Close() {
	t.mu.Lock()
	clients := t.clients
	t.clients = make(map[string]*Client)
	t.unsub = make(map[string]func())
	t.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
}

func (t *Tracker) now() time.Time {
	if t.opts.Clock != nil {
		return t.opts.Clock.Now()
	}
	return time.Now()
}
