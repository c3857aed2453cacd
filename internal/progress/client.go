package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatwire/internal/clock"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/ashureev/chatwire/internal/transport"
)

// Client defaults.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 30 * time.Second
)

// ErrReconnectExhausted is recorded when the stream gave up reconnecting.
var ErrReconnectExhausted = errors.New("max reconnect attempts reached")

// Options configures a Client.
type Options struct {
	JobID                string
	Source               Source
	Clock                clock.Clock
	Logger               *slog.Logger
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	// Initial seeds the snapshot, e.g. from persisted state.
	Initial *domain.ETLProgressSnapshot
}

// State is the client's connection view.
type State struct {
	Status            domain.ConnectionStatus `json:"status"`
	ReconnectAttempts uint                    `json:"reconnect_attempts"`
	LastError         string                  `json:"last_error,omitempty"`
	Finished          bool                    `json:"finished"`
}

// Client owns the progress subscription of one job.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	snapshot   domain.ETLProgressSnapshot
	generation uint64
	cancel     context.CancelFunc
	timer      clock.Timer
	manual     bool

	updates *transport.Subject[domain.ETLProgressSnapshot]
}

// NewClient creates a disconnected client for opts.JobID.
func NewClient(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	logger := opts.Logger.With("job_id", opts.JobID)

	snap := domain.ETLProgressSnapshot{JobID: opts.JobID, Status: domain.JobPending}
	if opts.Initial != nil {
		snap = *opts.Initial
		snap.JobID = opts.JobID
	}
	return &Client{
		opts:     opts,
		logger:   logger,
		state:    State{Status: domain.StatusDisconnected, Finished: !snap.Status.IsActive()},
		snapshot: snap,
		updates:  transport.NewSubject[domain.ETLProgressSnapshot]("progress", logger),
	}
}

// JobID returns the tracked job.
func (c *Client) JobID() string { return c.opts.JobID }

// OnUpdate registers a listener for snapshot changes.
func (c *Client) OnUpdate(fn func(domain.ETLProgressSnapshot)) (unsubscribe func()) {
	return c.updates.Subscribe(fn)
}

// Snapshot returns the last known progress.
func (c *Client) Snapshot() domain.ETLProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// State returns the connection view.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the current consecutive reconnect count.
func (c *Client) ReconnectAttempts() uint {
	return c.State().ReconnectAttempts
}

// Connect opens the subscription. It is a no-op once the job is terminal or
// while a subscription is already open or being opened.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Finished {
		return
	}
	switch c.state.Status {
	case domain.StatusConnecting, domain.StatusConnected:
		return
	case domain.StatusError:
		c.state.ReconnectAttempts = 0
	}
	c.manual = false
	c.stopTimerLocked()
	c.startLocked(domain.StatusConnecting)
}

// Disconnect closes the subscription and cancels any pending reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = true
	c.stopTimerLocked()
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.state.Status != domain.StatusDisconnected {
		c.setStatusLocked(domain.StatusDisconnected)
	}
}

func (c *Client) startLocked(status domain.ConnectionStatus) {
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStatusLocked(status)
	go c.run(ctx, gen)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) setStatusLocked(status domain.ConnectionStatus) {
	if c.state.Status == status {
		return
	}
	c.logger.Info("Progress stream state changed",
		"from", c.state.Status,
		"to", status,
		"reconnect_attempts", c.state.ReconnectAttempts,
	)
	c.state.Status = status
}

func (c *Client) run(ctx context.Context, gen uint64) {
	stream, err := c.opts.Source.Open(ctx, c.opts.JobID)
	if err != nil {
		c.lost(gen, err)
		return
	}
	defer stream.Close()

	if !c.opened(gen) {
		return
	}
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			c.lost(gen, err)
			return
		}
		if c.handle(gen, ev) {
			return
		}
	}
}

func (c *Client) opened(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	c.state.ReconnectAttempts = 0
	c.state.LastError = ""
	c.setStatusLocked(domain.StatusConnected)
	return true
}

// lost schedules a reconnect after an unexpected stream end.
func (c *Client) lost(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.manual || c.state.Finished {
		return
	}
	c.cancel = nil

	if int(c.state.ReconnectAttempts) >= c.opts.MaxReconnectAttempts {
		c.state.LastError = ErrReconnectExhausted.Error()
		c.setStatusLocked(domain.StatusError)
		c.logger.Warn("Progress stream gave up", "error", cause)
		return
	}
	c.state.ReconnectAttempts++
	c.state.LastError = cause.Error()
	c.setStatusLocked(domain.StatusReconnecting)

	delay := transport.Backoff(c.opts.BaseDelay, c.opts.MaxDelay, c.state.ReconnectAttempts)
	c.timer = c.opts.Clock.AfterFunc(delay, func() { c.retry(gen) })
	c.logger.Warn("Progress stream lost", "error", cause, "attempt", c.state.ReconnectAttempts, "delay", delay)
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.manual || c.state.Finished || c.state.Status != domain.StatusReconnecting {
		return
	}
	c.timer = nil
	c.startLocked(domain.StatusReconnecting)
}

// handle applies ev and reports whether the subscription should end.
func (c *Client) handle(gen uint64, ev Event) bool {
	switch ev.Name {
	case EventProgress, EventComplete:
	default:
		c.logger.Debug("Ignoring progress stream event", "event", ev.Name)
		return false
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return true
	}
	next, ok := c.apply(ev)
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.snapshot = next
	terminal := !next.Status.IsActive()
	if terminal {
		c.state.Finished = true
		c.generation++
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		c.setStatusLocked(domain.StatusDisconnected)
	}
	c.mu.Unlock()

	c.updates.Publish(next)
	if terminal {
		c.logger.Info("Job reached terminal status", "status", next.Status)
	}
	return terminal
}

// apply merges ev into the current snapshot. Callers hold c.mu.
func (c *Client) apply(ev Event) (domain.ETLProgressSnapshot, bool) {
	next := c.snapshot
	next.UpdatedAt = c.opts.Clock.Now()

	switch ev.Name {
	case EventProgress:
		var p domain.ProgressEvent
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			c.logger.Warn("Dropping malformed progress event", "error", err)
			return next, false
		}
		if p.JobID != "" && p.JobID != c.opts.JobID {
			c.logger.Debug("Ignoring progress for another job", "event_job_id", p.JobID)
			return next, false
		}
		next.Progress = clampPercent(p.Progress)
		next.CurrentStep = p.CurrentStep
		if s := domain.JobStatus(p.Status); knownStatus(s) {
			next.Status = s
		}
		next.EstimatedCompletion = nil
		if p.EstimatedCompletionTime != nil {
			if t, err := time.Parse(time.RFC3339, *p.EstimatedCompletionTime); err == nil {
				next.EstimatedCompletion = &t
			}
		}
		next.ErrorMessage = ""
		if p.ErrorMessage != nil {
			next.ErrorMessage = *p.ErrorMessage
		}

	case EventComplete:
		var done domain.CompleteEvent
		if err := json.Unmarshal(ev.Data, &done); err != nil {
			c.logger.Warn("Dropping malformed complete event", "error", err)
			return next, false
		}
		next.Status = domain.JobCompleted
		if s := domain.JobStatus(done.Status); knownStatus(s) && !s.IsActive() {
			next.Status = s
		}
		if next.Status == domain.JobCompleted {
			next.Progress = 100
			next.ErrorMessage = ""
		} else if done.Message != "" {
			next.ErrorMessage = done.Message
		}
		next.EstimatedCompletion = nil
	}
	return next, true
}

func knownStatus(s domain.JobStatus) bool {
	switch s {
	case domain.JobPending, domain.JobRunning, domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		return true
	}
	return false
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
