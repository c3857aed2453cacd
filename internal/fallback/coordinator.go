// Package fallback picks the delivery path for each outgoing chat message:
// the persistent connection while it is connected, the one-shot HTTP call
// otherwise.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/ashureev/chatwire/internal/clock"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/ashureev/chatwire/internal/ratelimit"
)

// Route names the path a message was sent on.
type Route string

const (
	RouteTransport Route = "transport"
	RouteFallback  Route = "fallback"
)

// Conn is the persistent connection as seen by the coordinator.
type Conn interface {
	State() domain.ConnectionState
	OnStateChange(fn func(domain.ConnectionState)) (unsubscribe func())
	Send(ctx context.Context, env domain.Envelope) error
}

// Asker is the one-shot request/response path.
type Asker interface {
	Ask(ctx context.Context, q domain.QuestionRequest) (*domain.ChatResponse, error)
}

// Status is the coordinator snapshot exposed for observability.
type Status struct {
	IsTransportAvailable bool `json:"is_transport_available"`
	FallbackActive       bool `json:"fallback_active"`
	ShouldUseFallback    bool `json:"should_use_fallback"`
	Forced               bool `json:"forced"`
}

// Result describes a completed send. Response is set only for the fallback
// route; answers on the transport route arrive as response envelopes.
type Result struct {
	Route    Route
	Response *domain.ChatResponse
}

// Options configures a Coordinator.
type Options struct {
	Conn    Conn
	Client  Asker
	Limiter *ratelimit.Limiter
	Tracker *chaterr.Tracker
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Coordinator routes sends and tracks which path is active.
type Coordinator struct {
	conn    Conn
	client  Asker
	limiter *ratelimit.Limiter
	tracker *chaterr.Tracker
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	connected bool
	forced    bool
	active    bool

	unsubscribe func()
}

// New creates a coordinator and subscribes it to connection state changes.
func New(opts Options) *Coordinator {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(0, 0)
	}
	if opts.Tracker == nil {
		opts.Tracker = chaterr.NewTracker(nil, 0, opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Coordinator{
		conn:    opts.Conn,
		client:  opts.Client,
		limiter: opts.Limiter,
		tracker: opts.Tracker,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
	if c.conn != nil {
		c.connected = c.conn.State().Status == domain.StatusConnected
		c.active = !c.connected
		c.unsubscribe = c.conn.OnStateChange(c.onState)
	} else {
		c.active = true
		c.unsubscribe = func() {}
	}
	return c
}

func (c *Coordinator) onState(st domain.ConnectionState) {
	c.mu.Lock()
	wasActive := c.active
	c.connected = st.Status == domain.StatusConnected
	if c.connected {
		c.forced = false
		c.active = false
	} else {
		c.active = true
	}
	nowActive := c.active
	c.mu.Unlock()

	if wasActive != nowActive {
		c.logger.Info("Fallback path changed", "active", nowActive, "connection_status", st.Status)
	}
}

// Status returns the current routing snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		IsTransportAvailable: c.connected,
		FallbackActive:       c.active || c.forced,
		ShouldUseFallback:    c.forced || !c.connected,
		Forced:               c.forced,
	}
}

// ForceFallback routes every send through the one-shot path until
// DisableFallback is called or the connection reports connected again.
func (c *Coordinator) ForceFallback() {
	c.mu.Lock()
	c.forced = true
	c.mu.Unlock()
	c.logger.Info("Fallback forced")
}

// DisableFallback clears a forced fallback.
func (c *Coordinator) DisableFallback() {
	c.mu.Lock()
	c.forced = false
	c.mu.Unlock()
	c.logger.Info("Fallback override cleared")
}

// RateLimit reports the current admission decision without recording.
func (c *Coordinator) RateLimit() ratelimit.Decision {
	return c.limiter.CanSend(c.clock.Now())
}

// Send admits msg through the rate limiter and delivers it on the preferred
// path. A transport write failure falls through to the one-shot path; if
// that fails too, a single classified error is returned.
func (c *Coordinator) Send(ctx context.Context, msg domain.OutboundMessage) (Result, error) {
	meta := chaterr.Meta{Operation: "send_question", UserID: msg.UserID}

	now := c.clock.Now()
	if d := c.limiter.CanSend(now); !d.Allowed {
		ce := chaterr.RateLimited(d.TimeUntilNext, meta)
		c.tracker.Record(ce)
		c.logger.Warn("Send rate limited", "user_id", msg.UserID, "wait_ms", d.TimeUntilNextMs)
		return Result{}, ce
	}
	c.limiter.RecordSend(now)

	if !c.Status().ShouldUseFallback && c.conn != nil {
		err := c.sendTransport(ctx, msg)
		if err == nil {
			c.mu.Lock()
			c.active = c.forced
			c.mu.Unlock()
			return Result{Route: RouteTransport}, nil
		}
		c.logger.Warn("Transport send failed, using fallback", "user_id", msg.UserID, "error", err)
	}

	c.mu.Lock()
	c.active = true
	c.mu.Unlock()

	if c.client == nil {
		return Result{}, c.tracker.Handle(fmt.Errorf("%w: no fallback client configured", chaterr.ErrFatal), meta)
	}
	resp, err := c.client.Ask(ctx, msg.Request())
	if err != nil {
		return Result{}, c.tracker.Handle(err, meta)
	}
	return Result{Route: RouteFallback, Response: resp}, nil
}

func (c *Coordinator) sendTransport(ctx context.Context, msg domain.OutboundMessage) error {
	data, err := json.Marshal(msg.Request())
	if err != nil {
		return fmt.Errorf("marshal question: %w", err)
	}
	return c.conn.Send(ctx, domain.Envelope{Type: domain.EnvelopeQuestion, Data: data})
}

// Close stops listening to connection state.
func (c *Coordinator) Close() {
	c.unsubscribe()
}
