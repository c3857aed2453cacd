// Package transport owns the persistent per-user connection: its state
// machine, reconnect policy, inbound dispatch and the per-user registry.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatwire/internal/auth"
	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/ashureev/chatwire/internal/clock"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/coder/websocket"
)

var (
	// ErrNotConnected is returned by Send when no transport is open.
	ErrNotConnected = errors.New("connection is not open")
	// ErrSuperseded is returned to waiters of an attempt abandoned by
	// Disconnect or ForceReconnect.
	ErrSuperseded = errors.New("connection attempt superseded")
	// ErrReconnectExhausted is recorded when the reconnect cap is reached.
	ErrReconnectExhausted = errors.New("max reconnect attempts reached")
)

// Options configures a Conn.
type Options struct {
	URL                  string
	UserID               string
	Tokens               auth.TokenProvider
	Dialer               Dialer
	Clock                clock.Clock
	Logger               *slog.Logger
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	ConnectTimeout       time.Duration
	Debounce             time.Duration
	AuthCloseCodes       chaterr.CloseCodeRange
}

// Defaults for Options.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultBaseDelay            = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultDebounce             = 2 * time.Second
)

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = &WebSocketDialer{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Debounce < 0 {
		o.Debounce = 0
	}
	if o.AuthCloseCodes == (chaterr.CloseCodeRange{}) {
		o.AuthCloseCodes = chaterr.DefaultAuthCloseCodes
	}
}

// attempt is one in-flight connection attempt shared by every caller that
// asked for a connection while it was running.
type attempt struct {
	gen  uint64
	done chan struct{}
	err  error
}

// Conn is the persistent connection state machine for one user.
type Conn struct {
	opts   Options
	logger *slog.Logger

	mu             sync.Mutex
	state          domain.ConnectionState
	generation     uint64
	transport      Transport
	cancelRead     context.CancelFunc
	inflight       *attempt
	lastAttemptAt  time.Time
	manual         bool
	reconnectTimer clock.Timer

	writeMu sync.Mutex

	states    *Subject[domain.ConnectionState]
	envelopes map[domain.EnvelopeType]*Subject[domain.Envelope]
}

// New creates a disconnected Conn.
func New(opts Options) *Conn {
	opts.applyDefaults()
	logger := opts.Logger.With("user_id", opts.UserID)
	c := &Conn{
		opts:      opts,
		logger:    logger,
		state:     domain.ConnectionState{Status: domain.StatusDisconnected},
		states:    NewSubject[domain.ConnectionState]("state", logger),
		envelopes: make(map[domain.EnvelopeType]*Subject[domain.Envelope]),
	}
	for _, t := range []domain.EnvelopeType{domain.EnvelopeStatus, domain.EnvelopeResponse, domain.EnvelopeError} {
		c.envelopes[t] = NewSubject[domain.Envelope](string(t), logger)
	}
	return c
}

// UserID returns the owner of the connection.
func (c *Conn) UserID() string { return c.opts.UserID }

// State returns a snapshot of the connection state.
func (c *Conn) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener for state transitions.
func (c *Conn) OnStateChange(fn func(domain.ConnectionState)) (unsubscribe func()) {
	return c.states.Subscribe(fn)
}

// Subscribe registers a listener for inbound envelopes of type t.
func (c *Conn) Subscribe(t domain.EnvelopeType, fn func(domain.Envelope)) (unsubscribe func()) {
	s, ok := c.envelopes[t]
	if !ok {
		return func() {}
	}
	return s.Subscribe(fn)
}

// Connect opens the connection. It is idempotent: callers arriving while an
// attempt is in flight wait for that attempt, a connected Conn returns
// immediately, and a call within the debounce window of the previous attempt
// is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if a := c.inflight; a != nil {
		c.mu.Unlock()
		return c.wait(ctx, a)
	}
	if c.state.Status == domain.StatusConnected {
		c.mu.Unlock()
		return nil
	}
	now := c.opts.Clock.Now()
	if !c.lastAttemptAt.IsZero() && now.Sub(c.lastAttemptAt) < c.opts.Debounce {
		c.mu.Unlock()
		c.logger.Debug("Connect debounced", "since_last_attempt", now.Sub(c.lastAttemptAt))
		return nil
	}
	c.manual = false
	c.stopTimerLocked()
	if c.state.Status == domain.StatusError {
		c.state.ReconnectAttempts = 0
	}
	a, snap := c.startAttemptLocked(evConnect)
	c.mu.Unlock()

	c.states.Publish(snap)
	c.run(a)
	return c.wait(ctx, a)
}

// Disconnect closes the connection and suppresses automatic reconnection
// until the next explicit Connect.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	wasDisconnected := c.state.Status == domain.StatusDisconnected
	c.manual = true
	c.stopTimerLocked()
	c.generation++
	c.inflight = nil
	old := c.detachLocked()
	c.state.LastError = ""
	snap, changed := c.applyLocked(evDisconnect)
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			c.logger.Debug("Failed to close transport", "error", err)
		}
	}
	if changed && !wasDisconnected {
		c.states.Publish(snap)
	}
}

// ForceReconnect tears down the current transport and attempt and dials
// again immediately, bypassing backoff and debounce.
func (c *Conn) ForceReconnect(ctx context.Context) error {
	c.mu.Lock()
	c.manual = false
	c.stopTimerLocked()
	c.inflight = nil
	old := c.detachLocked()
	c.state.ReconnectAttempts = 0
	a, snap := c.startAttemptLocked(evConnect)
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(websocket.StatusNormalClosure, "force reconnect"); err != nil {
			c.logger.Debug("Failed to close transport", "error", err)
		}
	}
	c.logger.Info("Forcing reconnect")
	c.states.Publish(snap)
	c.run(a)
	return c.wait(ctx, a)
}

// Send writes env to the open transport.
func (c *Conn) Send(ctx context.Context, env domain.Envelope) error {
	c.mu.Lock()
	tr := c.transport
	status := c.state.Status
	c.mu.Unlock()
	if tr == nil || status != domain.StatusConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := tr.Write(ctx, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Close disconnects; the registry calls it when removing a user.
func (c *Conn) Close() {
	c.Disconnect()
}

func (c *Conn) wait(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startAttemptLocked begins a new transport generation.
func (c *Conn) startAttemptLocked(ev event) (*attempt, domain.ConnectionState) {
	c.generation++
	a := &attempt{gen: c.generation, done: make(chan struct{})}
	c.inflight = a
	c.lastAttemptAt = c.opts.Clock.Now()
	snap, _ := c.applyLocked(ev)
	return a, snap
}

// detachLocked forgets the current transport and stops its read loop.
func (c *Conn) detachLocked() Transport {
	old := c.transport
	c.transport = nil
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	return old
}

func (c *Conn) stopTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// applyLocked runs the transition function and reports whether the status
// changed. Invalid transitions are logged and ignored.
func (c *Conn) applyLocked(ev event) (domain.ConnectionState, bool) {
	from := c.state.Status
	to, ok := transition(from, ev)
	if !ok {
		c.logger.Warn("Ignoring invalid connection transition", "status", from, "event", ev.String())
		return c.state, false
	}
	c.state.Status = to
	if to == domain.StatusConnected {
		c.state.ReconnectAttempts = 0
		c.state.LastError = ""
	}
	c.logger.Info("Connection state changed",
		"from", from,
		"to", to,
		"event", ev.String(),
		"reconnect_attempts", c.state.ReconnectAttempts,
	)
	return c.state, true
}

// run performs the attempt: token fetch then dial, bounded by ConnectTimeout.
func (c *Conn) run(a *attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	if c.opts.Tokens == nil {
		c.fail(a, evTokenFailed, "token unavailable", chaterr.ErrTokenUnavailable)
		return
	}
	token, err := c.opts.Tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.fail(a, evTimeout, "connection timeout", fmt.Errorf("%w: %w", chaterr.ErrTimeout, err))
			return
		}
		c.fail(a, evTokenFailed, "token unavailable", fmt.Errorf("%w: %w", chaterr.ErrTokenUnavailable, err))
		return
	}

	tr, err := c.opts.Dialer.Dial(ctx, c.opts.URL, token)
	switch {
	case err == nil:
		c.open(a, tr)
	case errors.Is(err, chaterr.ErrAuthRejected):
		auth.NotifyRejected(c.opts.Tokens)
		c.fail(a, evAuthClosed, "authentication rejected", err)
	case ctx.Err() != nil:
		c.fail(a, evTimeout, fmt.Sprintf("connection timeout after %s", c.opts.ConnectTimeout),
			fmt.Errorf("%w: %w", chaterr.ErrTimeout, err))
	default:
		c.lost(a, err)
	}
}

// open installs tr as the current generation's transport.
func (c *Conn) open(a *attempt, tr Transport) {
	c.mu.Lock()
	if c.inflight != a || c.generation != a.gen {
		c.mu.Unlock()
		if err := tr.Close(websocket.StatusNormalClosure, "superseded"); err != nil {
			c.logger.Debug("Failed to close superseded transport", "error", err)
		}
		c.finish(a, ErrSuperseded)
		return
	}
	c.inflight = nil
	c.transport = tr
	readCtx, cancel := context.WithCancel(context.Background())
	c.cancelRead = cancel
	snap, changed := c.applyLocked(evOpened)
	c.mu.Unlock()

	go c.readLoop(readCtx, tr, a.gen)
	if changed {
		c.states.Publish(snap)
	}
	c.finish(a, nil)
}

// fail moves to a terminal error state without scheduling a reconnect.
func (c *Conn) fail(a *attempt, ev event, lastError string, cause error) {
	c.mu.Lock()
	if c.inflight != a || c.generation != a.gen {
		c.mu.Unlock()
		c.finish(a, ErrSuperseded)
		return
	}
	c.inflight = nil
	c.state.LastError = lastError
	snap, changed := c.applyLocked(ev)
	c.mu.Unlock()

	c.logger.Warn("Connection attempt failed", "error", cause, "last_error", lastError)
	if changed {
		c.states.Publish(snap)
	}
	c.finish(a, cause)
}

// lost handles a transient dial failure.
func (c *Conn) lost(a *attempt, cause error) {
	c.mu.Lock()
	if c.inflight != a || c.generation != a.gen {
		c.mu.Unlock()
		c.finish(a, ErrSuperseded)
		return
	}
	c.inflight = nil
	snap, changed := c.scheduleReconnectLocked(cause.Error())
	c.mu.Unlock()

	c.logger.Warn("Connection attempt failed", "error", cause)
	if changed {
		c.states.Publish(snap)
	}
	c.finish(a, cause)
}

func (c *Conn) finish(a *attempt, err error) {
	a.err = err
	close(a.done)
}

// scheduleReconnectLocked counts an unexpected loss and either arms the
// backoff timer or gives up once the cap is reached.
func (c *Conn) scheduleReconnectLocked(cause string) (domain.ConnectionState, bool) {
	if int(c.state.ReconnectAttempts) >= c.opts.MaxReconnectAttempts {
		c.state.LastError = ErrReconnectExhausted.Error()
		return c.applyLocked(evGiveUp)
	}
	c.state.ReconnectAttempts++
	c.state.LastError = cause
	snap, changed := c.applyLocked(evLost)
	if !changed {
		return snap, false
	}

	delay := Backoff(c.opts.BaseDelay, c.opts.MaxDelay, c.state.ReconnectAttempts)
	gen := c.generation
	c.reconnectTimer = c.opts.Clock.AfterFunc(delay, func() { c.retry(gen) })
	c.logger.Info("Reconnect scheduled", "attempt", c.state.ReconnectAttempts, "delay", delay)
	return snap, true
}

// retry is the backoff timer callback.
func (c *Conn) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.manual || c.inflight != nil || c.state.Status != domain.StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	a, snap := c.startAttemptLocked(evRetry)
	c.mu.Unlock()

	c.states.Publish(snap)
	c.run(a)
}

// readLoop delivers inbound envelopes of one generation in arrival order.
func (c *Conn) readLoop(ctx context.Context, tr Transport, gen uint64) {
	for {
		data, err := tr.Read(ctx)
		if err != nil {
			c.closed(gen, err)
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Dropping malformed envelope", "error", err, "bytes", len(data))
			continue
		}
		env.Timestamp = c.opts.Clock.Now()

		if !c.isCurrent(gen) {
			return
		}
		s, ok := c.envelopes[env.Type]
		if !ok {
			c.logger.Debug("Ignoring envelope with unknown type", "type", env.Type)
			continue
		}
		s.Publish(env)
	}
}

func (c *Conn) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && c.transport != nil
}

// closed classifies the close of generation gen.
func (c *Conn) closed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.transport == nil {
		c.mu.Unlock()
		return
	}
	c.detachLocked()

	code := websocket.CloseStatus(err)
	var (
		snap     domain.ConnectionState
		changed  bool
		rejected bool
	)
	switch {
	case code == websocket.StatusNormalClosure:
		snap, changed = c.applyLocked(evCleanClose)
	case code >= 0 && c.opts.AuthCloseCodes.Contains(int(code)):
		c.state.LastError = fmt.Sprintf("authentication rejected (close code %d)", code)
		snap, changed = c.applyLocked(evAuthClosed)
		rejected = true
	default:
		snap, changed = c.scheduleReconnectLocked(fmt.Sprintf("connection lost: %v", err))
	}
	c.mu.Unlock()

	c.logger.Info("Transport closed", "close_code", int(code), "error", err)
	if rejected {
		auth.NotifyRejected(c.opts.Tokens)
	}
	if changed {
		c.states.Publish(snap)
	}
}

// Backoff returns base*2^(attempt-1) capped at ceiling.
func Backoff(base, ceiling time.Duration, attempt uint) time.Duration {
	if attempt == 0 {
		return 0
	}
	d := base
	for i := uint(1); i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
