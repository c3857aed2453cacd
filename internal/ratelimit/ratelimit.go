// Package ratelimit implements sliding-window admission control for outgoing
// chat messages.
package ratelimit

import (
	"sync"
	"time"
)

// Default policy: 10 messages per minute.
const (
	DefaultMaxMessages = 10
	DefaultWindow      = time.Minute
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed           bool          `json:"allowed"`
	RemainingMessages uint          `json:"remaining_messages"`
	TimeUntilNext     time.Duration `json:"-"`
	TimeUntilNextMs   uint64        `json:"time_until_next_ms"`
	Limit             int           `json:"limit"`
	Window            time.Duration `json:"-"`
	WindowMs          uint64        `json:"window_ms"`
}

// Limiter counts sends inside a rolling window.
// Timestamps older than the window are purged lazily on each check.
type Limiter struct {
	mu     sync.Mutex
	sent   []time.Time
	limit  int
	window time.Duration
}

// New creates a limiter admitting at most limit sends per window.
// Non-positive values fall back to the default policy.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{limit: limit, window: window}
}

// CanSend reports whether a send at now would be admitted. It does not
// record anything.
func (l *Limiter) CanSend(now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purgeLocked(now)

	if len(l.sent) < l.limit {
		return l.decisionLocked(Decision{
			Allowed:           true,
			RemainingMessages: uint(l.limit - len(l.sent)),
		})
	}

	// The oldest counted send leaves the window at sent[0]+window.
	wait := l.sent[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return l.decisionLocked(Decision{
		Allowed:         false,
		TimeUntilNext:   wait,
		TimeUntilNextMs: uint64((wait + time.Millisecond - 1) / time.Millisecond),
	})
}

// decisionLocked stamps d with the configured policy.
func (l *Limiter) decisionLocked(d Decision) Decision {
	d.Limit = l.limit
	d.Window = l.window
	d.WindowMs = uint64(l.window / time.Millisecond)
	return d
}

// RecordSend appends a send attempt at now.
func (l *Limiter) RecordSend(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked(now)
	l.sent = append(l.sent, now)
}

func (l *Limiter) purgeLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.sent) && !l.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.sent = append(l.sent[:0], l.sent[i:]...)
	}
}
