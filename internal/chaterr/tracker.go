package chaterr

import (
	"log/slog"
	"sync"
)

// DefaultHistorySize bounds the tracker history.
const DefaultHistorySize = 50

// Stats aggregates tracked errors for diagnostics.
type Stats struct {
	Total  int          `json:"total"`
	ByType map[Type]int `json:"by_type"`
	Recent []*ChatError `json:"recent"`
}

// Tracker classifies errors and keeps a bounded, most-recent-first history.
type Tracker struct {
	classifier *Classifier
	logger     *slog.Logger
	limit      int

	mu      sync.Mutex
	history []*ChatError
	counts  map[Type]int
}

// NewTracker creates a tracker. A nil classifier uses the default close-code
// range; a nil logger uses slog.Default().
func NewTracker(classifier *Classifier, limit int, logger *slog.Logger) *Tracker {
	if classifier == nil {
		classifier = defaultClassifier
	}
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		classifier: classifier,
		logger:     logger,
		limit:      limit,
		counts:     make(map[Type]int),
	}
}

// Handle classifies err, records it and returns the result.
func (t *Tracker) Handle(err error, meta Meta) *ChatError {
	ce := t.classifier.Classify(err, meta)
	if ce == nil {
		return nil
	}
	t.Record(ce)
	return ce
}

// Record adds an already classified error.
func (t *Tracker) Record(ce *ChatError) {
	t.mu.Lock()
	t.history = append([]*ChatError{ce}, t.history...)
	if len(t.history) > t.limit {
		t.history = t.history[:t.limit]
	}
	t.counts[ce.Type]++
	t.mu.Unlock()

	t.logger.Warn("Chat error",
		"type", ce.Type,
		"action", ce.ActionRequired,
		"recoverable", ce.Recoverable,
		"status_code", ce.StatusCode,
		"operation", ce.Context.Operation,
		"user_id", ce.Context.UserID,
		"detail", ce.Detail,
	)
}

// History returns a copy of the history, most recent first.
func (t *Tracker) History() []*ChatError {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ChatError, len(t.history))
	copy(out, t.history)
	return out
}

// Stats returns aggregate counts and the five most recent errors.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	byType := make(map[Type]int, len(t.counts))
	total := 0
	for k, v := range t.counts {
		byType[k] = v
		total += v
	}
	n := len(t.history)
	if n > 5 {
		n = 5
	}
	recent := make([]*ChatError, n)
	copy(recent, t.history[:n])
	return Stats{Total: total, ByType: byType, Recent: recent}
}

// Clear drops the history and counts.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = nil
	t.counts = make(map[Type]int)
}
