package transport

import (
	"log/slog"
	"sync"
)

// Subject fans values out to registered listeners. A panicking listener is
// recovered and logged so the remaining listeners still receive the value.
type Subject[T any] struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// NewSubject creates a subject; name is used in logs.
func NewSubject[T any](name string, logger *slog.Logger) *Subject[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subject[T]{name: name, logger: logger}
}

// Subscribe registers fn and returns a function removing exactly this
// registration. Calling the returned function more than once is a no-op.
func (s *Subject[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish delivers v to a snapshot of the current listeners.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	subs := make([]subscription[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		s.call(sub, v)
	}
}

func (s *Subject[T]) call(sub subscription[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Listener panicked", "subject", s.name, "listener_id", sub.id, "panic", r)
		}
	}()
	sub.fn(v)
}
