package progress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	events chan Event
	end    chan error

	mu     sync.Mutex
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan Event, 16), end: make(chan error, 1)}
}

func (s *fakeStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.end:
		return Event{}, err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) send(t *testing.T, name string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	s.events <- Event{Name: name, Data: data}
}

type fakeSource struct {
	mu      sync.Mutex
	opens   map[string]int
	streams map[string][]*fakeStream
	fail    func(jobID string, call int) error
}

func newFakeSource() *fakeSource {
	return &fakeSource{opens: make(map[string]int), streams: make(map[string][]*fakeStream)}
}

func (f *fakeSource) Open(_ context.Context, jobID string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[jobID]++
	if f.fail != nil {
		if err := f.fail(jobID, f.opens[jobID]); err != nil {
			return nil, err
		}
	}
	s := newFakeStream()
	f.streams[jobID] = append(f.streams[jobID], s)
	return s, nil
}

func (f *fakeSource) openCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[jobID]
}

func (f *fakeSource) stream(jobID string, i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[jobID][i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
