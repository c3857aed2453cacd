package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/chatwire/internal/clock"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/coder/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	in      chan []byte
	closeCh chan error

	mu        sync.Mutex
	writes    [][]byte
	closed    bool
	closeCode websocket.StatusCode
	writeErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:      make(chan []byte, 16),
		closeCh: make(chan error, 1),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case err := <-t.closeCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.writes = append(t.writes, data)
	return nil
}

func (t *fakeTransport) Close(code websocket.StatusCode, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
	return nil
}

func (t *fakeTransport) push(tb testing.TB, typ domain.EnvelopeType, data any) {
	tb.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		tb.Fatalf("marshal payload: %v", err)
	}
	env, err := json.Marshal(domain.Envelope{Type: typ, Data: raw})
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	t.in <- env
}

func (t *fakeTransport) drop(code websocket.StatusCode) {
	t.closeCh <- websocket.CloseError{Code: code, Reason: "test"}
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	calls      int
	tokens     []string
	transports []*fakeTransport
	block      chan struct{}
	fail       func(call int) error
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, token string) (Transport, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.tokens = append(d.tokens, token)
	block := d.block
	fail := d.fail
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}

	tr := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, tr)
	d.mu.Unlock()
	return tr, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

type rejectingTokens struct {
	token    string
	rejected atomic.Int32
}

func (r *rejectingTokens) Token(context.Context) (string, error) { return r.token, nil }
func (r *rejectingTokens) TokenRejected()                        { r.rejected.Add(1) }

func newTestConn(t *testing.T, d *fakeDialer) (*Conn, *clock.Fake, *rejectingTokens) {
	t.Helper()
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	tokens := &rejectingTokens{token: "secret"}
	c := New(Options{
		URL:    "ws://example.test/ws/chat",
		UserID: "user-1",
		Tokens: tokens,
		Dialer: d,
		Clock:  fc,
		Logger: discardLogger(),
	})
	t.Cleanup(c.Disconnect)
	return c, fc, tokens
}

func waitForState(t *testing.T, c *Conn, want func(domain.ConnectionState) bool) domain.ConnectionState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := c.State()
		if want(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := c.State()
	t.Fatalf("timed out waiting for state, last state %+v", st)
	return st
}

func statusIs(s domain.ConnectionStatus) func(domain.ConnectionState) bool {
	return func(st domain.ConnectionState) bool { return st.Status == s }
}
