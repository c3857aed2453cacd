package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatwire/internal/auth"
	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

func newChatServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/ws/chat", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer good-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		handler(conn)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
}

func TestWebSocketDialerRoundTrip(t *testing.T) {
	t.Parallel()

	url := newChatServer(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, question, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !strings.Contains(string(question), `"type":"question"`) {
			_ = conn.Close(websocket.StatusPolicyViolation, "unexpected frame")
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"status","data":{"status":"processing"}}`))
		_ = conn.Close(4001, "token expired")
	})

	tokens := &rejectingTokens{token: "good-token"}
	c := New(Options{URL: url, UserID: "user-1", Tokens: tokens, Logger: discardLogger()})
	t.Cleanup(c.Disconnect)

	statuses := make(chan domain.Envelope, 1)
	c.Subscribe(domain.EnvelopeStatus, func(env domain.Envelope) { statuses <- env })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := c.Send(context.Background(), domain.Envelope{Type: domain.EnvelopeQuestion, Data: []byte(`{"question":"hi"}`)}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case env := <-statuses:
		if !strings.Contains(string(env.Data), "processing") {
			t.Fatalf("unexpected status payload %s", env.Data)
		}
		if env.Timestamp.IsZero() {
			t.Fatal("expected inbound timestamp to be set")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status envelope")
	}

	st := waitForState(t, c, statusIs(domain.StatusError))
	if !strings.Contains(st.LastError, "4001") {
		t.Fatalf("expected close code in last error, got %q", st.LastError)
	}
}

func TestWebSocketDialerUnauthorizedHandshake(t *testing.T) {
	t.Parallel()

	url := newChatServer(t, func(conn *websocket.Conn) {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	d := &WebSocketDialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.Dial(ctx, url, "bad-token")
	if !errors.Is(err, chaterr.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}

	c := New(Options{URL: url, UserID: "user-1", Tokens: auth.Static("bad-token"), Logger: discardLogger()})
	t.Cleanup(c.Disconnect)
	if err := c.Connect(context.Background()); !errors.Is(err, chaterr.ErrAuthRejected) {
		t.Fatalf("expected Connect to surface ErrAuthRejected, got %v", err)
	}
	if st := c.State(); st.Status != domain.StatusError {
		t.Fatalf("expected error state after rejected handshake, got %s", st.Status)
	}
}
