package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/coder/websocket"
)

// defaultReadLimit bounds a single inbound frame (1MB).
const defaultReadLimit = 1 << 20

// Transport is one open bidirectional channel.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens transports authenticated with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Transport, error)
}

// WebSocketDialer dials with github.com/coder/websocket and sends the token
// as an Authorization header.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

// Dial opens a websocket to url. A 401/403 handshake response is reported as
// chaterr.ErrAuthRejected.
func (d *WebSocketDialer) Dial(ctx context.Context, url, token string) (Transport, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", chaterr.ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code websocket.StatusCode, reason string) error {
	err := t.conn.Close(code, reason)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
