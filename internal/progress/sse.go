package progress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/chatwire/internal/auth"
)

// JobIDPlaceholder is replaced by the escaped job id in SSESource.URLTemplate.
const JobIDPlaceholder = "{job_id}"

// SSESource opens text/event-stream subscriptions over HTTP.
type SSESource struct {
	// URLTemplate is the stream URL containing JobIDPlaceholder.
	URLTemplate string
	// Tokens is optional; when set the token is sent as a bearer header.
	Tokens     auth.TokenProvider
	HTTPClient *http.Client
}

// Open starts the stream for jobID.
func (s *SSESource) Open(ctx context.Context, jobID string) (Stream, error) {
	target := strings.ReplaceAll(s.URLTemplate, JobIDPlaceholder, url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.Tokens != nil {
		token, err := s.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("stream token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	hc := s.HTTPClient
	if hc == nil {
		// No client timeout: the body stays open for the life of the stream.
		hc = &http.Client{}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("open stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Next returns the next dispatched event. Comment lines (keepalives), id and
// retry fields are ignored.
func (s *sseStream) Next(ctx context.Context) (Event, error) {
	var (
		name string
		data []string
	)
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		switch {
		case trimmed == "" && len(line) > 0:
			if len(data) > 0 {
				return dispatch(name, data), nil
			}
			name = ""
		case strings.HasPrefix(trimmed, ":"):
		case strings.HasPrefix(trimmed, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
		case strings.HasPrefix(trimmed, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
		}

		if errors.Is(err, io.EOF) {
			if len(data) > 0 {
				return dispatch(name, data), nil
			}
			return Event{}, ErrStreamClosed
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

func dispatch(name string, data []string) Event {
	if name == "" {
		name = "message"
	}
	return Event{Name: name, Data: []byte(strings.Join(data, "\n"))}
}
