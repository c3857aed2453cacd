// Package chatapi is the one-shot request/response path to the chat backend.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/chatwire/internal/auth"
	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/ashureev/chatwire/internal/domain"
)

const (
	// DefaultPath is the chat endpoint relative to the API base URL.
	DefaultPath = "/api/chat"

	defaultTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
)

// StatusError is a non-2xx response. It exposes the status code, the
// server's error marker and any field errors to the classifier.
type StatusError struct {
	StatusCode int
	Marker     string
	Message    string
	Fields     map[string]string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("chat api returned %d: %s", e.StatusCode, msg)
}

// HTTPStatus implements chaterr.StatusCoder.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// ErrorMarker implements chaterr.Marked.
func (e *StatusError) ErrorMarker() string { return e.Marker }

// FieldErrors implements chaterr.FieldErrorer.
func (e *StatusError) FieldErrors() map[string]string { return e.Fields }

// errorBody is the error shape the backend returns on failure.
type errorBody struct {
	Error       string            `json:"error"`
	ErrorType   string            `json:"error_type"`
	Message     string            `json:"message"`
	Detail      string            `json:"detail"`
	FieldErrors map[string]string `json:"field_errors"`
}

// Client posts questions to the chat endpoint.
type Client struct {
	baseURL    string
	path       string
	tokens     auth.TokenProvider
	httpClient *http.Client
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithPath overrides DefaultPath.
func WithPath(path string) Option {
	return func(c *Client) {
		if path = strings.TrimSpace(path); path != "" {
			c.path = path
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for baseURL authenticated by tokens.
func New(baseURL string, tokens auth.TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		path:       DefaultPath,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Ask sends one question and returns the backend's answer. A body whose
// response is null or absent is reported as chaterr.ErrInvalidResponse.
func (c *Client) Ask(ctx context.Context, q domain.QuestionRequest) (*domain.ChatResponse, error) {
	if c.tokens == nil {
		return nil, chaterr.ErrTokenUnavailable
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chaterr.ErrTokenUnavailable, err)
	}

	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal question: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post question: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		auth.NotifyRejected(c.tokens)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readStatusError(resp)
	}

	var out domain.ChatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", chaterr.ErrInvalidResponse, err)
	}
	if out.Response == nil {
		return nil, fmt.Errorf("%w: response field is missing", chaterr.ErrInvalidResponse)
	}

	c.logger.Debug("Chat request completed",
		"user_id", q.UserID,
		"conversation_id", out.ConversationID,
		"duration", time.Since(start),
	)
	return &out, nil
}

func readStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	se := &StatusError{StatusCode: resp.StatusCode}

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		se.Marker = eb.ErrorType
		if se.Marker == "" {
			se.Marker = eb.Error
		}
		se.Message = firstNonEmpty(eb.Message, eb.Detail)
		se.Fields = eb.FieldErrors
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	return se
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
