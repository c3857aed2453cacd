// Package chaterr classifies transport and request failures into the fixed
// chat error taxonomy and keeps a bounded history for diagnostics.
package chaterr

import (
	"errors"
	"fmt"
	"time"
)

// Type is the error taxonomy bucket.
type Type string

const (
	TypeNetwork    Type = "network"
	TypeAuth       Type = "auth"
	TypeValidation Type = "validation"
	TypeServer     Type = "server"
	TypeTimeout    Type = "timeout"
	TypeUnknown    Type = "unknown"
)

// Action is the single primary recovery action offered to the user.
type Action string

const (
	ActionRetry Action = "retry"
	ActionLogin Action = "login"
	ActionNone  Action = "none"
)

// Markers a server may put in an error body instead of relying on status codes.
const (
	MarkerAuth       = "auth_error"
	MarkerValidation = "validation_error"
	MarkerServer     = "server_error"
)

var (
	// ErrTokenUnavailable is returned when the token provider cannot supply a bearer token.
	ErrTokenUnavailable = errors.New("token unavailable")
	// ErrAuthRejected is returned when the backend terminates a connection for auth reasons.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrTimeout marks an operation that ran out of time.
	ErrTimeout = errors.New("operation timed out")
	// ErrFatal marks a failure that must not be offered for retry.
	ErrFatal = errors.New("fatal error")
	// ErrInvalidResponse is returned when a response body carries no answer.
	ErrInvalidResponse = errors.New("invalid response")
)

// Meta describes where an error happened. It is kept as raw context and
// never shown to users by default.
type Meta struct {
	Operation string `json:"operation,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Path      string `json:"path,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}

// ChatError is the normalized error record surfaced to callers.
type ChatError struct {
	Type           Type              `json:"type"`
	Recoverable    bool              `json:"recoverable"`
	ActionRequired Action            `json:"action_required"`
	UserMessage    string            `json:"user_message"`
	Detail         string            `json:"detail,omitempty"`
	StatusCode     int               `json:"status_code,omitempty"`
	FieldErrors    map[string]string `json:"field_errors,omitempty"`
	Context        Meta              `json:"context"`
	Timestamp      time.Time         `json:"timestamp"`
	Err            error             `json:"-"`
}

func (e *ChatError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s error: %s", e.Type, e.Detail)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.UserMessage)
}

func (e *ChatError) Unwrap() error { return e.Err }

// Is matches another *ChatError by type so callers can write
// errors.Is(err, &ChatError{Type: TypeAuth}).
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.UserMessage == "" || t.UserMessage == e.UserMessage)
}

// User-facing summaries.
const (
	msgAuth       = "Your session has expired. Please sign in again."
	msgValidation = "The request was not accepted. Please check your input and try again."
	msgServer     = "The assistant is temporarily unavailable. Please try again."
	msgTimeout    = "The request took too long. Please try again."
	msgNetwork    = "Unable to reach the server. Check your connection and try again."
	msgUnknown    = "Something went wrong. Please try again."
	msgFatal      = "Something went wrong and this request cannot be retried."
)

// Local validation messages, resolved without a network round-trip.
const (
	MsgEmptyMessage      = "Message cannot be empty."
	MsgMissingUser       = "User identity is required to send messages."
	MsgAlreadyProcessing = "A message is already being processed. Please wait for the response."
)

// Validation builds a local validation error.
func Validation(userMessage string, meta Meta) *ChatError {
	return &ChatError{
		Type:           TypeValidation,
		Recoverable:    true,
		ActionRequired: ActionRetry,
		UserMessage:    userMessage,
		Context:        meta,
		Timestamp:      time.Now(),
	}
}

// RateLimited builds the local error returned when the admission window is full.
func RateLimited(wait time.Duration, meta Meta) *ChatError {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	e := Validation(fmt.Sprintf("Too many messages. Please wait %d seconds before sending again.", secs), meta)
	e.Detail = fmt.Sprintf("rate limited for %s", wait)
	return e
}

// AsChatError returns the *ChatError inside err, if any.
func AsChatError(err error) (*ChatError, bool) {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
