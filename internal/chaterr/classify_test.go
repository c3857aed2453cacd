package chaterr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/coder/websocket"
)

type statusErr struct {
	code   int
	marker string
	fields map[string]string
}

func (e *statusErr) Error() string                  { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatus() int                { return e.code }
func (e *statusErr) ErrorMarker() string            { return e.marker }
func (e *statusErr) FieldErrors() map[string]string { return e.fields }

func TestClassifyRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		typ    Type
		action Action
	}{
		{"status 401", &statusErr{code: 401}, TypeAuth, ActionLogin},
		{"auth marker", &statusErr{code: 403, marker: MarkerAuth}, TypeAuth, ActionLogin},
		{"token unavailable", fmt.Errorf("connect: %w", ErrTokenUnavailable), TypeAuth, ActionLogin},
		{"auth close code", websocket.CloseError{Code: 4001, Reason: "token expired"}, TypeAuth, ActionLogin},
		{"status 400", &statusErr{code: 400}, TypeValidation, ActionRetry},
		{"validation marker", &statusErr{code: 422, marker: MarkerValidation}, TypeValidation, ActionRetry},
		{"status 500", &statusErr{code: 500}, TypeServer, ActionRetry},
		{"status 503", &statusErr{code: 503}, TypeServer, ActionRetry},
		{"server marker", &statusErr{code: 409, marker: MarkerServer}, TypeServer, ActionRetry},
		{"deadline", fmt.Errorf("ask: %w", context.DeadlineExceeded), TypeTimeout, ActionRetry},
		{"abort message", errors.New("AbortError: The operation was aborted"), TypeTimeout, ActionRetry},
		{"failed to fetch", errors.New("TypeError: Failed to fetch"), TypeNetwork, ActionRetry},
		{"abnormal close", websocket.CloseError{Code: websocket.StatusAbnormalClosure}, TypeNetwork, ActionRetry},
		{"unknown", errors.New("something odd"), TypeUnknown, ActionRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.err, Meta{Operation: "test"})
			if got.Type != tt.typ {
				t.Fatalf("expected type %s, got %s", tt.typ, got.Type)
			}
			if got.ActionRequired != tt.action {
				t.Fatalf("expected action %s, got %s", tt.action, got.ActionRequired)
			}
			if !got.Recoverable {
				t.Fatal("expected recoverable error")
			}
			if !errors.Is(got, tt.err) {
				t.Fatal("classified error should wrap the original")
			}
		})
	}
}

func TestClassifyFatalUnknown(t *testing.T) {
	t.Parallel()

	got := Classify(fmt.Errorf("decoder: %w", ErrFatal), Meta{})
	if got.Recoverable || got.ActionRequired != ActionNone {
		t.Fatalf("expected fatal unknown error, got %+v", got)
	}

	got = Classify(errors.New("odd"), Meta{Fatal: true})
	if got.Recoverable {
		t.Fatal("meta.Fatal should mark the error unrecoverable")
	}
}

func TestClassifyKeepsFieldErrors(t *testing.T) {
	t.Parallel()

	got := Classify(&statusErr{code: 400, fields: map[string]string{"question": "too long"}}, Meta{})
	if got.FieldErrors["question"] != "too long" {
		t.Fatalf("expected field errors to be kept, got %v", got.FieldErrors)
	}
}

func TestClassifyPassesThroughChatError(t *testing.T) {
	t.Parallel()

	local := Validation(MsgEmptyMessage, Meta{})
	if got := Classify(fmt.Errorf("send: %w", local), Meta{}); got != local {
		t.Fatal("expected existing ChatError to be returned unchanged")
	}
}

func TestClassifierCustomAuthRange(t *testing.T) {
	t.Parallel()

	c := NewClassifier(CloseCodeRange{Min: 4400, Max: 4403})
	if got := c.Classify(websocket.CloseError{Code: 4001}, Meta{}); got.Type != TypeNetwork {
		t.Fatalf("4001 outside the configured range should be network, got %s", got.Type)
	}
	if got := c.Classify(websocket.CloseError{Code: 4401}, Meta{}); got.Type != TypeAuth {
		t.Fatalf("4401 should be auth, got %s", got.Type)
	}
}

func TestRateLimitedMessage(t *testing.T) {
	t.Parallel()

	e := RateLimited(1500*1e6, Meta{})
	if e.Type != TypeValidation || e.ActionRequired != ActionRetry {
		t.Fatalf("unexpected rate limit error: %+v", e)
	}
	if e.UserMessage != "Too many messages. Please wait 2 seconds before sending again." {
		t.Fatalf("unexpected message: %q", e.UserMessage)
	}
}
