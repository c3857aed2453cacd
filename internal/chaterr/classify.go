package chaterr

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
)

// StatusCoder is implemented by errors carrying an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// Marked is implemented by errors carrying a server error marker.
type Marked interface {
	ErrorMarker() string
}

// FieldErrorer is implemented by validation errors with per-field messages.
type FieldErrorer interface {
	FieldErrors() map[string]string
}

// CloseCodeRange is an inclusive range of transport close codes.
type CloseCodeRange struct {
	Min int
	Max int
}

// Contains reports whether code falls in the range.
func (r CloseCodeRange) Contains(code int) bool {
	return code >= r.Min && code <= r.Max
}

// DefaultAuthCloseCodes is the application range reserved for auth termination.
var DefaultAuthCloseCodes = CloseCodeRange{Min: 4000, Max: 4099}

// Classifier maps arbitrary failures into ChatErrors.
type Classifier struct {
	AuthCloseCodes CloseCodeRange
	now            func() time.Time
}

// NewClassifier returns a classifier treating authCodes as auth terminations.
func NewClassifier(authCodes CloseCodeRange) *Classifier {
	return &Classifier{AuthCloseCodes: authCodes, now: time.Now}
}

var defaultClassifier = NewClassifier(DefaultAuthCloseCodes)

// Classify maps err with the default close-code range.
func Classify(err error, meta Meta) *ChatError {
	return defaultClassifier.Classify(err, meta)
}

// Classify maps err into the taxonomy. Rules are applied in priority order:
// auth, validation, server, timeout, network, unknown.
func (c *Classifier) Classify(err error, meta Meta) *ChatError {
	if err == nil {
		return nil
	}
	if ce, ok := AsChatError(err); ok {
		return ce
	}

	status := statusOf(err)
	marker := markerOf(err)
	closeCode := int(websocket.CloseStatus(err))
	lower := strings.ToLower(err.Error())

	ce := &ChatError{
		Detail:     err.Error(),
		StatusCode: status,
		Context:    meta,
		Timestamp:  c.now(),
		Err:        err,
	}

	switch {
	case status == 401 || marker == MarkerAuth ||
		errors.Is(err, ErrTokenUnavailable) || errors.Is(err, ErrAuthRejected) ||
		(closeCode >= 0 && c.AuthCloseCodes.Contains(closeCode)):
		ce.Type, ce.ActionRequired, ce.UserMessage = TypeAuth, ActionLogin, msgAuth
		ce.Recoverable = true

	case status == 400 || marker == MarkerValidation:
		ce.Type, ce.ActionRequired, ce.UserMessage = TypeValidation, ActionRetry, msgValidation
		ce.Recoverable = true
		var fe FieldErrorer
		if errors.As(err, &fe) {
			ce.FieldErrors = fe.FieldErrors()
		}

	case status >= 500 || marker == MarkerServer:
		ce.Type, ce.ActionRequired, ce.UserMessage = TypeServer, ActionRetry, msgServer
		ce.Recoverable = true

	case isTimeout(err, lower):
		ce.Type, ce.ActionRequired, ce.UserMessage = TypeTimeout, ActionRetry, msgTimeout
		ce.Recoverable = true

	case isNetwork(err, lower, closeCode):
		ce.Type, ce.ActionRequired, ce.UserMessage = TypeNetwork, ActionRetry, msgNetwork
		ce.Recoverable = true

	default:
		ce.Type = TypeUnknown
		if meta.Fatal || errors.Is(err, ErrFatal) {
			ce.Recoverable, ce.ActionRequired, ce.UserMessage = false, ActionNone, msgFatal
		} else {
			ce.Recoverable, ce.ActionRequired, ce.UserMessage = true, ActionRetry, msgUnknown
		}
	}
	return ce
}

func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

func markerOf(err error) string {
	var m Marked
	if errors.As(err, &m) {
		return m.ErrorMarker()
	}
	return ""
}

func isTimeout(err error, lower string) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, s := range []string{"timeout", "timed out", "abort", "deadline exceeded"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func isNetwork(err error, lower string, closeCode int) bool {
	if closeCode >= 0 {
		return true
	}
	var opErr *net.OpError
	var urlErr *url.Error
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &urlErr) || errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	for _, s := range []string{"failed to fetch", "connection refused", "connection reset", "network", "no such host", "broken pipe"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
