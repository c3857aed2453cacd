// Package delivery is the caller-facing chat surface: it validates and sends
// questions, waits for answers, normalizes and deduplicates inbound messages
// and keeps the last message and last error.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/ashureev/chatwire/internal/clock"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/ashureev/chatwire/internal/fallback"
	"github.com/ashureev/chatwire/internal/transport"
	"github.com/google/uuid"
)

// Handler defaults.
const (
	DefaultResponseTimeout = 60 * time.Second
	DefaultErrorClearAfter = 10 * time.Second
)

// ErrClosed is returned to a pending send when the handler is closed.
var ErrClosed = errors.New("delivery handler closed")

// Sender delivers an outbound message on the preferred path.
type Sender interface {
	Send(ctx context.Context, msg domain.OutboundMessage) (fallback.Result, error)
}

// Inbound is the source of persistent-channel envelopes.
type Inbound interface {
	Subscribe(t domain.EnvelopeType, fn func(domain.Envelope)) (unsubscribe func())
}

// Status is the latest coarse progress reported by the backend.
type Status struct {
	Status    string    `json:"status"`
	Progress  *float64  `json:"progress,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Options configures a Handler.
type Options struct {
	UserID          string
	Sender          Sender
	Inbound         Inbound
	Tracker         *chaterr.Tracker
	Dedup           *Deduper
	Clock           clock.Clock
	Logger          *slog.Logger
	ResponseTimeout time.Duration
	ErrorClearAfter time.Duration
}

// pending is the single outstanding question.
type pending struct {
	id             string
	conversationID string
	once           sync.Once
	done           chan outcome
}

type outcome struct {
	msg *domain.ChatMessage
	err error
}

func (p *pending) complete(o outcome) {
	p.once.Do(func() { p.done <- o })
}

// Handler sends questions for one user and surfaces answers exactly once.
type Handler struct {
	userID          string
	sender          Sender
	tracker         *chaterr.Tracker
	dedup           *Deduper
	clock           clock.Clock
	logger          *slog.Logger
	responseTimeout time.Duration
	errorClearAfter time.Duration

	messages *transport.Subject[domain.ChatMessage]
	statuses *transport.Subject[Status]
	errs     *transport.Subject[*chaterr.ChatError]

	mu          sync.Mutex
	inflight    *pending
	lastMessage *domain.ChatMessage
	lastError   *chaterr.ChatError
	lastStatus  *Status
	clearTimer  clock.Timer
	closed      bool

	unsubscribe []func()
}

// New creates a handler and subscribes it to inbound envelopes.
func New(opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracker == nil {
		opts.Tracker = chaterr.NewTracker(nil, 0, opts.Logger)
	}
	if opts.Dedup == nil {
		opts.Dedup = NewDeduper(0, 0)
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	switch {
	case opts.ErrorClearAfter == 0:
		opts.ErrorClearAfter = DefaultErrorClearAfter
	case opts.ErrorClearAfter < 0:
		// Negative disables auto-clear.
		opts.ErrorClearAfter = 0
	}

	logger := opts.Logger.With("user_id", opts.UserID)
	h := &Handler{
		userID:          strings.TrimSpace(opts.UserID),
		sender:          opts.Sender,
		tracker:         opts.Tracker,
		dedup:           opts.Dedup,
		clock:           opts.Clock,
		logger:          logger,
		responseTimeout: opts.ResponseTimeout,
		errorClearAfter: opts.ErrorClearAfter,
		messages:        transport.NewSubject[domain.ChatMessage]("message", logger),
		statuses:        transport.NewSubject[Status]("status", logger),
		errs:            transport.NewSubject[*chaterr.ChatError]("error", logger),
	}
	if opts.Inbound != nil {
		h.unsubscribe = append(h.unsubscribe,
			opts.Inbound.Subscribe(domain.EnvelopeStatus, h.onStatus),
			opts.Inbound.Subscribe(domain.EnvelopeResponse, h.onResponse),
			opts.Inbound.Subscribe(domain.EnvelopeError, h.onError),
		)
	}
	return h
}

// OnMessage registers a listener for new chat messages.
func (h *Handler) OnMessage(fn func(domain.ChatMessage)) (unsubscribe func()) {
	return h.messages.Subscribe(fn)
}

// OnStatus registers a listener for coarse progress updates.
func (h *Handler) OnStatus(fn func(Status)) (unsubscribe func()) {
	return h.statuses.Subscribe(fn)
}

// OnError registers a listener for surfaced errors.
func (h *Handler) OnError(fn func(*chaterr.ChatError)) (unsubscribe func()) {
	return h.errs.Subscribe(fn)
}

// SendQuestion validates text, sends it and waits for the answer. Only one
// question may be outstanding; a second call is rejected, not queued.
func (h *Handler) SendQuestion(ctx context.Context, text, conversationID string) (*domain.ChatMessage, error) {
	meta := chaterr.Meta{Operation: "send_question", UserID: h.userID}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, h.reject(chaterr.Validation(chaterr.MsgEmptyMessage, meta))
	}
	if h.userID == "" {
		return nil, h.reject(chaterr.Validation(chaterr.MsgMissingUser, meta))
	}
	if h.sender == nil {
		return nil, h.fail(fmt.Errorf("%w: no sender configured", chaterr.ErrFatal), meta)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.inflight != nil {
		h.mu.Unlock()
		return nil, h.reject(chaterr.Validation(chaterr.MsgAlreadyProcessing, meta))
	}
	out := domain.OutboundMessage{
		ID:             uuid.NewString(),
		Text:           text,
		ConversationID: strings.TrimSpace(conversationID),
		UserID:         h.userID,
		CreatedAt:      h.clock.Now(),
	}
	p := &pending{id: out.ID, conversationID: out.ConversationID, done: make(chan outcome, 1)}
	h.inflight = p
	h.mu.Unlock()
	defer h.release(p)

	h.emit(domain.ChatMessage{
		ID:                 out.ID,
		Role:               domain.RoleUser,
		Content:            out.Text,
		Timestamp:          out.CreatedAt,
		ConversationID:     out.ConversationID,
		RetrievedDocuments: []domain.DocumentReference{},
	})

	res, err := h.sender.Send(ctx, out)
	if err != nil {
		return nil, h.fail(err, meta)
	}

	if res.Route == fallback.RouteFallback {
		msg, err := h.normalize(res.Response, out.ConversationID)
		if err != nil {
			return nil, h.fail(err, meta)
		}
		h.emit(msg)
		return &msg, nil
	}

	timer := h.clock.AfterFunc(h.responseTimeout, func() {
		p.complete(outcome{err: fmt.Errorf("%w: no response within %s", chaterr.ErrTimeout, h.responseTimeout)})
	})
	defer timer.Stop()

	select {
	case o := <-p.done:
		if o.err != nil {
			return nil, h.fail(o.err, meta)
		}
		return o.msg, nil
	case <-ctx.Done():
		return nil, h.fail(ctx.Err(), meta)
	}
}

// LastMessage returns the most recent emitted message.
func (h *Handler) LastMessage() *domain.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastMessage
}

// LastError returns the most recent surfaced error, if it has not been cleared.
func (h *Handler) LastError() *chaterr.ChatError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// LastStatus returns the most recent coarse status.
func (h *Handler) LastStatus() *Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastStatus
}

// Processing reports whether a question is outstanding.
func (h *Handler) Processing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inflight != nil
}

// ClearError drops the last error.
func (h *Handler) ClearError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastError = nil
	h.stopClearTimerLocked()
}

// Close unsubscribes from inbound envelopes, stops timers and fails any
// pending question with ErrClosed.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.stopClearTimerLocked()
	p := h.inflight
	unsub := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	if p != nil {
		p.complete(outcome{err: ErrClosed})
	}
}

func (h *Handler) release(p *pending) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inflight == p {
		h.inflight = nil
	}
}

// reject surfaces a local validation error without classification.
func (h *Handler) reject(ce *chaterr.ChatError) error {
	h.tracker.Record(ce)
	return h.surface(ce)
}

// fail surfaces err, classifying and recording it unless the sender already
// returned a tracked ChatError.
func (h *Handler) fail(err error, meta chaterr.Meta) error {
	if ce, ok := chaterr.AsChatError(err); ok {
		return h.surface(ce)
	}
	return h.surface(h.tracker.Handle(err, meta))
}

func (h *Handler) surface(ce *chaterr.ChatError) error {
	h.mu.Lock()
	h.lastError = ce
	h.stopClearTimerLocked()
	if h.errorClearAfter > 0 && !h.closed {
		h.clearTimer = h.clock.AfterFunc(h.errorClearAfter, func() { h.autoClear(ce) })
	}
	h.mu.Unlock()

	h.errs.Publish(ce)
	return ce
}

func (h *Handler) autoClear(ce *chaterr.ChatError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastError == ce {
		h.lastError = nil
		h.clearTimer = nil
	}
}

func (h *Handler) stopClearTimerLocked() {
	if h.clearTimer != nil {
		h.clearTimer.Stop()
		h.clearTimer = nil
	}
}

// emit publishes m unless it is a duplicate.
func (h *Handler) emit(m domain.ChatMessage) bool {
	if !h.dedup.Admit(m) {
		h.logger.Debug("Dropping duplicate message", "message_id", m.ID, "role", m.Role)
		return false
	}
	h.mu.Lock()
	h.lastMessage = &m
	h.mu.Unlock()
	h.messages.Publish(m)
	return true
}

// normalize converts a wire answer into a ChatMessage with absent optional
// fields left as nil and an empty document list.
func (h *Handler) normalize(resp *domain.ChatResponse, conversationID string) (domain.ChatMessage, error) {
	if resp == nil || resp.Response == nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: response field is missing", chaterr.ErrInvalidResponse)
	}

	ts := h.clock.Now()
	if resp.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, resp.Timestamp); err == nil {
			ts = parsed
		}
	}
	conv := resp.ConversationID
	if conv == "" {
		conv = conversationID
	}
	docs := resp.RetrievedDocuments
	if docs == nil {
		docs = []domain.DocumentReference{}
	}

	id := resp.MessageID
	if id == "" {
		id = CompositeID(conv, *resp.Response, ts)
	}
	return domain.ChatMessage{
		ID:                    id,
		Role:                  domain.RoleAssistant,
		Content:               *resp.Response,
		Timestamp:             ts,
		ConversationID:        conv,
		ConfidenceScore:       clampUnit(resp.ConfidenceScore),
		ProcessingTimeSeconds: resp.ProcessingTimeSeconds,
		RetrievedDocuments:    docs,
	}, nil
}

func clampUnit(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return &c
}

func (h *Handler) current() *pending {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inflight
}

func (h *Handler) onStatus(env domain.Envelope) {
	var sp domain.StatusPayload
	if err := json.Unmarshal(env.Data, &sp); err != nil {
		h.logger.Warn("Dropping malformed status envelope", "error", err)
		return
	}
	st := Status{Status: sp.Status, Progress: sp.Progress, UpdatedAt: env.Timestamp}
	h.mu.Lock()
	h.lastStatus = &st
	h.mu.Unlock()
	h.statuses.Publish(st)
}

func (h *Handler) onResponse(env domain.Envelope) {
	p := h.current()
	conv := ""
	if p != nil {
		conv = p.conversationID
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		h.inboundFailure(p, fmt.Errorf("%w: decode response envelope: %w", chaterr.ErrInvalidResponse, err))
		return
	}
	if resp.Timestamp == "" && !env.Timestamp.IsZero() {
		resp.Timestamp = env.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	msg, err := h.normalize(&resp, conv)
	if err != nil {
		h.inboundFailure(p, err)
		return
	}

	if !h.emit(msg) {
		return
	}
	if p != nil && answers(p, msg) {
		p.complete(outcome{msg: &msg})
	}
}

// answers reports whether msg can belong to the pending question. An answer
// naming a different conversation than the question is not its reply.
func answers(p *pending, msg domain.ChatMessage) bool {
	return p.conversationID == "" || msg.ConversationID == "" || msg.ConversationID == p.conversationID
}

func (h *Handler) onError(env domain.Envelope) {
	var ep domain.ErrorPayload
	if err := json.Unmarshal(env.Data, &ep); err != nil || strings.TrimSpace(ep.Message) == "" {
		ep.Message = "server reported an error"
	}
	h.inboundFailure(h.current(), &serverReported{message: ep.Message})
}

// inboundFailure completes the pending question with err, or surfaces err
// directly when nothing is pending.
func (h *Handler) inboundFailure(p *pending, err error) {
	if p != nil {
		p.complete(outcome{err: err})
		return
	}
	h.fail(err, chaterr.Meta{Operation: "inbound", UserID: h.userID})
}

// serverReported is an error delivered in an error envelope.
type serverReported struct {
	message string
}

func (e *serverReported) Error() string { return e.message }

// ErrorMarker implements chaterr.Marked.
func (e *serverReported) ErrorMarker() string { return chaterr.MarkerServer }
