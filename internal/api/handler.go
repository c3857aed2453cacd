// Package api provides the local diagnostics HTTP API for chatwire.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/ashureev/chatwire/internal/fallback"
	"github.com/ashureev/chatwire/internal/health"
	"github.com/ashureev/chatwire/internal/progress"
	"github.com/ashureev/chatwire/internal/ratelimit"
	"github.com/ashureev/chatwire/internal/transport"
	"github.com/go-chi/chi/v5"
)

// Connections looks up persistent connections by user.
type Connections interface {
	Get(userID string) (*transport.Conn, bool)
}

// ChatStatus reports routing and admission state for the active user.
type ChatStatus interface {
	Status() fallback.Status
	RateLimit() ratelimit.Decision
}

// ErrorLog exposes tracked errors.
type ErrorLog interface {
	Stats() chaterr.Stats
	History() []*chaterr.ChatError
	Clear()
}

// Jobs exposes job progress tracking.
type Jobs interface {
	Track(ctx context.Context, jobID string) (*progress.Client, error)
	Untrack(ctx context.Context, jobID string) error
	Snapshot(jobID string) (domain.ETLProgressSnapshot, bool)
	Snapshots() []domain.ETLProgressSnapshot
	ConnectionIssues(jobID string) bool
}

// Backend checks the remote chat service.
type Backend interface {
	Check(ctx context.Context) (health.Result, error)
}

// Deps are the handler's collaborators. Chat, Jobs and Backend may be nil.
type Deps struct {
	UserID      string
	Connections Connections
	Chat        ChatStatus
	Errors      ErrorLog
	Jobs        Jobs
	Backend     Backend
}

// Handler serves diagnostics endpoints.
type Handler struct {
	deps Deps
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers diagnostics routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/connections/{userID}", h.GetConnection)
		r.Post("/connections/{userID}/reconnect", h.Reconnect)
		r.Get("/errors", h.GetErrors)
		r.Delete("/errors", h.ClearErrors)
		r.Get("/backend", h.GetBackend)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Get("/{jobID}", h.GetJob)
			r.Post("/{jobID}", h.TrackJob)
			r.Delete("/{jobID}", h.UntrackJob)
		})
	})
}

// GetStatus returns the connection, routing, admission and error summary
// for the configured user.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"user_id": h.deps.UserID}
	if conn, ok := h.lookup(h.deps.UserID); ok {
		resp["connection"] = conn.State()
	}
	if h.deps.Chat != nil {
		resp["fallback"] = h.deps.Chat.Status()
		resp["rate_limit"] = h.deps.Chat.RateLimit()
	}
	if h.deps.Errors != nil {
		resp["errors"] = h.deps.Errors.Stats()
	}
	JSON(w, http.StatusOK, resp)
}

// GetConnection returns one user's connection state.
func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.lookup(chi.URLParam(r, "userID"))
	if !ok {
		Error(w, http.StatusNotFound, "connection not found")
		return
	}
	JSON(w, http.StatusOK, conn.State())
}

// Reconnect tears down and re-establishes one user's connection.
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.lookup(chi.URLParam(r, "userID"))
	if !ok {
		Error(w, http.StatusNotFound, "connection not found")
		return
	}
	if err := conn.ForceReconnect(r.Context()); err != nil {
		JSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
			"state": conn.State(),
		})
		return
	}
	JSON(w, http.StatusOK, conn.State())
}

// GetErrors returns the tracked error history, most recent first.
func (h *Handler) GetErrors(w http.ResponseWriter, r *http.Request) {
	if h.deps.Errors == nil {
		JSON(w, http.StatusOK, []*chaterr.ChatError{})
		return
	}
	history := h.deps.Errors.History()
	if history == nil {
		history = []*chaterr.ChatError{}
	}
	JSON(w, http.StatusOK, history)
}

// ClearErrors empties the error history.
func (h *Handler) ClearErrors(w http.ResponseWriter, r *http.Request) {
	if h.deps.Errors != nil {
		h.deps.Errors.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBackend probes the backend health service.
func (h *Handler) GetBackend(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backend == nil {
		Error(w, http.StatusNotImplemented, "backend probe not configured")
		return
	}
	res, err := h.deps.Backend.Check(r.Context())
	if err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	JSON(w, http.StatusOK, res)
}

type jobView struct {
	domain.ETLProgressSnapshot
	ConnectionIssues bool `json:"connection_issues"`
}

// ListJobs returns all tracked job snapshots.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		JSON(w, http.StatusOK, []jobView{})
		return
	}
	snaps := h.deps.Jobs.Snapshots()
	out := make([]jobView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, jobView{ETLProgressSnapshot: s, ConnectionIssues: h.deps.Jobs.ConnectionIssues(s.JobID)})
	}
	JSON(w, http.StatusOK, out)
}

// GetJob returns one job snapshot.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		Error(w, http.StatusNotFound, "job not found")
		return
	}
	jobID := chi.URLParam(r, "jobID")
	snap, ok := h.deps.Jobs.Snapshot(jobID)
	if !ok {
		Error(w, http.StatusNotFound, "job not found")
		return
	}
	JSON(w, http.StatusOK, jobView{ETLProgressSnapshot: snap, ConnectionIssues: h.deps.Jobs.ConnectionIssues(jobID)})
}

// TrackJob starts following a job's progress.
func (h *Handler) TrackJob(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		Error(w, http.StatusNotImplemented, "job tracking not configured")
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.deps.Jobs.Track(r.Context(), jobID); err != nil {
		if errors.Is(err, progress.ErrMissingJobID) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap, _ := h.deps.Jobs.Snapshot(strings.TrimSpace(jobID))
	JSON(w, http.StatusAccepted, jobView{ETLProgressSnapshot: snap})
}

// UntrackJob stops following a job and forgets its snapshot.
func (h *Handler) UntrackJob(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		Error(w, http.StatusNotFound, "job not found")
		return
	}
	if err := h.deps.Jobs.Untrack(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(userID string) (*transport.Conn, bool) {
	if h.deps.Connections == nil || userID == "" {
		return nil, false
	}
	return h.deps.Connections.Get(userID)
}
