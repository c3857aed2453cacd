package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/chatwire/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the health and diagnostics routes with the standard
// middleware stack.
func NewRouter(h *Handler, hh *HealthHandler, allowedOrigins []string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins))

	if hh != nil {
		hh.RegisterHealth(r)
	}
	h.RegisterRoutes(r)
	return r
}
