package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ashureev/chatwire/internal/api"
	"github.com/ashureev/chatwire/internal/auth"
	"github.com/ashureev/chatwire/internal/chatapi"
	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/ashureev/chatwire/internal/config"
	"github.com/ashureev/chatwire/internal/delivery"
	"github.com/ashureev/chatwire/internal/fallback"
	"github.com/ashureev/chatwire/internal/health"
	"github.com/ashureev/chatwire/internal/identity"
	"github.com/ashureev/chatwire/internal/progress"
	"github.com/ashureev/chatwire/internal/ratelimit"
	"github.com/ashureev/chatwire/internal/store"
	"github.com/ashureev/chatwire/internal/transport"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"
)

// app holds the long-lived collaborators shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	tokens   auth.TokenProvider
	errors   *chaterr.Tracker
	registry *transport.Registry
	chat     *chatapi.Client

	db    *store.SQLiteStore
	rdb   *redis.Client
	jobs  *progress.Tracker
	probe *health.Prober
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	tokens := newTokenProvider(cfg.Auth)
	classifier := chaterr.NewClassifier(cfg.WebSocket.AuthCloseCodes)

	return &app{
		cfg:    cfg,
		logger: logger,
		tokens: tokens,
		errors: chaterr.NewTracker(classifier, cfg.Delivery.ErrorHistory, logger),
		registry: transport.NewRegistry(transport.Options{
			URL:                  cfg.WebSocket.URL,
			Tokens:               tokens,
			Logger:               logger,
			MaxReconnectAttempts: cfg.WebSocket.MaxReconnectAttempts,
			BaseDelay:            cfg.WebSocket.BaseDelay,
			MaxDelay:             cfg.WebSocket.MaxDelay,
			ConnectTimeout:       cfg.WebSocket.ConnectTimeout,
			Debounce:             cfg.WebSocket.Debounce,
			AuthCloseCodes:       cfg.WebSocket.AuthCloseCodes,
		}),
		chat: chatapi.New(cfg.API.BaseURL, tokens,
			chatapi.WithHTTPClient(&http.Client{Timeout: cfg.API.RequestTimeout}),
			chatapi.WithPath(cfg.API.ChatPath),
			chatapi.WithLogger(logger),
		),
	}
}

func newTokenProvider(cfg config.AuthConfig) auth.TokenProvider {
	if !cfg.UsesOAuth2() {
		return auth.Static(cfg.Token)
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	return auth.NewOAuth2Provider(cc.TokenSource(context.Background()))
}

// resolveUser returns the explicit user id, or this device's anonymous id
// kept next to the job database.
func (a *app) resolveUser(explicit string) (string, error) {
	userID, err := identity.Resolve(explicit, filepath.Join(filepath.Dir(a.cfg.DBPath), "identity"))
	if err != nil {
		return "", err
	}
	if identity.IsAnonymous(userID) {
		a.logger.Info("Using anonymous device identity", "user", identity.DisplayName(userID))
	}
	a.cfg.UserID = userID
	return userID, nil
}

// session is one user's chat pipeline.
type session struct {
	conn        *transport.Conn
	coordinator *fallback.Coordinator
	handler     *delivery.Handler
}

func (a *app) newSession(userID string) (*session, error) {
	conn, err := a.registry.GetOrCreate(userID)
	if err != nil {
		return nil, err
	}
	coord := fallback.New(fallback.Options{
		Conn:    conn,
		Client:  a.chat,
		Limiter: ratelimit.New(a.cfg.RateLimit.MaxMessages, a.cfg.RateLimit.Window),
		Tracker: a.errors,
		Logger:  a.logger,
	})
	h := delivery.New(delivery.Options{
		UserID:          userID,
		Sender:          coord,
		Inbound:         conn,
		Tracker:         a.errors,
		Dedup:           delivery.NewDeduper(a.cfg.Delivery.DedupWindow, a.cfg.Delivery.DedupCapacity),
		Logger:          a.logger,
		ResponseTimeout: a.cfg.Delivery.ResponseTimeout,
		ErrorClearAfter: a.cfg.Delivery.ErrorClearAfter,
	})
	return &session{conn: conn, coordinator: coord, handler: h}, nil
}

func (s *session) close() {
	s.handler.Close()
	s.coordinator.Close()
}

// openStore opens the job snapshot database and prunes old finished jobs.
func (a *app) openStore(ctx context.Context) error {
	db, err := store.NewSQLite(a.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("database health check failed: %w", err)
	}
	a.db = db

	if pruned, err := db.PruneFinished(ctx, a.cfg.Progress.Retention); err != nil {
		a.logger.Warn("Failed to prune finished jobs", "error", err)
	} else if pruned > 0 {
		a.logger.Info("Pruned finished jobs", "count", pruned)
	}
	return nil
}

// openJobs builds the progress tracker over Redis when configured, SSE
// otherwise.
func (a *app) openJobs(ctx context.Context) error {
	if a.db == nil {
		if err := a.openStore(ctx); err != nil {
			return err
		}
	}

	var src progress.Source
	if a.cfg.Progress.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.Progress.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.rdb.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		src = &progress.RedisSource{Client: a.rdb, Prefix: a.cfg.Progress.RedisChannelPrefix}
		a.logger.Info("Progress source: redis", "prefix", a.cfg.Progress.RedisChannelPrefix)
	} else {
		src = &progress.SSESource{URLTemplate: a.cfg.Progress.URLTemplate, Tokens: a.tokens}
		a.logger.Info("Progress source: sse", "url_template", a.cfg.Progress.URLTemplate)
	}

	a.jobs = progress.NewTracker(progress.TrackerOptions{
		Source:               src,
		Store:                a.db,
		Logger:               a.logger,
		MaxReconnectAttempts: a.cfg.Progress.MaxReconnectAttempts,
		BaseDelay:            a.cfg.Progress.BaseDelay,
		MaxDelay:             a.cfg.Progress.MaxDelay,
		IssueThreshold:       uint(a.cfg.Progress.IssueThreshold),
	})
	return nil
}

func (a *app) openProbe() error {
	cfg := health.DefaultConfig(a.cfg.Health.Addr)
	cfg.Service = a.cfg.Health.Service
	p, err := health.NewProber(cfg, a.logger)
	if err != nil {
		return err
	}
	a.probe = p
	return nil
}

// diagServer returns the diagnostics HTTP server, or nil when no address
// is configured.
func (a *app) diagServer(s *session) *http.Server {
	if a.cfg.DiagAddr == "" {
		return nil
	}
	deps := api.Deps{
		UserID:      a.cfg.UserID,
		Connections: a.registry,
		Errors:      a.errors,
	}
	if s != nil {
		deps.Chat = s.coordinator
	}
	if a.jobs != nil {
		deps.Jobs = a.jobs
	}
	if a.probe != nil {
		deps.Backend = a.probe
	}
	var db api.Pinger
	if a.db != nil {
		db = a.db
	}
	return &http.Server{
		Addr:              a.cfg.DiagAddr,
		Handler:           api.NewRouter(api.NewHandler(deps), api.NewHealthHandler(db, 5*time.Second), []string{"*"}, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (a *app) startDiag(srv *http.Server) {
	if srv == nil {
		return
	}
	go func() {
		a.logger.Info("Diagnostics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Diagnostics server failed", "error", err)
		}
	}()
}

func (a *app) stopDiag(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Error("Diagnostics server forced to shutdown", "error", err)
	}
}

func (a *app) close() {
	if a.jobs != nil {
		a.jobs.Close()
	}
	a.registry.CloseAll()
	if a.probe != nil {
		a.probe.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Failed to close database", "error", err)
		}
	}
}
