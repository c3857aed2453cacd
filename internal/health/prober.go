// Package health probes the chat backend over the standard gRPC health
// checking protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	// ErrNotServing is returned when the backend answers but is not serving.
	ErrNotServing = errors.New("backend not serving")
)

// Config holds prober settings.
type Config struct {
	Address          string
	Service          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults; tests use them to dial bufconn.
	DialOptions []grpc.DialOption
}

// DefaultConfig returns default prober settings for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   3 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Result is one probe outcome.
type Result struct {
	Address string        `json:"address"`
	Service string        `json:"service,omitempty"`
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency"`
}

// Prober checks backend health over one client connection.
type Prober struct {
	cfg    Config
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	logger *slog.Logger
}

// NewProber connects to cfg.Address and waits until the connection is ready.
func NewProber(cfg Config, logger *slog.Logger) (*Prober, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig(cfg.Address)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create health client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("backend at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to backend health service", "address", cfg.Address)
	return &Prober{
		cfg:    cfg,
		conn:   conn,
		client: healthpb.NewHealthClient(conn),
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Check asks the backend for the configured service's status. A reply other
// than SERVING is returned together with ErrNotServing.
func (p *Prober) Check(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.cfg.Service})
	res := Result{Address: p.cfg.Address, Service: p.cfg.Service, Latency: time.Since(start)}
	if err != nil {
		res.Status = "UNREACHABLE"
		return res, fmt.Errorf("health check failed: %w", err)
	}
	res.Status = resp.GetStatus().String()
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return res, fmt.Errorf("%w: %s", ErrNotServing, res.Status)
	}
	p.logger.Debug("Backend healthy", "address", p.cfg.Address, "latency", res.Latency)
	return res, nil
}

// Close closes the gRPC connection.
func (p *Prober) Close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}
