// chatwire - resilient chat and job progress client
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/chatwire/internal/config"
	"github.com/joho/godotenv"
)

const usage = `usage: chatwire <command> [flags]

commands:
  chat              interactive chat session (default)
  watch <job-id>    follow one job's progress until it finishes
  jobs              list stored job snapshots
  health            probe the backend gRPC health service
  serve             keep the connection and tracked jobs alive and serve diagnostics
`

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	if envErr != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cmd, args := "chat", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = strings.ToLower(strings.TrimSpace(args[0])), args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch cmd {
	case "chat":
		runErr = runChat(ctx, cfg, logger, args)
	case "watch":
		runErr = runWatch(ctx, cfg, logger, args)
	case "jobs":
		runErr = runJobs(ctx, cfg, logger, args)
	case "health":
		runErr = runHealth(ctx, cfg, logger, args)
	case "serve":
		runErr = runServe(ctx, cfg, logger, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("Command failed", "command", cmd, "error", runErr)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
