package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/chatwire/internal/chaterr"
	"github.com/ashureev/chatwire/internal/config"
	"github.com/ashureev/chatwire/internal/delivery"
	"github.com/ashureev/chatwire/internal/domain"
	"github.com/ashureev/chatwire/internal/identity"
)

func runChat(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("chatwire chat", flag.ContinueOnError)
	userID := fs.String("user", cfg.UserID, "user id owning the connection")
	conversationID := fs.String("conversation", "", "conversation id to continue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a := newApp(cfg, logger)
	defer a.close()

	uid, err := a.resolveUser(*userID)
	if err != nil {
		return err
	}
	s, err := a.newSession(uid)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer s.close()

	srv := a.diagServer(s)
	a.startDiag(srv)
	defer a.stopDiag(srv)

	s.handler.OnMessage(func(m domain.ChatMessage) {
		if m.Role == domain.RoleAssistant {
			printAnswer(os.Stdout, m)
		}
	})
	s.handler.OnStatus(func(st delivery.Status) {
		if st.Progress != nil {
			fmt.Printf("  ... %s (%.0f%%)\n", st.Status, *st.Progress)
			return
		}
		fmt.Printf("  ... %s\n", st.Status)
	})
	s.handler.OnError(func(e *chaterr.ChatError) {
		fmt.Printf("! %s", e.UserMessage)
		if e.ActionRequired != chaterr.ActionNone {
			fmt.Printf(" [%s]", e.ActionRequired)
		}
		fmt.Println()
	})
	s.conn.OnStateChange(func(st domain.ConnectionState) {
		logger.Info("Connection state changed", "status", st.Status, "attempts", st.ReconnectAttempts)
		if st.Status.IsTerminal() {
			fmt.Printf("* connection %s, questions go over HTTP until /reconnect\n", st.Status)
		}
	})

	go func() {
		if err := s.conn.Connect(ctx); err != nil {
			logger.Warn("Persistent connection unavailable, using HTTP fallback", "error", err)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	conv := strings.TrimSpace(*conversationID)
	fmt.Printf("chatwire ready as %s. /help for commands.\n", identity.DisplayName(uid))
	for {
		fmt.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if strings.HasPrefix(line, "/") {
			quit, newConv := handleChatCommand(ctx, a, s, line, conv)
			if quit {
				return nil
			}
			conv = newConv
			continue
		}

		msg, err := s.handler.SendQuestion(ctx, line, conv)
		if err != nil {
			// surfaced through OnError
			continue
		}
		if msg.ConversationID != "" {
			conv = msg.ConversationID
		}
	}
}

func handleChatCommand(ctx context.Context, a *app, s *session, line, conv string) (quit bool, conversationID string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, conv
	case "/new":
		fmt.Println("started a new conversation")
		return false, ""
	case "/status":
		st := s.conn.State()
		fb := s.coordinator.Status()
		rl := s.coordinator.RateLimit()
		fmt.Printf("connection=%s attempts=%d fallback=%t forced=%t processing=%t conversation=%q\n",
			st.Status, st.ReconnectAttempts, fb.ShouldUseFallback, fb.Forced, s.handler.Processing(), conv)
		fmt.Printf("rate limit: %d of %d left per %s\n", rl.RemainingMessages, rl.Limit, rl.Window)
		if st.LastError != "" {
			fmt.Printf("last error: %s\n", st.LastError)
		}
	case "/reconnect":
		go func() {
			if err := s.conn.ForceReconnect(ctx); err != nil {
				a.logger.Warn("Reconnect failed", "error", err)
			}
		}()
	case "/fallback":
		if len(fields) > 1 && fields[1] == "off" {
			s.coordinator.DisableFallback()
			fmt.Println("fallback disabled")
		} else {
			s.coordinator.ForceFallback()
			fmt.Println("fallback forced")
		}
	case "/errors":
		stats := a.errors.Stats()
		fmt.Printf("total=%d by_type=%v\n", stats.Total, stats.ByType)
		for _, e := range a.errors.History() {
			fmt.Printf("  %s %-10s %s\n", e.Timestamp.Format(time.TimeOnly), e.Type, e.Detail)
		}
	case "/clear":
		s.handler.ClearError()
		a.errors.Clear()
	default:
		fmt.Println("commands: /status /reconnect /fallback [on|off] /errors /clear /new /quit")
	}
	return false, conv
}

func printAnswer(w io.Writer, m domain.ChatMessage) {
	fmt.Fprintf(w, "\n%s\n", m.Content)
	if m.ConfidenceScore != nil {
		fmt.Fprintf(w, "  confidence: %.2f\n", *m.ConfidenceScore)
	}
	for _, d := range m.RetrievedDocuments {
		fmt.Fprintf(w, "  - %s\n", d.Title)
	}
}

func runWatch(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("chatwire watch", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: chatwire watch <job-id>")
	}

	a := newApp(cfg, logger)
	defer a.close()
	if err := a.openJobs(ctx); err != nil {
		return err
	}

	done := make(chan domain.ETLProgressSnapshot, 1)
	a.jobs.OnUpdate(func(snap domain.ETLProgressSnapshot) {
		printProgress(os.Stdout, snap)
		if !snap.Status.IsActive() {
			select {
			case done <- snap:
			default:
			}
		}
	})

	c, err := a.jobs.Track(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if snap := c.Snapshot(); !snap.Status.IsActive() {
		printProgress(os.Stdout, snap)
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-done:
			if snap.Status == domain.JobFailed {
				return fmt.Errorf("job %s failed: %s", snap.JobID, snap.ErrorMessage)
			}
			return nil
		case <-ticker.C:
			st := c.State()
			if st.Status == domain.StatusError {
				return fmt.Errorf("progress stream lost: %s", st.LastError)
			}
			if a.jobs.ConnectionIssues(c.JobID()) {
				logger.Warn("Progress stream is having connection issues", "job_id", c.JobID(), "attempts", st.ReconnectAttempts)
			}
		}
	}
}

func printProgress(w io.Writer, snap domain.ETLProgressSnapshot) {
	fmt.Fprintf(w, "%s %5.1f%% %-10s %s", snap.JobID, snap.Progress, snap.Status, snap.CurrentStep)
	if snap.EstimatedCompletion != nil {
		fmt.Fprintf(w, " eta=%s", snap.EstimatedCompletion.Format(time.TimeOnly))
	}
	if snap.ErrorMessage != "" {
		fmt.Fprintf(w, " error=%q", snap.ErrorMessage)
	}
	fmt.Fprintln(w)
}

func runJobs(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("chatwire jobs", flag.ContinueOnError)
	forget := fs.String("forget", "", "delete the stored snapshot of this job")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a := newApp(cfg, logger)
	defer a.close()
	if err := a.openStore(ctx); err != nil {
		return err
	}

	if *forget != "" {
		return a.db.DeleteSnapshot(ctx, *forget)
	}

	snaps, err := a.db.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	return writeJobTable(os.Stdout, snaps)
}

func writeJobTable(w io.Writer, snaps []domain.ETLProgressSnapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tPROGRESS\tSTEP\tUPDATED")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%s\t%s\n", s.JobID, s.Status, s.Progress, s.CurrentStep, s.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runHealth(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("chatwire health", flag.ContinueOnError)
	service := fs.String("service", cfg.Health.Service, "health service name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Health.Service = *service

	a := newApp(cfg, logger)
	defer a.close()
	if err := a.openProbe(); err != nil {
		return err
	}
	res, err := a.probe.Check(ctx)
	fmt.Printf("%s service=%q status=%s latency=%s\n", res.Address, res.Service, res.Status, res.Latency)
	return err
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("chatwire serve", flag.ContinueOnError)
	userID := fs.String("user", cfg.UserID, "user id whose connection is kept alive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.DiagAddr == "" {
		cfg.DiagAddr = "127.0.0.1:8090"
	}

	a := newApp(cfg, logger)
	defer a.close()

	if err := a.openJobs(ctx); err != nil {
		return err
	}
	restored, err := a.jobs.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	logger.Info("Restored tracked jobs", "count", restored)

	if err := a.openProbe(); err != nil {
		logger.Warn("Backend health probe disabled", "error", err)
	}

	uid, err := a.resolveUser(*userID)
	if err != nil {
		return err
	}
	s, err := a.newSession(uid)
	if err != nil {
		return err
	}
	defer s.close()
	go func() {
		if err := s.conn.Connect(ctx); err != nil {
			logger.Warn("Persistent connection unavailable", "error", err)
		}
	}()

	srv := a.diagServer(s)
	a.startDiag(srv)
	defer a.stopDiag(srv)

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	return nil
}
