package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatwire/internal/auth"
	"github.com/ashureev/chatwire/internal/config"
	"github.com/ashureev/chatwire/internal/domain"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewTokenProvider(t *testing.T) {
	t.Parallel()

	if _, ok := newTokenProvider(config.AuthConfig{Token: "abc"}).(auth.Static); !ok {
		t.Error("expected static provider without OAuth2 settings")
	}
	p := newTokenProvider(config.AuthConfig{TokenURL: "https://auth.example.com/token", ClientID: "id"})
	if _, ok := p.(*auth.OAuth2Provider); !ok {
		t.Errorf("expected OAuth2 provider, got %T", p)
	}
}

func TestWriteJobTable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := writeJobTable(&buf, []domain.ETLProgressSnapshot{
		{JobID: "job-1", Status: domain.JobRunning, Progress: 42.5, CurrentStep: "load", UpdatedAt: time.Unix(0, 0).UTC()},
	})
	if err != nil {
		t.Fatalf("writeJobTable failed: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "JOB") || !strings.Contains(out, "job-1") || !strings.Contains(out, "42.5%") {
		t.Errorf("unexpected table:\n%s", out)
	}
}

func TestPrintProgressAndAnswer(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printProgress(&buf, domain.ETLProgressSnapshot{JobID: "j", Progress: 100, Status: domain.JobFailed, ErrorMessage: "disk full"})
	if !strings.Contains(buf.String(), `error="disk full"`) {
		t.Errorf("unexpected progress line %q", buf.String())
	}

	buf.Reset()
	score := 0.9
	printAnswer(&buf, domain.ChatMessage{
		Content:            "Forty-two.",
		ConfidenceScore:    &score,
		RetrievedDocuments: []domain.DocumentReference{{Title: "Guide"}},
	})
	out := buf.String()
	if !strings.Contains(out, "Forty-two.") || !strings.Contains(out, "confidence: 0.90") || !strings.Contains(out, "- Guide") {
		t.Errorf("unexpected answer output %q", out)
	}
}
