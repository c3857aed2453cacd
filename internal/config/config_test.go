package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RateLimit.MaxMessages != 10 || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.WebSocket.MaxReconnectAttempts != 5 || cfg.WebSocket.BaseDelay != time.Second || cfg.WebSocket.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected reconnect defaults: %+v", cfg.WebSocket)
	}
	if cfg.WebSocket.AuthCloseCodes.Min != 4000 || cfg.WebSocket.AuthCloseCodes.Max != 4099 {
		t.Fatalf("unexpected auth close codes: %+v", cfg.WebSocket.AuthCloseCodes)
	}
	if cfg.Delivery.ResponseTimeout != 60*time.Second || cfg.Delivery.DedupWindow != 2*time.Second {
		t.Fatalf("unexpected delivery defaults: %+v", cfg.Delivery)
	}
	if cfg.Auth.UsesOAuth2() {
		t.Fatal("OAuth2 must be off by default")
	}
	if !cfg.IsDevelopment() {
		t.Fatal("default backend should be local")
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatwire.yaml")
	content := strings.Join([]string{
		"api_url: https://chat.example.com",
		"ws_url: wss://chat.example.com/ws",
		"rate_limit:",
		"  max: 20",
		"  window: 30s",
		"oauth:",
		"  token_url: https://auth.example.com/token",
		"  client_id: chatwire",
		"  scopes: [chat, etl]",
		"log_level: debug",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigFile, path)
	t.Setenv("CHATWIRE_RATE_LIMIT_MAX", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RateLimit.MaxMessages != 5 {
		t.Fatalf("env should override file, got %d", cfg.RateLimit.MaxMessages)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Fatalf("expected window from file, got %s", cfg.RateLimit.Window)
	}
	if cfg.API.BaseURL != "https://chat.example.com" || cfg.IsDevelopment() {
		t.Fatalf("unexpected api config: %+v", cfg.API)
	}
	if !cfg.Auth.UsesOAuth2() || cfg.Auth.ClientID != "chatwire" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if len(cfg.Auth.Scopes) != 2 || cfg.Auth.Scopes[1] != "etl" {
		t.Fatalf("unexpected scopes: %v", cfg.Auth.Scopes)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"CHATWIRE_WS_URL":           "http://not-a-socket",
		"CHATWIRE_RATE_LIMIT_MAX":   "0",
		"CHATWIRE_LOG_LEVEL":        "loud",
		"CHATWIRE_AUTH_CLOSE_CODES": "4100-4000",
		"CHATWIRE_PROGRESS_URL":     "http://localhost/progress",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(EnvConfigFile, "")
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%q to be rejected", key, value)
			}
		})
	}
}

func TestParseCloseCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		min     int
		max     int
		wantErr bool
	}{
		{raw: "4000-4099", min: 4000, max: 4099},
		{raw: " 4401 ", min: 4401, max: 4401},
		{raw: "4400 - 4403", min: 4400, max: 4403},
		{raw: "999-4000", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "1000", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseCloseCodes(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseCloseCodes(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil || got.Min != tt.min || got.Max != tt.max {
			t.Errorf("parseCloseCodes(%q) = %+v, %v", tt.raw, got, err)
		}
	}
}

func TestSourceHelpersFallBack(t *testing.T) {
	t.Setenv("CHATWIRE_BAD_INT", "ten")
	t.Setenv("CHATWIRE_BAD_DURATION", "soon")
	t.Setenv("CHATWIRE_FLAG", "yes")

	src := source{file: map[string]string{"from_file": "42"}}
	if got := src.getEnvInt("BAD_INT", 7); got != 7 {
		t.Fatalf("expected fallback int, got %d", got)
	}
	if got := src.getEnvDuration("BAD_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback duration, got %s", got)
	}
	if !src.getEnvBool("FLAG", false) {
		t.Fatal("expected bool true")
	}
	if got := src.getEnvInt("FROM_FILE", 0); got != 42 {
		t.Fatalf("expected file value, got %d", got)
	}
}
