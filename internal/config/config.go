// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/chatwire/internal/chaterr"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CHATWIRE_"

// Config holds all application configuration.
type Config struct {
	LogLevel string
	LogJSON  bool
	UserID   string
	DBPath   string
	DiagAddr string

	API       APIConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Delivery  DeliveryConfig
	Progress  ProgressConfig
	Health    HealthConfig
}

// APIConfig controls the one-shot HTTP path.
type APIConfig struct {
	BaseURL        string
	ChatPath       string
	RequestTimeout time.Duration
}

// WebSocketConfig controls the persistent connection.
type WebSocketConfig struct {
	URL                  string
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	ConnectTimeout       time.Duration
	Debounce             time.Duration
	AuthCloseCodes       chaterr.CloseCodeRange
}

// AuthConfig selects the token provider: a static token, or OAuth2 client
// credentials when TokenURL is set.
type AuthConfig struct {
	Token        string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// UsesOAuth2 reports whether client credentials are configured.
func (a AuthConfig) UsesOAuth2() bool { return a.TokenURL != "" }

// RateLimitConfig is the outgoing message admission policy.
type RateLimitConfig struct {
	MaxMessages int
	Window      time.Duration
}

// DeliveryConfig controls the caller-facing chat handler.
type DeliveryConfig struct {
	ResponseTimeout time.Duration
	ErrorClearAfter time.Duration
	DedupWindow     time.Duration
	DedupCapacity   int
	ErrorHistory    int
}

// ProgressConfig controls job progress streaming.
type ProgressConfig struct {
	URLTemplate          string
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	IssueThreshold       int
	Retention            time.Duration
	RedisURL             string
	RedisChannelPrefix   string
}

// HealthConfig points at the backend gRPC health service.
type HealthConfig struct {
	Addr    string
	Service string
}

// Load reads configuration from the optional YAML file named by
// CHATWIRE_CONFIG_FILE and from environment variables, which take precedence.
func Load() (*Config, error) {
	file, err := loadFileValues()
	if err != nil {
		return nil, err
	}
	src := source{file: file}

	closeCodes, err := parseCloseCodes(src.getEnv("AUTH_CLOSE_CODES", "4000-4099"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		LogLevel: strings.ToLower(src.getEnv("LOG_LEVEL", "info")),
		LogJSON:  src.getEnvBool("LOG_JSON", true),
		UserID:   strings.TrimSpace(src.getEnv("USER_ID", "")),
		DBPath:   src.getEnv("DB_PATH", "./data/chatwire.db"),
		DiagAddr: src.getEnv("DIAG_ADDR", ""),
		API: APIConfig{
			BaseURL:        src.getEnv("API_URL", "http://localhost:8000"),
			ChatPath:       src.getEnv("CHAT_PATH", "/api/chat"),
			RequestTimeout: src.getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		},
		WebSocket: WebSocketConfig{
			URL:                  src.getEnv("WS_URL", "ws://localhost:8000/ws/chat"),
			MaxReconnectAttempts: src.getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			BaseDelay:            src.getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
			MaxDelay:             src.getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			ConnectTimeout:       src.getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
			Debounce:             src.getEnvDuration("CONNECT_DEBOUNCE", 2*time.Second),
			AuthCloseCodes:       closeCodes,
		},
		Auth: AuthConfig{
			Token:        src.getEnv("TOKEN", ""),
			TokenURL:     src.getEnv("OAUTH_TOKEN_URL", ""),
			ClientID:     src.getEnv("OAUTH_CLIENT_ID", ""),
			ClientSecret: src.getEnv("OAUTH_CLIENT_SECRET", ""),
			Scopes:       splitList(src.getEnv("OAUTH_SCOPES", "")),
		},
		RateLimit: RateLimitConfig{
			MaxMessages: src.getEnvInt("RATE_LIMIT_MAX", 10),
			Window:      src.getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Delivery: DeliveryConfig{
			ResponseTimeout: src.getEnvDuration("RESPONSE_TIMEOUT", 60*time.Second),
			ErrorClearAfter: src.getEnvDuration("ERROR_CLEAR_AFTER", 10*time.Second),
			DedupWindow:     src.getEnvDuration("DEDUP_WINDOW", 2*time.Second),
			DedupCapacity:   src.getEnvInt("DEDUP_CAPACITY", 500),
			ErrorHistory:    src.getEnvInt("ERROR_HISTORY", 50),
		},
		Progress: ProgressConfig{
			URLTemplate:          src.getEnv("PROGRESS_URL", "http://localhost:8000/api/etl/jobs/{job_id}/progress"),
			MaxReconnectAttempts: src.getEnvInt("PROGRESS_MAX_ATTEMPTS", 5),
			BaseDelay:            src.getEnvDuration("PROGRESS_BASE_DELAY", time.Second),
			MaxDelay:             src.getEnvDuration("PROGRESS_MAX_DELAY", 30*time.Second),
			IssueThreshold:       src.getEnvInt("PROGRESS_ISSUE_THRESHOLD", 3),
			Retention:            src.getEnvDuration("PROGRESS_RETENTION", 7*24*time.Hour),
			RedisURL:             src.getEnv("REDIS_URL", ""),
			RedisChannelPrefix:   src.getEnv("REDIS_CHANNEL_PREFIX", "etl:progress:"),
		},
		Health: HealthConfig{
			Addr:    src.getEnv("HEALTH_ADDR", "localhost:50051"),
			Service: src.getEnv("HEALTH_SERVICE", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("CHATWIRE_LOG_LEVEL must be one of debug, info, warn, error")
	}
	if err := validURL(c.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("CHATWIRE_API_URL: %w", err)
	}
	if err := validURL(c.WebSocket.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("CHATWIRE_WS_URL: %w", err)
	}
	if c.DBPath == "" {
		return fmt.Errorf("CHATWIRE_DB_PATH cannot be empty")
	}
	if c.RateLimit.MaxMessages <= 0 {
		return fmt.Errorf("CHATWIRE_RATE_LIMIT_MAX must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("CHATWIRE_RATE_LIMIT_WINDOW must be > 0")
	}
	if c.WebSocket.MaxReconnectAttempts <= 0 || c.Progress.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("reconnect attempt limits must be > 0")
	}
	if c.WebSocket.BaseDelay <= 0 || c.WebSocket.MaxDelay < c.WebSocket.BaseDelay {
		return fmt.Errorf("CHATWIRE_RECONNECT_MAX_DELAY must be >= CHATWIRE_RECONNECT_BASE_DELAY > 0")
	}
	if c.Progress.BaseDelay <= 0 || c.Progress.MaxDelay < c.Progress.BaseDelay {
		return fmt.Errorf("CHATWIRE_PROGRESS_MAX_DELAY must be >= CHATWIRE_PROGRESS_BASE_DELAY > 0")
	}
	if c.WebSocket.ConnectTimeout <= 0 || c.Delivery.ResponseTimeout <= 0 || c.API.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}
	if c.Delivery.DedupCapacity <= 0 || c.Delivery.ErrorHistory <= 0 {
		return fmt.Errorf("CHATWIRE_DEDUP_CAPACITY and CHATWIRE_ERROR_HISTORY must be > 0")
	}
	if c.Progress.IssueThreshold <= 0 {
		return fmt.Errorf("CHATWIRE_PROGRESS_ISSUE_THRESHOLD must be > 0")
	}
	if !strings.Contains(c.Progress.URLTemplate, "{job_id}") {
		return fmt.Errorf("CHATWIRE_PROGRESS_URL must contain {job_id}")
	}
	if c.Auth.UsesOAuth2() && c.Auth.ClientID == "" {
		return fmt.Errorf("CHATWIRE_OAUTH_CLIENT_ID is required with CHATWIRE_OAUTH_TOKEN_URL")
	}
	return nil
}

// IsDevelopment returns true when the backend is a local address.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.API.BaseURL, "localhost") ||
		strings.Contains(c.API.BaseURL, "127.0.0.1")
}

func validURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// parseCloseCodes parses "min-max" or a single code.
func parseCloseCodes(raw string) (chaterr.CloseCodeRange, error) {
	raw = strings.TrimSpace(raw)
	lo, hi, found := strings.Cut(raw, "-")
	if !found {
		hi = lo
	}
	minCode, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return chaterr.CloseCodeRange{}, fmt.Errorf("CHATWIRE_AUTH_CLOSE_CODES %q: %w", raw, err)
	}
	maxCode, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return chaterr.CloseCodeRange{}, fmt.Errorf("CHATWIRE_AUTH_CLOSE_CODES %q: %w", raw, err)
	}
	if minCode < 1000 || maxCode > 4999 || minCode > maxCode {
		return chaterr.CloseCodeRange{}, fmt.Errorf("CHATWIRE_AUTH_CLOSE_CODES %q is not a valid range", raw)
	}
	if minCode <= 1000 && maxCode >= 1000 {
		return chaterr.CloseCodeRange{}, fmt.Errorf("CHATWIRE_AUTH_CLOSE_CODES must not include 1000")
	}
	return chaterr.CloseCodeRange{Min: minCode, Max: maxCode}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		return value, true
	}
	value, ok := s.file[strings.ToLower(key)]
	return value, ok
}

func (s source) getEnv(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

func (s source) getEnvBool(key string, fallback bool) bool {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (s source) getEnvInt(key string, fallback int) int {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func (s source) getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
