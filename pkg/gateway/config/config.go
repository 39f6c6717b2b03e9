package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultUpstreamURL = "wss://api.openai.com/v1/realtime?model=gpt-realtime"
	DefaultBetaHeader  = "realtime=v1"
)

type Config struct {
	Addr string

	// Credential for the upstream realtime API. Never logged.
	OpenAIAPIKey string
	UpstreamURL  string
	// Value of the OpenAI-Beta header sent on the upstream handshake.
	UpstreamBeta string

	LogLevel  string
	LogFormat string

	// Optional YAML file overriding the default session.update payload.
	SessionConfigFile string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the relay is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// Relay WebSocket mode (/ws).
	UpstreamConnectTimeout time.Duration
	WSHandshakeTimeout     time.Duration
	WSWriteTimeout         time.Duration
	TeardownTimeout        time.Duration
	MaxMessageBytes        int64

	// Per-client admission (keyed by client IP).
	MaxSessionsPerClient int
	ConnectRPS           float64
	ConnectBurst         int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("TUTOR_RELAY_ADDR", ":8000"),
		OpenAIAPIKey:           envOr("OPENAI_API_KEY", ""),
		UpstreamURL:            envOr("TUTOR_RELAY_UPSTREAM_URL", DefaultUpstreamURL),
		UpstreamBeta:           envOr("TUTOR_RELAY_UPSTREAM_BETA", DefaultBetaHeader),
		LogLevel:               envOr("TUTOR_RELAY_LOG_LEVEL", "info"),
		LogFormat:              envOr("TUTOR_RELAY_LOG_FORMAT", "json"),
		SessionConfigFile:      envOr("TUTOR_RELAY_SESSION_CONFIG_FILE", ""),
		CORSAllowedOrigins:     make(map[string]struct{}),
		TrustProxyHeaders:      envBoolOr("TUTOR_RELAY_TRUST_PROXY_HEADERS", false),
		UpstreamConnectTimeout: envDurationOr("TUTOR_RELAY_UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		WSHandshakeTimeout:     envDurationOr("TUTOR_RELAY_WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSWriteTimeout:         envDurationOr("TUTOR_RELAY_WS_WRITE_TIMEOUT", 10*time.Second),
		TeardownTimeout:        envDurationOr("TUTOR_RELAY_TEARDOWN_TIMEOUT", 5*time.Second),
		MaxMessageBytes:        envInt64Or("TUTOR_RELAY_MAX_MESSAGE_BYTES", 4<<20), // 4 MiB
		MaxSessionsPerClient:   envIntOr("TUTOR_RELAY_MAX_SESSIONS_PER_CLIENT", 4),
		ConnectRPS:             envFloat64Or("TUTOR_RELAY_CONNECT_RPS", 1.0),
		ConnectBurst:           envIntOr("TUTOR_RELAY_CONNECT_BURST", 5),
		ReadHeaderTimeout:      envDurationOr("TUTOR_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("TUTOR_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	origins := os.Getenv("TUTOR_RELAY_CORS_ORIGINS")
	if strings.TrimSpace(origins) == "" {
		origins = "http://localhost:3000,http://localhost:5173"
	}
	for _, origin := range splitCSV(origins) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return fmt.Errorf("OPENAI_API_KEY must be set")
	}
	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("TUTOR_RELAY_UPSTREAM_URL is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("TUTOR_RELAY_UPSTREAM_URL must use ws or wss scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("TUTOR_RELAY_UPSTREAM_URL must include a host")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return fmt.Errorf("TUTOR_RELAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return fmt.Errorf("TUTOR_RELAY_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("TUTOR_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.TeardownTimeout <= 0 {
		return fmt.Errorf("TUTOR_RELAY_TEARDOWN_TIMEOUT must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return fmt.Errorf("TUTOR_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxSessionsPerClient < 0 {
		return fmt.Errorf("TUTOR_RELAY_MAX_SESSIONS_PER_CLIENT must be >= 0")
	}
	if cfg.ConnectRPS < 0 {
		return fmt.Errorf("TUTOR_RELAY_CONNECT_RPS must be >= 0")
	}
	if cfg.ConnectBurst < 0 {
		return fmt.Errorf("TUTOR_RELAY_CONNECT_BURST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("TUTOR_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("TUTOR_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
