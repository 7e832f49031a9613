// Package config loads ARCP's process configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ARCP control plane.
type Config struct {
	Environment string
	TZ          string
	Port        int

	JWT JWTConfig

	AdminUsername     string
	AdminPassword     string
	AdminPasswordHash string

	AllowedAgentTypes map[string]struct{}
	AgentKeys         []string

	AgentHeartbeatTimeout time.Duration
	AgentCleanupInterval  time.Duration

	VectorSearchTopK          int
	VectorSearchMinSimilarity float64

	RateLimit RateLimitConfig

	WS WSConfig

	RedisURL          string
	MetricsScrapeToken string

	Embedder EmbedderConfig

	Telemetry TelemetryConfig

	CORSAllowedOrigins []string
}

// TelemetryConfig configures the OTLP/gRPC trace exporter. The
// collector itself (Jaeger, Grafana Tempo, ...) is an external
// collaborator, same as the Prometheus server that scrapes
// /metrics/scrape; only the exporter wiring lives in this process.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// JWTConfig configures the bearer-token signer.
type JWTConfig struct {
	Secret        string
	Algorithm     string
	ExpireMinutes int
}

// RateLimitConfig tunes the auth core's rate-limit/backoff accounting.
type RateLimitConfig struct {
	RPM            int
	Burst          int
	SessionTimeout time.Duration
	MaxSessions    int
}

// WSConfig tunes cadence and maxima per hub.
type WSConfig struct {
	PublicMaxConn    int
	AgentMaxConn     int
	DashboardMaxConn int
	PingInterval     time.Duration
	PongTimeout      time.Duration
}

// EmbedderConfig configures the embedding driver.
type EmbedderConfig struct {
	Endpoint string
	APIKey   string
	Dim      int
}

// Load reads configuration from environment variables, falling back to
// sane dev defaults.
func Load() *Config {
	return &Config{
		Environment: envStr("ENVIRONMENT", "dev"),
		TZ:          envStr("TZ", "UTC"),
		Port:        envInt("PORT", 8080),

		JWT: JWTConfig{
			Secret:        envStr("JWT_SECRET", ""),
			Algorithm:     envStr("JWT_ALGORITHM", "HS256"),
			ExpireMinutes: envInt("JWT_EXPIRE_MINUTES", 60),
		},

		AdminUsername:     envStr("ADMIN_USERNAME", "admin"),
		AdminPassword:     envStr("ADMIN_PASSWORD", ""),
		AdminPasswordHash: envStr("ADMIN_PASSWORD_HASH", ""),

		AllowedAgentTypes: envSet("ALLOWED_AGENT_TYPES", []string{"testing", "general", "specialized"}),
		AgentKeys:         envList("AGENT_KEYS", nil),

		AgentHeartbeatTimeout: envDuration("AGENT_HEARTBEAT_TIMEOUT", 90*time.Second),
		AgentCleanupInterval:  envDuration("AGENT_CLEANUP_INTERVAL", 45*time.Second),

		VectorSearchTopK:          envInt("VECTOR_SEARCH_TOP_K", 3),
		VectorSearchMinSimilarity: envFloat("VECTOR_SEARCH_MIN_SIMILARITY", 0.5),

		RateLimit: RateLimitConfig{
			RPM:            envInt("RATE_LIMIT_RPM", 60),
			Burst:          envInt("RATE_LIMIT_BURST", 10),
			SessionTimeout: envDuration("SESSION_TIMEOUT", 60*time.Minute),
			MaxSessions:    envInt("MAX_SESSIONS", 1000),
		},

		WS: WSConfig{
			PublicMaxConn:    envInt("WS_PUBLIC_MAX_CONN", 100),
			AgentMaxConn:     envInt("WS_AGENT_MAX_CONN", 100),
			DashboardMaxConn: envInt("WS_DASHBOARD_MAX_CONN", 5),
			PingInterval:     envDuration("WS_PING_INTERVAL", 30*time.Second),
			PongTimeout:      envDuration("WS_PONG_TIMEOUT", 10*time.Second),
		},

		RedisURL:           envStr("REDIS_URL", ""),
		MetricsScrapeToken: envStr("METRICS_SCRAPE_TOKEN", ""),

		Embedder: EmbedderConfig{
			Endpoint: envStr("EMBEDDER_ENDPOINT", ""),
			APIKey:   envStr("EMBEDDER_API_KEY", ""),
			Dim:      envInt("EMBEDDING_DIM", 64),
		},

		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "arcp"),
		},

		CORSAllowedOrigins: envList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}
}

// SweeperInterval is half the heartbeat timeout, clamped to >=15s.
func (c *Config) SweeperInterval() time.Duration {
	interval := c.AgentHeartbeatTimeout / 2
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	return interval
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envSet(key string, fallback []string) map[string]struct{} {
	list := envList(key, fallback)
	set := make(map[string]struct{}, len(list))
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set
}
