// Package models holds the shared data types for the ARCP control plane:
// the Agent aggregate, its metrics, auth session types, and the bounded
// buffers (alerts, logs) consumed by the dashboard hub.
package models

import "time"

// ── Agent ────────────────────────────────────────────────────

type AgentStatus string

const (
	AgentStatusAlive   AgentStatus = "alive"
	AgentStatusDead    AgentStatus = "dead"
	AgentStatusUnknown AgentStatus = "unknown"
)

type CommunicationMode string

const (
	CommRemote CommunicationMode = "remote"
	CommLocal  CommunicationMode = "local"
	CommHybrid CommunicationMode = "hybrid"
)

// Requirements describes the resource/runtime prerequisites an agent advertises.
type Requirements struct {
	MinMemoryMB  int      `json:"min_memory_mb,omitempty"`
	GPU          bool     `json:"gpu,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Agent is the primary registry aggregate.
type Agent struct {
	AgentID   string            `json:"agent_id"`
	AgentType string            `json:"agent_type"`
	Owner     string            `json:"owner,omitempty"`
	PublicKey string            `json:"public_key"`
	Version   string            `json:"version,omitempty"`
	Endpoint  string            `json:"endpoint"`
	CommMode  CommunicationMode `json:"communication_mode"`

	Name            string       `json:"name,omitempty"`
	Capabilities    []string     `json:"capabilities"`
	Features        []string     `json:"features,omitempty"`
	LanguageSupport []string     `json:"language_support,omitempty"`
	PolicyTags      []string     `json:"policy_tags,omitempty"`
	MaxTokens       int          `json:"max_tokens,omitempty"`
	RateLimit       int          `json:"rate_limit,omitempty"`
	Requirements    Requirements `json:"requirements,omitempty"`

	ContextBrief string            `json:"context_brief,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	Status       AgentStatus `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastSeen     time.Time   `json:"last_seen"`

	Embedding []float32    `json:"-"`
	Metrics   AgentMetrics `json:"metrics"`
}

// AgentMetrics tracks self-reported performance for an agent.
type AgentMetrics struct {
	TotalRequests    int64     `json:"total_requests"`
	SuccessCount     int64     `json:"success_count"`
	ErrorCount       int64     `json:"error_count"`
	AvgResponseTimeS float64   `json:"avg_response_time_s"`
	ReputationScore  float64   `json:"reputation_score"`
	LastActive       time.Time `json:"last_active"`
}

// SuccessRate returns success_count / max(1, total_requests).
func (m AgentMetrics) SuccessRate() float64 {
	if m.TotalRequests <= 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.TotalRequests)
}

// ErrorRate returns 1 - SuccessRate.
func (m AgentMetrics) ErrorRate() float64 {
	return 1 - m.SuccessRate()
}

// ── Auth types ───────────────────────────────────────────────

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleTemp   Role = "temp"
	RoleScrape Role = "scrape"
)

// TempToken is the single-use credential minted ahead of registration.
type TempToken struct {
	JTI         string    `json:"jti"`
	AgentID     string    `json:"agent_id"`
	AgentType   string    `json:"agent_type"`
	Fingerprint string    `json:"fingerprint"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Consumed    bool      `json:"consumed"`
}

// AdminSession tracks a logged-in admin, including PIN state.
type AdminSession struct {
	JTI            string     `json:"jti"`
	UserID         string     `json:"user_id"`
	Fingerprint    string     `json:"fingerprint"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	PINHash        string     `json:"-"`
	PINVerifiedAt  *time.Time `json:"pin_verified_at,omitempty"`
	PINAttempts    int        `json:"pin_attempts"`
	PINLockedUntil *time.Time `json:"pin_locked_until,omitempty"`
	Revoked        bool       `json:"-"`
}

// LoginAttempt is one entry in a LoginAttemptLedger's sliding window.
type LoginAttempt struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
}

// ── Alerts & Logs ────────────────────────────────────────────

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a single entry in the bounded alert ring buffer.
type Alert struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Severity      AlertSeverity `json:"severity"`
	Title         string        `json:"title"`
	Message       string        `json:"message"`
	Timestamp     time.Time     `json:"timestamp"`
	Source        string        `json:"source"`
	SuppressedKey string        `json:"-"`
}

type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogSuccess LogLevel = "SUCS"
	LogWarn    LogLevel = "WARN"
	LogError   LogLevel = "ERR"
	LogCrit    LogLevel = "CRIT"
)

// LogEntry is a single entry in the bounded log ring buffer.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

// ── Search ───────────────────────────────────────────────────

// SearchFilters restricts the candidate set before scoring.
type SearchFilters struct {
	AgentType    string
	Capabilities []string
	Status       AgentStatus
}

// SearchResult pairs an agent with its similarity score.
type SearchResult struct {
	Agent Agent   `json:"agent"`
	Score float64 `json:"score"`
}

// Page describes pagination metadata returned alongside list results.
// EffectiveTopK is set only when a search request's top_k exceeded the
// maximum and was clamped, so callers can see the value actually
// applied.
type Page struct {
	CurrentPage   int  `json:"current_page"`
	PageSize      int  `json:"page_size"`
	TotalItems    int  `json:"total_agents"`
	TotalPages    int  `json:"total_pages"`
	HasNext       bool `json:"has_next"`
	HasPrev       bool `json:"has_prev"`
	EffectiveTopK int  `json:"effective_top_k,omitempty"`
}
