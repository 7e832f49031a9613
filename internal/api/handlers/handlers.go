// Package handlers implements ARCP's HTTP surface: agent lifecycle,
// admin/agent authentication, discovery/search, and connection
// handoff. One Handlers struct holds every collaborator the router
// needs, assembled once in the composition root.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/0x00K1/arcp/internal/alerts"
	apimw "github.com/0x00K1/arcp/internal/api/middleware"
	"github.com/0x00K1/arcp/internal/auth"
	"github.com/0x00K1/arcp/internal/hubs"
	"github.com/0x00K1/arcp/internal/metrics"
	"github.com/0x00K1/arcp/internal/obslog"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/internal/search"
	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/pkg/contracts"
	pkgmw "github.com/0x00K1/arcp/pkg/middleware"
	"github.com/0x00K1/arcp/pkg/models"
)

// Handlers holds every collaborator the HTTP surface reads from or
// writes to, assembled once in the composition root and threaded
// through the router.
type Handlers struct {
	Registry *registry.Registry
	Search   *search.Engine
	Storage  storage.Adapter

	Tokens     *auth.TokenIssuer
	Sessions   *auth.Sessions
	AdminAuth  *auth.AdminAuth
	TempTokens *auth.TempTokens
	AgentKeys  *auth.AgentKeys
	AuthChain  *auth.ProviderChain

	AllowedAgentTypes map[string]struct{}
	TempTokenLimiter  *auth.FixedWindowLimiter
	BurstLimiter      *auth.BurstLimiter

	Alerts *alerts.Buffer
	Logs   *obslog.Buffer

	PublicHub    *hubs.PublicHub
	AgentHub     *hubs.AgentHub
	DashboardHub *hubs.DashboardHub

	startedAt time.Time
}

// New assembles a Handlers instance from its collaborators.
func New(
	reg *registry.Registry,
	eng *search.Engine,
	store storage.Adapter,
	tokens *auth.TokenIssuer,
	sessions *auth.Sessions,
	adminAuth *auth.AdminAuth,
	tempTokens *auth.TempTokens,
	agentKeys *auth.AgentKeys,
	authChain *auth.ProviderChain,
	allowedAgentTypes map[string]struct{},
	tempTokenLimiter *auth.FixedWindowLimiter,
	burstLimiter *auth.BurstLimiter,
	alertBuf *alerts.Buffer,
	logBuf *obslog.Buffer,
	publicHub *hubs.PublicHub,
	agentHub *hubs.AgentHub,
	dashboardHub *hubs.DashboardHub,
) *Handlers {
	return &Handlers{
		Registry:          reg,
		Search:            eng,
		Storage:           store,
		Tokens:            tokens,
		Sessions:          sessions,
		AdminAuth:         adminAuth,
		TempTokens:        tempTokens,
		AgentKeys:         agentKeys,
		AuthChain:         authChain,
		AllowedAgentTypes: allowedAgentTypes,
		TempTokenLimiter:  tempTokenLimiter,
		BurstLimiter:      burstLimiter,
		Alerts:            alertBuf,
		Logs:              logBuf,
		PublicHub:         publicHub,
		AgentHub:          agentHub,
		DashboardHub:      dashboardHub,
		startedAt:         time.Now().UTC(),
	}
}

// healthComponent is one entry in the /health component summary.
type healthComponent struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	UptimeS    float64           `json:"uptime_s"`
	Components []healthComponent `json:"components"`
}

// Health reports liveness plus a per-component health summary: storage
// reachability, the degraded-mode flag, and hub connection counts.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	components := make([]healthComponent, 0, 4)

	storageOK := h.Storage.Ping(r.Context()) == nil
	detail := "connected"
	if h.Storage.Degraded() {
		detail = "degraded (in-memory fallback)"
	}
	components = append(components, healthComponent{Name: "storage", Healthy: storageOK, Detail: detail})

	components = append(components, healthComponent{
		Name:    "public_hub",
		Healthy: true,
		Detail:  itoa(h.PublicHub.Count()) + " connections",
	})
	components = append(components, healthComponent{
		Name:    "agent_hub",
		Healthy: true,
		Detail:  itoa(h.AgentHub.Count()) + " connections",
	})
	components = append(components, healthComponent{
		Name:    "dashboard_hub",
		Healthy: true,
		Detail:  itoa(h.DashboardHub.Count()) + " connections",
	})

	status := "healthy"
	for _, c := range components {
		if !c.Healthy {
			status = "degraded"
			break
		}
	}

	respondJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		UptimeS:    time.Since(h.startedAt).Seconds(),
		Components: components,
	})
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// Metrics serves the Prometheus exposition for admin operators who
// don't hold a scrape token, gated behind the same fresh-PIN
// admission check as UnregisterAgent.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p == nil || p.Role != models.RoleAdmin {
		problem(w, r, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	if err := h.AdminAuth.RequirePIN(r.Context(), p.JTI); err != nil {
		problem(w, r, http.StatusForbidden, "pin_required", "a fresh PIN verification is required for this operation")
		return
	}
	metrics.Handler().ServeHTTP(w, r)
}

// ── shared response helpers ──────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func problem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	apimw.WriteProblem(w, r, status, title, detail)
}

func problemRetryAfter(w http.ResponseWriter, r *http.Request, status int, title, detail string, retryAfter time.Duration) {
	apimw.WriteProblemRetryAfter(w, r, status, title, detail, int(retryAfter.Seconds()))
}

func principalFrom(r *http.Request) *contracts.Principal {
	return pkgmw.GetPrincipal(r.Context())
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func logRequestOutcome(event *zerolog.Event, r *http.Request, principal *contracts.Principal) *zerolog.Event {
	e := event.Str("source_ip", clientIP(r))
	if principal != nil {
		e = e.Str("principal", principal.Subject).Str("role", string(principal.Role))
	}
	return e
}
