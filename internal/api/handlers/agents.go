package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/auth"
	"github.com/0x00K1/arcp/internal/metrics"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/internal/search"
	"github.com/0x00K1/arcp/pkg/models"
)

type registerAgentRequest struct {
	models.Agent
	TempToken string `json:"temp_token"`
}

// RegisterAgent consumes a single-use temp token, creates the agent
// record, and returns an agent access token bound to the agent_id and
// the caller's fingerprint.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		problem(w, r, http.StatusBadRequest, "invalid_request", "malformed agent body")
		return
	}

	agent := req.Agent
	saved, err := h.Registry.Register(r.Context(), &agent, req.TempToken)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}

	token, _, exp, err := h.Tokens.Issue(auth.IssueOpts{
		Subject:         saved.AgentID,
		Role:            models.RoleAgent,
		AgentID:         saved.AgentID,
		FingerprintHash: r.Header.Get("X-Client-Fingerprint"),
	})
	if err != nil {
		// The record is already committed; report the mint failure so
		// the agent can retry via a fresh temp token after eviction.
		problem(w, r, http.StatusInternalServerError, "internal_error", "agent registered but token mint failed")
		return
	}

	log.Info().Str("agent_id", saved.AgentID).Str("agent_type", saved.AgentType).Msg("agent registered")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "registered",
		"agent":        saved,
		"access_token": token,
		"expires_at":   exp,
	})
}

// Heartbeat marks the path agent alive and refreshes last_seen. Agents
// may only heartbeat their own record.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := urlParam(r, "id")
	if p := principalFrom(r); p == nil || (p.Role == models.RoleAgent && p.AgentID != agentID) {
		problem(w, r, http.StatusForbidden, "forbidden", "agents may only heartbeat their own record")
		return
	}
	if err := h.Registry.Heartbeat(r.Context(), agentID); err != nil {
		writeRegistryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reportMetricsRequest struct {
	ResponseTimeS float64 `json:"response_time_s"`
	Success       bool    `json:"success"`
}

// ReportMetrics folds one request outcome into the agent's rolling
// metrics and reputation score.
func (h *Handlers) ReportMetrics(w http.ResponseWriter, r *http.Request) {
	agentID := urlParam(r, "id")
	if p := principalFrom(r); p == nil || (p.Role == models.RoleAgent && p.AgentID != agentID) {
		problem(w, r, http.StatusForbidden, "forbidden", "agents may only report their own metrics")
		return
	}
	var req reportMetricsRequest
	if err := decodeJSON(r, &req); err != nil {
		problem(w, r, http.StatusBadRequest, "invalid_request", "malformed metrics body")
		return
	}
	m, err := h.Registry.ReportMetrics(r.Context(), agentID, req.ResponseTimeS, req.Success)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// GetAgent returns a single agent record. Agents see their own record
// including metrics; admins see any record including metrics.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := urlParam(r, "id")
	p := principalFrom(r)
	if p == nil {
		problem(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if p.Role == models.RoleAgent && p.AgentID != agentID {
		problem(w, r, http.StatusForbidden, "forbidden", "agents may only read their own record")
		return
	}
	agent, err := h.Registry.Get(r.Context(), agentID, true)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

// ListAgents returns a paginated, admin-only view of every registered
// agent.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	filters := filtersFromQuery(r)
	page, pageSize := pagingFromQuery(r)

	agents, pg, err := h.Registry.List(r.Context(), filters, page, pageSize)
	if err != nil {
		problem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": agents, "page": pg})
}

// UnregisterAgent deletes an agent record. Destructive, so it requires
// a fresh admin PIN (RequirePIN), checked here rather than in the
// router chain since it depends on the caller's own session jti.
func (h *Handlers) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p == nil || p.Role != models.RoleAdmin {
		problem(w, r, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	if err := h.AdminAuth.RequirePIN(r.Context(), p.JTI); err != nil {
		problem(w, r, http.StatusForbidden, "pin_required", "a fresh PIN verification is required for this operation")
		return
	}

	agentID := urlParam(r, "id")
	if err := h.Registry.Unregister(r.Context(), agentID); err != nil {
		writeRegistryError(w, r, err)
		return
	}
	log.Info().Str("agent_id", agentID).Str("principal", p.Subject).Msg("agent unregistered")
	respondJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

type searchRequest struct {
	Query         string               `json:"query"`
	Filters       models.SearchFilters `json:"filters"`
	TopK          *int                 `json:"top_k"`
	MinSimilarity float64              `json:"min_similarity"`
	Weighted      bool                 `json:"weighted"`
	Page          int                  `json:"page"`
	PageSize      int                  `json:"page_size"`
}

// HandleSearch runs a semantic search over the registry for authenticated
// (agent or admin) callers.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	h.runSearch(w, r, "admin")
}

func (h *Handlers) runSearch(w http.ResponseWriter, r *http.Request, surface string) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		problem(w, r, http.StatusBadRequest, "invalid_request", "malformed search body")
		return
	}
	metrics.SearchQueriesTotal.WithLabelValues(surface).Inc()

	results, pg, err := h.Search.Search(r.Context(), req.Query, searchOptions(req))
	if err != nil {
		problem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	metrics.SearchResultsReturned.Observe(float64(len(results)))
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results, "page": pg})
}

func searchOptions(req searchRequest) search.Options {
	return search.Options{
		Filters:       req.Filters,
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
		Weighted:      req.Weighted,
		Page:          req.Page,
		PageSize:      req.PageSize,
	}
}

func writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrDuplicateAgent):
		problem(w, r, http.StatusConflict, "duplicate_agent_id", err.Error())
	case errors.Is(err, registry.ErrTokenInvalid):
		problem(w, r, http.StatusUnauthorized, "token_invalid", err.Error())
	case errors.Is(err, registry.ErrTokenExpired):
		problem(w, r, http.StatusUnauthorized, "token_expired", err.Error())
	case errors.Is(err, registry.ErrTokenAlreadyUsed):
		problem(w, r, http.StatusUnauthorized, "token_already_used", err.Error())
	case errors.Is(err, registry.ErrTypeNotAllowed):
		problem(w, r, http.StatusUnprocessableEntity, "type_not_allowed", err.Error())
	case errors.Is(err, registry.ErrValidationFailed):
		problem(w, r, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, registry.ErrNotFound):
		problem(w, r, http.StatusNotFound, "not_found", err.Error())
	default:
		problem(w, r, http.StatusInternalServerError, "storage_error", err.Error())
	}
}

func filtersFromQuery(r *http.Request) models.SearchFilters {
	q := r.URL.Query()
	f := models.SearchFilters{
		AgentType: q.Get("agent_type"),
		Status:    models.AgentStatus(q.Get("status")),
	}
	if caps := q["capability"]; len(caps) > 0 {
		f.Capabilities = caps
	}
	return f
}

func pagingFromQuery(r *http.Request) (int, int) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return page, pageSize
}
