package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/0x00K1/arcp/pkg/models"
)

// connectTimeout bounds the forwarded connection request the way every
// other outbound call in the control plane is bounded.
const connectTimeout = 30 * time.Second

var connectClient = &http.Client{Timeout: connectTimeout}

// PublicDiscover returns a paginated view of alive agents for
// unauthenticated consumers, the REST counterpart of the public hub's
// agents_update push.
func (h *Handlers) PublicDiscover(w http.ResponseWriter, r *http.Request) {
	filters := filtersFromQuery(r)
	filters.Status = models.AgentStatusAlive
	page, pageSize := pagingFromQuery(r)

	agents, pg, err := h.Registry.List(r.Context(), filters, page, pageSize)
	if err != nil {
		problem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": agents, "page": pg})
}

// PublicSearch runs the same semantic search engine as the
// authenticated Search handler, for anonymous discovery callers.
func (h *Handlers) PublicSearch(w http.ResponseWriter, r *http.Request) {
	h.runSearch(w, r, "public")
}

type connectRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// Connect forwards a connection handshake to the target agent's
// advertised endpoint and relays its response verbatim. Proof of
// possession beyond reachability is left to the target agent.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	agentID := urlParam(r, "id")
	agent, err := h.Registry.Get(r.Context(), agentID, false)
	if err != nil {
		writeRegistryError(w, r, err)
		return
	}
	if agent.Status != models.AgentStatusAlive {
		problem(w, r, http.StatusConflict, "agent_unreachable", "target agent is not currently alive")
		return
	}

	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		problem(w, r, http.StatusBadRequest, "invalid_request", "malformed connect body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	upstream, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint, bytes.NewReader(req.Payload))
	if err != nil {
		problem(w, r, http.StatusInternalServerError, "internal_error", "failed to build upstream request")
		return
	}
	upstream.Header.Set("Content-Type", "application/json")
	upstream.Header.Set("X-ARCP-Agent-ID", agentID)

	resp, err := connectClient.Do(upstream)
	if err != nil {
		problem(w, r, http.StatusInternalServerError, "connection_failed", "failed to reach target agent")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		problem(w, r, http.StatusInternalServerError, "connection_failed", "failed to read agent response")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}
