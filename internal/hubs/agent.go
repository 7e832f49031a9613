package hubs

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/metrics"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/pkg/contracts"
	"github.com/0x00K1/arcp/pkg/models"
)

// AgentConfig tunes the agent hub's limits, cadence and handshake
// deadline.
type AgentConfig struct {
	MaxConnections int
	PingInterval   time.Duration
	AuthDeadline   time.Duration
	PongWarnAt     int
	PongCloseAt    int
}

// AgentHub streams registry updates to registered agents after an
// authenticated handshake: the server sends {type: auth_required} and
// expects a {token} reply within AuthDeadline.
type AgentHub struct {
	cfg      AgentConfig
	upgrader websocket.Upgrader
	registry *registry.Registry
	tokens   TokenValidator

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// TokenValidator is the subset of auth.TokenIssuer the hubs depend on,
// kept as a narrow interface so this package never imports internal/auth.
type TokenValidator interface {
	Validate(ctx context.Context, token, fingerprintHash string) (*contracts.Principal, error)
}

// NewAgentHub wires the agent hub from the Registry it streams and the
// token validator used for its handshake.
func NewAgentHub(reg *registry.Registry, tokens TokenValidator, cfg AgentConfig) *AgentHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.AuthDeadline <= 0 {
		cfg.AuthDeadline = 10 * time.Second
	}
	return &AgentHub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		registry: reg,
		tokens:   tokens,
		conns:    make(map[*connection]struct{}),
	}
}

type authFrame struct {
	Token string `json:"token"`
}

// ServeHTTP upgrades the request, runs the auth handshake, then the
// connection's read loop.
func (h *AgentHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("agent hub: upgrade failed")
		return
	}

	conn := newConnectionWithThresholds(ws, DefaultQueueSize, h.cfg.PongWarnAt, h.cfg.PongCloseAt)
	conn.Send(NewFrame("auth_required", nil), true)

	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.AuthDeadline))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return
	}
	var af authFrame
	if err := json.Unmarshal(payload, &af); err != nil || af.Token == "" {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth required"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	principal, err := h.tokens.Validate(r.Context(), af.Token, "")
	if err != nil || principal.Role != models.RoleAgent {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	h.mu.Lock()
	if len(h.conns) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "agent hub at capacity"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	conn.onClose = func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		metrics.WSConnectionsCurrent.WithLabelValues("agent").Dec()
	}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnectionsCurrent.WithLabelValues("agent").Inc()

	go conn.writeLoop(h.cfg.PingInterval)

	h.sendAgentList(r.Context(), conn)
	h.readLoop(conn)
}

func (h *AgentHub) sendAgentList(ctx context.Context, conn *connection) {
	agents, _, err := h.registry.List(ctx, models.SearchFilters{}, 1, 1000)
	if err != nil {
		return
	}
	conn.Send(NewFrame("agents", map[string]interface{}{"agents": agents}), false)
}

func (h *AgentHub) readLoop(conn *connection) {
	defer conn.Close(websocket.CloseNormalClosure, "")

	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if string(payload) == "ping" {
			conn.SendRaw([]byte("pong"), false)
			continue
		}
		if string(payload) == "pong" {
			conn.NotePong()
			continue
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "ping":
			conn.Send(NewFrame("pong", nil), false)
		case "pong":
			conn.NotePong()
		default:
			log.Debug().Str("type", frame.Type).Msg("agent hub: unknown frame type")
		}
	}
}

// BroadcastAgentsUpdate pushes an incremental agents snapshot to every
// connected agent, called on registry mutation events.
func (h *AgentHub) BroadcastAgentsUpdate(ctx context.Context) {
	agents, _, err := h.registry.List(ctx, models.SearchFilters{}, 1, 1000)
	if err != nil {
		return
	}
	h.broadcast(NewFrame("agents_update", map[string]interface{}{"agents": agents}), false)
}

func (h *AgentHub) broadcast(f Frame, critical bool) {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Send(f, critical)
	}
	metrics.WSMessagesTotal.WithLabelValues("agent", "out").Add(float64(len(conns)))
}

// Count reports the number of currently connected agents, for /health.
func (h *AgentHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
