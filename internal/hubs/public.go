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
	"github.com/0x00K1/arcp/internal/search"
	"github.com/0x00K1/arcp/pkg/models"
)

// PublicConfig tunes the public hub's limits and cadences.
type PublicConfig struct {
	MaxConnections int
	PingInterval   time.Duration
	PongWarnAt     int
	PongCloseAt    int
}

// PublicHub serves unauthenticated discovery consumers: a welcome
// frame on connect, periodic stats/discovery pushes, and an
// `agents_update` push on registry change. Ping/pong here is the
// plain-text "ping"/"pong" pair; JSON {type: ping} frames are honored
// too.
type PublicHub struct {
	cfg      PublicConfig
	upgrader websocket.Upgrader
	registry *registry.Registry
	search   *search.Engine

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// NewPublicHub wires the public hub from the Registry and Search
// Engine it reports on.
func NewPublicHub(reg *registry.Registry, eng *search.Engine, cfg PublicConfig) *PublicHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &PublicHub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		registry: reg,
		search:   eng,
		conns:    make(map[*connection]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the connection's reader loop
// until it exits, at which point the writer loop and registration are
// torn down too.
func (h *PublicHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("public hub: upgrade failed")
		return
	}

	h.mu.Lock()
	if len(h.conns) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "public hub at capacity"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	conn := newConnectionWithThresholds(ws, DefaultQueueSize, h.cfg.PongWarnAt, h.cfg.PongCloseAt)
	conn.onClose = func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		metrics.WSConnectionsCurrent.WithLabelValues("public").Dec()
	}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnectionsCurrent.WithLabelValues("public").Inc()

	go conn.writeLoop(h.cfg.PingInterval)

	conn.Send(NewFrame("welcome", map[string]string{"service": "arcp", "hub": "public"}), true)
	h.readLoop(r.Context(), conn)
}

func (h *PublicHub) readLoop(ctx context.Context, conn *connection) {
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
			log.Debug().Err(err).Msg("public hub: dropping malformed frame")
			continue
		}
		switch frame.Type {
		case "ping":
			conn.Send(NewFrame("pong", nil), false)
		case "pong":
			conn.NotePong()
		case "get_discovery":
			h.handleDiscoveryRequest(ctx, conn, frame)
		default:
			log.Debug().Str("type", frame.Type).Msg("public hub: unknown frame type")
		}
	}
}

type discoveryRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func (h *PublicHub) handleDiscoveryRequest(ctx context.Context, conn *connection, frame Frame) {
	var req discoveryRequest
	if raw, err := json.Marshal(frame.Data); err == nil {
		_ = json.Unmarshal(raw, &req)
	}
	agents, page, err := h.registry.List(ctx, models.SearchFilters{Status: models.AgentStatusAlive}, req.Page, req.PageSize)
	if err != nil {
		conn.Send(NewFrame("error", map[string]string{"detail": "discovery query failed"}), false)
		return
	}
	conn.Send(NewFrame("discovery_data", map[string]interface{}{"agents": agents, "page": page}), false)
}

// BroadcastAgentsUpdate pushes the current alive-agent list to every
// connected client, called by the Registry's event subscriber loop
// (composition root) on registered/unregistered/heartbeat events.
func (h *PublicHub) BroadcastAgentsUpdate(ctx context.Context) {
	agents, _, err := h.registry.List(ctx, models.SearchFilters{Status: models.AgentStatusAlive}, 1, 1000)
	if err != nil {
		return
	}
	h.broadcast(NewFrame("agents_update", map[string]interface{}{"agents": agents}), false)
}

// BroadcastStats pushes a stats_update frame, called by the Sweeper on
// every tick.
func (h *PublicHub) BroadcastStats(stats registry.Stats) {
	h.broadcast(NewFrame("stats_update", stats), false)
}

func (h *PublicHub) broadcast(f Frame, critical bool) {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Send(f, critical)
	}
	metrics.WSMessagesTotal.WithLabelValues("public", "out").Add(float64(len(conns)))
}

// Count reports the number of currently connected clients, for /health.
func (h *PublicHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
