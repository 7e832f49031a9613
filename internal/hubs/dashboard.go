package hubs

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/alerts"
	"github.com/0x00K1/arcp/internal/metrics"
	"github.com/0x00K1/arcp/internal/obslog"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/pkg/models"
)

// DashboardConfig tunes the dashboard hub's (small) connection ceiling
// and handshake deadline.
type DashboardConfig struct {
	MaxConnections int
	PingInterval   time.Duration
	AuthDeadline   time.Duration
	PongWarnAt     int
	PongCloseAt    int
}

// dashboardConn tracks per-connection pause state alongside the shared
// connection type — monitoring/health/agents/logs pushes are withheld
// while paused, but alert and ack frames still flow.
type dashboardConn struct {
	*connection
	mu     sync.Mutex
	paused bool
}

func (d *dashboardConn) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *dashboardConn) setPaused(v bool) {
	d.mu.Lock()
	d.paused = v
	d.mu.Unlock()
}

// DashboardHub streams monitoring/health/agents/logs/alert frames to
// authenticated admin clients and accepts their control frames
// (pause/resume/refresh/clear).
type DashboardHub struct {
	cfg      DashboardConfig
	upgrader websocket.Upgrader
	registry *registry.Registry
	tokens   TokenValidator
	alerts   *alerts.Buffer
	logs     *obslog.Buffer

	mu    sync.Mutex
	conns map[*dashboardConn]struct{}
}

// NewDashboardHub wires the dashboard hub from its collaborators.
func NewDashboardHub(reg *registry.Registry, tokens TokenValidator, alertBuf *alerts.Buffer, logBuf *obslog.Buffer, cfg DashboardConfig) *DashboardHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 5
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.AuthDeadline <= 0 {
		cfg.AuthDeadline = 10 * time.Second
	}
	return &DashboardHub{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		registry: reg,
		tokens:   tokens,
		alerts:   alertBuf,
		logs:     logBuf,
		conns:    make(map[*dashboardConn]struct{}),
	}
}

type dashboardAuthFrame struct {
	Token       string `json:"token"`
	Fingerprint string `json:"fingerprint"`
}

// ServeHTTP upgrades the request, authenticates the admin handshake,
// then runs the connection's read loop.
func (h *DashboardHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("dashboard hub: upgrade failed")
		return
	}

	base := newConnectionWithThresholds(ws, DefaultQueueSize, h.cfg.PongWarnAt, h.cfg.PongCloseAt)
	base.Send(NewFrame("auth_required", nil), true)

	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.AuthDeadline))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return
	}
	var af dashboardAuthFrame
	if err := json.Unmarshal(payload, &af); err != nil || af.Token == "" {
		_ = ws.Close()
		return
	}
	principal, err := h.tokens.Validate(r.Context(), af.Token, af.Fingerprint)
	if err != nil || principal.Role != models.RoleAdmin {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	conn := &dashboardConn{connection: base}

	h.mu.Lock()
	if len(h.conns) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "dashboard hub at capacity"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	conn.onClose = func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		metrics.WSConnectionsCurrent.WithLabelValues("dashboard").Dec()
	}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnectionsCurrent.WithLabelValues("dashboard").Inc()

	go conn.writeLoop(h.cfg.PingInterval)
	h.sendInitial(r.Context(), conn)
	h.readLoop(r.Context(), conn)
}

func (h *DashboardHub) sendInitial(ctx context.Context, conn *dashboardConn) {
	conn.Send(NewFrame("agents", h.agentsPayload(ctx)), false)
	conn.Send(NewFrame("logs", map[string]interface{}{"entries": h.logs.Tail(200)}), false)
}

func (h *DashboardHub) agentsPayload(ctx context.Context) map[string]interface{} {
	agents, _, err := h.registry.List(ctx, models.SearchFilters{}, 1, 1000)
	if err != nil {
		return map[string]interface{}{"agents": []models.Agent{}}
	}
	return map[string]interface{}{"agents": agents}
}

func (h *DashboardHub) readLoop(ctx context.Context, conn *dashboardConn) {
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
			log.Debug().Err(err).Msg("dashboard hub: dropping malformed frame")
			continue
		}
		h.handleControlFrame(ctx, conn, frame)
	}
}

func (h *DashboardHub) handleControlFrame(ctx context.Context, conn *dashboardConn, frame Frame) {
	switch frame.Type {
	case "pause_monitoring":
		conn.setPaused(true)
		conn.Send(NewFrame("pause_monitoring_ack", nil), true)
	case "resume_monitoring":
		conn.setPaused(false)
		conn.Send(NewFrame("resume_monitoring_ack", nil), true)
	case "refresh_request":
		conn.Send(NewFrame("agents", h.agentsPayload(ctx)), false)
		conn.Send(NewFrame("refresh_request_ack", nil), true)
	case "agents_request":
		conn.Send(NewFrame("agents", h.agentsPayload(ctx)), false)
		conn.Send(NewFrame("agents_request_ack", nil), true)
	case "clear_logs":
		h.logs.Clear()
		conn.Send(NewFrame("clear_logs_ack", nil), true)
	case "clear_alerts":
		h.alerts.Clear()
		conn.Send(NewFrame("clear_alerts_ack", nil), true)
	case "dashboard_log":
		h.logs.Append(models.LogInfo, frameString(frame.Data), "dashboard")
		conn.Send(NewFrame("dashboard_log_ack", nil), true)
	case "dashboard_alert":
		if a, ok := h.alerts.Raise("dashboard", models.SeverityInfo, "Dashboard alert", frameString(frame.Data), "dashboard", ""); ok {
			h.BroadcastAlert(a)
		}
		conn.Send(NewFrame("dashboard_alert_ack", nil), true)
	case "ping":
		conn.Send(NewFrame("pong", nil), false)
	case "pong":
		conn.NotePong()
	default:
		log.Debug().Str("type", frame.Type).Msg("dashboard hub: unknown frame type")
	}
}

func frameString(data interface{}) string {
	if s, ok := data.(string); ok {
		return s
	}
	raw, _ := json.Marshal(data)
	return string(raw)
}

// BroadcastMonitoring pushes a monitoring frame (system + per-agent
// metrics) to every non-paused connection. Called by the Sweeper every
// tick.
func (h *DashboardHub) BroadcastMonitoring(payload interface{}) {
	h.broadcastUnlessPaused(NewFrame("monitoring", payload), false)
}

// BroadcastHealth pushes a health frame (component statuses).
func (h *DashboardHub) BroadcastHealth(payload interface{}) {
	h.broadcastUnlessPaused(NewFrame("health", payload), false)
}

// BroadcastAgents pushes the full agent list.
func (h *DashboardHub) BroadcastAgents(ctx context.Context) {
	h.broadcastUnlessPaused(NewFrame("agents", h.agentsPayload(ctx)), false)
}

// BroadcastLogs pushes a tail of the bounded log buffer to every
// non-paused connection.
func (h *DashboardHub) BroadcastLogs(n int) {
	h.broadcastUnlessPaused(NewFrame("logs", map[string]interface{}{"entries": h.logs.Tail(n)}), false)
}

// BroadcastAlert pushes a newly raised alert to every connection
// regardless of pause state when it is critical; critical alerts are
// never withheld by pause/resume.
func (h *DashboardHub) BroadcastAlert(alert models.Alert) {
	critical := alert.Severity == models.SeverityCritical
	f := NewFrame("alert", alert)
	h.mu.Lock()
	conns := make([]*dashboardConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	sent := 0
	for _, c := range conns {
		if critical || !c.Paused() {
			c.Send(f, critical)
			sent++
		}
	}
	metrics.WSMessagesTotal.WithLabelValues("dashboard", "out").Add(float64(sent))
}

func (h *DashboardHub) broadcastUnlessPaused(f Frame, critical bool) {
	h.mu.Lock()
	conns := make([]*dashboardConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	sent := 0
	for _, c := range conns {
		if !c.Paused() {
			c.Send(f, critical)
			sent++
		}
	}
	metrics.WSMessagesTotal.WithLabelValues("dashboard", "out").Add(float64(sent))
}

// Count reports the number of currently connected dashboard clients,
// for /health.
func (h *DashboardHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
