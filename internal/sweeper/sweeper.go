// Package sweeper runs the background monitoring loop: it ages stale
// agents to dead, aggregates registry and host-resource statistics,
// evaluates alert rules, and pushes the results to the real-time hubs.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/alerts"
	"github.com/0x00K1/arcp/internal/metrics"
	"github.com/0x00K1/arcp/internal/obslog"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/pkg/models"
)

// Thresholds above which the sweeper raises a resource alert.
const (
	cpuWarnPercent    = 85.0
	memoryWarnPercent = 90.0
	diskWarnPercent   = 90.0

	// defaultMaxConsecutiveFailures is how many tick failures in a row
	// escalate from a logged warning to a critical dashboard alert.
	defaultMaxConsecutiveFailures = 3
)

// DashboardBroadcaster is the subset of hubs.DashboardHub the sweeper
// depends on, kept narrow so this package never imports internal/hubs.
type DashboardBroadcaster interface {
	BroadcastMonitoring(payload interface{})
	BroadcastHealth(payload interface{})
	BroadcastLogs(n int)
	BroadcastAlert(alert models.Alert)
}

// PublicBroadcaster is the subset of hubs.PublicHub the sweeper pushes
// aggregate stats through.
type PublicBroadcaster interface {
	BroadcastStats(stats registry.Stats)
}

// Sweeper owns the periodic registry-aging and monitoring tick.
type Sweeper struct {
	registry  *registry.Registry
	alertBuf  *alerts.Buffer
	logBuf    *obslog.Buffer
	dashboard DashboardBroadcaster
	public    PublicBroadcaster

	interval               time.Duration
	maxConsecutiveFailures int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	failures int

	// Prior-tick snapshot used to derive the current request rate.
	prevTotalRequests int64
	prevTickAt        time.Time
}

// New builds a Sweeper from its collaborators. interval is typically
// config.SweeperInterval() (heartbeat_timeout/2, clamped to >=15s).
func New(reg *registry.Registry, alertBuf *alerts.Buffer, logBuf *obslog.Buffer, dashboard DashboardBroadcaster, public PublicBroadcaster, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		registry:               reg,
		alertBuf:               alertBuf,
		logBuf:                 logBuf,
		dashboard:              dashboard,
		public:                 public,
		interval:               interval,
		maxConsecutiveFailures: defaultMaxConsecutiveFailures,
		stopCh:                 make(chan struct{}),
	}
}

// Start begins the sweep loop in its own goroutine. Calling Start
// twice without an intervening Stop is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	log.Info().Dur("interval", s.interval).Msg("sweeper started")
	go s.loop(ctx)
}

// Stop gracefully shuts the loop down.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Info().Msg("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one full sweep: age expired agents, aggregate stats,
// sample host resources, evaluate alert rules, and broadcast.
func (s *Sweeper) tick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.SweepTickDuration.Observe(time.Since(start).Seconds()) }()

	if err := s.runTick(ctx); err != nil {
		s.failures++
		log.Warn().Err(err).Int("consecutive_failures", s.failures).Msg("sweeper tick failed")
		if s.failures >= s.maxConsecutiveFailures {
			if a, ok := s.alertBuf.Raise("sweeper_unhealthy", models.SeverityCritical,
				"Sweeper degraded",
				fmt.Sprintf("%d consecutive sweep ticks have failed", s.failures),
				"sweeper", "sweeper_unhealthy"); ok {
				s.dashboard.BroadcastAlert(a)
			}
		}
		return
	}
	s.failures = 0
}

func (s *Sweeper) runTick(ctx context.Context) error {
	transitioned, err := s.registry.SweepExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep expired agents: %w", err)
	}
	for _, agent := range transitioned {
		s.logBuf.Append(models.LogWarn, fmt.Sprintf("agent %s marked dead (missed heartbeat)", agent.AgentID), "sweeper")
		if a, ok := s.alertBuf.Raise("agent_dead", models.SeverityWarning,
			"Agent went offline",
			fmt.Sprintf("agent %s stopped sending heartbeats", agent.AgentID),
			"sweeper", agent.AgentID); ok {
			s.dashboard.BroadcastAlert(a)
		}
	}

	stats, err := s.registry.Stats(ctx)
	if err != nil {
		return fmt.Errorf("aggregate stats: %w", err)
	}

	// Request rate is the derivative of total_requests between ticks.
	now := time.Now()
	if !s.prevTickAt.IsZero() {
		if dt := now.Sub(s.prevTickAt).Seconds(); dt > 0 {
			delta := stats.TotalRequest - s.prevTotalRequests
			if delta < 0 {
				// The counter can step backward when agents unregister.
				delta = 0
			}
			stats.RequestRate = float64(delta) / dt
		}
	}
	s.prevTotalRequests = stats.TotalRequest
	s.prevTickAt = now

	resources := probeResources()
	s.evaluateResourceAlerts(resources)

	s.public.BroadcastStats(stats)
	s.dashboard.BroadcastLogs(200)
	s.dashboard.BroadcastMonitoring(monitoringPayload{Stats: stats, Resources: resources})
	s.dashboard.BroadcastHealth(healthPayload{
		Resources:    resources,
		AgentsAlive:  stats.AliveAgents,
		AgentsDead:   stats.DeadAgents,
		RecentAlerts: s.alertBuf.Recent(10),
	})
	return nil
}

func (s *Sweeper) evaluateResourceAlerts(r ResourceSnapshot) {
	if r.CPUPercent >= cpuWarnPercent {
		if a, ok := s.alertBuf.Raise("high_cpu", models.SeverityWarning, "High CPU utilization",
			fmt.Sprintf("host CPU at %.1f%%", r.CPUPercent), "sweeper", "high_cpu"); ok {
			s.dashboard.BroadcastAlert(a)
		}
	}
	if r.MemoryPercent >= memoryWarnPercent {
		if a, ok := s.alertBuf.Raise("high_memory", models.SeverityWarning, "High memory utilization",
			fmt.Sprintf("host memory at %.1f%%", r.MemoryPercent), "sweeper", "high_memory"); ok {
			s.dashboard.BroadcastAlert(a)
		}
	}
	if r.DiskPercent >= diskWarnPercent {
		if a, ok := s.alertBuf.Raise("high_disk", models.SeverityWarning, "High disk utilization",
			fmt.Sprintf("disk at %.1f%%", r.DiskPercent), "sweeper", "high_disk"); ok {
			s.dashboard.BroadcastAlert(a)
		}
	}
}

// monitoringPayload is the `monitoring` frame body pushed to the
// dashboard hub every tick.
type monitoringPayload struct {
	Stats     registry.Stats   `json:"stats"`
	Resources ResourceSnapshot `json:"resources"`
}

// healthPayload is the `health` frame body: a coarser, consumer-facing
// summary of the same tick.
type healthPayload struct {
	Resources    ResourceSnapshot `json:"resources"`
	AgentsAlive  int              `json:"agents_alive"`
	AgentsDead   int              `json:"agents_dead"`
	RecentAlerts []models.Alert   `json:"recent_alerts"`
}
