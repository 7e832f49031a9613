// Package metrics holds ARCP's Prometheus collectors. They are
// registered against a package-owned *prometheus.Registry rather than
// the global default registry, so the module can be embedded into a
// larger process without its metric names colliding with the host's
// own.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every ARCP collector. internal/api wires it into both
// the admin-only /metrics route and the scrape-token /metrics/scrape
// route; nothing in this package touches prometheus.DefaultRegisterer.
var Registry = prometheus.NewRegistry()

var (
	AgentsRegisteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arcp",
			Subsystem: "registry",
			Name:      "agents_registered_total",
			Help:      "Total agent registrations accepted, by agent_type.",
		},
		[]string{"agent_type"},
	)

	AgentsUnregisteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arcp",
			Subsystem: "registry",
			Name:      "agents_unregistered_total",
			Help:      "Total explicit agent unregistrations, by agent_type.",
		},
		[]string{"agent_type"},
	)

	AgentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "arcp",
			Subsystem: "registry",
			Name:      "agents_by_status",
			Help:      "Current registered agent count by status (alive|dead).",
		},
		[]string{"status"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arcp",
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Total heartbeat calls accepted.",
		},
		[]string{"agent_type"},
	)

	SweepTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arcp",
			Subsystem: "sweeper",
			Name:      "transitions_total",
			Help:      "Total alive->dead transitions applied by the sweeper.",
		},
		[]string{"agent_type"},
	)

	SweepTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "arcp",
			Subsystem: "sweeper",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one sweeper tick.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	SearchQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arcp",
			Subsystem: "search",
			Name:      "queries_total",
			Help:      "Total search queries, by surface (admin|public).",
		},
		[]string{"surface"},
	)

	SearchResultsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "arcp",
			Subsystem: "search",
			Name:      "results_returned",
			Help:      "Number of candidates returned per search query.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	WSConnectionsCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "arcp",
			Subsystem: "ws",
			Name:      "connections_current",
			Help:      "Current open WebSocket connections, by hub.",
		},
		[]string{"hub"},
	)

	WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arcp",
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "Total WebSocket frames sent, by hub and direction.",
		},
		[]string{"hub", "direction"},
	)

	AlertsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arcp",
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Total alerts raised, by type and severity.",
		},
		[]string{"type", "severity"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arcp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled, by route, method and status.",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arcp",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration, by route and method.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"route", "method"},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arcp",
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Total authentication/authorization rejections, by reason.",
		},
		[]string{"reason"},
	)

	StorageDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "arcp",
			Subsystem: "storage",
			Name:      "degraded",
			Help:      "1 when the storage adapter has fallen back to its in-memory mode, 0 otherwise.",
		},
	)
)

func init() {
	Registry.MustRegister(
		AgentsRegisteredTotal,
		AgentsUnregisteredTotal,
		AgentsByStatus,
		HeartbeatsTotal,
		SweepTransitionsTotal,
		SweepTickDuration,
		SearchQueriesTotal,
		SearchResultsReturned,
		WSConnectionsCurrent,
		WSMessagesTotal,
		AlertsRaisedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthFailuresTotal,
		StorageDegraded,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registry's text-format exposition, used for both
// the admin /metrics route and the scrape-token /metrics/scrape route.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status for HTTP instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentRoute wraps a handler with per-route request count and
// latency observations. routeName is a fixed logical route name (e.g.
// "agents_get"), not the raw path, so templated segments (e.g.
// /agents/{id}) don't fragment the label space.
func InstrumentRoute(routeName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		HTTPRequestsTotal.WithLabelValues(routeName, r.Method, http.StatusText(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(routeName, r.Method).Observe(duration.Seconds())
	})
}
