// Package api assembles the ARCP HTTP surface: a chi router with
// request ID, real IP, recoverer, compression, structured logging and
// CORS middleware in front of the auth provider chain, role-gated
// route groups, and the three WebSocket hub upgrade endpoints.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/0x00K1/arcp/internal/api/handlers"
	apimw "github.com/0x00K1/arcp/internal/api/middleware"
	"github.com/0x00K1/arcp/internal/config"
	"github.com/0x00K1/arcp/internal/metrics"
	"github.com/0x00K1/arcp/pkg/contracts"
	"github.com/0x00K1/arcp/pkg/models"
)

// NewRouter builds the complete ARCP HTTP handler, wired over the
// already-assembled Handlers and auth provider chain.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authChain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(apimw.Telemetry)
	r.Use(apimw.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-Client-Fingerprint", "X-Scrape-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := apimw.NewAuth(authChain)
	r.Use(auth.Handler)

	admin := apimw.RequireRole(models.RoleAdmin)
	agentOrAdmin := apimw.RequireRole(models.RoleAgent, models.RoleAdmin)
	agentOnly := apimw.RequireRole(models.RoleAgent)
	scrapeOnly := apimw.RequireRole(models.RoleScrape)

	r.Method(http.MethodGet, "/health", instrument("health", http.HandlerFunc(h.Health)))

	r.With(scrapeOnly).Method(http.MethodGet, "/metrics/scrape", instrument("metrics_scrape", metrics.Handler()))
	r.With(admin).Method(http.MethodGet, "/metrics", instrument("metrics", http.HandlerFunc(h.Metrics)))

	r.Route("/auth", func(r chi.Router) {
		r.Method(http.MethodPost, "/login", instrument("auth_login", http.HandlerFunc(h.Login)))
		r.Method(http.MethodPost, "/agent/request_temp_token", instrument("auth_request_temp_token", http.HandlerFunc(h.RequestTempToken)))

		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Method(http.MethodPost, "/logout", instrument("auth_logout", http.HandlerFunc(h.Logout)))
			r.Method(http.MethodGet, "/session_status", instrument("auth_session_status", http.HandlerFunc(h.SessionStatus)))
			r.Method(http.MethodPost, "/set_pin", instrument("auth_set_pin", http.HandlerFunc(h.SetPIN)))
			r.Method(http.MethodPost, "/verify_pin", instrument("auth_verify_pin", http.HandlerFunc(h.VerifyPIN)))
			r.Method(http.MethodGet, "/pin_status", instrument("auth_pin_status", http.HandlerFunc(h.PINStatus)))
		})
	})

	r.Route("/agents", func(r chi.Router) {
		r.Method(http.MethodPost, "/register", instrument("agents_register", http.HandlerFunc(h.RegisterAgent)))
		r.Get("/ws", h.AgentHub.ServeHTTP)

		r.With(agentOnly).Method(http.MethodPost, "/{id}/heartbeat", instrument("agents_heartbeat", http.HandlerFunc(h.Heartbeat)))
		r.With(agentOnly).Method(http.MethodPost, "/{id}/metrics", instrument("agents_metrics", http.HandlerFunc(h.ReportMetrics)))
		r.With(agentOnly).Method(http.MethodPost, "/report-metrics/{id}", instrument("agents_metrics", http.HandlerFunc(h.ReportMetrics)))

		r.With(agentOrAdmin).Method(http.MethodGet, "/{id}", instrument("agents_get", http.HandlerFunc(h.GetAgent)))
		r.With(agentOrAdmin).Method(http.MethodPost, "/search", instrument("agents_search", http.HandlerFunc(h.HandleSearch)))

		r.With(admin).Method(http.MethodGet, "/", instrument("agents_list", http.HandlerFunc(h.ListAgents)))
		r.With(admin).Method(http.MethodDelete, "/{id}", instrument("agents_unregister", http.HandlerFunc(h.UnregisterAgent)))
	})

	r.Route("/public", func(r chi.Router) {
		r.Method(http.MethodGet, "/discover", instrument("public_discover", http.HandlerFunc(h.PublicDiscover)))
		r.Method(http.MethodPost, "/search", instrument("public_search", http.HandlerFunc(h.PublicSearch)))
		r.Method(http.MethodPost, "/connect/{id}", instrument("public_connect", http.HandlerFunc(h.Connect)))
		r.Get("/ws", h.PublicHub.ServeHTTP)
	})

	r.Get("/dashboard/ws", h.DashboardHub.ServeHTTP)

	return r
}

func instrument(route string, next http.Handler) http.Handler {
	return metrics.InstrumentRoute(route, next)
}
