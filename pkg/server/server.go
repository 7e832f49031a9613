// Package server provides the public entry point for initializing the
// ARCP control plane server. It exists in pkg/ (not internal/) so a
// downstream repo can import it and compose the full server with its
// own overrides.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/0x00K1/arcp/internal/alerts"
	"github.com/0x00K1/arcp/internal/api"
	"github.com/0x00K1/arcp/internal/api/handlers"
	"github.com/0x00K1/arcp/internal/auth"
	"github.com/0x00K1/arcp/internal/config"
	"github.com/0x00K1/arcp/internal/embedder"
	"github.com/0x00K1/arcp/internal/hubs"
	"github.com/0x00K1/arcp/internal/obslog"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/internal/search"
	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/internal/sweeper"
	"github.com/0x00K1/arcp/internal/telemetry"
	"github.com/0x00K1/arcp/pkg/models"
)

// Server bundles the assembled HTTP handler with the collaborators
// main.go needs direct access to for startup logging and shutdown.
type Server struct {
	Handler http.Handler
	Port    int

	Storage storage.Adapter
	Sweeper *sweeper.Sweeper

	cancel          context.CancelFunc
	shutdownTracing func(context.Context) error
}

// New builds the composition root from process configuration: loads
// config.Load(), opens the storage adapter, wires the embedder
// registry, the Registry/Engine, the full auth stack, the alert/log
// buffers, the three WS hubs, the sweeper, and finally the router.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig is New with an already-loaded Config, letting tests
// and downstream composition roots override defaults.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	runCtx, cancel := context.WithCancel(ctx)

	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("server: init telemetry: %w", err)
	}

	store := storage.Open(runCtx, cfg.RedisURL)

	embedders := embedder.NewRegistry()
	embedders.Register("hash", embedder.NewHashEmbedder(cfg.Embedder.Dim))
	if cfg.Embedder.Endpoint != "" {
		httpEmb := embedder.NewHTTPEmbedder(cfg.Embedder.APIKey, "text-embedding-3-small", cfg.Embedder.Dim,
			embedder.WithEndpoint(cfg.Embedder.Endpoint))
		embedders.Register("http", httpEmb)
		if err := embedders.SetPrimary("http"); err != nil {
			cancel()
			return nil, fmt.Errorf("server: select embedding driver: %w", err)
		}
	}
	emb := embedders.Default()

	sessions := auth.NewSessions(store)
	jwtExpiry := time.Duration(cfg.JWT.ExpireMinutes) * time.Minute
	tokens, err := auth.NewTokenIssuer([]byte(cfg.JWT.Secret), cfg.JWT.Algorithm, jwtExpiry, sessions)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("server: %w", err)
	}

	// ADMIN_PASSWORD_HASH wins; a plaintext ADMIN_PASSWORD is hashed at
	// startup so the comparison path is always against a bcrypt hash.
	passwordHash := cfg.AdminPasswordHash
	if passwordHash == "" && cfg.AdminPassword != "" {
		passwordHash, err = auth.HashPassword(cfg.AdminPassword)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("server: hash admin password: %w", err)
		}
	}

	ledger := auth.NewLoginAttemptLedger(store, cfg.RateLimit.SessionTimeout, 0, 0, 0, 0)
	adminAuth := auth.NewAdminAuth(auth.AdminCredentials{
		Username:     cfg.AdminUsername,
		PasswordHash: passwordHash,
	}, tokens, sessions, ledger)

	tempTokens := auth.NewTempTokens(store, 15*time.Minute)
	agentKeys := auth.NewAgentKeys(cfg.AgentKeys)
	tempTokenLimiter := auth.NewFixedWindowLimiter(store, cfg.RateLimit.RPM, time.Minute)
	burstLimiter := auth.NewBurstLimiter(float64(cfg.RateLimit.RPM)/60, cfg.RateLimit.Burst)

	authChain := auth.NewProviderChain(
		auth.NewScrapeProvider(cfg.MetricsScrapeToken),
		auth.NewBearerProvider(tokens),
	)

	reg := registry.New(store, emb, tempTokens, registry.Config{
		HeartbeatTimeout:  cfg.AgentHeartbeatTimeout,
		AllowedAgentTypes: cfg.AllowedAgentTypes,
	})
	engine := search.New(reg, emb)

	alertBuf := alerts.NewBuffer(0, 0)
	logBuf := obslog.NewBuffer(0, 0)
	if err := alertBuf.Persist(runCtx, store); err != nil {
		log.Warn().Err(err).Msg("could not load persisted alerts, starting empty")
	}
	if err := logBuf.Persist(runCtx, store); err != nil {
		log.Warn().Err(err).Msg("could not load persisted logs, starting empty")
	}

	publicHub := hubs.NewPublicHub(reg, engine, hubs.PublicConfig{
		MaxConnections: cfg.WS.PublicMaxConn,
		PingInterval:   cfg.WS.PingInterval,
		PongWarnAt:     3,
		PongCloseAt:    5,
	})
	agentHub := hubs.NewAgentHub(reg, tokens, hubs.AgentConfig{
		MaxConnections: cfg.WS.AgentMaxConn,
		PingInterval:   cfg.WS.PingInterval,
		PongWarnAt:     3,
		PongCloseAt:    5,
	})
	dashboardHub := hubs.NewDashboardHub(reg, tokens, alertBuf, logBuf, hubs.DashboardConfig{
		MaxConnections: cfg.WS.DashboardMaxConn,
		PingInterval:   cfg.WS.PingInterval,
		PongWarnAt:     3,
		PongCloseAt:    5,
	})

	sw := sweeper.New(reg, alertBuf, logBuf, dashboardHub, publicHub, cfg.SweeperInterval())
	sw.Start(runCtx)

	go fanOutRegistryEvents(runCtx, reg, publicHub, agentHub, dashboardHub)

	h := handlers.New(
		reg, engine, store,
		tokens, sessions, adminAuth, tempTokens, agentKeys, authChain,
		cfg.AllowedAgentTypes, tempTokenLimiter, burstLimiter,
		alertBuf, logBuf,
		publicHub, agentHub, dashboardHub,
	)

	router := api.NewRouter(cfg, h, authChain)

	log.Info().Int("port", cfg.Port).Str("environment", cfg.Environment).Msg("arcp control plane assembled")

	return &Server{
		Handler:         router,
		Port:            cfg.Port,
		Storage:         store,
		Sweeper:         sw,
		cancel:          cancel,
		shutdownTracing: shutdownTracing,
	}, nil
}

// fanOutRegistryEvents subscribes to the Registry's event bus and
// rebroadcasts every mutation to the hubs that hold a live view of the
// agent list.
func fanOutRegistryEvents(ctx context.Context, reg *registry.Registry, publicHub *hubs.PublicHub, agentHub *hubs.AgentHub, dashboardHub *hubs.DashboardHub) {
	ch, cancel := reg.Events().Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case registry.EventRegistered, registry.EventUnregistered, registry.EventHeartbeat, registry.EventStatusChange:
				publicHub.BroadcastAgentsUpdate(ctx)
				agentHub.BroadcastAgentsUpdate(ctx)
				dashboardHub.BroadcastAgents(ctx)
				if ev.Type == registry.EventStatusChange && ev.Agent != nil && ev.Agent.Status == models.AgentStatusDead {
					log.Debug().Str("agent_id", ev.AgentID).Msg("agent transitioned to dead, hubs notified")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the sweeper, flushes pending trace spans, and closes
// the storage adapter — the non-HTTP half of graceful shutdown
// cmd/server drives alongside http.Server.Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Sweeper.Stop()
	s.cancel()
	if err := s.shutdownTracing(ctx); err != nil {
		log.Warn().Err(err).Msg("error flushing telemetry")
	}
	return s.Storage.Close()
}
