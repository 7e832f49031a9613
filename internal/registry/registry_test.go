package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/0x00K1/arcp/internal/embedder"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/pkg/models"
)

type fakeTempTokens struct {
	err error
}

func (f *fakeTempTokens) Consume(_ context.Context, _, _, _ string) error { return f.err }

func newTestRegistry(t *testing.T, tempErr error) *registry.Registry {
	t.Helper()
	adapter := storage.NewMemoryAdapter(false)
	emb := embedder.NewHashEmbedder(16)
	cfg := registry.Config{HeartbeatTimeout: 90 * time.Second}
	return registry.New(adapter, emb, &fakeTempTokens{err: tempErr}, cfg)
}

func sampleAgent(id string) *models.Agent {
	return &models.Agent{
		AgentID:      id,
		AgentType:    "worker",
		PublicKey:    "0123456789012345678901234567890123456789",
		Endpoint:     "https://agent.example.com",
		CommMode:     models.CommRemote,
		Capabilities: []string{"summarize", "translate"},
		ContextBrief: "summarizes documents",
	}
}

func TestRegister_Success(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	got, err := r.Register(ctx, sampleAgent("agent-1"), "tok")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got.Status != models.AgentStatusAlive {
		t.Errorf("Status = %v, want alive", got.Status)
	}
	if got.RegisteredAt.IsZero() {
		t.Error("RegisteredAt not set")
	}
}

func TestRegister_DuplicateAgent(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	if _, err := r.Register(ctx, sampleAgent("agent-2"), "tok"); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	_, err := r.Register(ctx, sampleAgent("agent-2"), "tok")
	if !errors.Is(err, registry.ErrDuplicateAgent) {
		t.Fatalf("Register() error = %v, want ErrDuplicateAgent", err)
	}
}

func TestRegister_TokenInvalid(t *testing.T) {
	r := newTestRegistry(t, registry.ErrTokenInvalid)
	_, err := r.Register(context.Background(), sampleAgent("agent-3"), "bad")
	if !errors.Is(err, registry.ErrTokenInvalid) {
		t.Fatalf("Register() error = %v, want ErrTokenInvalid", err)
	}
}

func TestRegister_ValidationFailed(t *testing.T) {
	r := newTestRegistry(t, nil)
	bad := sampleAgent("agent-4")
	bad.Capabilities = nil
	_, err := r.Register(context.Background(), bad, "tok")
	if !errors.Is(err, registry.ErrValidationFailed) {
		t.Fatalf("Register() error = %v, want ErrValidationFailed", err)
	}
}

func TestHeartbeat_NotFound(t *testing.T) {
	r := newTestRegistry(t, nil)
	err := r.Heartbeat(context.Background(), "missing")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Heartbeat() error = %v, want ErrNotFound", err)
	}
}

func TestReportMetrics_UpdatesEWMAAndReputation(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Register(ctx, sampleAgent("agent-5"), "tok"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m, err := r.ReportMetrics(ctx, "agent-5", 0.5, true)
	if err != nil {
		t.Fatalf("ReportMetrics() error = %v", err)
	}
	if m.TotalRequests != 1 || m.SuccessCount != 1 {
		t.Fatalf("unexpected metrics after first report: %+v", m)
	}
	if m.ReputationScore <= 0 || m.ReputationScore > 1 {
		t.Errorf("ReputationScore = %f, want in (0,1]", m.ReputationScore)
	}

	m2, err := r.ReportMetrics(ctx, "agent-5", 0.1, false)
	if err != nil {
		t.Fatalf("second ReportMetrics() error = %v", err)
	}
	if m2.TotalRequests != 2 || m2.ErrorCount != 1 {
		t.Fatalf("unexpected metrics after second report: %+v", m2)
	}
	if m2.AvgResponseTimeS == 0.5 {
		t.Error("AvgResponseTimeS did not move toward the new sample")
	}
}

func TestUnregister_RemovesAgent(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Register(ctx, sampleAgent("agent-6"), "tok"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Unregister(ctx, "agent-6"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if _, err := r.Get(ctx, "agent-6", false); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Get() after Unregister() error = %v, want ErrNotFound", err)
	}
}

func TestList_FiltersByType(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	a := sampleAgent("agent-7")
	b := sampleAgent("agent-8")
	b.AgentType = "scheduler"
	if _, err := r.Register(ctx, a, "tok"); err != nil {
		t.Fatalf("Register(a) error = %v", err)
	}
	if _, err := r.Register(ctx, b, "tok"); err != nil {
		t.Fatalf("Register(b) error = %v", err)
	}

	agents, page, err := r.List(ctx, models.SearchFilters{AgentType: "worker"}, 1, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "agent-7" {
		t.Fatalf("List() = %+v, want only agent-7", agents)
	}
	if page.TotalItems != 1 {
		t.Errorf("TotalItems = %d, want 1", page.TotalItems)
	}
}

func TestGet_WithoutMetricsZeroesMetrics(t *testing.T) {
	r := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := r.Register(ctx, sampleAgent("agent-9"), "tok"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := r.ReportMetrics(ctx, "agent-9", 0.2, true); err != nil {
		t.Fatalf("ReportMetrics() error = %v", err)
	}

	thin, err := r.Get(ctx, "agent-9", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if thin.Metrics.TotalRequests != 0 {
		t.Errorf("thin Get() Metrics.TotalRequests = %d, want 0", thin.Metrics.TotalRequests)
	}

	full, err := r.Get(ctx, "agent-9", true)
	if err != nil {
		t.Fatalf("Get(includeMetrics) error = %v", err)
	}
	if full.Metrics.TotalRequests != 1 {
		t.Errorf("full Get() Metrics.TotalRequests = %d, want 1", full.Metrics.TotalRequests)
	}
}

func TestSweepExpired_TransitionsStaleAgentToDead(t *testing.T) {
	adapter := storage.NewMemoryAdapter(false)
	emb := embedder.NewHashEmbedder(16)
	cfg := registry.Config{HeartbeatTimeout: 5 * time.Millisecond}
	r := registry.New(adapter, emb, &fakeTempTokens{}, cfg)
	ctx := context.Background()

	if _, err := r.Register(ctx, sampleAgent("agent-stale"), "tok"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	events, cancel := r.Events().Subscribe()
	defer cancel()

	time.Sleep(10 * time.Millisecond)

	transitioned, err := r.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if len(transitioned) != 1 || transitioned[0].AgentID != "agent-stale" {
		t.Fatalf("SweepExpired() = %+v, want [agent-stale]", transitioned)
	}

	agent, err := r.Get(ctx, "agent-stale", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if agent.Status != models.AgentStatusDead {
		t.Errorf("Status = %q, want dead", agent.Status)
	}

	select {
	case ev := <-events:
		if ev.Type != registry.EventStatusChange || ev.AgentID != "agent-stale" {
			t.Errorf("event = %+v, want status_change for agent-stale", ev)
		}
	default:
		t.Fatal("expected a status_change event to be published")
	}

	// A second sweep with nothing newly stale should be a no-op.
	transitioned, err = r.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("second SweepExpired() error = %v", err)
	}
	if len(transitioned) != 0 {
		t.Errorf("second SweepExpired() = %+v, want none", transitioned)
	}
}
