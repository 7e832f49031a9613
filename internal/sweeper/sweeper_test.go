package sweeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/0x00K1/arcp/internal/alerts"
	"github.com/0x00K1/arcp/internal/embedder"
	"github.com/0x00K1/arcp/internal/obslog"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/internal/sweeper"
	"github.com/0x00K1/arcp/pkg/models"
)

type fakeTempTokens struct{}

func (fakeTempTokens) Consume(_ context.Context, _, _, _ string) error { return nil }

type fakeDashboard struct {
	monitoring []interface{}
	health     []interface{}
	alerts     []models.Alert
}

func (f *fakeDashboard) BroadcastMonitoring(payload interface{}) {
	f.monitoring = append(f.monitoring, payload)
}

func (f *fakeDashboard) BroadcastHealth(payload interface{}) {
	f.health = append(f.health, payload)
}

func (f *fakeDashboard) BroadcastAlert(alert models.Alert) {
	f.alerts = append(f.alerts, alert)
}

func (f *fakeDashboard) BroadcastLogs(int) {}

type fakePublic struct {
	stats []registry.Stats
}

func (f *fakePublic) BroadcastStats(stats registry.Stats) {
	f.stats = append(f.stats, stats)
}

func sampleAgent(id string) *models.Agent {
	return &models.Agent{
		AgentID:      id,
		AgentType:    "worker",
		PublicKey:    "0123456789012345678901234567890123456789",
		Endpoint:     "https://agent.example.com",
		CommMode:     models.CommRemote,
		Capabilities: []string{"summarize"},
		ContextBrief: "summarizes documents",
	}
}

func TestSweeper_TickAgesAgentsAndBroadcasts(t *testing.T) {
	adapter := storage.NewMemoryAdapter(false)
	emb := embedder.NewHashEmbedder(16)
	reg := registry.New(adapter, emb, fakeTempTokens{}, registry.Config{HeartbeatTimeout: 5 * time.Millisecond})

	ctx := context.Background()
	if _, err := reg.Register(ctx, sampleAgent("agent-1"), "tok"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	alertBuf := alerts.NewBuffer(0, 0)
	logBuf := obslog.NewBuffer(0, 0)
	dash := &fakeDashboard{}
	pub := &fakePublic{}

	s := sweeper.New(reg, alertBuf, logBuf, dash, pub, 5*time.Millisecond)
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(pub.stats) > 0 && len(dash.monitoring) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(pub.stats) == 0 {
		t.Fatal("expected at least one stats_update broadcast")
	}
	if len(dash.monitoring) == 0 {
		t.Fatal("expected at least one monitoring broadcast")
	}
	if len(dash.health) == 0 {
		t.Fatal("expected at least one health broadcast")
	}

	agent, err := reg.Get(ctx, "agent-1", false)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if agent.Status != models.AgentStatusDead {
		t.Errorf("Status = %q, want dead after sweep", agent.Status)
	}

	found := false
	for _, a := range alertBuf.Recent(50) {
		if a.Type == "agent_dead" {
			found = true
		}
	}
	if !found {
		t.Error("expected an agent_dead alert to have been raised")
	}
}
