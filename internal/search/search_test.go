package search_test

import (
	"context"
	"testing"
	"time"

	"github.com/0x00K1/arcp/internal/embedder"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/internal/search"
	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/pkg/models"
)

type noopTempTokens struct{}

func (noopTempTokens) Consume(context.Context, string, string, string) error { return nil }

func newTestEngine(t *testing.T) (*search.Engine, *registry.Registry) {
	t.Helper()
	adapter := storage.NewMemoryAdapter(false)
	emb := embedder.NewHashEmbedder(32)
	reg := registry.New(adapter, emb, noopTempTokens{}, registry.Config{HeartbeatTimeout: time.Minute})
	return search.New(reg, emb), reg
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()

	pdfAgent := &models.Agent{
		AgentID: "pdf-bot", AgentType: "worker", PublicKey: strRepeat("a", 32),
		Endpoint: "https://a.example.com", CommMode: models.CommRemote,
		Capabilities: []string{"pdf", "summarize"}, ContextBrief: "summarizes pdf documents",
	}
	imageAgent := &models.Agent{
		AgentID: "image-bot", AgentType: "worker", PublicKey: strRepeat("b", 32),
		Endpoint: "https://b.example.com", CommMode: models.CommRemote,
		Capabilities: []string{"image", "classify"}, ContextBrief: "classifies images",
	}
	if _, err := reg.Register(ctx, pdfAgent, "tok"); err != nil {
		t.Fatalf("Register(pdf) error = %v", err)
	}
	if _, err := reg.Register(ctx, imageAgent, "tok"); err != nil {
		t.Fatalf("Register(image) error = %v", err)
	}

	results, _, err := eng.Search(ctx, "summarize pdf documents", search.Options{MinSimilarity: 0.01})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search() returned no results")
	}
	if results[0].Agent.AgentID != "pdf-bot" {
		t.Errorf("Search() top result = %s, want pdf-bot", results[0].Agent.AgentID)
	}
}

func TestSearch_MinSimilarityFiltersOut(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()
	agent := &models.Agent{
		AgentID: "unrelated", AgentType: "worker", PublicKey: strRepeat("c", 32),
		Endpoint: "https://c.example.com", CommMode: models.CommRemote,
		Capabilities: []string{"weather"}, ContextBrief: "reports the weather",
	}
	if _, err := reg.Register(ctx, agent, "tok"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	results, _, err := eng.Search(ctx, "quantum cryptography ledger", search.Options{MinSimilarity: 0.9})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() = %d results, want 0 above min_similarity", len(results))
	}
}

func TestSearch_TopKTruncates(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		a := &models.Agent{
			AgentID: "agent-" + string(rune('a'+i)), AgentType: "worker", PublicKey: strRepeat("d", 32),
			Endpoint: "https://d.example.com", CommMode: models.CommRemote,
			Capabilities: []string{"summarize"}, ContextBrief: "summarize text",
		}
		if _, err := reg.Register(ctx, a, "tok"); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	topK := 2
	results, page, err := eng.Search(ctx, "summarize text", search.Options{TopK: &topK, MinSimilarity: 0.01})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Search() returned %d results, want 2 (top_k)", len(results))
	}
	if page.TotalItems != 5 {
		t.Errorf("Page.TotalItems = %d, want 5", page.TotalItems)
	}
}

func TestSearch_TopKOverMaxClampedAndSurfaced(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()
	a := &models.Agent{
		AgentID: "clamp-bot", AgentType: "worker", PublicKey: strRepeat("g", 32),
		Endpoint: "https://g.example.com", CommMode: models.CommRemote,
		Capabilities: []string{"summarize"}, ContextBrief: "summarize text",
	}
	if _, err := reg.Register(ctx, a, "tok"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	huge := 1000
	_, page, err := eng.Search(ctx, "summarize text", search.Options{TopK: &huge, MinSimilarity: 0.01})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if page.EffectiveTopK != 100 {
		t.Errorf("Page.EffectiveTopK = %d, want 100 (clamped maximum)", page.EffectiveTopK)
	}

	small := 2
	_, page, err = eng.Search(ctx, "summarize text", search.Options{TopK: &small, MinSimilarity: 0.01})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if page.EffectiveTopK != 0 {
		t.Errorf("Page.EffectiveTopK = %d for an unclamped request, want 0 (unset)", page.EffectiveTopK)
	}
}

func TestSearch_TopKZeroReturnsEmpty(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()
	a := &models.Agent{
		AgentID: "zero-bot", AgentType: "worker", PublicKey: strRepeat("e", 32),
		Endpoint: "https://e.example.com", CommMode: models.CommRemote,
		Capabilities: []string{"summarize"}, ContextBrief: "summarize text",
	}
	if _, err := reg.Register(ctx, a, "tok"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	zero := 0
	results, _, err := eng.Search(ctx, "summarize text", search.Options{TopK: &zero, MinSimilarity: 0.01})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() with top_k=0 returned %d results, want 0", len(results))
	}
}

// TestSearch_WeightedFiltersOnRawScore pins down the scoring step
// order: min_similarity filters the raw (unweighted) score, and the
// reputation weight (which can only ever push a score down) is applied
// only to survivors. A candidate whose raw score clears min_similarity
// must not be dropped just because weighting would push it below that
// threshold.
func TestSearch_WeightedFiltersOnRawScore(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()
	agent := &models.Agent{
		AgentID: "weighted-bot", AgentType: "worker", PublicKey: strRepeat("f", 32),
		Endpoint: "https://f.example.com", CommMode: models.CommRemote,
		Capabilities: []string{"summarize"}, ContextBrief: "summarize text",
	}
	if _, err := reg.Register(ctx, agent, "tok"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	unweighted, _, err := eng.Search(ctx, "summarize text", search.Options{MinSimilarity: 0.01})
	if err != nil {
		t.Fatalf("Search() (unweighted) error = %v", err)
	}
	if len(unweighted) != 1 {
		t.Fatalf("Search() (unweighted) returned %d results, want 1", len(unweighted))
	}
	rawScore := unweighted[0].Score

	// A freshly registered agent has a zero reputation score, so the
	// weight factor is 0.7. Set min_similarity strictly between the
	// weighted and raw scores: a search that filtered on the weighted
	// score would wrongly exclude this agent.
	minSim := rawScore*0.7 + 0.0001
	if minSim >= rawScore {
		t.Fatalf("test setup invalid: rawScore too small to leave a gap (rawScore=%v)", rawScore)
	}

	weighted, _, err := eng.Search(ctx, "summarize text", search.Options{MinSimilarity: minSim, Weighted: true})
	if err != nil {
		t.Fatalf("Search() (weighted) error = %v", err)
	}
	if len(weighted) != 1 {
		t.Fatalf("Search() (weighted) returned %d results, want 1 (raw score should have survived the filter)", len(weighted))
	}
	if weighted[0].Score >= rawScore {
		t.Errorf("Search() (weighted) score = %v, want < raw score %v", weighted[0].Score, rawScore)
	}
}

func strRepeat(s string, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = s[0]
	}
	return string(out)
}
