// Package search implements discovery: cosine ranking over the
// registry's embedding index, with a Jaccard token-overlap fallback
// when the embedder is unavailable, plus reputation-weighted
// re-ranking, filtering, and pagination.
package search

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/0x00K1/arcp/internal/embedder"
	"github.com/0x00K1/arcp/internal/registry"
	"github.com/0x00K1/arcp/pkg/models"
)

const (
	defaultMinSimilarity = 0.5
	defaultTopK          = 3
	maxTopK              = 100
)

// Options customizes a single Search call. TopK is a pointer so a
// caller can distinguish "not specified" (defaults to defaultTopK)
// from an explicit 0, which returns an empty result set rather than
// falling back to the default.
type Options struct {
	Filters       models.SearchFilters
	TopK          *int
	MinSimilarity float64
	Weighted      bool
	Page          int
	PageSize      int
}

// Engine searches the Registry's agents by semantic similarity to a
// query string.
type Engine struct {
	registry *registry.Registry
	embedder embedder.Embedder
}

// New wires a search Engine from the Registry it reads agents/
// embeddings from and the Embedder used to vectorize queries.
func New(reg *registry.Registry, emb embedder.Embedder) *Engine {
	return &Engine{registry: reg, embedder: emb}
}

// Search scores every candidate agent (after index-restricted
// filtering) against query, either by cosine similarity against the
// agent's stored embedding or, when the Embedder is unavailable or the
// agent has no embedding, by Jaccard overlap between the query's
// tokens and the agent's capabilities/context tokens.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]models.SearchResult, models.Page, error) {
	topK := defaultTopK
	if opts.TopK != nil {
		topK = *opts.TopK
	}
	if topK < 0 {
		topK = 0
	}
	clamped := topK > maxTopK
	if clamped {
		topK = maxTopK
	}
	minSim := opts.MinSimilarity
	if minSim <= 0 {
		minSim = defaultMinSimilarity
	}

	// List with a large page to pull the full filtered candidate set;
	// the registry's own indexes have already narrowed by type/capability.
	candidates, _, err := e.registry.List(ctx, opts.Filters, 1, 1_000_000)
	if err != nil {
		return nil, models.Page{}, err
	}

	var queryVec []float32
	useEmbedding := false
	if e.embedder != nil && e.embedder.Available() {
		if v, err := e.embedder.Embed(ctx, query); err == nil {
			queryVec = v
			useEmbedding = true
		}
	}
	queryTokens := tokenSet(query)

	type scored struct {
		agent *models.Agent
		score float64
	}
	results := make([]scored, 0, len(candidates))
	for _, a := range candidates {
		var score float64
		if useEmbedding && len(a.Embedding) == len(queryVec) && len(queryVec) > 0 {
			score = cosineSimilarity(queryVec, a.Embedding)
		} else {
			score = jaccardSimilarity(queryTokens, agentTokens(a))
		}

		if score < minSim {
			continue
		}

		if opts.Weighted {
			score *= 0.7 + 0.3*a.Metrics.ReputationScore
		}

		results = append(results, scored{agent: a, score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		if !results[i].agent.LastSeen.Equal(results[j].agent.LastSeen) {
			return results[i].agent.LastSeen.After(results[j].agent.LastSeen)
		}
		return results[i].agent.AgentID < results[j].agent.AgentID
	})

	total := len(results)
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = topK
	}
	if pageSize <= 0 {
		pageSize = 1
	}
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	if end-start > topK {
		end = start + topK
	}

	out := make([]models.SearchResult, 0, end-start)
	for _, r := range results[start:end] {
		out = append(out, models.SearchResult{Agent: *r.agent, Score: r.score})
	}

	pg := models.Page{
		CurrentPage: page,
		PageSize:    pageSize,
		TotalItems:  total,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrev:     page > 1,
	}
	if clamped {
		pg.EffectiveTopK = topK
	}
	return out, pg, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		set[tok] = struct{}{}
	}
	return set
}

func agentTokens(a *models.Agent) map[string]struct{} {
	set := tokenSet(a.ContextBrief)
	for _, c := range a.Capabilities {
		for _, tok := range strings.Fields(strings.ToLower(c)) {
			set[tok] = struct{}{}
		}
	}
	return set
}
