// Package registry owns the Agent aggregate: identity, metadata,
// metrics, and the by-type/by-capability indexes, enforcing the
// lifecycle invariants of the control plane. It is the single source
// of truth the search engine, sweeper, and WS hubs all read from.
package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/0x00K1/arcp/internal/embedder"
	"github.com/0x00K1/arcp/internal/metrics"
	"github.com/0x00K1/arcp/internal/storage"
	"github.com/0x00K1/arcp/pkg/models"
)

const (
	keyAgentPrefix    = "agent:"
	keyEmbeddingSufix = ":emb"
	keyAllAgents      = "idx:all"
	keyTypePrefix     = "idx:type:"
	keyCapPrefix      = "idx:cap:"
)

// TempTokenConsumer is implemented by the auth package's temp-token
// store. Register calls Consume exactly once; a non-nil error must be
// one of ErrTokenInvalid, ErrTokenExpired or ErrTokenAlreadyUsed.
type TempTokenConsumer interface {
	Consume(ctx context.Context, token, agentID, agentType string) error
}

// ReputationWeights are the coefficients for the reputation formula
// (defaults 0.6/0.3/0.1).
type ReputationWeights struct {
	Success  float64
	Response float64
	Volume   float64
}

// DefaultReputationWeights returns the standard weights.
func DefaultReputationWeights() ReputationWeights {
	return ReputationWeights{Success: 0.6, Response: 0.3, Volume: 0.1}
}

// Config holds Registry-wide tunables resolved from process
// configuration at startup.
type Config struct {
	HeartbeatTimeout  time.Duration
	AllowedAgentTypes map[string]struct{}
	ReputationWeights ReputationWeights
}

// Registry is the single entry point for agent lifecycle operations.
type Registry struct {
	storage    storage.Adapter
	embedder   embedder.Embedder
	tempTokens TempTokenConsumer
	events     *EventBus
	locks      *stripedLock
	cfg        Config
}

// New wires a Registry from its collaborators.
func New(adapter storage.Adapter, emb embedder.Embedder, tempTokens TempTokenConsumer, cfg Config) *Registry {
	if cfg.ReputationWeights == (ReputationWeights{}) {
		cfg.ReputationWeights = DefaultReputationWeights()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 90 * time.Second
	}
	return &Registry{
		storage:    adapter,
		embedder:   emb,
		tempTokens: tempTokens,
		events:     NewEventBus(adapter, "arcp:events"),
		locks:      newStripedLock(64),
		cfg:        cfg,
	}
}

// Events exposes the registry's event bus for subscribers (sweeper,
// WS hubs).
func (r *Registry) Events() *EventBus { return r.events }

func agentKey(id string) string { return keyAgentPrefix + id }
func embKey(id string) string   { return keyAgentPrefix + id + keyEmbeddingSufix }
func typeKey(t string) string   { return keyTypePrefix + t }
func capKey(c string) string    { return keyCapPrefix + strings.ToLower(c) }

// Register validates the temp token and the submitted record, computes
// its embedding, and stores the record plus its indexes atomically
// (compensating rollback on partial failure).
func (r *Registry) Register(ctx context.Context, agent *models.Agent, tempToken string) (*models.Agent, error) {
	if err := r.validateNewAgent(agent); err != nil {
		return nil, err
	}

	r.locks.Lock(agent.AgentID)
	defer r.locks.Unlock(agent.AgentID)

	if err := r.tempTokens.Consume(ctx, tempToken, agent.AgentID, agent.AgentType); err != nil {
		return nil, err
	}

	if _, err := r.storage.Get(ctx, agentKey(agent.AgentID)); err == nil {
		return nil, ErrDuplicateAgent
	} else if _, ok := err.(*storage.ErrNotFound); !ok {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	now := time.Now().UTC()
	agent.Status = models.AgentStatusAlive
	agent.RegisteredAt = now
	agent.LastSeen = now

	if r.embedder != nil && r.embedder.Available() {
		text := strings.Join([]string{
			agent.ContextBrief,
			strings.Join(agent.Capabilities, " "),
			strings.Join(agent.Features, " "),
			strings.Join(agent.PolicyTags, " "),
		}, " | ")
		if vec, err := r.embedder.Embed(ctx, text); err == nil {
			agent.Embedding = vec
		}
		// Embedder failure is non-fatal: agent registers without a vector.
	}

	txn := storage.NewTxn()
	defer func() {
		if txn != nil {
			txn.Rollback(ctx)
		}
	}()

	payload, err := json.Marshal(agent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	if err := txn.Do(ctx,
		func(ctx context.Context) error { return r.storage.Set(ctx, agentKey(agent.AgentID), payload, 0) },
		func(ctx context.Context) error { return r.storage.Delete(ctx, agentKey(agent.AgentID)) },
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	if len(agent.Embedding) > 0 {
		if err := txn.Do(ctx,
			func(ctx context.Context) error { return r.storage.Set(ctx, embKey(agent.AgentID), encodeVector(agent.Embedding), 0) },
			func(ctx context.Context) error { return r.storage.Delete(ctx, embKey(agent.AgentID)) },
		); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
	}

	if err := txn.Do(ctx,
		func(ctx context.Context) error { return r.storage.SAdd(ctx, keyAllAgents, agent.AgentID) },
		func(ctx context.Context) error { return r.storage.SRem(ctx, keyAllAgents, agent.AgentID) },
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	if err := txn.Do(ctx,
		func(ctx context.Context) error { return r.storage.SAdd(ctx, typeKey(agent.AgentType), agent.AgentID) },
		func(ctx context.Context) error { return r.storage.SRem(ctx, typeKey(agent.AgentType), agent.AgentID) },
	); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	for _, tag := range agent.Capabilities {
		tag := tag
		if err := txn.Do(ctx,
			func(ctx context.Context) error { return r.storage.SAdd(ctx, capKey(tag), agent.AgentID) },
			func(ctx context.Context) error { return r.storage.SRem(ctx, capKey(tag), agent.AgentID) },
		); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
		}
	}

	txn = nil // commit: cancel the deferred rollback
	metrics.AgentsRegisteredTotal.WithLabelValues(agent.AgentType).Inc()
	r.events.Publish(ctx, Event{Type: EventRegistered, AgentID: agent.AgentID, Agent: agent})
	return agent, nil
}

func (r *Registry) validateNewAgent(a *models.Agent) error {
	if a.AgentID == "" || len(a.AgentID) > 64 {
		return fmt.Errorf("%w: agent_id must be 1-64 chars", ErrValidationFailed)
	}
	if len(a.PublicKey) < 32 {
		return fmt.Errorf("%w: public_key must be >= 32 chars", ErrValidationFailed)
	}
	if a.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrValidationFailed)
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("%w: capabilities must be non-empty", ErrValidationFailed)
	}
	switch a.CommMode {
	case models.CommRemote, models.CommLocal, models.CommHybrid:
	default:
		return fmt.Errorf("%w: invalid communication_mode", ErrValidationFailed)
	}
	if r.cfg.AllowedAgentTypes != nil {
		if _, ok := r.cfg.AllowedAgentTypes[a.AgentType]; !ok {
			return ErrTypeNotAllowed
		}
	}
	return nil
}

// Heartbeat marks an agent alive and refreshes last_seen.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	r.locks.Lock(agentID)
	defer r.locks.Unlock(agentID)

	agent, err := r.load(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Status = models.AgentStatusAlive
	agent.LastSeen = time.Now().UTC()
	if err := r.save(ctx, agent); err != nil {
		return err
	}
	metrics.HeartbeatsTotal.WithLabelValues(agent.AgentType).Inc()
	r.events.Publish(ctx, Event{Type: EventHeartbeat, AgentID: agentID, Agent: agent})
	return nil
}

// ReportMetrics folds a single request outcome into an agent's
// metrics, updating avg_response_time as an EWMA (alpha 0.2) and
// recomputing reputation_score.
func (r *Registry) ReportMetrics(ctx context.Context, agentID string, responseTimeS float64, success bool) (*models.AgentMetrics, error) {
	const alpha = 0.2

	r.locks.Lock(agentID)
	defer r.locks.Unlock(agentID)

	agent, err := r.load(ctx, agentID)
	if err != nil {
		return nil, err
	}

	m := &agent.Metrics
	m.TotalRequests++
	if success {
		m.SuccessCount++
	} else {
		m.ErrorCount++
	}
	if m.TotalRequests == 1 {
		m.AvgResponseTimeS = responseTimeS
	} else {
		m.AvgResponseTimeS = alpha*responseTimeS + (1-alpha)*m.AvgResponseTimeS
	}
	m.LastActive = time.Now().UTC()

	w := r.cfg.ReputationWeights
	volumeScore := math.Min(1, float64(m.TotalRequests)/1000)
	score := w.Success*m.SuccessRate() + w.Response*(1/(1+m.AvgResponseTimeS)) + w.Volume*volumeScore
	m.ReputationScore = clamp01(score)

	if err := r.save(ctx, agent); err != nil {
		return nil, err
	}
	r.events.Publish(ctx, Event{Type: EventMetrics, AgentID: agentID, Agent: agent})
	return m, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Unregister removes an agent's record, embedding and indexes.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	r.locks.Lock(agentID)
	defer r.locks.Unlock(agentID)

	agent, err := r.load(ctx, agentID)
	if err != nil {
		return err
	}

	_ = r.storage.Delete(ctx, agentKey(agentID))
	_ = r.storage.Delete(ctx, embKey(agentID))
	_ = r.storage.SRem(ctx, keyAllAgents, agentID)
	_ = r.storage.SRem(ctx, typeKey(agent.AgentType), agentID)
	for _, tag := range agent.Capabilities {
		_ = r.storage.SRem(ctx, capKey(tag), agentID)
	}

	metrics.AgentsUnregisteredTotal.WithLabelValues(agent.AgentType).Inc()
	r.events.Publish(ctx, Event{Type: EventUnregistered, AgentID: agentID})
	return nil
}

// Get returns a single agent by id. When includeMetrics is false the
// returned copy's Metrics field is zeroed.
func (r *Registry) Get(ctx context.Context, agentID string, includeMetrics bool) (*models.Agent, error) {
	agent, err := r.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !includeMetrics {
		cp := *agent
		cp.Metrics = models.AgentMetrics{}
		return &cp, nil
	}
	return agent, nil
}

// List returns a filtered, paginated view over the registry.
func (r *Registry) List(ctx context.Context, filters models.SearchFilters, page, pageSize int) ([]*models.Agent, models.Page, error) {
	ids, err := r.candidateIDs(ctx, filters)
	if err != nil {
		return nil, models.Page{}, err
	}

	agents := make([]*models.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := r.load(ctx, id)
		if err != nil {
			continue
		}
		if filters.Status != "" && a.Status != filters.Status {
			continue
		}
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total := len(agents)
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

	pg := models.Page{
		CurrentPage: page,
		PageSize:    pageSize,
		TotalItems:  total,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrev:     page > 1,
	}
	return agents[start:end], pg, nil
}

// candidateIDs restricts the id set via the by-type/by-capability
// indexes before per-agent status filtering.
func (r *Registry) candidateIDs(ctx context.Context, filters models.SearchFilters) ([]string, error) {
	switch {
	case filters.AgentType != "":
		return r.storage.SMembers(ctx, typeKey(filters.AgentType))
	case len(filters.Capabilities) > 0:
		set := make(map[string]struct{})
		for i, tag := range filters.Capabilities {
			members, err := r.storage.SMembers(ctx, capKey(tag))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
			}
			if i == 0 {
				for _, m := range members {
					set[m] = struct{}{}
				}
				continue
			}
			next := make(map[string]struct{})
			for _, m := range members {
				if _, ok := set[m]; ok {
					next[m] = struct{}{}
				}
			}
			set = next
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		return ids, nil
	default:
		return r.storage.SMembers(ctx, keyAllAgents)
	}
}

// Stats reports aggregate registry counts used by the dashboard's
// monitoring frame and the sweeper. AvgResponse is weighted by each
// agent's request volume. RequestRate is filled in by the sweeper,
// which diffs TotalRequest between its ticks; a point-in-time snapshot
// cannot derive it.
type Stats struct {
	TotalAgents  int
	AliveAgents  int
	DeadAgents   int
	ByType       map[string]int
	AvgResponse  float64
	TotalRequest int64
	RequestRate  float64
}

// Stats computes a point-in-time aggregate snapshot over every
// registered agent.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	ids, err := r.storage.SMembers(ctx, keyAllAgents)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	st := Stats{ByType: make(map[string]int)}
	var sumResponse float64
	for _, id := range ids {
		a, err := r.load(ctx, id)
		if err != nil {
			continue
		}
		st.TotalAgents++
		switch a.Status {
		case models.AgentStatusAlive:
			st.AliveAgents++
		case models.AgentStatusDead:
			st.DeadAgents++
		}
		st.ByType[a.AgentType]++
		st.TotalRequest += a.Metrics.TotalRequests
		sumResponse += a.Metrics.AvgResponseTimeS * float64(a.Metrics.TotalRequests)
	}
	if st.TotalRequest > 0 {
		st.AvgResponse = sumResponse / float64(st.TotalRequest)
	}
	metrics.AgentsByStatus.WithLabelValues("alive").Set(float64(st.AliveAgents))
	metrics.AgentsByStatus.WithLabelValues("dead").Set(float64(st.DeadAgents))
	return st, nil
}

// SweepExpired walks every registered agent and persists the
// alive->dead transition for any whose last heartbeat is older than
// HeartbeatTimeout, publishing a status_change event per transitioned
// agent. Called by the Sweeper on its tick; load() already applies the
// same cutoff transiently for readers that run between ticks, but only
// this method writes the transition back and notifies subscribers.
func (r *Registry) SweepExpired(ctx context.Context) ([]*models.Agent, error) {
	ids, err := r.storage.SMembers(ctx, keyAllAgents)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}

	var transitioned []*models.Agent
	for _, id := range ids {
		r.locks.Lock(id)
		agent, err := r.load(ctx, id)
		if err != nil {
			r.locks.Unlock(id)
			continue
		}
		stale := time.Since(agent.LastSeen) > r.cfg.HeartbeatTimeout
		// load() already reports a stale agent as dead, so the decision
		// is made on the status as stored.
		var stored models.Agent
		raw, gerr := r.storage.Get(ctx, agentKey(id))
		if gerr == nil && json.Unmarshal(raw, &stored) == nil && stored.Status != models.AgentStatusDead && stale {
			agent.Status = models.AgentStatusDead
			if err := r.save(ctx, agent); err == nil {
				transitioned = append(transitioned, agent)
			}
		}
		r.locks.Unlock(id)
	}

	for _, agent := range transitioned {
		metrics.SweepTransitionsTotal.WithLabelValues(agent.AgentType).Inc()
		r.events.Publish(ctx, Event{Type: EventStatusChange, AgentID: agent.AgentID, Agent: agent})
	}
	return transitioned, nil
}

// Embedding returns the stored embedding vector for an agent, or nil
// if the agent has none (used by the search engine).
func (r *Registry) Embedding(ctx context.Context, agentID string) ([]float32, error) {
	raw, err := r.storage.Get(ctx, embKey(agentID))
	if err != nil {
		if _, ok := err.(*storage.ErrNotFound); ok {
			return nil, nil
		}
		return nil, err
	}
	return decodeVector(raw), nil
}

func (r *Registry) load(ctx context.Context, agentID string) (*models.Agent, error) {
	raw, err := r.storage.Get(ctx, agentKey(agentID))
	if err != nil {
		if _, ok := err.(*storage.ErrNotFound); ok {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	var a models.Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	if emb, err := r.Embedding(ctx, agentID); err == nil {
		a.Embedding = emb
	}
	if a.Status == models.AgentStatusAlive && time.Since(a.LastSeen) > r.cfg.HeartbeatTimeout {
		a.Status = models.AgentStatusDead
	}
	return &a, nil
}

func (r *Registry) save(ctx context.Context, a *models.Agent) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	if err := r.storage.Set(ctx, agentKey(a.AgentID), payload, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return nil
}

// encodeVector packs a []float32 into a little-endian byte slice for
// blob storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) []float32 {
	v := make([]float32, len(raw)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return v
}
