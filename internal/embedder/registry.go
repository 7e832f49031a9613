package embedder

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry holds named embedding drivers. The Default driver is what the
// registry package calls to embed an agent's text on Register (Heartbeat
// does not re-embed); additional named drivers exist for operators who want to
// compare or migrate between providers without a code change.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Embedder
	primary string
}

// NewRegistry creates an empty embedding registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Embedder)}
}

// Register adds a driver under the given name, overwriting any
// existing driver with that name.
func (r *Registry) Register(name string, driver Embedder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = driver
	if r.primary == "" {
		r.primary = name
	}
	log.Info().Str("name", name).Int("dims", driver.Dim()).Msg("embedding driver registered")
}

// SetPrimary selects which registered driver Default() returns.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[name]; !ok {
		return fmt.Errorf("embedding driver not found: %s", name)
	}
	r.primary = name
	return nil
}

// Get returns the driver registered under name.
func (r *Registry) Get(name string) (Embedder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("embedding driver not found: %s", name)
	}
	return d, nil
}

// Default returns the primary driver used by the registry package. If
// the primary driver reports itself unavailable, falls back to the
// first available driver found, and finally to whatever is registered
// first so callers never get a nil Embedder.
func (r *Registry) Default() Embedder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.drivers[r.primary]; ok && d.Available() {
		return d
	}
	for _, d := range r.drivers {
		if d.Available() {
			return d
		}
	}
	return r.drivers[r.primary]
}

// List returns all registered driver names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}

// HealthCheckAll embeds a fixed probe string on every registered
// driver and reports per-driver errors.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]Embedder, len(r.drivers))
	for k, v := range r.drivers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for name, d := range snapshot {
		_, err := d.Embed(ctx, "health check")
		results[name] = err
	}
	return results
}
