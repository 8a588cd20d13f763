package credential

import (
	"sort"
	"sync"
)

// Registry holds one Pool per backend.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Add registers a pool, replacing any previous pool for the same backend.
func (r *Registry) Add(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[p.Backend()] = p
}

// Get returns the pool of backend.
func (r *Registry) Get(backend string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[backend]
	return p, ok
}

// KeyCount returns the number of credentials configured for backend.
func (r *Registry) KeyCount(backend string) int {
	if p, ok := r.Get(backend); ok {
		return p.Len()
	}
	return 0
}

// Snapshot returns the status of every pool sorted by backend name.
func (r *Registry) Snapshot() []PoolStatus {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()

	sort.Slice(pools, func(i, j int) bool { return pools[i].Backend() < pools[j].Backend() })
	out := make([]PoolStatus, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Snapshot())
	}
	return out
}
