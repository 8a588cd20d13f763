package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages adapter factories and instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]Adapter
}

// NewRegistry creates a new adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
	}
}

// RegisterFactory registers a factory function for an adapter type.
func (r *Registry) RegisterFactory(adapterType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[adapterType] = factory
}

// Create builds an adapter with the factory registered for cfg.Type and
// keeps it under cfg.Name.
func (r *Registry) Create(cfg Config) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown adapter type: %s", cfg.Type)
	}

	a, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create adapter %s: %w", cfg.Name, err)
	}

	r.mu.Lock()
	r.adapters[cfg.Name] = a
	r.mu.Unlock()

	return a, nil
}

// Get returns an adapter by backend name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns all backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
