package querybuilder

import (
	"sort"
	"sync"
)

// DefaultName is the registry key that always resolves to a builder
const DefaultName = "default"

// Factory constructs a fresh Builder
type Factory func() Builder

// Registry maps strategy names to builder factories. Unknown names fall back
// to the default entry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry whose default entry is defaultFactory
func NewRegistry(defaultFactory Factory) *Registry {
	if defaultFactory == nil {
		defaultFactory = NewDefaultBuilder
	}
	return &Registry{
		factories: map[string]Factory{DefaultName: defaultFactory},
	}
}

// Register inserts or overwrites the factory for name
func (r *Registry) Register(name string, factory Factory) {
	if name == "" || factory == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new builder from the named factory, or from the default
// factory when name is not registered
func (r *Registry) Get(name string) Builder {
	r.mu.RLock()
	factory, ok := r.factories[name]
	if !ok {
		factory = r.factories[DefaultName]
	}
	r.mu.RUnlock()

	return factory()
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Factories returns a copy of the registered factories
func (r *Registry) Factories() map[string]Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Factory, len(r.factories))
	for name, f := range r.factories {
		out[name] = f
	}
	return out
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
