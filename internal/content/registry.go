// Package content describes the host's content types and the items that are
// submitted for indexing.
package content

import (
	"fmt"
	"sort"
	"sync"

	"github.com/davidschrooten/open-search-facade/config"
)

// BaseType is the implicit root every content type descends from
const BaseType = "DataObject"

// Discovery answers type-hierarchy questions for the search façade
type Discovery interface {
	// Subtypes lists every concrete type descending from base
	Subtypes(base string) []string
	// HasCapability reports whether typeName or any ancestor declares capability
	HasCapability(typeName, capability string) bool
}

type typeInfo struct {
	parent       string
	capabilities map[string]bool
}

// Registry is an in-memory Discovery built from configuration
type Registry struct {
	mu    sync.RWMutex
	types map[string]*typeInfo
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*typeInfo)}
}

// NewRegistryFromConfig registers every configured content type
func NewRegistryFromConfig(types []config.ContentTypeConfig) (*Registry, error) {
	r := NewRegistry()
	for _, ct := range types {
		r.Register(ct.Name, ct.Parent, ct.Capabilities...)
	}
	for _, ct := range types {
		if ct.Parent != "" && !r.Has(ct.Parent) {
			return nil, fmt.Errorf("content type %s has unknown parent %s", ct.Name, ct.Parent)
		}
	}
	return r, nil
}

// Register adds or replaces a type. An empty parent means BaseType.
func (r *Registry) Register(name, parent string, capabilities ...string) {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = &typeInfo{parent: parent, capabilities: caps}
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Subtypes returns the registered types descending from base, sorted by name
func (r *Registry) Subtypes(base string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name := range r.types {
		if name != base && r.descendsFrom(name, base) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// HasCapability walks the ancestry of typeName looking for capability
func (r *Registry) HasCapability(typeName, capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := false
	r.walk(typeName, func(_ string, info *typeInfo) bool {
		if info.capabilities[capability] {
			found = true
			return false
		}
		return true
	})
	return found
}

func (r *Registry) descendsFrom(name, base string) bool {
	if base == BaseType {
		return true
	}
	found := false
	r.walk(name, func(n string, _ *typeInfo) bool {
		if n == base {
			found = true
			return false
		}
		return true
	})
	return found
}

// walk visits typeName and its ancestors until fn returns false. Cycles stop
// the walk.
func (r *Registry) walk(typeName string, fn func(name string, info *typeInfo) bool) {
	seen := make(map[string]bool)
	for name := typeName; name != "" && !seen[name]; {
		seen[name] = true
		info, ok := r.types[name]
		if !ok {
			return
		}
		if !fn(name, info) {
			return
		}
		name = info.parent
	}
}
