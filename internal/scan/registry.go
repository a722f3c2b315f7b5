package scan

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/cartograph/internal/graph"
)

// Factory builds a scanner bound to a scope.
type Factory func(scope graph.Scope) (Scanner, error)

// Registration binds a factory to a provider and entity type.
type Registration struct {
	Provider   string
	EntityType string
	Factory    Factory
}

// Registry holds scanner factories keyed by provider and entity type.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

func registryKey(provider, entityType string) string {
	return provider + "/" + entityType
}

// Register adds a factory, replacing any previous one for the same key.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey(reg.Provider, reg.EntityType)] = reg
}

// Get returns the registration for provider and entity type.
func (r *Registry) Get(provider, entityType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[registryKey(provider, entityType)]
	return reg, ok
}

// EntityTypes returns the registered entity types of provider, sorted.
func (r *Registry) EntityTypes(provider string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var types []string
	for _, reg := range r.entries {
		if reg.Provider == provider {
			types = append(types, reg.EntityType)
		}
	}
	sort.Strings(types)
	return types
}

// Providers returns every provider with at least one registration, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, reg := range r.entries {
		if !seen[reg.Provider] {
			seen[reg.Provider] = true
			out = append(out, reg.Provider)
		}
	}
	sort.Strings(out)
	return out
}

// Target is one (provider, scope, entity type) unit of scanning.
type Target struct {
	Provider   string
	Scope      graph.Scope
	EntityType string
	// Interval between full scans. Zero uses the orchestrator default.
	Interval time.Duration
}

// Key identifies the target uniquely.
func (t Target) Key() string {
	return fmt.Sprintf("%s/%s/%s", t.Provider, t.EntityType, t.Scope)
}

func (t Target) String() string { return t.Key() }
