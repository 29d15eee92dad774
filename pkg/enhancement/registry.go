package enhancement

import (
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Registry maps feature names to unit factories. Entries are append-only.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory. Registering a name twice is an error.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("invalid registration for %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("feature %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Announce registers a late-loading unit. It is idempotent and reports
// whether the name was new.
func (r *Registry) Announce(name string, f Factory) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || f == nil {
		return false
	}
	if _, exists := r.factories[name]; exists {
		return false
	}
	r.factories[name] = f
	return true
}

// Lookup returns the factory for a feature
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	return f, ok
}

// Has checks if a feature is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered feature names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Keys(r.factories)
	slices.Sort(names)
	return names
}

// Count returns the number of registered features
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}
