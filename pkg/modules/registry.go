// Package modules maps module names to the factories that build them.
package modules

import (
	"sort"
	"sync"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/errors"
)

// =============================================================================
// Module Registry - Plugin system for scan modules
// =============================================================================

// Factory builds a fresh module instance. The engine calls it once per run
// so modules never share state across scans.
type Factory func() core.Module

// Info describes a registered module.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry manages registered module factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name. A nil factory is ignored.
func (r *Registry) Register(name string, factory Factory) {
	if name == "" || factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Unregister removes name from the registry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, name)
}

// Resolve returns the factory for name. Unknown names report false.
func (r *Registry) Resolve(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// New builds a fresh instance of the named module.
func (r *Registry) New(name string) (core.Module, error) {
	f, ok := r.Resolve(name)
	if !ok {
		return nil, errors.E(errors.KindNotFound, "modules.New", "module "+name+" is not registered")
	}
	return f(), nil
}

// Names returns all registered module names, sorted.
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

// Describe lists every registered module with its description.
func (r *Registry) Describe() []Info {
	names := r.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		m, err := r.New(name)
		if err != nil {
			continue
		}
		out = append(out, Info{Name: name, Description: m.Description()})
	}
	return out
}
