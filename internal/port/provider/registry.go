// Package provider holds the name-keyed factory registry adapters use to
// self-register from init().
package provider

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Factory builds a provider from string configuration.
type Factory[T any] func(config map[string]string) (T, error)

// Registry maps provider names to factories. The zero value is not usable;
// call NewRegistry.
type Registry[T any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]Factory[T]
}

// NewRegistry returns an empty registry. kind prefixes error messages.
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, factories: make(map[string]Factory[T])}
}

// Register adds a factory. Registering a name twice panics.
func (r *Registry[T]) Register(name string, factory Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("%s: duplicate registration for %q", r.kind, name))
	}
	r.factories[name] = factory
}

// New builds the named provider.
func (r *Registry[T]) New(name string, config map[string]string) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unknown provider %q", r.kind, name)
	}
	return factory(config)
}

// Available returns the registered names, sorted.
func (r *Registry[T]) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
