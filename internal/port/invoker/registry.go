package invoker

import (
	"context"
	"fmt"
	"sync"

	"github.com/Strob0t/TeamForge/internal/port/provider"
)

// Factory creates an Invoker for one transport.
type Factory = provider.Factory[Invoker]

var transports = provider.NewRegistry[Invoker]("invoker")

// Register makes a transport available by name. Adapters call it from init().
func Register(name string, factory Factory) { transports.Register(name, factory) }

// New creates an Invoker for the named transport.
func New(name string, config map[string]string) (Invoker, error) {
	return transports.New(name, config)
}

// Available returns the registered transport names, sorted.
func Available() []string { return transports.Available() }

// Set routes invocations to an Invoker by transport name.
type Set struct {
	mu sync.RWMutex
	m  map[string]Invoker
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{m: make(map[string]Invoker)}
}

// Handle installs inv for transport, replacing any previous one.
func (s *Set) Handle(transport string, inv Invoker) {
	s.mu.Lock()
	s.m[transport] = inv
	s.mu.Unlock()
}

// Invoke calls endpoint through the invoker registered for transport.
func (s *Set) Invoke(ctx context.Context, transport, endpoint string, req *Request) (*Response, error) {
	s.mu.RLock()
	inv, ok := s.m[transport]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invoker: no transport %q", transport)
	}
	return inv.Invoke(ctx, endpoint, req)
}
