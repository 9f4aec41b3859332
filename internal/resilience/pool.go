package resilience

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedPool bounds concurrent work per key using one weighted semaphore per key.
// Semaphores are created lazily on first use with the limit passed at that time.
type KeyedPool struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewKeyedPool creates an empty KeyedPool.
func NewKeyedPool() *KeyedPool {
	return &KeyedPool{sems: make(map[string]*semaphore.Weighted)}
}

func (p *KeyedPool) get(key string, limit int) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[key]
	if !ok {
		s = semaphore.NewWeighted(int64(max(limit, 1)))
		p.sems[key] = s
	}
	return s
}

// Acquire blocks until a slot for key is free or ctx is done.
// The returned release func must be called exactly once.
func (p *KeyedPool) Acquire(ctx context.Context, key string, limit int) (func(), error) {
	s := p.get(key, limit)
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.Release(1) }, nil
}
