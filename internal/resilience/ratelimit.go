package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter holds one token bucket per key, sized in calls per minute.
// A key with a non-positive rate is unlimited.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewKeyedLimiter creates an empty KeyedLimiter.
func NewKeyedLimiter() *KeyedLimiter {
	return &KeyedLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *KeyedLimiter) get(key string, perMinute int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		if perMinute <= 0 {
			lim = rate.NewLimiter(rate.Inf, 0)
		} else {
			// burst is a tenth of the per-minute allowance
			lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), max(perMinute/10, 1))
		}
		l.limiters[key] = lim
	}
	return lim
}

// Wait blocks until key may make one call or ctx is done.
func (l *KeyedLimiter) Wait(ctx context.Context, key string, perMinute int) error {
	return l.get(key, perMinute).Wait(ctx)
}
