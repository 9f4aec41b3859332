package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/resilience"
)

// admission gates invocations per agent version: a concurrency slot sized by
// max_concurrent_executions, a token from the rate_limit_per_minute bucket,
// and a circuit breaker shared by every run.
type admission struct {
	pool               *resilience.KeyedPool
	limiter            *resilience.KeyedLimiter
	defaultConcurrency int
	breakerFailures    int
	breakerTimeout     time.Duration

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

func newAdmission(defaultConcurrency, breakerFailures int, breakerTimeout time.Duration) *admission {
	return &admission{
		pool:               resilience.NewKeyedPool(),
		limiter:            resilience.NewKeyedLimiter(),
		defaultConcurrency: max(defaultConcurrency, 1),
		breakerFailures:    breakerFailures,
		breakerTimeout:     breakerTimeout,
		breakers:           make(map[string]*resilience.Breaker),
	}
}

// acquire waits for a concurrency slot and a rate token. The returned
// release func frees the slot.
func (a *admission) acquire(ctx context.Context, ag *agent.Agent) (func(), error) {
	key := ag.Key().String()
	limit := ag.Policy.MaxConcurrentExecutions
	if limit <= 0 {
		limit = a.defaultConcurrency
	}

	release, err := a.pool.Acquire(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx, key, ag.Policy.RateLimitPerMinute); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (a *admission) breaker(key string) *resilience.Breaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.breakers[key]
	if !ok {
		b = resilience.NewBreaker(a.breakerFailures, a.breakerTimeout,
			resilience.WithFailurePredicate(countsAgainstAgent),
			resilience.WithStateChange(func(from, to resilience.State) {
				slog.Warn("agent circuit breaker changed state", "agent", key, "from", from.String(), "to", to.String())
			}),
		)
		a.breakers[key] = b
	}
	return b
}

// countsAgainstAgent reports whether err is the agent's fault. Cancelled runs
// and credential problems say nothing about the agent's health.
func countsAgainstAgent(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrCredential)
}
