package controller

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"planline/internal/planner"
)

// providerLimiter enforces one provider's capacity profile: a concurrency
// ceiling and a request rate.
type providerLimiter struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter
}

type limits struct {
	mu         sync.Mutex
	byProvider map[string]*providerLimiter
}

// newLimits builds enforcement from the plan's advisory allocations. A
// provider the plan never mentioned gets the conservative single-slot
// limiter on first use.
func newLimits(allocs []planner.ProviderAllocation) *limits {
	l := &limits{byProvider: make(map[string]*providerLimiter, len(allocs))}
	for _, a := range allocs {
		l.byProvider[a.Provider] = &providerLimiter{
			sem:  semaphore.NewWeighted(int64(a.MaxConcurrent)),
			rate: rate.NewLimiter(rate.Limit(float64(a.RequestsPerMinute)/60.0), 1),
		}
	}
	return l
}

// get is called from concurrent task goroutines; the lazy insert for an
// unlisted provider must not race.
func (l *limits) get(provider string) *providerLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.byProvider[provider]; ok {
		return p
	}
	p := &providerLimiter{
		sem:  semaphore.NewWeighted(1),
		rate: rate.NewLimiter(rate.Limit(0.5), 1),
	}
	l.byProvider[provider] = p
	return p
}

// acquire blocks until both a concurrency slot and a rate token are
// available. The returned release func must be called when the task finishes.
func (l *limits) acquire(ctx context.Context, provider string) (func(), error) {
	p := l.get(provider)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := p.rate.Wait(ctx); err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}
