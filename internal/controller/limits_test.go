package controller

import (
	"sync"
	"testing"

	"planline/internal/planner"
)

func TestUnknownProviderLimiterShared(t *testing.T) {
	l := newLimits([]planner.ProviderAllocation{
		{Provider: "local", MaxConcurrent: 4, RequestsPerMinute: 600},
	})

	// concurrent first use of an unlisted provider must lazily insert exactly
	// one limiter
	const n = 8
	got := make([]*providerLimiter, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = l.get("mystery")
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d got a different limiter", i)
		}
	}
	if l.get("local") == got[0] {
		t.Fatalf("known provider shares the lazy limiter")
	}
}
