package planner

import (
	"sort"

	"planline/internal/config"
	"planline/internal/domain"
)

// ProviderAllocation pairs a provider's configured capacity with the demand
// the plan puts on it. Allocations are advisory: the execution controller
// enforces them, planning only reports them.
type ProviderAllocation struct {
	Provider          string `json:"provider"`
	MaxConcurrent     int    `json:"max_concurrent"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	EstimatedDemand   int    `json:"estimated_demand"`
}

// buildAllocations tallies task demand per provider and attaches capacity
// profiles from config. Tasks without a provider use the configured default,
// providers missing from the catalog get the conservative default profile.
func buildAllocations(tasks []domain.Task, cfg *config.Config) []ProviderAllocation {
	demand := make(map[string]int)
	for _, t := range tasks {
		demand[EffectiveProvider(t.Provider, cfg)]++
	}

	names := make([]string, 0, len(demand))
	for name := range demand {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProviderAllocation, 0, len(names))
	for _, name := range names {
		p := cfg.Profile(name)
		out = append(out, ProviderAllocation{
			Provider:          name,
			MaxConcurrent:     p.MaxConcurrent,
			RequestsPerMinute: p.RequestsPerMinute,
			EstimatedDemand:   demand[name],
		})
	}
	return out
}

// EffectiveProvider is the single default-provider resolution, shared with
// the execution controller so tasks run under the provider the allocations
// were built for.
func EffectiveProvider(provider string, cfg *config.Config) string {
	if provider != "" {
		return provider
	}
	if cfg != nil && cfg.Defaults.Provider != "" {
		return cfg.Defaults.Provider
	}
	return "local"
}
