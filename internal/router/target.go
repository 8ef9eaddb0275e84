// Package router implements the virtual routing engine: it resolves an
// incoming request to a concrete (provider, key, model) target, honoring
// health state, cooldowns, session stickiness and in-band directives.
package router

import (
	"fmt"
	"sync/atomic"

	"github.com/Jasonzhangf/routecodex/internal/config"
	"github.com/Jasonzhangf/routecodex/pkg/types"
)

// Target is a concrete dispatch destination. Equality is string equality of
// RuntimeKey.
type Target struct {
	ProviderID string
	KeyAlias   string
	ModelID    string
	RuntimeKey string
	Family     config.Family
	Protocol   types.Protocol
}

// NewTarget builds a target from its triple and provider descriptor.
func NewTarget(providerID, keyAlias, modelID string, family config.Family) Target {
	return Target{
		ProviderID: providerID,
		KeyAlias:   keyAlias,
		ModelID:    modelID,
		RuntimeKey: config.RuntimeKey(providerID, keyAlias, modelID),
		Family:     family,
		Protocol:   family.Protocol(),
	}
}

// ProviderKey returns the provider.key pair used by the rate-limit manager.
func (t Target) ProviderKey() string {
	return t.ProviderID + "." + t.KeyAlias
}

// Pool is the ordered target list for one category. Insertion order defines
// the rotation order; the counter makes round-robin fair under concurrency.
type Pool struct {
	Category string
	Targets  []Target
	counter  atomic.Uint64
}

// NextIndex advances the rotation exactly once and returns the next start
// position. Under contention this may point at an unavailable target; the
// engine's availability check rejects it and walks forward, which is
// acceptable drift.
func (p *Pool) NextIndex() int {
	if len(p.Targets) == 0 {
		return 0
	}
	return int((p.counter.Add(1) - 1) % uint64(len(p.Targets)))
}

// Pools holds every category pool for one configuration generation.
type Pools struct {
	byCategory map[string]*Pool
}

// BuildPools materializes route pools from a configuration document.
// Validation has already guaranteed that every entry resolves.
func BuildPools(cfg *config.Config) (*Pools, error) {
	pools := &Pools{byCategory: make(map[string]*Pool)}
	for category, entries := range cfg.Routing {
		pool := &Pool{Category: category}
		for _, entry := range entries {
			providerID, keyAlias, modelID, err := config.SplitRuntimeKey(entry)
			if err != nil {
				return nil, fmt.Errorf("pool %s: %w", category, err)
			}
			desc, ok := cfg.Provider(providerID)
			if !ok {
				return nil, fmt.Errorf("pool %s: unknown provider %q", category, providerID)
			}
			pool.Targets = append(pool.Targets, NewTarget(providerID, keyAlias, modelID, desc.Family))
		}
		pools.byCategory[category] = pool
	}
	return pools, nil
}

// Pool returns the pool for a category, or nil.
func (p *Pools) Pool(category string) *Pool {
	return p.byCategory[category]
}

// AllTargets returns every distinct target across all pools.
func (p *Pools) AllTargets() []Target {
	seen := make(map[string]struct{})
	var out []Target
	for _, pool := range p.byCategory {
		for _, t := range pool.Targets {
			if _, dup := seen[t.RuntimeKey]; dup {
				continue
			}
			seen[t.RuntimeKey] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
