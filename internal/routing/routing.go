// Package routing implements the tier-gated, affinity-ranked pool
// selector of spec.md §4.J: intersect a tenant's resolved pools with
// the tier's allowed set, rank the intersection by archetype+genotype
// affinity, and never let affinity escalate past the tier boundary
// (invariant T1).
//
// Grounded on spec.md §9's "dynamic configuration maps...loaded at
// startup with a checksum, unknown keys default optimistically" note,
// structurally mirroring the teacher's pricingCache sync.Map "load
// once, serve from memory" idiom in internal/ledger/ledger.go --
// generalized here to an immutable compile-time table since the pool
// and tier vocabularies are closed, not DB rows.
package routing

import (
	"fmt"
	"sort"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// Tier is the tenant's plan class, spec.md §6.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ErrUnknownPool is the UNKNOWN_POOL error code of spec.md §6.
type ErrUnknownPool struct{ Pool string }

func (e *ErrUnknownPool) Error() string { return fmt.Sprintf("routing: unknown pool %q", e.Pool) }

// ErrNoEligiblePool is returned when tier-allowed and tenant-resolved
// pools have an empty intersection, spec.md §4.J.
var ErrNoEligiblePool = fmt.Errorf("routing: no_eligible_pool")

// allowedByTier is the fixed tier -> allowed-pools matrix, spec.md §4.J.
var allowedByTier = map[Tier][]money.PoolID{
	TierFree: {money.PoolCheap},
	TierPro:  {money.PoolCheap, money.PoolFastCode, money.PoolReviewer},
	TierEnterprise: {
		money.PoolCheap, money.PoolFastCode, money.PoolReviewer,
		money.PoolReasoning, money.PoolArchitect,
	},
}

// AllowedPools returns the fixed set of pools a tier may ever reach.
// An unrecognized tier is allowed nothing -- there is no "default tier"
// in spec.md's closed vocabulary.
func AllowedPools(tier Tier) []money.PoolID {
	pools, ok := allowedByTier[tier]
	if !ok {
		return nil
	}
	out := make([]money.PoolID, len(pools))
	copy(out, pools)
	return out
}

// DialFingerprint is a personality's dial values in [0,1], keyed by
// dial name (e.g. "creativity", "assertiveness"). Unknown dials default
// optimistically to 0.5 per spec.md §9, rather than erroring.
type DialFingerprint map[string]float64

func (d DialFingerprint) get(name string) float64 {
	if v, ok := d[name]; ok {
		return v
	}
	return 0.5
}

// genotypeDials selects which dials feed a pool's genotype affinity,
// spec.md §4.J's example ("creativity dials for architect, assertiveness
// dials for fast-code"). This table is an immutable compile-time
// literal; no checksum of it is computed or checked at startup, and it
// cannot be reloaded at runtime.
var genotypeDials = map[money.PoolID][]string{
	money.PoolCheap:     {"efficiency"},
	money.PoolFastCode:  {"assertiveness", "decisiveness"},
	money.PoolReviewer:  {"skepticism", "precision"},
	money.PoolReasoning: {"analyticalDepth", "patience"},
	money.PoolArchitect: {"creativity", "visionary"},
}

// AffinityInput is one tenant's personality signal for one candidate
// pool selection call.
type AffinityInput struct {
	ArchetypeAffinity map[money.PoolID]float64 // 0..1 per pool, unknown -> 0.5
	Dials             DialFingerprint
}

func (in AffinityInput) archetypeFor(pool money.PoolID) float64 {
	if in.ArchetypeAffinity == nil {
		return 0.5
	}
	if v, ok := in.ArchetypeAffinity[pool]; ok {
		return v
	}
	return 0.5
}

func (in AffinityInput) genotypeFor(pool money.PoolID) float64 {
	dials := genotypeDials[pool]
	if len(dials) == 0 {
		return 0.5
	}
	sum := 0.0
	for _, name := range dials {
		sum += in.Dials.get(name)
	}
	return sum / float64(len(dials))
}

// Affinity computes spec.md §4.J's weighted blend:
// 0.6*archetype + 0.4*genotype.
func Affinity(in AffinityInput, pool money.PoolID) float64 {
	return 0.6*in.archetypeFor(pool) + 0.4*in.genotypeFor(pool)
}

type ranked struct {
	pool     money.PoolID
	affinity float64
}

// Select implements spec.md §4.J's selection rule: rank
// allowed_pools(tier) ∩ resolvedPools by descending affinity, ties
// broken by ascending pool id. resolvedPools is the tenant's
// personality-layer candidate set (out of scope per spec.md §1; the
// caller resolves it and hands it in).
//
// Invariant T1: the result is always a subset of AllowedPools(tier),
// regardless of affinity, resolvedPools contents, or an empty
// resolvedPools -- tier can never be escalated past by any input here.
func Select(tier Tier, resolvedPools []money.PoolID, in AffinityInput) ([]money.PoolID, error) {
	allowed := AllowedPools(tier)

	resolvedSet := make(map[money.PoolID]bool, len(resolvedPools))
	for _, p := range resolvedPools {
		if _, err := money.ParsePoolID(string(p)); err != nil {
			return nil, &ErrUnknownPool{Pool: string(p)}
		}
		resolvedSet[p] = true
	}

	var candidates []ranked
	for _, p := range allowed {
		if resolvedSet[p] {
			candidates = append(candidates, ranked{pool: p, affinity: Affinity(in, p)})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].affinity != candidates[j].affinity {
			return candidates[i].affinity > candidates[j].affinity
		}
		return candidates[i].pool < candidates[j].pool
	})

	out := make([]money.PoolID, len(candidates))
	for i, c := range candidates {
		out[i] = c.pool
	}
	if len(out) == 0 {
		return out, ErrNoEligiblePool
	}
	return out, nil
}
