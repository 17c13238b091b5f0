package routing

import (
	"testing"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// Scenario E (spec.md §8): free tier, architect affinity 0.99, must
// still return exactly ["cheap"] -- invariant T1.
func TestSelect_TierSafety_FreeTierNeverEscalates(t *testing.T) {
	in := AffinityInput{
		ArchetypeAffinity: map[money.PoolID]float64{
			money.PoolArchitect: 0.99,
			money.PoolCheap:     0.01,
		},
		Dials: DialFingerprint{"creativity": 0.99, "visionary": 0.99},
	}
	got, err := Select(TierFree, money.AllPools, in)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 1 || got[0] != money.PoolCheap {
		t.Fatalf("want [cheap], got %v", got)
	}
}

func TestSelect_InvariantT1_SubsetOfAllowedForAllTiers(t *testing.T) {
	tiers := []Tier{TierFree, TierPro, TierEnterprise}
	in := AffinityInput{
		ArchetypeAffinity: map[money.PoolID]float64{
			money.PoolArchitect: 1.0,
			money.PoolReasoning: 1.0,
		},
	}
	for _, tier := range tiers {
		allowed := make(map[money.PoolID]bool)
		for _, p := range AllowedPools(tier) {
			allowed[p] = true
		}
		got, err := Select(tier, money.AllPools, in)
		if err != nil && err != ErrNoEligiblePool {
			t.Fatalf("tier %s: %v", tier, err)
		}
		for _, p := range got {
			if !allowed[p] {
				t.Fatalf("tier %s: pool %s escaped allowed set", tier, p)
			}
		}
	}
}

func TestSelect_EmptyIntersection_NoEligiblePool(t *testing.T) {
	_, err := Select(TierFree, []money.PoolID{money.PoolArchitect}, AffinityInput{})
	if err != ErrNoEligiblePool {
		t.Fatalf("want ErrNoEligiblePool, got %v", err)
	}
}

func TestSelect_EmptyResolvedPools_ReturnsEmpty(t *testing.T) {
	_, err := Select(TierEnterprise, nil, AffinityInput{})
	if err != ErrNoEligiblePool {
		t.Fatalf("want ErrNoEligiblePool, got %v", err)
	}
}

func TestSelect_UnknownPool_Rejected(t *testing.T) {
	_, err := Select(TierEnterprise, []money.PoolID{"not-a-pool"}, AffinityInput{})
	if err == nil {
		t.Fatal("want error for unknown pool")
	}
	if _, ok := err.(*ErrUnknownPool); !ok {
		t.Fatalf("want *ErrUnknownPool, got %T: %v", err, err)
	}
}

func TestSelect_TieBreak_AscendingPoolID(t *testing.T) {
	// Equal affinity across the whole pro-allowed set: cheap < fast-code < reviewer.
	in := AffinityInput{}
	got, err := Select(TierPro, money.AllPools, in)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := []money.PoolID{money.PoolCheap, money.PoolFastCode, money.PoolReviewer}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}

func TestAffinity_WeightedBlend(t *testing.T) {
	in := AffinityInput{
		ArchetypeAffinity: map[money.PoolID]float64{money.PoolArchitect: 1.0},
		Dials:             DialFingerprint{"creativity": 0.0, "visionary": 0.0},
	}
	got := Affinity(in, money.PoolArchitect)
	want := 0.6*1.0 + 0.4*0.0
	if got != want {
		t.Fatalf("want %v, got %v", want, got)
	}
}
