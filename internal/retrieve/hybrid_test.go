package retrieve

import (
	"testing"
	"time"

	"memoryd/internal/domain"
)

func TestTierWeightOrdering(t *testing.T) {
	if tierWeight(domain.TierWorking) >= tierWeight(domain.TierBooks) {
		t.Fatalf("expected working tier weight below books")
	}
	if tierWeight(domain.TierBooks) >= tierWeight(domain.TierSystem) {
		t.Fatalf("expected books tier weight below system")
	}
	if tierWeight(domain.TierSystem) != tierWeight(domain.TierMemoryBank) {
		t.Fatalf("expected system and memory_bank to share the top weight")
	}
}

func TestComputeConfidenceBuckets(t *testing.T) {
	high := []Hit{{Score: 0.9}, {Score: 0.7}}
	if got := computeConfidence(high); got != "high" {
		t.Fatalf("expected high confidence, got %s", got)
	}
	medium := []Hit{{Score: 0.6}, {Score: 0.3}}
	if got := computeConfidence(medium); got != "medium" {
		t.Fatalf("expected medium confidence, got %s", got)
	}
	low := []Hit{{Score: 0.1}}
	if got := computeConfidence(low); got != "low" {
		t.Fatalf("expected low confidence, got %s", got)
	}
	if got := computeConfidence(nil); got != "low" {
		t.Fatalf("expected low confidence for empty hit set, got %s", got)
	}
}

func TestApplySortRecency(t *testing.T) {
	now := time.Now()
	candidates := []*candidate{
		{memoryID: "a", item: domain.MemoryItem{UpdatedAt: now.Add(-time.Hour)}, fused: 0.9},
		{memoryID: "b", item: domain.MemoryItem{UpdatedAt: now}, fused: 0.1},
	}
	applySort(candidates, SortRecency)
	if candidates[0].memoryID != "b" {
		t.Fatalf("expected most recently updated item first, got %s", candidates[0].memoryID)
	}
}

func TestApplySortScorePrefersWilsonThenFused(t *testing.T) {
	candidates := []*candidate{
		{memoryID: "a", item: domain.MemoryItem{Stats: domain.Stats{WilsonScore: 0.4}}, fused: 0.9},
		{memoryID: "b", item: domain.MemoryItem{Stats: domain.Stats{WilsonScore: 0.8}}, fused: 0.1},
	}
	applySort(candidates, SortScore)
	if candidates[0].memoryID != "b" {
		t.Fatalf("expected higher wilson_score item first, got %s", candidates[0].memoryID)
	}
}

func TestAllTiersIncludesCoreTiers(t *testing.T) {
	tiers := allTiers()
	want := map[domain.Tier]bool{
		domain.TierWorking: false, domain.TierHistory: false, domain.TierPatterns: false,
		domain.TierBooks: false, domain.TierMemoryBank: false, domain.TierSystem: false,
	}
	for _, t2 := range tiers {
		want[t2] = true
	}
	for tier, found := range want {
		if !found {
			t.Fatalf("expected allTiers to include %s", tier)
		}
	}
}
