package scorer

import (
	"context"
	"testing"
	"time"

	"memoryd/internal/config"
	"memoryd/internal/domain"
	"memoryd/internal/store"
)

type fakeStore struct {
	items map[string]*domain.MemoryItem
}

func newFakeStore() *fakeStore { return &fakeStore{items: map[string]*domain.MemoryItem{}} }

func (f *fakeStore) Get(_ context.Context, userID, memoryID string) (*domain.MemoryItem, error) {
	item := f.items[memoryID]
	cp := *item
	return &cp, nil
}

func (f *fakeStore) Update(_ context.Context, userID, memoryID string, patch store.Patch) error {
	item := f.items[memoryID]
	if patch.Stats != nil {
		item.Stats = *patch.Stats
	}
	if patch.QualityScore != nil {
		item.QualityScore = *patch.QualityScore
	}
	if patch.Status != nil {
		item.Status = *patch.Status
	}
	if patch.ArchivedAt != nil {
		item.ArchivedAt = patch.ArchivedAt
	}
	if patch.LastDecayAt != nil {
		item.LastDecayAt = patch.LastDecayAt
	}
	if patch.Tier != nil {
		item.Tier = *patch.Tier
	}
	return nil
}

func defaultCfg() config.ScorerConfig {
	return config.ScorerConfig{
		DecayPerDay: 0.01, DecayFloor: 0.05, ArchiveThreshold: 0.1, ArchiveGraceDays: 14,
		SchedulerInterval: time.Hour, PromoteThreshold: 0.65, PromoteMinUses: 3, PromotionEnabled: true,
	}
}

func TestWilsonLowerBoundMonotonicWithSuccesses(t *testing.T) {
	low := WilsonLowerBound(1, 10)
	high := WilsonLowerBound(8, 10)
	if !(low < high) {
		t.Fatalf("expected wilson score to increase with more successes: low=%v high=%v", low, high)
	}
}

func TestWilsonLowerBoundZeroTrials(t *testing.T) {
	if got := WilsonLowerBound(0, 0); got != 0 {
		t.Fatalf("expected 0 for zero trials, got %v", got)
	}
}

func TestRecordFeedbackPositiveIncrementsWorked(t *testing.T) {
	fs := newFakeStore()
	fs.items["m1"] = &domain.MemoryItem{MemoryID: "m1", UserID: "u1", Tier: domain.TierWorking}
	s := New(defaultCfg(), fs, nil)

	if err := s.RecordFeedback(context.Background(), "u1", "m1", domain.OutcomePositive, "c1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.items["m1"].Stats.WorkedCount != 1 {
		t.Fatalf("expected worked_count=1, got %d", fs.items["m1"].Stats.WorkedCount)
	}
	if fs.items["m1"].Stats.WilsonScore <= 0 {
		t.Fatalf("expected positive wilson_score after a positive outcome")
	}
}

func TestApplyDecayClampsToFloor(t *testing.T) {
	fs := newFakeStore()
	old := time.Now().AddDate(0, 0, -10000)
	item := &domain.MemoryItem{MemoryID: "m1", UserID: "u1", QualityScore: 1.0, CreatedAt: old, Status: domain.StatusActive}
	fs.items["m1"] = item
	s := New(defaultCfg(), fs, nil)

	changed, err := s.ApplyDecay(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Fatalf("expected decay to report a change")
	}
	if fs.items["m1"].QualityScore != defaultCfg().DecayFloor {
		t.Fatalf("expected quality_score clamped to floor, got %v", fs.items["m1"].QualityScore)
	}
}

func TestApplyDecayArchivesAfterGracePeriod(t *testing.T) {
	fs := newFakeStore()
	old := time.Now().AddDate(0, 0, -10000)
	item := &domain.MemoryItem{MemoryID: "m1", UserID: "u1", QualityScore: 0.2, CreatedAt: old, Status: domain.StatusActive}
	fs.items["m1"] = item
	s := New(defaultCfg(), fs, nil)

	if _, err := s.ApplyDecay(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fs.items["m1"].Status != domain.StatusArchived {
		t.Fatalf("expected item archived after exceeding grace period under threshold, got %v", fs.items["m1"].Status)
	}
}

func TestEvaluatePromotionWorkingToHistory(t *testing.T) {
	fs := newFakeStore()
	item := &domain.MemoryItem{
		MemoryID: "m1", UserID: "u1", Tier: domain.TierWorking,
		Stats: domain.Stats{WilsonScore: 0.7, Uses: 5},
	}
	fs.items["m1"] = item
	s := New(defaultCfg(), fs, nil)

	promoted, err := s.EvaluatePromotion(context.Background(), item, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !promoted {
		t.Fatalf("expected promotion to fire when wilson_score and uses clear thresholds")
	}
	if fs.items["m1"].Tier != domain.TierHistory {
		t.Fatalf("expected tier promoted to history, got %s", fs.items["m1"].Tier)
	}
}

func TestEvaluatePromotionDisabled(t *testing.T) {
	fs := newFakeStore()
	item := &domain.MemoryItem{MemoryID: "m1", UserID: "u1", Tier: domain.TierWorking, Stats: domain.Stats{WilsonScore: 0.9, Uses: 10}}
	fs.items["m1"] = item
	cfg := defaultCfg()
	cfg.PromotionEnabled = false
	s := New(cfg, fs, nil)

	promoted, err := s.EvaluatePromotion(context.Background(), item, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if promoted {
		t.Fatalf("expected no promotion when promotion is disabled")
	}
}

func TestNoopPublisherNeverErrors(t *testing.T) {
	if err := (NoopPublisher{}).Publish(context.Background(), domain.Outcome{}); err != nil {
		t.Fatalf("expected no error from NoopPublisher, got %v", err)
	}
}
