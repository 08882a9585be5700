// Package scorer implements the C7 OutcomeScorer: Wilson-score feedback
// aggregation, scheduled time decay, and tier promotion/archival.
package scorer

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"memoryd/internal/config"
	"memoryd/internal/domain"
	"memoryd/internal/store"
)

// wilsonZ is the z-score for a 95% confidence lower bound, per spec §4.7.
const wilsonZ = 1.96

// WilsonLowerBound computes the Wilson score lower bound for successes out
// of n trials at z=1.96, matching spec §4.7's "wilson_score using the
// Wilson lower bound at z=1.96 over worked/(worked+failed+partial+1)".
func WilsonLowerBound(successes, n float64) float64 {
	if n <= 0 {
		return 0
	}
	p := successes / n
	z2 := wilsonZ * wilsonZ
	denom := 1 + z2/n
	center := p + z2/(2*n)
	margin := wilsonZ * math.Sqrt(p*(1-p)/n+z2/(4*n*n))
	return (center - margin) / denom
}

// OutcomePublisher publishes recorded outcomes to an analytics sink (e.g.
// Kafka). Implementations must not block recordFeedback's caller.
type OutcomePublisher interface {
	Publish(ctx context.Context, o domain.Outcome) error
}

// NoopPublisher discards outcomes; used when no analytics topic is configured.
type NoopPublisher struct{}

// Publish is a no-op.
func (NoopPublisher) Publish(context.Context, domain.Outcome) error { return nil }

// OutcomeStore is the subset of MemoryStore the scorer depends on.
type OutcomeStore interface {
	Get(ctx context.Context, userID, memoryID string) (*domain.MemoryItem, error)
	Update(ctx context.Context, userID, memoryID string, patch store.Patch) error
}

// Scorer is the C7 component.
type Scorer struct {
	cfg       config.ScorerConfig
	docs      OutcomeStore
	publisher OutcomePublisher
}

// New wires a Scorer. publisher may be nil, in which case outcomes are
// discarded after updating the memory's stats.
func New(cfg config.ScorerConfig, docs OutcomeStore, publisher OutcomePublisher) *Scorer {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Scorer{cfg: cfg, docs: docs, publisher: publisher}
}

// RecordFeedback appends a citation-scoped outcome and recomputes the
// memory's worked/failed/partial counters and wilson_score (spec §4.7).
func (s *Scorer) RecordFeedback(ctx context.Context, userID, memoryID string, score domain.OutcomeScore, conversationID, messageID string) error {
	item, err := s.docs.Get(ctx, userID, memoryID)
	if err != nil {
		return err
	}

	stats := item.Stats
	switch score {
	case domain.OutcomePositive:
		stats.WorkedCount++
	case domain.OutcomeNegative:
		stats.FailedCount++
	default:
		stats.PartialCount++
	}
	stats.Uses++
	now := time.Now().UTC()
	stats.LastUsedAt = &now

	denom := float64(stats.WorkedCount + stats.FailedCount + stats.PartialCount + 1)
	stats.WilsonScore = WilsonLowerBound(float64(stats.WorkedCount), denom)
	if denom-1 > 0 {
		stats.SuccessRate = float64(stats.WorkedCount) / (denom - 1)
	}

	if err := s.docs.Update(ctx, userID, memoryID, store.Patch{Stats: &stats}); err != nil {
		return err
	}

	outcome := domain.Outcome{
		UserID: userID, MemoryID: memoryID, Score: score,
		ConversationID: conversationID, MessageID: messageID, CreatedAt: now,
	}
	if err := s.publisher.Publish(ctx, outcome); err != nil {
		log.Warn().Err(err).Str("memory_id", memoryID).Msg("outcome publish failed")
	}
	return nil
}

// ApplyDecay multiplies quality_score by (1-decay_per_day)^days_since_last_used,
// clamped to [floor, 1], and archives items that have sat under the archive
// threshold for longer than archive_grace_days. Idempotent via last_decay_at.
func (s *Scorer) ApplyDecay(ctx context.Context, item *domain.MemoryItem) (changed bool, err error) {
	now := time.Now().UTC()
	reference := item.Stats.LastUsedAt
	if reference == nil {
		reference = &item.CreatedAt
	}
	since := *reference
	if item.LastDecayAt != nil && item.LastDecayAt.After(since) {
		since = *item.LastDecayAt
	}
	days := now.Sub(since).Hours() / 24
	if days <= 0 {
		return false, nil
	}

	decayed := item.QualityScore * math.Pow(1-s.cfg.DecayPerDay, days)
	if decayed < s.cfg.DecayFloor {
		decayed = s.cfg.DecayFloor
	}
	if decayed > 1 {
		decayed = 1
	}

	patch := store.Patch{QualityScore: &decayed, LastDecayAt: &now}

	if decayed < s.cfg.ArchiveThreshold {
		graceCutoff := now.AddDate(0, 0, -s.cfg.ArchiveGraceDays)
		if reference.Before(graceCutoff) && item.Status == domain.StatusActive {
			archived := domain.StatusArchived
			patch.Status = &archived
			patch.ArchivedAt = &now
		}
	}

	if err := s.docs.Update(ctx, item.UserID, item.MemoryID, patch); err != nil {
		return false, err
	}
	return true, nil
}

// EvaluatePromotion applies the working->history and history->patterns
// promotion rules from spec §4.7. distinctConversations counts how many
// distinct conversations have positively cited this memory; it's the
// caller's responsibility to compute it (store-query-shaped, not scorer state).
func (s *Scorer) EvaluatePromotion(ctx context.Context, item *domain.MemoryItem, distinctConversations int) (promoted bool, err error) {
	if !s.cfg.PromotionEnabled {
		return false, nil
	}
	var newTier domain.Tier
	switch item.Tier {
	case domain.TierWorking:
		if item.Stats.WilsonScore >= s.cfg.PromoteThreshold && item.Stats.Uses >= s.cfg.PromoteMinUses {
			newTier = domain.TierHistory
		}
	case domain.TierHistory:
		if distinctConversations >= 2 && item.Stats.WilsonScore >= s.cfg.PromoteThreshold {
			newTier = domain.TierPatterns
		}
	}
	if newTier == "" {
		return false, nil
	}
	return true, s.docs.Update(ctx, item.UserID, item.MemoryID, store.Patch{Tier: &newTier})
}
