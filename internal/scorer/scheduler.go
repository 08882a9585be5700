package scorer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"memoryd/internal/domain"
)

// DecayLister is the paging query the scheduler drives; MemoryStore
// implements it via ListActiveForDecay.
type DecayLister interface {
	ListActiveForDecay(ctx context.Context, afterMemoryID string, limit int) ([]domain.MemoryItem, error)
}

// RunDecayScheduler runs ApplyDecay over every active memory once per
// scheduler_interval_ms, until ctx is cancelled. Each tick pages through
// the full active set in batches of 200.
func (s *Scorer) RunDecayScheduler(ctx context.Context, lister DecayLister) {
	interval := s.cfg.SchedulerInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDecayTick(ctx, lister)
		}
	}
}

func (s *Scorer) runDecayTick(ctx context.Context, lister DecayLister) {
	cursor := ""
	processed := 0
	for {
		batch, err := lister.ListActiveForDecay(ctx, cursor, 200)
		if err != nil {
			log.Error().Err(err).Msg("decay scan failed")
			return
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			item := batch[i]
			if _, err := s.ApplyDecay(ctx, &item); err != nil {
				log.Warn().Err(err).Str("memory_id", item.MemoryID).Msg("decay update failed")
				continue
			}
			processed++
		}
		cursor = batch[len(batch)-1].MemoryID
		if ctx.Err() != nil {
			return
		}
	}
	log.Info().Int("processed", processed).Msg("decay tick complete")
}
