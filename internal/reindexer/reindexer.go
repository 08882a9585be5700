// Package reindexer implements the C8 DeferredReindexer: scans memories
// flagged needs_reindex, re-embeds them via C1, and upserts the resulting
// vectors via C3, in bounded batches so a cold embedding service doesn't
// stall the rest of the system.
package reindexer

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"memoryd/internal/config"
	"memoryd/internal/domain"
	"memoryd/internal/embedding"
	"memoryd/internal/store"
)

// Report is the outcome of one reindex pass.
type Report struct {
	Processed  int
	Failed     int
	Sanitized  int
	DurationMs int64
}

// Progress is the reindexer's live state, polled by admin endpoints.
type Progress struct {
	Running       bool
	BatchesDone   int
	LastReport    Report
	RefusalReason string
}

// ReindexStore is the subset of MemoryStore the reindexer depends on.
type ReindexStore interface {
	FindNeedsReindex(ctx context.Context, userID string, limit int) ([]domain.MemoryItem, error)
	Update(ctx context.Context, userID, memoryID string, patch store.Patch) error
}

// Reindexer is the C8 component.
type Reindexer struct {
	cfg      config.ReindexerConfig
	docs     ReindexStore
	embedder *embedding.Client
	vector   *store.VectorIndexAdapter

	mu       sync.Mutex
	paused   bool
	progress Progress
}

// New wires the reindexer's dependencies.
func New(cfg config.ReindexerConfig, docs ReindexStore, embedder *embedding.Client, vector *store.VectorIndexAdapter) *Reindexer {
	return &Reindexer{cfg: cfg, docs: docs, embedder: embedder, vector: vector}
}

// Pause stops the next batch from starting; an in-flight batch completes.
func (r *Reindexer) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume clears a pause.
func (r *Reindexer) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// SetSanitizeMode toggles the sanitization sub-mode at runtime, used by the
// /memory/ops/sanitize admin endpoint without requiring a process restart.
func (r *Reindexer) SetSanitizeMode(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.SanitizeMode = on
}

// GetProgress reports the reindexer's current state for admin diagnostics.
func (r *Reindexer) GetProgress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// base64ish matches runs that look like base64/binary noise embedded in
// otherwise-plain text, removed by the sanitization sub-mode before re-embedding.
var base64ish = regexp.MustCompile(`[A-Za-z0-9+/]{80,}={0,2}`)

// sanitize strips binary/base64 artifacts from text, per spec §4.8's
// sanitization sub-mode.
func sanitize(text string) (cleaned string, changed bool) {
	cleaned = base64ish.ReplaceAllString(text, "")
	return cleaned, cleaned != text
}

// Run scans findNeedsReindex in batches, embeds via C1, upserts via C3, and
// clears needs_reindex. It refuses to start if C1 is unhealthy, returning a
// recovery checklist instead of a Report.
func (r *Reindexer) Run(ctx context.Context, userID string) (Report, error) {
	status := r.embedder.GetStatus()
	if status.CircuitOpen {
		checklist := fmt.Sprintf(
			"embedding client circuit is open (failures=%d, last_error=%s); recovery steps: 1) verify the embedding endpoint is reachable, 2) check recent error logs for %s, 3) call resetCircuit() once the endpoint responds, 4) retry the reindex",
			status.Failures, status.LastErrorCategory, status.LastErrorCategory,
		)
		r.mu.Lock()
		r.progress.RefusalReason = checklist
		r.mu.Unlock()
		return Report{}, fmt.Errorf("reindexer: refusing to start: %s", checklist)
	}

	start := time.Now()
	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	r.mu.Lock()
	r.progress.Running = true
	r.progress.RefusalReason = ""
	r.mu.Unlock()

	var report Report
	for {
		r.mu.Lock()
		paused := r.paused
		r.mu.Unlock()
		if paused {
			break
		}
		if ctx.Err() != nil {
			break
		}

		items, err := r.docs.FindNeedsReindex(ctx, userID, batchSize)
		if err != nil {
			return report, fmt.Errorf("reindexer: scan failed: %w", err)
		}
		if len(items) == 0 {
			break
		}

		r.processBatch(ctx, items, &report)

		r.mu.Lock()
		r.progress.BatchesDone++
		r.progress.LastReport = report
		r.mu.Unlock()

		if len(items) < batchSize {
			break
		}
	}

	report.DurationMs = time.Since(start).Milliseconds()
	r.mu.Lock()
	r.progress.Running = false
	r.progress.LastReport = report
	r.mu.Unlock()
	return report, nil
}

func (r *Reindexer) processBatch(ctx context.Context, items []domain.MemoryItem, report *Report) {
	texts := make([]string, len(items))
	for i, item := range items {
		text := item.Text
		if r.cfg.SanitizeMode {
			cleaned, changed := sanitize(text)
			if changed {
				text = cleaned
				report.Sanitized++
			}
		}
		texts[i] = text
	}

	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		report.Failed += len(items)
		log.Error().Err(err).Int("batch_size", len(items)).Msg("reindex embed batch failed")
		return
	}

	points := make([]store.Point, 0, len(items))
	now := time.Now().UTC()
	for i, item := range items {
		points = append(points, store.Point{
			ID:     item.MemoryID,
			Vector: vectors[i],
			Payload: map[string]any{
				"user_id": item.UserID, "tier": string(item.Tier),
				"status": string(item.Status), "text": texts[i], "memory_id": item.MemoryID,
			},
		})
	}
	if err := r.vector.Upsert(ctx, points); err != nil {
		report.Failed += len(items)
		log.Error().Err(err).Int("batch_size", len(items)).Msg("reindex vector upsert failed")
		return
	}

	for _, item := range items {
		meta := item.Embedding
		meta.NeedsReindex = false
		meta.IndexedAt = &now
		meta.Dimensions = r.vector.Dimension()
		if err := r.docs.Update(ctx, item.UserID, item.MemoryID, store.Patch{Embedding: &meta}); err != nil {
			report.Failed++
			log.Error().Err(err).Str("memory_id", item.MemoryID).Msg("reindex status update failed")
			continue
		}
		report.Processed++
	}
}
