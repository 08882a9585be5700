// Package memory implements the C9 MemoryFacade: the single public surface
// that wires the embedding client (C1), rerank client (C2), vector index
// (C3), document store (C4), knowledge graph (C5), hybrid retriever (C6),
// outcome scorer (C7), and deferred reindexer (C8) into the operations the
// HTTP hook surface and the mcpflow orchestrator actually call.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"memoryd/internal/config"
	"memoryd/internal/domain"
	"memoryd/internal/embedding"
	"memoryd/internal/mcpflow"
	"memoryd/internal/memoryerr"
	"memoryd/internal/reindexer"
	"memoryd/internal/rerank"
	"memoryd/internal/retrieve"
	"memoryd/internal/scorer"
	"memoryd/internal/store"
)

// StoreParams is the input to Facade.Store (spec §4.9).
type StoreParams struct {
	UserID     string
	Tier       domain.Tier
	Text       string
	Tags       []string
	Entities   []string
	Importance float64
	Metadata   map[string]string
	Source     domain.Source
}

// SearchParams is the input to Facade.Search, mirroring retrieve.Options
// without exposing the retrieve package to HTTP callers directly.
type SearchParams struct {
	UserID string
	Query  string
	Tiers  []domain.Tier
	Limit  int
	SortBy retrieve.SortBy
}

// TierStats is one tier's contribution to Facade.GetStats.
type TierStats struct {
	Tier        domain.Tier `json:"tier"`
	Count       int         `json:"count"`
	SuccessRate float64     `json:"success_rate"`
}

// Stats is Facade.GetStats's return value.
type Stats struct {
	UserID string      `json:"user_id"`
	Tiers  []TierStats `json:"tiers"`
	Total  int         `json:"total"`
}

// isBookLike reports the tiers that get cross-session dedup-by-hash treatment,
// per spec §4.9's "recognize already ingested" clause.
func isBookLike(t domain.Tier) bool {
	return t == domain.TierBooks || t.IsDatagov()
}

// Facade is the C9 component.
type Facade struct {
	cfg       config.Config
	docs      *store.MemoryStore
	vector    *store.VectorIndexAdapter
	graph     *store.KnowledgeGraph
	embedder  *embedding.Client
	reranker  *rerank.Client
	retriever *retrieve.HybridRetriever
	scorer    *scorer.Scorer
	reindexer *reindexer.Reindexer
}

// New wires every C1-C8 component into one Facade. reranker may be nil if
// reranking is disabled.
func New(cfg config.Config, docs *store.MemoryStore, vector *store.VectorIndexAdapter, graph *store.KnowledgeGraph, embedder *embedding.Client, rerankClient *rerank.Client, sc *scorer.Scorer, ri *reindexer.Reindexer) *Facade {
	retriever := retrieve.New(cfg.Retrieve, embedder, vector, docs, rerankClient)
	return &Facade{
		cfg: cfg, docs: docs, vector: vector, graph: graph, embedder: embedder,
		reranker: rerankClient, retriever: retriever, scorer: sc, reindexer: ri,
	}
}

func documentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// Store writes a new MemoryItem, embedding and vector-indexing it
// synchronously when the embedding client is healthy, and recording its
// entities to the knowledge graph. For book-like tiers, an existing memory
// with the same document_hash for the same user is returned instead of
// creating a duplicate.
func (f *Facade) Store(ctx context.Context, p StoreParams) (*domain.MemoryItem, error) {
	if strings.TrimSpace(p.Text) == "" {
		return nil, memoryerr.Wrap("memory.Store", memoryerr.KindValidation, fmt.Errorf("text is required"))
	}
	hash := documentHash(p.Text)

	if isBookLike(p.Tier) {
		if existing, found, err := f.docs.GetDocumentByHash(ctx, p.UserID, hash); err == nil && found {
			return existing, nil
		}
	}

	now := time.Now().UTC()
	item := &domain.MemoryItem{
		MemoryID:       uuid.NewString(),
		UserID:         p.UserID,
		Tier:           p.Tier,
		Status:         domain.StatusActive,
		Text:           p.Text,
		Tags:           p.Tags,
		Entities:       p.Entities,
		Source:         p.Source,
		Importance:     p.Importance,
		Confidence:     0.5,
		QualityScore:   0.5,
		RecencyScore:   1.0,
		CurrentVersion: 1,
		DocumentHash:   hash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	item.RecomputeSuccessRate()
	if p.Importance == 0 {
		item.Importance = 0.5
	}

	status := f.embedder.GetStatus()
	var vec []float32
	if status.CircuitOpen || status.DegradedMode {
		item.Embedding.NeedsReindex = true
	} else {
		v, err := f.embedder.Embed(ctx, p.Text)
		if err != nil {
			item.Embedding.NeedsReindex = true
			log.Warn().Err(err).Str("memory_id", item.MemoryID).Msg("synchronous embed failed on store, deferring")
		} else {
			vec = v
			item.Embedding = domain.EmbeddingMeta{
				Model: f.cfg.Embedding.Model, Dimensions: len(vec), IndexedAt: &now, NeedsReindex: false,
			}
		}
	}

	if err := f.docs.Insert(ctx, item); err != nil {
		return nil, err
	}

	if vec != nil {
		point := store.Point{
			ID:     item.MemoryID,
			Vector: vec,
			Payload: map[string]any{
				"user_id": item.UserID, "tier": string(item.Tier),
				"status": string(item.Status), "text": item.Text, "memory_id": item.MemoryID,
			},
		}
		if err := f.vector.Upsert(ctx, []store.Point{point}); err != nil {
			log.Warn().Err(err).Str("memory_id", item.MemoryID).Msg("vector upsert failed on store, marking needs_reindex")
			needs := true
			_ = f.docs.Update(ctx, item.UserID, item.MemoryID, store.Patch{Embedding: &domain.EmbeddingMeta{
				Model: item.Embedding.Model, Dimensions: item.Embedding.Dimensions, IndexedAt: item.Embedding.IndexedAt, NeedsReindex: needs,
			}})
		}
	}

	if len(p.Entities) > 0 && f.graph != nil {
		if err := f.graph.RecordEntities(ctx, p.UserID, item.MemoryID, p.Entities, item.QualityScore); err != nil {
			log.Warn().Err(err).Str("memory_id", item.MemoryID).Msg("recordEntities failed")
		}
	}

	return item, nil
}

// Search proxies to the hybrid retriever with a user-scoped filter.
func (f *Facade) Search(ctx context.Context, p SearchParams) retrieve.Result {
	return f.retriever.Search(ctx, retrieve.Options{
		UserID: p.UserID, Query: p.Query, Tiers: p.Tiers, Limit: p.Limit, SortBy: p.SortBy,
	})
}

// PrefetchContext implements mcpflow.Facade: runs Search, then renders the
// bit-exact <memory_context> injection block from spec §6.
func (f *Facade) PrefetchContext(ctx context.Context, p mcpflow.PrefetchParams) (mcpflow.PrefetchResult, error) {
	query := p.Query
	if query == "" && len(p.RecentMessages) > 0 {
		query = p.RecentMessages[len(p.RecentMessages)-1]
	}
	result := f.Search(ctx, SearchParams{UserID: p.UserID, Query: query, Limit: p.Limit})

	citations := make([]string, 0, len(result.Hits))
	var lines []string
	for _, hit := range result.Hits {
		citations = append(citations, hit.MemoryID)
		content := strings.ReplaceAll(strings.TrimSpace(hit.Item.Text), "\n", " ")
		lines = append(lines, fmt.Sprintf("[%s:%s] %s", hit.Item.Tier, hit.MemoryID, content))
	}

	var injection string
	if len(lines) > 0 {
		injection = "<memory_context>\n" + strings.Join(lines, "\n") + "\n</memory_context>"
	}

	debug := map[string]any{
		"fallbacks_used":      result.Debug.FallbacksUsed,
		"stage_timings_ms":    result.Debug.StageTimingsMs,
		"errors":              result.Debug.Errors,
		"vector_stage_status": result.Debug.VectorStageStatus,
	}

	return mcpflow.PrefetchResult{
		MemoryContextInjection: injection,
		RetrievalConfidence:    confidenceToFloat(result.Debug.Confidence),
		RetrievalDebug:         debug,
		Citations:              citations,
	}, ctx.Err()
}

func confidenceToFloat(c string) float64 {
	switch c {
	case "high":
		return 0.9
	case "medium":
		return 0.6
	default:
		return 0.3
	}
}

// RecordTurnOutcome implements mcpflow.Facade: positively reinforces every
// cited memory from a finalized turn. Errors are logged, never propagated,
// matching spec §4.12's "errors during LEARN are logged and never surface".
func (f *Facade) RecordTurnOutcome(ctx context.Context, o mcpflow.TurnOutcome) error {
	for _, memoryID := range o.Citations {
		if err := f.scorer.RecordFeedback(ctx, o.UserID, memoryID, domain.OutcomePositive, o.ConversationID, ""); err != nil {
			log.Warn().Err(err).Str("memory_id", memoryID).Msg("recordTurnOutcome feedback failed")
		}
	}
	return nil
}

// RecordFeedback delegates to the C7 scorer for one citation.
func (f *Facade) RecordFeedback(ctx context.Context, userID, memoryID string, score domain.OutcomeScore, conversationID, messageID string) error {
	return f.scorer.RecordFeedback(ctx, userID, memoryID, score, conversationID, messageID)
}

// RecordResponseFeedback tallies response-level feedback across every
// memory cited by a response, independent of per-citation scoring.
func (f *Facade) RecordResponseFeedback(ctx context.Context, userID string, memoryIDs []string, score domain.OutcomeScore, conversationID, messageID string) (updated int, err error) {
	for _, id := range memoryIDs {
		if err := f.scorer.RecordFeedback(ctx, userID, id, score, conversationID, messageID); err != nil {
			log.Warn().Err(err).Str("memory_id", id).Msg("recordResponseFeedback failed")
			continue
		}
		updated++
	}
	return updated, nil
}

// GetByID fetches one memory scoped to its owning user.
func (f *Facade) GetByID(ctx context.Context, userID, memoryID string) (*domain.MemoryItem, error) {
	return f.docs.Get(ctx, userID, memoryID)
}

// Update applies a partial update, preserving tier/status invariants (no
// direct transition to deleted through Update; use DeleteMemory for that).
func (f *Facade) Update(ctx context.Context, userID, memoryID string, patch store.Patch) error {
	if patch.Status != nil && *patch.Status == domain.StatusDeleted {
		return memoryerr.Wrap("memory.Update", memoryerr.KindValidation, fmt.Errorf("use DeleteMemory to delete a memory"))
	}
	return f.docs.Update(ctx, userID, memoryID, patch)
}

// DeleteMemory soft-deletes a memory and removes it from the vector index.
func (f *Facade) DeleteMemory(ctx context.Context, userID, memoryID string) error {
	if err := f.docs.Delete(ctx, userID, memoryID); err != nil {
		return err
	}
	if err := f.vector.Delete(ctx, []string{memoryID}); err != nil {
		log.Warn().Err(err).Str("memory_id", memoryID).Msg("vector delete failed after soft delete")
	}
	return nil
}

// GetStats reports per-tier counts of active memories for a user. It does not
// compute success rates: TierStats.SuccessRate is left at zero.
func (f *Facade) GetStats(ctx context.Context, userID string) (Stats, error) {
	tiers := []domain.Tier{
		domain.TierWorking, domain.TierHistory, domain.TierPatterns,
		domain.TierBooks, domain.TierMemoryBank, domain.TierSystem,
	}
	out := Stats{UserID: userID}
	for _, tier := range tiers {
		n, err := f.docs.CountDocuments(ctx, store.DocFilter{UserID: userID, Tier: tier, Status: domain.StatusActive})
		if err != nil {
			return out, err
		}
		out.Tiers = append(out.Tiers, TierStats{Tier: tier, Count: n})
		out.Total += n
	}
	return out, nil
}

// PromoteNow forces one promotion evaluation for a single memory, used by
// admin tooling and tests rather than waiting for the decay scheduler's tick.
func (f *Facade) PromoteNow(ctx context.Context, userID, memoryID string, distinctConversations int) (bool, error) {
	item, err := f.docs.Get(ctx, userID, memoryID)
	if err != nil {
		return false, err
	}
	return f.scorer.EvaluatePromotion(ctx, item, distinctConversations)
}

// PauseReindex pauses the deferred reindexer after its in-flight batch.
func (f *Facade) PauseReindex() { f.reindexer.Pause() }

// ResumeReindex clears a reindexer pause.
func (f *Facade) ResumeReindex() { f.reindexer.Resume() }

// GetReindexProgress reports the reindexer's current state.
func (f *Facade) GetReindexProgress() reindexer.Progress { return f.reindexer.GetProgress() }

// RunDeferredReindex runs one reindex pass for a user synchronously, used by
// the /memory/ops/reindex/deferred admin endpoint.
func (f *Facade) RunDeferredReindex(ctx context.Context, userID string) (reindexer.Report, error) {
	return f.reindexer.Run(ctx, userID)
}

// ResetEmbeddingCircuit clears the embedding client's circuit breaker,
// used by the /memory/ops/circuit-breaker admin endpoint.
func (f *Facade) ResetEmbeddingCircuit() { f.embedder.ResetCircuit() }

// SetReindexSanitizeMode toggles the reindexer's sanitization sub-mode,
// used by the /memory/ops/sanitize admin endpoint.
func (f *Facade) SetReindexSanitizeMode(on bool) { f.reindexer.SetSanitizeMode(on) }

// RunDecayScheduler starts the C7 background decay/promotion loop; callers
// run this in its own goroutine at startup.
func (f *Facade) RunDecayScheduler(ctx context.Context) {
	f.scorer.RunDecayScheduler(ctx, f.docs)
}

// GetConceptContext proxies to the knowledge graph for the /memory/kg surface.
func (f *Facade) GetConceptContext(ctx context.Context, userID, nodeID string, limit int) (*store.ConceptContext, error) {
	return f.graph.GetConceptContext(ctx, userID, nodeID, limit)
}
