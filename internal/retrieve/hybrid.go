// Package retrieve implements the C6 HybridRetriever: fan-out across the
// vector index (C3) and the document store's full-text index (C4), fused by
// reciprocal rank fusion, optionally reranked by C2.
package retrieve

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"memoryd/internal/config"
	"memoryd/internal/domain"
	"memoryd/internal/embedding"
	"memoryd/internal/rerank"
	"memoryd/internal/store"
)

// SortBy selects the final ordering applied after fusion/rerank.
type SortBy string

const (
	SortRelevance SortBy = "relevance"
	SortRecency   SortBy = "recency"
	SortScore     SortBy = "score"
)

// Options is the input to HybridRetriever.Search.
type Options struct {
	UserID string
	Query  string
	Tiers  []domain.Tier // empty means all tiers
	Limit  int
	SortBy SortBy
}

// Hit is one fused (and possibly reranked) search result.
type Hit struct {
	MemoryID    string
	Item        domain.MemoryItem
	Score       float64
	Explanation map[string]any
}

// Debug carries the retrievalDebug envelope described by spec §4.6.
type Debug struct {
	Confidence        string
	FallbacksUsed     []string
	StageTimingsMs    map[string]int64
	Errors            []string
	VectorStageStatus string
}

// Result is HybridRetriever.Search's return value.
type Result struct {
	Hits  []Hit
	Debug Debug
}

// tierWeight maps a tier to its fusion multiplier; system and memory_bank
// rank highest, books mid, working lowest, per spec §4.6 step 4.
func tierWeight(t domain.Tier) float64 {
	switch t {
	case domain.TierSystem, domain.TierMemoryBank:
		return 1.2
	case domain.TierHistory, domain.TierPatterns:
		return 1.0
	case domain.TierBooks:
		return 0.9
	case domain.TierWorking:
		return 0.7
	default:
		return 0.8
	}
}

// HybridRetriever is the C6 component.
type HybridRetriever struct {
	cfg      config.RetrieveConfig
	embedder *embedding.Client
	vector   *store.VectorIndexAdapter
	docs     *store.MemoryStore
	reranker *rerank.Client
}

// New wires C6's dependencies.
func New(cfg config.RetrieveConfig, embedder *embedding.Client, vector *store.VectorIndexAdapter, docs *store.MemoryStore, reranker *rerank.Client) *HybridRetriever {
	return &HybridRetriever{cfg: cfg, embedder: embedder, vector: vector, docs: docs, reranker: reranker}
}

type candidate struct {
	memoryID string
	item     domain.MemoryItem
	tier     domain.Tier
	denseRank int // 1-based, 0 = absent
	lexRank   int // 1-based, 0 = absent
	fused     float64
	explain   map[string]any
}

// Search runs the full dense+lexical fan-out, fusion, optional rerank, and
// final sort described by spec §4.6.
func (r *HybridRetriever) Search(ctx context.Context, opt Options) Result {
	limit := opt.Limit
	if limit <= 0 {
		limit = 10
	}
	timeout := r.cfg.SearchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timings := map[string]int64{}
	var fallbacks []string
	var stageErrors []string
	vectorStatus := "ok"

	tiers := opt.Tiers
	if len(tiers) == 0 {
		tiers = allTiers()
	}

	// Stage 1: embed query.
	embedStart := time.Now()
	var queryVec []float32
	status := r.embedder.GetStatus()
	if status.CircuitOpen {
		vectorStatus = "disabled_breaker_open"
	} else {
		v, err := r.embedder.Embed(sctx, opt.Query)
		if err != nil {
			vectorStatus = "skipped_error"
			stageErrors = append(stageErrors, "embed: "+err.Error())
		} else if r.vector.Dimension() > 0 && len(v) != r.vector.Dimension() {
			vectorStatus = "disabled_schema_mismatch"
			stageErrors = append(stageErrors, fmt.Sprintf("embed: query vector dimension %d does not match index dimension %d", len(v), r.vector.Dimension()))
		} else {
			queryVec = v
			if status.DegradedMode {
				vectorStatus = "degraded"
			}
		}
	}
	timings["embed_ms"] = time.Since(embedStart).Milliseconds()

	// Stage 2: parallel fan-out across dense (per tier) and lexical.
	var mu sync.Mutex
	byID := make(map[string]*candidate)
	order := []string{} // insertion order, for deterministic iteration later

	upsertCandidate := func(item domain.MemoryItem, tier domain.Tier) *candidate {
		c, ok := byID[item.MemoryID]
		if !ok {
			c = &candidate{memoryID: item.MemoryID, item: item, tier: tier, explain: map[string]any{}}
			byID[item.MemoryID] = c
			order = append(order, item.MemoryID)
		}
		return c
	}

	denseStart := time.Now()
	g, gctx := errgroup.WithContext(sctx)
	if queryVec != nil {
		for _, tier := range tiers {
			tier := tier
			g.Go(func() error {
				hits, err := r.vector.Search(gctx, store.SearchParams{
					UserID: opt.UserID, Tier: tier, Vector: queryVec, Limit: 2 * limit,
				})
				if err != nil {
					mu.Lock()
					stageErrors = append(stageErrors, "vector_search["+string(tier)+"]: "+err.Error())
					mu.Unlock()
					return nil // a single stage's failure never fails the whole search
				}
				mu.Lock()
				defer mu.Unlock()
				for rank, h := range hits {
					id, _ := h.Payload["memory_id"].(string)
					if id == "" {
						id = h.ID
					}
					item := domain.MemoryItem{MemoryID: id, Tier: tier}
					if text, ok := h.Payload["text"].(string); ok {
						item.Text = text
					}
					c := upsertCandidate(item, tier)
					if c.denseRank == 0 || rank+1 < c.denseRank {
						c.denseRank = rank + 1
					}
				}
				return nil
			})
		}
	}

	lexStart := time.Now()
	for _, tier := range tiers {
		tier := tier
		g.Go(func() error {
			items, err := r.docs.TextSearch(gctx, store.TextSearchParams{
				UserID: opt.UserID, Tier: tier, Query: opt.Query, Limit: 2 * limit,
			})
			if err != nil {
				mu.Lock()
				stageErrors = append(stageErrors, "text_search["+string(tier)+"]: "+err.Error())
				mu.Unlock()
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for rank, item := range items {
				c := upsertCandidate(item, item.Tier)
				c.item = item // lexical hydration always wins over a dense-only stub
				if c.lexRank == 0 || rank+1 < c.lexRank {
					c.lexRank = rank + 1
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	timings["dense_ms"] = time.Since(denseStart).Milliseconds()
	timings["lexical_ms"] = time.Since(lexStart).Milliseconds()

	if sctx.Err() != nil {
		fallbacks = append(fallbacks, "timeout")
	}

	// Stage 4: RRF fusion with tier weighting.
	fuseStart := time.Now()
	krrf := r.cfg.RRFK
	if krrf <= 0 {
		krrf = 60
	}
	candidates := make([]*candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		var denseContrib, lexContrib float64
		if c.denseRank > 0 {
			denseContrib = 1.0 / float64(krrf+c.denseRank)
		}
		if c.lexRank > 0 {
			lexContrib = 1.0 / float64(krrf+c.lexRank)
		}
		weight := tierWeight(c.tier)
		c.fused = weight * (denseContrib + lexContrib)
		c.explain["dense_rank"] = c.denseRank
		c.explain["lex_rank"] = c.lexRank
		c.explain["tier_weight"] = weight
		c.explain["fused"] = c.fused
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].fused != candidates[j].fused {
			return candidates[i].fused > candidates[j].fused
		}
		return candidates[i].memoryID < candidates[j].memoryID
	})
	timings["fuse_ms"] = time.Since(fuseStart).Milliseconds()

	// Stage 5: rerank top min(N, rerank_cap).
	rerankCap := r.cfg.RerankCap
	if rerankCap <= 0 {
		rerankCap = 50
	}
	if r.cfg.RerankEnabled && r.reranker != nil && r.reranker.Enabled() && len(candidates) >= 3 {
		rerankStart := time.Now()
		n := len(candidates)
		if n > rerankCap {
			n = rerankCap
		}
		head := candidates[:n]
		tail := candidates[n:]
		passages := make([]rerank.Passage, len(head))
		for i, c := range head {
			passages[i] = rerank.Passage{OriginalIndex: i, Text: c.item.Text}
		}
		scored, err := r.reranker.Rerank(sctx, opt.Query, passages, 0)
		if err != nil {
			stageErrors = append(stageErrors, "rerank: "+err.Error())
			fallbacks = append(fallbacks, "rerank_failed")
		} else {
			reordered := make([]*candidate, len(head))
			for i, s := range scored {
				c := head[s.OriginalIndex]
				c.fused = s.Score
				c.explain["rerank_score"] = s.Score
				reordered[i] = c
			}
			head = reordered
		}
		candidates = append(head, tail...)
		timings["rerank_ms"] = time.Since(rerankStart).Milliseconds()
	}

	// Stage 6: apply sortBy.
	applySort(candidates, opt.SortBy)

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, Hit{MemoryID: c.memoryID, Item: c.item, Score: c.fused, Explanation: c.explain})
	}

	confidence := computeConfidence(hits)
	if sctx.Err() != nil {
		confidence = "low"
	}

	return Result{
		Hits: hits,
		Debug: Debug{
			Confidence:        confidence,
			FallbacksUsed:     fallbacks,
			StageTimingsMs:    timings,
			Errors:            stageErrors,
			VectorStageStatus: vectorStatus,
		},
	}
}

func applySort(candidates []*candidate, sortBy SortBy) {
	switch sortBy {
	case SortRecency:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].item.UpdatedAt.After(candidates[j].item.UpdatedAt)
		})
	case SortScore:
		sort.SliceStable(candidates, func(i, j int) bool {
			wi, wj := candidates[i].item.Stats.WilsonScore, candidates[j].item.Stats.WilsonScore
			if wi != wj {
				return wi > wj
			}
			return candidates[i].fused > candidates[j].fused
		})
	default: // relevance: already sorted by fused/rerank score descending
	}
}

// computeConfidence buckets retrieval confidence from the top and average
// final scores, per spec §4.6 step 7.
func computeConfidence(hits []Hit) string {
	if len(hits) == 0 {
		return "low"
	}
	top := hits[0].Score
	var sum float64
	for _, h := range hits {
		sum += h.Score
	}
	avg := sum / float64(len(hits))
	switch {
	case top >= 0.8 && avg >= 0.5:
		return "high"
	case top >= 0.5 && avg >= 0.3:
		return "medium"
	default:
		return "low"
	}
}

func allTiers() []domain.Tier {
	return []domain.Tier{
		domain.TierWorking, domain.TierHistory, domain.TierPatterns,
		domain.TierBooks, domain.TierMemoryBank, domain.TierSystem,
	}
}
