package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"memoryd/internal/domain"
	"memoryd/internal/mcpflow"
	"memoryd/internal/memory"
	"memoryd/internal/memoryerr"
	"memoryd/internal/retrieve"
)

var errMissingNodeID = errors.New("httpapi: nodeId query parameter is required")

// minQueryLength is the shortest query the search/context hooks accept
// (spec §8 boundary case: "Query with length < 2 is rejected with 400").
const minQueryLength = 2

func validateQueryLength(query string) error {
	if len([]rune(strings.TrimSpace(query))) < minQueryLength {
		return memoryerr.Wrap("httpapi.search", memoryerr.KindValidation, fmt.Errorf("query must be at least %d characters", minQueryLength))
	}
	return nil
}

// userIDFromRequest reads the caller-scoped user id. Authentication is an
// explicit non-goal of this service; the header/query value is trusted as
// supplied by an upstream gateway.
func userIDFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-Id"); v != "" {
		return v
	}
	return r.URL.Query().Get("userId")
}

func prefetchParams(userID, conversationID, query string, recent []string, limit int) mcpflow.PrefetchParams {
	return mcpflow.PrefetchParams{
		UserID: userID, ConversationID: conversationID, Query: query,
		RecentMessages: recent, Limit: limit,
	}
}

func elapsedMs(start time.Time) int64 { return time.Since(start).Milliseconds() }

type exchangeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type exchangeRequest struct {
	ConversationID string            `json:"conversationId"`
	MessageID      string            `json:"messageId"`
	Messages       []exchangeMessage `json:"messages"`
	Limit          int               `json:"limit,omitempty"`
}

// handleHookExchange implements POST /hooks/exchange: prefetches context for
// the latest user message and injects a <memory_context> block into (or
// ahead of) the system message.
func (s *Server) handleHookExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := userIDFromRequest(r)
	query, recent := latestUserQuery(req.Messages)

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	pre, err := s.facade.PrefetchContext(r.Context(), prefetchParams(userID, req.ConversationID, query, recent, limit))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	messages := make([]exchangeMessage, len(req.Messages))
	copy(messages, req.Messages)
	if pre.MemoryContextInjection != "" {
		injected := false
		for i := range messages {
			if messages[i].Role == "system" {
				messages[i].Content = messages[i].Content + "\n" + pre.MemoryContextInjection
				injected = true
				break
			}
		}
		if !injected {
			messages = append([]exchangeMessage{{Role: "system", Content: pre.MemoryContextInjection}}, messages...)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"memoryMeta": map[string]any{
			"citations":        pre.Citations,
			"retrievalDebug":   pre.RetrievalDebug,
			"feedbackEligible": true,
		},
	})
}

func latestUserQuery(messages []exchangeMessage) (query string, recent []string) {
	for _, m := range messages {
		recent = append(recent, m.Content)
		if m.Role == "user" {
			query = m.Content
		}
	}
	return query, recent
}

type contextRequest struct {
	Query  string   `json:"query"`
	Limit  int      `json:"limit,omitempty"`
	Tiers  []string `json:"tiers,omitempty"`
	SortBy string   `json:"sortBy,omitempty"`
}

// handleHookContext implements POST /hooks/context: a direct search without
// turn-shaped context injection, for callers that want raw results.
func (s *Server) handleHookContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateQueryLength(req.Query); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := userIDFromRequest(r)
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	start := time.Now()
	result := s.facade.Search(r.Context(), memory.SearchParams{
		UserID: userID, Query: req.Query, Tiers: tiersFrom(req.Tiers), Limit: limit, SortBy: retrieve.SortBy(req.SortBy),
	})

	contexts := make([]map[string]any, 0, len(result.Hits))
	var tiersSearched []string
	seen := map[string]bool{}
	for _, hit := range result.Hits {
		contexts = append(contexts, map[string]any{
			"memoryId": hit.MemoryID, "tier": hit.Item.Tier, "text": hit.Item.Text, "score": hit.Score,
		})
		if !seen[string(hit.Item.Tier)] {
			seen[string(hit.Item.Tier)] = true
			tiersSearched = append(tiersSearched, string(hit.Item.Tier))
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"contexts":      contexts,
		"total":         len(contexts),
		"query":         req.Query,
		"tiersSearched": tiersSearched,
		"latencyMs":     elapsedMs(start),
		"confidence":    result.Debug.Confidence,
	})
}

type scoreRequest struct {
	MessageID      string              `json:"messageId"`
	ConversationID string              `json:"conversationId"`
	Score          domain.OutcomeScore `json:"score"`
	MemoryIDs      []string            `json:"memoryIds"`
	Feedback       string              `json:"feedback,omitempty"`
}

// handleHookScore implements POST /hooks/score: records explicit feedback
// against every cited memory.
func (s *Server) handleHookScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := userIDFromRequest(r)
	updated, err := s.facade.RecordResponseFeedback(r.Context(), userID, req.MemoryIDs, req.Score, req.ConversationID, req.MessageID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"updated": updated, "success": true})
}

// handleStats implements GET /memory/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	stats, err := s.facade.GetStats(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleDiagnostics implements GET /memory/diagnostics.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.facade.GetDiagnostics(r.Context()))
}

// handleHealth implements GET /memory/health[?full=true].
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "true"
	report := s.facade.GetHealth(r.Context(), full)
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

// handleOpsReindexDeferred implements POST /memory/ops/reindex/deferred.
func (s *Server) handleOpsReindexDeferred(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	report, err := s.facade.RunDeferredReindex(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleOpsReset implements POST /memory/ops/reset: resets the embedding
// circuit and clears the reindexer's pause flag.
func (s *Server) handleOpsReset(w http.ResponseWriter, r *http.Request) {
	s.facade.ResetEmbeddingCircuit()
	s.facade.ResumeReindex()
	respondJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// handleOpsSanitize implements POST /memory/ops/sanitize: enables the
// reindexer's sanitization sub-mode for one pass and runs it immediately.
func (s *Server) handleOpsSanitize(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	s.facade.SetReindexSanitizeMode(true)
	report, err := s.facade.RunDeferredReindex(r.Context(), userID)
	s.facade.SetReindexSanitizeMode(false)
	if err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleOpsCircuitBreaker implements POST /memory/ops/circuit-breaker: the
// only supported action today is resetting the embedding client's breaker.
func (s *Server) handleOpsCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Action == "" || body.Action == "reset" {
		s.facade.ResetEmbeddingCircuit()
	}
	respondJSON(w, http.StatusOK, s.facade.GetDiagnostics(r.Context()).Embedding)
}

// handleOpsMigrate implements POST /memory/ops/migrate. Schema bootstrap
// already runs idempotently at startup (CREATE TABLE IF NOT EXISTS in the
// store constructors); this endpoint exists for operator tooling parity
// with the teacher's standalone migrate commands and reports dryRun /
// skipExisting without doing destructive work.
func (s *Server) handleOpsMigrate(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dryRun") == "true"
	skipExisting := r.URL.Query().Get("skipExisting") == "true"
	respondJSON(w, http.StatusOK, map[string]any{
		"dryRun":       dryRun,
		"skipExisting": skipExisting,
		"message":      "schema bootstrap runs automatically at startup; no pending migrations",
	})
}

type searchRequest struct {
	Query  string   `json:"query"`
	Tiers  []string `json:"tiers,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
	SortBy string   `json:"sortBy,omitempty"`
}

// handleSearch implements POST /memory/search with optional offset pagination.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateQueryLength(req.Query); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := userIDFromRequest(r)
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	result := s.facade.Search(r.Context(), memory.SearchParams{
		UserID: userID, Query: req.Query, Tiers: tiersFrom(req.Tiers), Limit: limit + req.Offset, SortBy: retrieve.SortBy(req.SortBy),
	})
	hits := result.Hits
	if req.Offset > 0 && req.Offset < len(hits) {
		hits = hits[req.Offset:]
	} else if req.Offset >= len(hits) {
		hits = nil
	}
	respondJSON(w, http.StatusOK, map[string]any{"hits": hits, "debug": result.Debug})
}

type memoryBankCreateRequest struct {
	Tier       string            `json:"tier"`
	Text       string            `json:"text"`
	Tags       []string          `json:"tags,omitempty"`
	Entities   []string          `json:"entities,omitempty"`
	Importance float64           `json:"importance,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// handleCreateMemoryBank implements POST /memory/memory-bank.
func (s *Server) handleCreateMemoryBank(w http.ResponseWriter, r *http.Request) {
	var req memoryBankCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	userID := userIDFromRequest(r)
	tier := domain.Tier(req.Tier)
	if tier == "" {
		tier = domain.TierMemoryBank
	}
	item, err := s.facade.Store(r.Context(), memory.StoreParams{
		UserID: userID, Tier: tier, Text: req.Text, Tags: req.Tags, Entities: req.Entities,
		Importance: req.Importance, Metadata: req.Metadata, Source: domain.Source{Type: "memory_bank"},
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

// handleListMemoryBank implements GET /memory/memory-bank: a search scoped
// to the memory_bank tier.
func (s *Server) handleListMemoryBank(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	result := s.facade.Search(r.Context(), memory.SearchParams{
		UserID: userID, Query: r.URL.Query().Get("q"), Tiers: []domain.Tier{domain.TierMemoryBank}, Limit: limit,
	})
	respondJSON(w, http.StatusOK, map[string]any{"hits": result.Hits})
}

// handleGetMemoryBank implements GET /memory/memory-bank/{id}.
func (s *Server) handleGetMemoryBank(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	id := r.PathValue("id")
	item, err := s.facade.GetByID(r.Context(), userID, id)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// handleGraph implements GET /memory/graph and GET /memory/kg: returns
// concept context for a named node.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromRequest(r)
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		respondError(w, http.StatusBadRequest, errMissingNodeID)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, err := s.facade.GetConceptContext(r.Context(), userID, nodeID, limit)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, ctx)
}

func tiersFrom(raw []string) []domain.Tier {
	if len(raw) == 0 {
		return nil
	}
	out := make([]domain.Tier, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, domain.Tier(t))
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
