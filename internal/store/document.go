package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memoryd/internal/domain"
	"memoryd/internal/memoryerr"
)

// MemoryStore is the C4 component: canonical memory documents plus lexical
// (BM25-equivalent) search over Postgres full-text indexing. Grounded in the
// teacher's postgres_search.go, generalized from an opaque `documents` table
// keyed by string ID to one typed around domain.MemoryItem.
type MemoryStore struct {
	pool *pgxpool.Pool
}

// NewMemoryStore bootstraps the memory_items table and its indexes, then
// returns a ready MemoryStore. Bootstrap is best-effort, matching the
// teacher's "ignore if not superuser" stance on extensions.
func NewMemoryStore(ctx context.Context, pool *pgxpool.Pool) (*MemoryStore, error) {
	_, _ = pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`)
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS memory_items (
  memory_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  org_id TEXT NOT NULL DEFAULT '',
  tier TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  text TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '',
  tags TEXT[] NOT NULL DEFAULT '{}',
  entities TEXT[] NOT NULL DEFAULT '{}',
  language TEXT NOT NULL DEFAULT '',
  source JSONB NOT NULL DEFAULT '{}'::jsonb,
  importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
  confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
  quality_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
  recency_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
  stats JSONB NOT NULL DEFAULT '{}'::jsonb,
  embedding JSONB NOT NULL DEFAULT '{}'::jsonb,
  current_version INT NOT NULL DEFAULT 1,
  supersedes_memory_id TEXT NOT NULL DEFAULT '',
  document_hash TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  archived_at TIMESTAMPTZ,
  expires_at TIMESTAMPTZ,
  last_decay_at TIMESTAMPTZ,
  ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED
);
`)
	if err != nil {
		return nil, memoryerr.Wrap("store.NewMemoryStore", memoryerr.KindServiceDown, err)
	}
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS memory_items_ts_idx ON memory_items USING GIN (ts)`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS memory_items_user_tier_idx ON memory_items(user_id, tier, status)`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS memory_items_hash_idx ON memory_items(user_id, document_hash)`)
	return &MemoryStore{pool: pool}, nil
}

// Insert writes a brand-new memory document.
func (s *MemoryStore) Insert(ctx context.Context, item *domain.MemoryItem) error {
	stats, err := json.Marshal(item.Stats)
	if err != nil {
		return memoryerr.Wrap("store.Insert", memoryerr.KindValidation, err)
	}
	embedding, err := json.Marshal(item.Embedding)
	if err != nil {
		return memoryerr.Wrap("store.Insert", memoryerr.KindValidation, err)
	}
	source, err := json.Marshal(item.Source)
	if err != nil {
		return memoryerr.Wrap("store.Insert", memoryerr.KindValidation, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO memory_items(
  memory_id, user_id, org_id, tier, status, text, summary, tags, entities, language,
  source, importance, confidence, quality_score, recency_score, stats, embedding,
  current_version, supersedes_memory_id, document_hash, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
`, item.MemoryID, item.UserID, item.OrgID, string(item.Tier), string(item.Status), item.Text, item.Summary,
		item.Tags, item.Entities, item.Language, source, item.Importance, item.Confidence, item.QualityScore,
		item.RecencyScore, stats, embedding, item.CurrentVersion, item.SupersedesMemoryID, item.DocumentHash,
		item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return memoryerr.Wrap("store.Insert", memoryerr.KindTransport, err)
	}
	return nil
}

// Get fetches one memory document scoped to its owning user.
func (s *MemoryStore) Get(ctx context.Context, userID, memoryID string) (*domain.MemoryItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM memory_items WHERE user_id=$1 AND memory_id=$2`, userID, memoryID)
	item, err := scanMemoryItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memoryerr.Wrap("store.Get", memoryerr.KindNotFound, err)
	}
	if err != nil {
		return nil, memoryerr.Wrap("store.Get", memoryerr.KindTransport, err)
	}
	backfillDefaults(item)
	return item, nil
}

// Patch describes a partial update; nil fields are left untouched.
type Patch struct {
	Status             *domain.Status
	Tier               *domain.Tier
	Text               *string
	Summary            *string
	Tags               *[]string
	Entities           *[]string
	Importance         *float64
	Confidence         *float64
	QualityScore       *float64
	RecencyScore       *float64
	Stats              *domain.Stats
	Embedding          *domain.EmbeddingMeta
	ArchivedAt         *time.Time
	ExpiresAt          *time.Time
	LastDecayAt        *time.Time
	CurrentVersion     *int
	SupersedesMemoryID *string
}

// Update applies a partial update and bumps updated_at. It is a no-op error
// if the row doesn't exist for this user.
func (s *MemoryStore) Update(ctx context.Context, userID, memoryID string, patch Patch) error {
	sets := []string{"updated_at = now()"}
	args := []any{userID, memoryID}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Tier != nil {
		add("tier", string(*patch.Tier))
	}
	if patch.Text != nil {
		add("text", *patch.Text)
	}
	if patch.Summary != nil {
		add("summary", *patch.Summary)
	}
	if patch.Tags != nil {
		add("tags", *patch.Tags)
	}
	if patch.Entities != nil {
		add("entities", *patch.Entities)
	}
	if patch.Importance != nil {
		add("importance", *patch.Importance)
	}
	if patch.Confidence != nil {
		add("confidence", *patch.Confidence)
	}
	if patch.QualityScore != nil {
		add("quality_score", *patch.QualityScore)
	}
	if patch.RecencyScore != nil {
		add("recency_score", *patch.RecencyScore)
	}
	if patch.Stats != nil {
		b, err := json.Marshal(*patch.Stats)
		if err != nil {
			return memoryerr.Wrap("store.Update", memoryerr.KindValidation, err)
		}
		add("stats", b)
	}
	if patch.Embedding != nil {
		b, err := json.Marshal(*patch.Embedding)
		if err != nil {
			return memoryerr.Wrap("store.Update", memoryerr.KindValidation, err)
		}
		add("embedding", b)
	}
	if patch.ArchivedAt != nil {
		add("archived_at", *patch.ArchivedAt)
	}
	if patch.ExpiresAt != nil {
		add("expires_at", *patch.ExpiresAt)
	}
	if patch.LastDecayAt != nil {
		add("last_decay_at", *patch.LastDecayAt)
	}
	if patch.CurrentVersion != nil {
		add("current_version", *patch.CurrentVersion)
	}
	if patch.SupersedesMemoryID != nil {
		add("supersedes_memory_id", *patch.SupersedesMemoryID)
	}

	stmt := fmt.Sprintf(`UPDATE memory_items SET %s WHERE user_id=$1 AND memory_id=$2`, strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, stmt, args...)
	if err != nil {
		return memoryerr.Wrap("store.Update", memoryerr.KindTransport, err)
	}
	if tag.RowsAffected() == 0 {
		return memoryerr.Wrap("store.Update", memoryerr.KindNotFound, fmt.Errorf("memory %s not found for user", memoryID))
	}
	return nil
}

// Delete marks a memory document deleted (soft delete, matching the status
// lifecycle active -> archived -> deleted described by domain.Status).
func (s *MemoryStore) Delete(ctx context.Context, userID, memoryID string) error {
	deleted := domain.StatusDeleted
	return s.Update(ctx, userID, memoryID, Patch{Status: &deleted})
}

// TextSearchParams scopes a lexical search.
type TextSearchParams struct {
	UserID string
	Tier   domain.Tier
	Query  string
	Limit  int
}

// TextSearch runs the document store's full-text index, preferring
// websearch_to_tsquery and falling back one step to plainto_tsquery if the
// query can't be parsed as a web search expression (spec §4.4, grounded in
// the teacher's postgres_search.go fallback chain).
func (s *MemoryStore) TextSearch(ctx context.Context, p TextSearchParams) ([]domain.MemoryItem, error) {
	q := strings.TrimSpace(p.Query)
	if q == "" {
		return nil, nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}
	tierClause := ""
	args := []any{q, p.UserID, limit}
	if p.Tier != "" {
		tierClause = "AND tier = $4"
		args = append(args, string(p.Tier))
	}

	run := func(tsFunc string) ([]domain.MemoryItem, error) {
		stmt := fmt.Sprintf(`
SELECT %s, ts_rank(ts, %s('simple', $1)) AS rank
FROM memory_items
WHERE ts @@ %s('simple', $1) AND user_id = $2 AND status = 'active' %s
ORDER BY rank DESC
LIMIT $3`, selectColumns, tsFunc, tsFunc, tierClause)
		rows, err := s.pool.Query(ctx, stmt, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		out := make([]domain.MemoryItem, 0, limit)
		for rows.Next() {
			item, err := scanMemoryItemRank(rows)
			if err != nil {
				return nil, err
			}
			backfillDefaults(item)
			out = append(out, *item)
		}
		return out, rows.Err()
	}

	out, err := run("websearch_to_tsquery")
	if err == nil {
		return out, nil
	}
	out, err = run("plainto_tsquery")
	if err != nil {
		return nil, memoryerr.Wrap("store.TextSearch", memoryerr.KindTransport, err)
	}
	return out, nil
}

// DocFilter narrows CountDocuments / FindNeedsReindex scans.
type DocFilter struct {
	UserID string
	Tier   domain.Tier
	Status domain.Status
}

// CountDocuments counts memory documents matching the filter.
func (s *MemoryStore) CountDocuments(ctx context.Context, f DocFilter) (int, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Tier != "" {
		args = append(args, string(f.Tier))
		clauses = append(clauses, fmt.Sprintf("tier = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	var n int
	stmt := fmt.Sprintf(`SELECT count(*) FROM memory_items WHERE %s`, strings.Join(clauses, " AND "))
	if err := s.pool.QueryRow(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, memoryerr.Wrap("store.CountDocuments", memoryerr.KindTransport, err)
	}
	return n, nil
}

// FindNeedsReindex scans memories flagged for re-embedding, in batches
// bounded by limit (spec §4.7 uses this in batches of 50).
func (s *MemoryStore) FindNeedsReindex(ctx context.Context, userID string, limit int) ([]domain.MemoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+selectColumns+`
FROM memory_items
WHERE user_id = $1 AND status = 'active' AND coalesce((embedding->>'needs_reindex')::boolean, false) = true
ORDER BY updated_at ASC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, memoryerr.Wrap("store.FindNeedsReindex", memoryerr.KindTransport, err)
	}
	defer rows.Close()
	out := make([]domain.MemoryItem, 0, limit)
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, memoryerr.Wrap("store.FindNeedsReindex", memoryerr.KindTransport, err)
		}
		backfillDefaults(item)
		out = append(out, *item)
	}
	return out, rows.Err()
}

// GetDocumentByHash looks up a memory by its document_hash, used to detect
// cross-session re-ingestion of the same content in book-like tiers.
func (s *MemoryStore) GetDocumentByHash(ctx context.Context, userID, hash string) (*domain.MemoryItem, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM memory_items WHERE user_id=$1 AND document_hash=$2 LIMIT 1`, userID, hash)
	item, err := scanMemoryItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, memoryerr.Wrap("store.GetDocumentByHash", memoryerr.KindTransport, err)
	}
	backfillDefaults(item)
	return item, true, nil
}

// ListActiveForDecay scans active memories across all users, in memory_id
// order, for the scorer's decay/promotion scheduler (spec §4.7). Pagination
// is cursor-based on memory_id to stay stable across a long-running scan
// even as updated_at changes underneath it.
func (s *MemoryStore) ListActiveForDecay(ctx context.Context, afterMemoryID string, limit int) ([]domain.MemoryItem, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+selectColumns+`
FROM memory_items
WHERE status = 'active' AND memory_id > $1
ORDER BY memory_id ASC
LIMIT $2`, afterMemoryID, limit)
	if err != nil {
		return nil, memoryerr.Wrap("store.ListActiveForDecay", memoryerr.KindTransport, err)
	}
	defer rows.Close()
	out := make([]domain.MemoryItem, 0, limit)
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, memoryerr.Wrap("store.ListActiveForDecay", memoryerr.KindTransport, err)
		}
		backfillDefaults(item)
		out = append(out, *item)
	}
	return out, rows.Err()
}

// ListForBackup scans every memory document for one user regardless of
// status, cursor-paginated on memory_id, for exportBackup's streaming bundle.
func (s *MemoryStore) ListForBackup(ctx context.Context, userID, afterMemoryID string, limit int) ([]domain.MemoryItem, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+selectColumns+`
FROM memory_items
WHERE user_id = $1 AND memory_id > $2
ORDER BY memory_id ASC
LIMIT $3`, userID, afterMemoryID, limit)
	if err != nil {
		return nil, memoryerr.Wrap("store.ListForBackup", memoryerr.KindTransport, err)
	}
	defer rows.Close()
	out := make([]domain.MemoryItem, 0, limit)
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, memoryerr.Wrap("store.ListForBackup", memoryerr.KindTransport, err)
		}
		backfillDefaults(item)
		out = append(out, *item)
	}
	return out, rows.Err()
}

// Close releases the underlying pool.
func (s *MemoryStore) Close() { s.pool.Close() }

const selectColumns = `memory_id, user_id, org_id, tier, status, text, summary, tags, entities, language,
  source, importance, confidence, quality_score, recency_score, stats, embedding,
  current_version, supersedes_memory_id, document_hash, created_at, updated_at,
  archived_at, expires_at, last_decay_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryItem(row rowScanner) (*domain.MemoryItem, error) {
	var item domain.MemoryItem
	var tier, status string
	var source, stats, embedding []byte
	if err := row.Scan(
		&item.MemoryID, &item.UserID, &item.OrgID, &tier, &status, &item.Text, &item.Summary,
		&item.Tags, &item.Entities, &item.Language, &source, &item.Importance, &item.Confidence,
		&item.QualityScore, &item.RecencyScore, &stats, &embedding, &item.CurrentVersion,
		&item.SupersedesMemoryID, &item.DocumentHash, &item.CreatedAt, &item.UpdatedAt,
		&item.ArchivedAt, &item.ExpiresAt, &item.LastDecayAt,
	); err != nil {
		return nil, err
	}
	item.Tier = domain.Tier(tier)
	item.Status = domain.Status(status)
	_ = json.Unmarshal(source, &item.Source)
	_ = json.Unmarshal(stats, &item.Stats)
	_ = json.Unmarshal(embedding, &item.Embedding)
	return &item, nil
}

func scanMemoryItemRank(row rowScanner) (*domain.MemoryItem, error) {
	// ts_rank is appended as the final scanned column; callers that need the
	// rank itself go through HybridRetriever, which recomputes RRF input
	// scores independently, so we discard it here.
	var rank float64
	item, err := scanMemoryItemWithExtra(row, &rank)
	return item, err
}

func scanMemoryItemWithExtra(row rowScanner, extra *float64) (*domain.MemoryItem, error) {
	var item domain.MemoryItem
	var tier, status string
	var source, stats, embedding []byte
	if err := row.Scan(
		&item.MemoryID, &item.UserID, &item.OrgID, &tier, &status, &item.Text, &item.Summary,
		&item.Tags, &item.Entities, &item.Language, &source, &item.Importance, &item.Confidence,
		&item.QualityScore, &item.RecencyScore, &stats, &embedding, &item.CurrentVersion,
		&item.SupersedesMemoryID, &item.DocumentHash, &item.CreatedAt, &item.UpdatedAt,
		&item.ArchivedAt, &item.ExpiresAt, &item.LastDecayAt, extra,
	); err != nil {
		return nil, err
	}
	item.Tier = domain.Tier(tier)
	item.Status = domain.Status(status)
	_ = json.Unmarshal(source, &item.Source)
	_ = json.Unmarshal(stats, &item.Stats)
	_ = json.Unmarshal(embedding, &item.Embedding)
	return &item, nil
}

// backfillDefaults idempotently fills stats/embedding subdocuments for legacy
// rows written before those fields existed (spec §4.4).
func backfillDefaults(item *domain.MemoryItem) {
	if item.Stats.SuccessRate == 0 && item.Stats.Uses == 0 && item.Stats.WilsonScore == 0 {
		item.RecomputeSuccessRate()
	}
	if item.Embedding.Dimensions == 0 && item.Embedding.Model == "" && !item.Embedding.NeedsReindex {
		item.Embedding.NeedsReindex = true
	}
}
