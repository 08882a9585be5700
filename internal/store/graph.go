package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"memoryd/internal/domain"
	"memoryd/internal/memoryerr"
)

// KnowledgeGraph is the C5 component: entity/edge store built from memory
// entities. Grounded in the teacher's postgres_graph.go, generalized from a
// generic labeled-node graph to the user-scoped node/edge shape domain.KgNode
// and domain.KgEdge describe.
type KnowledgeGraph struct {
	pool *pgxpool.Pool
}

// NewKnowledgeGraph bootstraps the kg_nodes/kg_edges tables.
func NewKnowledgeGraph(ctx context.Context, pool *pgxpool.Pool) (*KnowledgeGraph, error) {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS kg_nodes (
  user_id TEXT NOT NULL,
  node_id TEXT NOT NULL,
  label TEXT NOT NULL,
  aliases TEXT[] NOT NULL DEFAULT '{}',
  first_seen_at TIMESTAMPTZ NOT NULL,
  last_seen_at TIMESTAMPTZ NOT NULL,
  mentions INT NOT NULL DEFAULT 0,
  memory_ids TEXT[] NOT NULL DEFAULT '{}',
  quality_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
  avg_quality DOUBLE PRECISION NOT NULL DEFAULT 0,
  PRIMARY KEY (user_id, node_id)
);
`)
	if err != nil {
		return nil, memoryerr.Wrap("store.NewKnowledgeGraph", memoryerr.KindServiceDown, err)
	}
	_, err = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS kg_edges (
  user_id TEXT NOT NULL,
  edge_id TEXT NOT NULL,
  source_id TEXT NOT NULL,
  target_id TEXT NOT NULL,
  relation_type TEXT NOT NULL DEFAULT 'co_occurs',
  weight INT NOT NULL DEFAULT 0,
  memory_ids TEXT[] NOT NULL DEFAULT '{}',
  first_seen_at TIMESTAMPTZ NOT NULL,
  last_seen_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (user_id, edge_id)
);
`)
	if err != nil {
		return nil, memoryerr.Wrap("store.NewKnowledgeGraph", memoryerr.KindServiceDown, err)
	}
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS kg_edges_source_idx ON kg_edges(user_id, source_id)`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS kg_edges_target_idx ON kg_edges(user_id, target_id)`)
	return &KnowledgeGraph{pool: pool}, nil
}

// entityStopwords blocks generic labels that carry no distinguishing
// information as knowledge-graph nodes.
var entityStopwords = map[string]bool{
	"it": true, "this": true, "that": true, "thing": true, "stuff": true,
	"user": true, "assistant": true, "today": true, "yesterday": true, "now": true,
}

// NormalizeEntity lowercases, trims, strips Hebrew niqqud diacritics, and
// reports whether the result should be dropped as a stopword.
func NormalizeEntity(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = stripHebrewDiacritics(s)
	s = strings.Join(strings.Fields(s), " ")
	if s == "" || entityStopwords[s] {
		return "", false
	}
	return s, true
}

// stripHebrewDiacritics removes niqqud/cantillation marks (U+0591-U+05C7)
// without pulling in a full Unicode normalization dependency.
func stripHebrewDiacritics(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 0x0591 && r <= 0x05C7 && unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nodeID(label string) string {
	return strings.ReplaceAll(label, " ", "_")
}

func edgeIDFor(a, b string) string {
	x, y := a, b
	if y < x {
		x, y = y, x
	}
	return x + "::" + y
}

// RecordEntities normalizes and deduplicates entities for one memory, then
// upserts their nodes and all unordered pairwise edges atomically in a single
// transaction (spec §4.5).
func (g *KnowledgeGraph) RecordEntities(ctx context.Context, userID, memoryID string, entities []string, quality float64) error {
	seen := map[string]string{} // nodeID -> label
	for _, e := range entities {
		label, ok := NormalizeEntity(e)
		if !ok {
			continue
		}
		seen[nodeID(label)] = label
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return memoryerr.Wrap("store.RecordEntities", memoryerr.KindTransport, err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, id := range ids {
		if err := upsertNode(ctx, tx, userID, id, seen[id], memoryID, quality, now); err != nil {
			return memoryerr.Wrap("store.RecordEntities", memoryerr.KindTransport, err)
		}
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if err := upsertEdge(ctx, tx, userID, ids[i], ids[j], memoryID, now); err != nil {
				return memoryerr.Wrap("store.RecordEntities", memoryerr.KindTransport, err)
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return memoryerr.Wrap("store.RecordEntities", memoryerr.KindTransport, err)
	}
	return nil
}

func upsertNode(ctx context.Context, tx pgx.Tx, userID, id, label, memoryID string, quality float64, now time.Time) error {
	var memoryIDs []string
	var mentions int
	var qualitySum float64
	var firstSeenAt time.Time
	err := tx.QueryRow(ctx, `
SELECT memory_ids, mentions, quality_sum, first_seen_at FROM kg_nodes
WHERE user_id=$1 AND node_id=$2 FOR UPDATE`, userID, id).Scan(&memoryIDs, &mentions, &qualitySum, &firstSeenAt)

	if err == pgx.ErrNoRows {
		_, err = tx.Exec(ctx, `
INSERT INTO kg_nodes(user_id, node_id, label, first_seen_at, last_seen_at, mentions, memory_ids, quality_sum, avg_quality)
VALUES ($1,$2,$3,$4,$4,1,ARRAY[$5],$6,$6)`, userID, id, label, now, memoryID, quality)
		return err
	}
	if err != nil {
		return err
	}
	if containsString(memoryIDs, memoryID) {
		_, err = tx.Exec(ctx, `UPDATE kg_nodes SET last_seen_at=$3 WHERE user_id=$1 AND node_id=$2`, userID, id, now)
		return err
	}
	memoryIDs = append(memoryIDs, memoryID)
	mentions++
	qualitySum += quality
	avg := qualitySum / float64(mentions)
	_, err = tx.Exec(ctx, `
UPDATE kg_nodes SET memory_ids=$3, mentions=$4, quality_sum=$5, avg_quality=$6, last_seen_at=$7
WHERE user_id=$1 AND node_id=$2`, userID, id, memoryIDs, mentions, qualitySum, avg, now)
	return err
}

func upsertEdge(ctx context.Context, tx pgx.Tx, userID, a, b, memoryID string, now time.Time) error {
	edgeID := edgeIDFor(a, b)
	source, target := a, b
	if target < source {
		source, target = target, source
	}
	var memoryIDs []string
	var weight int
	var firstSeenAt time.Time
	err := tx.QueryRow(ctx, `
SELECT memory_ids, weight, first_seen_at FROM kg_edges
WHERE user_id=$1 AND edge_id=$2 FOR UPDATE`, userID, edgeID).Scan(&memoryIDs, &weight, &firstSeenAt)

	if err == pgx.ErrNoRows {
		_, err = tx.Exec(ctx, `
INSERT INTO kg_edges(user_id, edge_id, source_id, target_id, weight, memory_ids, first_seen_at, last_seen_at)
VALUES ($1,$2,$3,$4,1,ARRAY[$5],$6,$6)`, userID, edgeID, source, target, memoryID, now)
		return err
	}
	if err != nil {
		return err
	}
	if containsString(memoryIDs, memoryID) {
		_, err = tx.Exec(ctx, `UPDATE kg_edges SET last_seen_at=$3 WHERE user_id=$1 AND edge_id=$2`, userID, edgeID, now)
		return err
	}
	memoryIDs = append(memoryIDs, memoryID)
	weight++
	_, err = tx.Exec(ctx, `
UPDATE kg_edges SET memory_ids=$3, weight=$4, last_seen_at=$5
WHERE user_id=$1 AND edge_id=$2`, userID, edgeID, memoryIDs, weight, now)
	return err
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// ConceptContext is the getConceptContext response (spec §4.5).
type ConceptContext struct {
	Node            domain.KgNode
	TopEdges        []domain.KgEdge
	SampleMemoryIDs []string
}

// GetConceptContext returns a node, its top edges by weight, and a sample of
// memories referencing it.
func (g *KnowledgeGraph) GetConceptContext(ctx context.Context, userID, nodeID string, limit int) (*ConceptContext, error) {
	if limit <= 0 {
		limit = 10
	}
	var n domain.KgNode
	row := g.pool.QueryRow(ctx, `
SELECT node_id, label, aliases, first_seen_at, last_seen_at, mentions, memory_ids, quality_sum, avg_quality
FROM kg_nodes WHERE user_id=$1 AND node_id=$2`, userID, nodeID)
	if err := row.Scan(&n.NodeID, &n.Label, &n.Aliases, &n.FirstSeenAt, &n.LastSeenAt, &n.Mentions, &n.MemoryIDs, &n.QualitySum, &n.AvgQuality); err != nil {
		if err == pgx.ErrNoRows {
			return nil, memoryerr.Wrap("store.GetConceptContext", memoryerr.KindNotFound, fmt.Errorf("node %s not found", nodeID))
		}
		return nil, memoryerr.Wrap("store.GetConceptContext", memoryerr.KindTransport, err)
	}
	n.UserID = userID

	rows, err := g.pool.Query(ctx, `
SELECT edge_id, source_id, target_id, relation_type, weight, memory_ids, first_seen_at, last_seen_at
FROM kg_edges
WHERE user_id=$1 AND (source_id=$2 OR target_id=$2)
ORDER BY weight DESC
LIMIT $3`, userID, nodeID, limit)
	if err != nil {
		return nil, memoryerr.Wrap("store.GetConceptContext", memoryerr.KindTransport, err)
	}
	defer rows.Close()
	var edges []domain.KgEdge
	for rows.Next() {
		var e domain.KgEdge
		if err := rows.Scan(&e.EdgeID, &e.SourceID, &e.TargetID, &e.RelationType, &e.Weight, &e.MemoryIDs, &e.FirstSeenAt, &e.LastSeenAt); err != nil {
			return nil, memoryerr.Wrap("store.GetConceptContext", memoryerr.KindTransport, err)
		}
		e.UserID = userID
		edges = append(edges, e)
	}

	sample := n.MemoryIDs
	if len(sample) > 5 {
		sample = sample[:5]
	}
	return &ConceptContext{Node: n, TopEdges: edges, SampleMemoryIDs: sample}, nil
}

// Close releases the underlying pool.
func (g *KnowledgeGraph) Close() { g.pool.Close() }
