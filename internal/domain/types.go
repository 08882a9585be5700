// Package domain holds the shared record types for the long-term memory
// engine: MemoryItem, Outcome, and the knowledge-graph node/edge shapes.
// Every other package (store, retrieve, scorer, reindexer, memory) imports
// these instead of redeclaring their own view of a memory.
package domain

import "time"

// Tier is the coarse-grained class of memory used for ranking and lifecycle.
type Tier string

const (
	TierWorking     Tier = "working"
	TierHistory     Tier = "history"
	TierPatterns    Tier = "patterns"
	TierBooks       Tier = "books"
	TierMemoryBank  Tier = "memory_bank"
	TierSystem      Tier = "system"
	TierDatagovBase Tier = "datagov"
)

// IsDatagov reports whether tier is one of the datagov_* family.
func (t Tier) IsDatagov() bool {
	return len(t) > len(TierDatagovBase) && string(t[:len(TierDatagovBase)]) == string(TierDatagovBase)
}

// Status is the lifecycle state of a MemoryItem.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Source records where a memory came from.
type Source struct {
	Type           string `json:"type"`
	ToolName       string `json:"tool_name,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	DocID          string `json:"doc_id,omitempty"`
	ChunkID        string `json:"chunk_id,omitempty"`
	Legacy         bool   `json:"legacy,omitempty"`
}

// EmbeddingMeta describes a memory's embedding state.
type EmbeddingMeta struct {
	Model        string     `json:"model,omitempty"`
	Dimensions   int        `json:"dimensions,omitempty"`
	IndexedAt    *time.Time `json:"indexed_at,omitempty"`
	NeedsReindex bool       `json:"needs_reindex"`
}

// Stats holds outcome-derived counters for a memory.
type Stats struct {
	Uses         int        `json:"uses"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	WorkedCount  int        `json:"worked_count"`
	FailedCount  int        `json:"failed_count"`
	PartialCount int        `json:"partial_count"`
	SuccessCount int        `json:"success_count"`
	SuccessRate  float64    `json:"success_rate"`
	WilsonScore  float64    `json:"wilson_score"`
}

// MemoryItem is the primary long-term memory record (spec §3).
type MemoryItem struct {
	MemoryID string `json:"memory_id"`
	UserID   string `json:"user_id"`
	OrgID    string `json:"org_id,omitempty"`

	Tier   Tier   `json:"tier"`
	Status Status `json:"status"`

	Text     string   `json:"text"`
	Summary  string   `json:"summary,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Entities []string `json:"entities,omitempty"`
	Language string   `json:"language,omitempty"`

	Source Source `json:"source"`

	Importance    float64 `json:"importance"`
	Confidence    float64 `json:"confidence"`
	QualityScore  float64 `json:"quality_score"`
	RecencyScore  float64 `json:"recency_score"`

	Stats     Stats         `json:"stats"`
	Embedding EmbeddingMeta `json:"embedding"`

	CurrentVersion     int    `json:"current_version"`
	SupersedesMemoryID string `json:"supersedes_memory_id,omitempty"`

	DocumentHash string `json:"document_hash,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastDecayAt *time.Time `json:"last_decay_at,omitempty"`
}

// RecomputeSuccessRate applies the invariant from spec §3: worked/(worked+failed+partial),
// defaulting to 0.5 when nothing has been recorded yet.
func (m *MemoryItem) RecomputeSuccessRate() {
	denom := m.Stats.WorkedCount + m.Stats.FailedCount + m.Stats.PartialCount
	if denom <= 0 {
		m.Stats.SuccessRate = 0.5
		return
	}
	m.Stats.SuccessRate = float64(m.Stats.WorkedCount) / float64(denom)
}

// OutcomeScore is the feedback polarity attached to a citation.
type OutcomeScore int

const (
	OutcomeNegative OutcomeScore = -1
	OutcomeNeutral  OutcomeScore = 0
	OutcomePositive OutcomeScore = 1
)

// Outcome is an append-only feedback record; never deleted (spec §3).
type Outcome struct {
	UserID         string       `json:"user_id"`
	MemoryID       string       `json:"memory_id"`
	Score          OutcomeScore `json:"score"`
	ConversationID string       `json:"conversation_id,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// KgNode is an entity node in the per-user knowledge graph.
type KgNode struct {
	UserID      string    `json:"user_id"`
	NodeID      string    `json:"node_id"`
	Label       string    `json:"label"`
	Aliases     []string  `json:"aliases,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Mentions    int       `json:"mentions"`
	MemoryIDs   []string  `json:"memory_ids"`
	QualitySum  float64   `json:"quality_sum"`
	AvgQuality  float64   `json:"avg_quality"`
}

// KgEdge is an undirected co-occurrence edge between two nodes.
type KgEdge struct {
	UserID       string    `json:"user_id"`
	EdgeID       string    `json:"edge_id"`
	SourceID     string    `json:"source_id"`
	TargetID     string    `json:"target_id"`
	RelationType string    `json:"relation_type"`
	Weight       int       `json:"weight"`
	MemoryIDs    []string  `json:"memory_ids"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}
