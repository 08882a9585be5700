// Package store implements the three document/vector/graph backends behind
// the memory facade: MemoryStore (C4), VectorIndexAdapter (C3), and
// KnowledgeGraph (C5), all grounded in the teacher's
// internal/persistence/databases package.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPool creates a Postgres connection pool using the standard defaults.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, dsn)
}
