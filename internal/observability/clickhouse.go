package observability

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSink flushes latency samples to a ClickHouse table for
// long-horizon percentile analysis, beyond the in-process rolling window
// that MetricsCollector itself keeps. Configured via MEMORY_METRICS_CLICKHOUSE_DSN.
type ClickHouseSink struct {
	db *sql.DB
}

// NewClickHouseSink opens a connection and ensures the target table exists.
func NewClickHouseSink(dsn string) (*ClickHouseSink, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS memory_stage_latencies (
  stage String,
  ms Float64,
  observed_at DateTime DEFAULT now()
) ENGINE = MergeTree() ORDER BY (stage, observed_at)
`)
	return &ClickHouseSink{db: db}, nil
}

// FlushLatency inserts a single latency sample; failures are swallowed since
// metrics export must never affect the request path.
func (s *ClickHouseSink) FlushLatency(stage string, ms float64) {
	if s == nil || s.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = s.db.ExecContext(ctx, `INSERT INTO memory_stage_latencies (stage, ms) VALUES (?, ?)`, stage, ms)
}

// Close releases the underlying connection.
func (s *ClickHouseSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
