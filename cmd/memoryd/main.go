// Command memoryd runs the unified long-term memory engine as a standalone
// HTTP service: the hooks/admin surface described by spec §6, backed by
// Postgres (documents + knowledge graph), Qdrant (vectors), and an optional
// embedding/rerank/Kafka/ClickHouse/S3 stack.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"memoryd/internal/config"
	"memoryd/internal/embedding"
	"memoryd/internal/httpapi"
	"memoryd/internal/memory"
	"memoryd/internal/observability"
	"memoryd/internal/reindexer"
	"memoryd/internal/rerank"
	"memoryd/internal/scorer"
	"memoryd/internal/store"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	observability.InitLogger("memoryd.log", "info")

	cfg, err := config.Load(os.Getenv("MEMORY_CONFIG_PATH"), "")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	observability.InitLogger("memoryd.log", cfg.Obs.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without tracing/metrics export")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	metrics := buildMetricsCollector(cfg.MetricsClickhouseDSN)
	_ = metrics // built for process-lifetime ownership; it is not passed to any component, so no stage timings are recorded into it

	pool, err := store.OpenPool(ctx, cfg.Databases.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database pool")
	}

	docs, err := store.NewMemoryStore(ctx, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init document store")
	}
	graph, err := store.NewKnowledgeGraph(ctx, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init knowledge graph")
	}
	vector, err := store.NewVectorIndexAdapter(cfg.Qdrant)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init vector index adapter")
	}
	if cfg.Qdrant.Enabled {
		if err := vector.Initialize(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to provision qdrant collection")
		}
	}
	mgr := &store.Manager{Memory: docs, Vector: vector, Graph: graph}
	defer mgr.Close()

	embedder := embedding.New(cfg.Embedding)
	rerankClient := rerank.New(cfg.Reranker)

	publisher := buildOutcomePublisher(cfg.OutcomesKafkaTopic)
	if closer, ok := publisher.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}
	sc := scorer.New(cfg.Scorer, docs, publisher)

	ri := reindexer.New(cfg.Reindexer, docs, embedder, vector)

	facade := memory.New(*cfg, docs, vector, graph, embedder, rerankClient, sc, ri)

	redisClient := buildRedisClient(cfg.RedisURL)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		log.Info().Msg("redis client configured")
	}

	go facade.RunDecayScheduler(ctx)
	go runReindexLoop(ctx, ri, cfg.Reindexer.Interval)

	srv := httpapi.NewServer(facade)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "ok") })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		report := facade.GetHealth(r.Context(), false)
		if report.Status == "unhealthy" {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ready")
	})
	mux.Handle("/", srv)

	addr := os.Getenv("MEMORY_HTTP_ADDR")
	if addr == "" {
		addr = ":8099"
	}
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("memoryd listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

// buildMetricsCollector wires an optional ClickHouse-backed latency sink
// (MEMORY_METRICS_CLICKHOUSE_DSN); with no DSN configured the collector
// falls back to its in-process no-op sink per spec §4.13.
func buildMetricsCollector(dsn string) *observability.MetricsCollector {
	if dsn == "" {
		return observability.NewMetricsCollector(nil)
	}
	sink, err := observability.NewClickHouseSink(dsn)
	if err != nil {
		log.Warn().Err(err).Msg("clickhouse metrics sink unavailable, falling back to in-process sampling")
		return observability.NewMetricsCollector(nil)
	}
	return observability.NewMetricsCollector(sink)
}

// buildOutcomePublisher wires an optional Kafka-backed outcome feed
// (MEMORY_OUTCOMES_TOPIC); with no topic configured, feedback is recorded
// synchronously to the document store only.
func buildOutcomePublisher(topic string) scorer.OutcomePublisher {
	if topic == "" {
		return scorer.NoopPublisher{}
	}
	brokers := []string{"localhost:9092"}
	if v := os.Getenv("MEMORY_KAFKA_BROKERS"); v != "" {
		brokers = splitCommaList(v)
	}
	return scorer.NewKafkaPublisher(brokers, topic)
}

// buildRedisClient builds the optional Redis client from MEMORY_REDIS_URL;
// nil when unset. The client is closed on shutdown but is not passed to the
// MCP pool or the loop guard, which keep in-process state only.
func buildRedisClient(url string) *redis.Client {
	if url == "" {
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Warn().Err(err).Msg("invalid MEMORY_REDIS_URL, ignoring")
		return nil
	}
	return redis.NewClient(opts)
}

func splitCommaList(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// runReindexLoop drives C8's background pass on a fixed interval until ctx
// is canceled, logging (not failing) when a pass refuses to start.
func runReindexLoop(ctx context.Context, ri *reindexer.Reindexer, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ri.Run(ctx, ""); err != nil {
				log.Warn().Err(err).Msg("scheduled reindex pass skipped")
			}
		}
	}
}
