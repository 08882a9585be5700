// Package config loads the process-wide Config used to wire up the memory
// engine and MCP flow. It follows the teacher's loader convention: a single
// YAML document, `.env` values merged in via godotenv, then `${VAR}` shell-style
// expansion applied to the raw bytes before unmarshalling, and finally
// environment variables overriding individual fields by name.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EmbeddingConfig configures the dense embedding client (C1).
type EmbeddingConfig struct {
	BaseURL            string            `yaml:"baseUrl"`
	Path               string            `yaml:"path"`
	Model              string            `yaml:"model"`
	APIHeader          string            `yaml:"apiHeader"`
	APIKey             string            `yaml:"apiKey"`
	Headers            map[string]string `yaml:"headers"`
	Timeout            time.Duration     `yaml:"timeout"`
	Dimension          int               `yaml:"dimension"`
	FailureThreshold   int               `yaml:"failureThreshold"`
	OpenDurationMs     int               `yaml:"openDurationMs"`
	SuccessThreshold   int               `yaml:"successThreshold"`
	GracefulDegrade    bool              `yaml:"gracefulDegrade"`
	CacheSize          int               `yaml:"cacheSize"`
}

// RerankerConfig configures the cross-encoder rerank client (C2).
type RerankerConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled bool          `yaml:"enabled"`
}

// QdrantConfig configures the vector index adapter (C3).
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	HTTPS      bool   `yaml:"https"`
	APIKey     string `yaml:"apiKey"`
	Collection string `yaml:"collection"`
	VectorSize int    `yaml:"vectorSize"`
	Metric     string `yaml:"metric"`
	Enabled    bool   `yaml:"enabled"`
}

// DatabasesConfig configures the Postgres-backed document/graph stores (C4/C5).
type DatabasesConfig struct {
	DSN string `yaml:"dsn"`
}

// MCPHTTPTLSConfig mirrors the teacher's per-server TLS options.
type MCPHTTPTLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
}

// MCPHTTPConfig holds transport-level HTTP settings for a server entry.
type MCPHTTPConfig struct {
	TimeoutSeconds int              `yaml:"timeoutSeconds"`
	ProxyURL       string           `yaml:"proxyUrl"`
	TLS            MCPHTTPTLSConfig `yaml:"tls"`
}

// MCPServerConfig is one entry of servers.json / the `mcp.servers` YAML map.
type MCPServerConfig struct {
	Name             string            `yaml:"name" json:"name"`
	Type             string            `yaml:"type" json:"type"` // stdio|sse|streamable_http|external_*
	Command          string            `yaml:"command" json:"command,omitempty"`
	Args             []string          `yaml:"args" json:"args,omitempty"`
	Env              map[string]string `yaml:"env" json:"env,omitempty"`
	URL              string            `yaml:"url" json:"url,omitempty"`
	Headers          map[string]string `yaml:"headers" json:"headers,omitempty"`
	BearerToken      string            `yaml:"bearerToken" json:"bearerToken,omitempty"`
	Origin           string            `yaml:"origin" json:"origin,omitempty"`
	ProtocolVersion  string            `yaml:"protocolVersion" json:"protocolVersion,omitempty"`
	Timeout          int               `yaml:"timeout" json:"timeout,omitempty"`
	Retries          int               `yaml:"retries" json:"retries,omitempty"`
	RetryDelay       int               `yaml:"retryDelay" json:"retryDelay,omitempty"`
	Capabilities     []string          `yaml:"capabilities" json:"capabilities,omitempty"`
	KeepAliveSeconds int               `yaml:"keepAliveSeconds" json:"keepAliveSeconds,omitempty"`
	Enabled          bool              `yaml:"enabled" json:"enabled"`
	HTTP             MCPHTTPConfig     `yaml:"http" json:"http"`
}

// MCPConfig configures the client pool (C10) and server selection policy.
type MCPConfig struct {
	Servers            map[string]MCPServerConfig `yaml:"servers"`
	MaxConnections     int                        `yaml:"maxConnections"`
	IdleTimeoutMs      int                        `yaml:"idleTimeoutMs"`
	CallTimeoutMs      int                        `yaml:"callTimeoutMs"`
	ExtendedTimeoutMs  int                        `yaml:"extendedTimeoutMs"`
	ExtendedToolNames  []string                   `yaml:"extendedToolNames"`
	ForwardHFUserToken bool                       `yaml:"forwardHFUserToken"`
}

// ScorerConfig configures outcome scoring, decay, and promotion (C7).
type ScorerConfig struct {
	DecayPerDay         float64       `yaml:"decayPerDay"`
	DecayFloor          float64       `yaml:"decayFloor"`
	ArchiveThreshold    float64       `yaml:"archiveThreshold"`
	ArchiveGraceDays    int           `yaml:"archiveGraceDays"`
	SchedulerInterval   time.Duration `yaml:"schedulerInterval"`
	PromoteThreshold    float64       `yaml:"promoteThreshold"`
	PromoteMinUses      int           `yaml:"promoteMinUses"`
	PromotionEnabled    bool          `yaml:"promotionEnabled"`
}

// ReindexerConfig configures the deferred reindexer (C8).
type ReindexerConfig struct {
	BatchSize     int           `yaml:"batchSize"`
	Interval      time.Duration `yaml:"interval"`
	SanitizeMode  bool          `yaml:"sanitizeMode"`
}

// RetrieveConfig configures the hybrid retriever (C6).
type RetrieveConfig struct {
	BM25Enabled    bool    `yaml:"bm25Enabled"`
	RerankEnabled  bool    `yaml:"rerankEnabled"`
	RRFK           int     `yaml:"rrfK"`
	RerankCap      int     `yaml:"rerankCap"`
	TopK           int     `yaml:"topK"`
	SearchTimeout  time.Duration `yaml:"searchTimeout"`
}

// ObsConfig configures structured logging / OpenTelemetry (C13).
type ObsConfig struct {
	ServiceName    string `yaml:"serviceName"`
	ServiceVersion string `yaml:"serviceVersion"`
	Environment    string `yaml:"environment"`
	LogLevel       string `yaml:"logLevel"`
	LogPath        string `yaml:"logPath"`
	OTLP           string `yaml:"otlpEndpoint"`
}

// Config is the top-level process configuration.
type Config struct {
	SystemEnabled   bool             `yaml:"systemEnabled"`
	PrefetchTimeout time.Duration    `yaml:"prefetchTimeoutMs"`
	MaxToolIter     int              `yaml:"maxToolIterations"`
	MaxParallelTool int              `yaml:"maxParallelTools"`
	LoopLimit       int              `yaml:"loopLimit"`

	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Reranker   RerankerConfig   `yaml:"reranker"`
	Qdrant     QdrantConfig     `yaml:"qdrant"`
	Databases  DatabasesConfig  `yaml:"databases"`
	MCP        MCPConfig        `yaml:"mcp"`
	Scorer     ScorerConfig     `yaml:"scorer"`
	Reindexer  ReindexerConfig  `yaml:"reindexer"`
	Retrieve   RetrieveConfig   `yaml:"retrieve"`
	Obs        ObsConfig        `yaml:"obs"`

	BackupS3Bucket    string `yaml:"backupS3Bucket"`
	OutcomesKafkaTopic string `yaml:"outcomesKafkaTopic"`
	MetricsClickhouseDSN string `yaml:"metricsClickhouseDsn"`
	RedisURL          string `yaml:"redisUrl"`
}

// Default returns a Config populated with the spec's documented defaults.
func Default() *Config {
	return &Config{
		SystemEnabled:   true,
		PrefetchTimeout: 800 * time.Millisecond,
		MaxToolIter:     8,
		MaxParallelTool: 4,
		LoopLimit:       3,
		Embedding: EmbeddingConfig{
			Path:             "/v1/embeddings",
			APIHeader:        "Authorization",
			Timeout:          2 * time.Second,
			Dimension:        1024,
			FailureThreshold: 3,
			OpenDurationMs:   30000,
			SuccessThreshold: 2,
			GracefulDegrade:  true,
			CacheSize:        5000,
		},
		Reranker: RerankerConfig{
			Timeout: 30 * time.Second,
			Enabled: true,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "memory_items",
			VectorSize: 1024,
			Metric:     "cosine",
			Enabled:    true,
		},
		MCP: MCPConfig{
			Servers:           map[string]MCPServerConfig{},
			MaxConnections:    5,
			IdleTimeoutMs:     300000,
			CallTimeoutMs:     60000,
			ExtendedTimeoutMs: 300000,
			ExtendedToolNames: []string{"deep_research", "browse", "crawl"},
		},
		Scorer: ScorerConfig{
			DecayPerDay:       0.01,
			DecayFloor:        0.05,
			ArchiveThreshold:  0.1,
			ArchiveGraceDays:  14,
			SchedulerInterval: time.Hour,
			PromoteThreshold:  0.65,
			PromoteMinUses:    3,
			PromotionEnabled:  true,
		},
		Reindexer: ReindexerConfig{
			BatchSize: 50,
			Interval:  5 * time.Minute,
		},
		Retrieve: RetrieveConfig{
			BM25Enabled:   true,
			RerankEnabled: true,
			RRFK:          60,
			RerankCap:     50,
			TopK:          10,
			SearchTimeout: 15 * time.Second,
		},
		Obs: ObsConfig{
			ServiceName:    "memoryd",
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
		},
	}
}

// Load reads a YAML config file (expanding ${VAR} references from the
// process environment, after loading the .env file at envFilePath if given),
// then applies environment-variable overrides for the names in spec §6.
func Load(path, envFilePath string) (*Config, error) {
	cfg := Default()

	if envFilePath != "" {
		_ = godotenv.Load(envFilePath) // best-effort; missing .env is not fatal
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("MEMORY_SYSTEM_ENABLED"); ok {
		cfg.SystemEnabled = parseBool(v, cfg.SystemEnabled)
	}
	if v, ok := os.LookupEnv("MEMORY_QDRANT_ENABLED"); ok {
		cfg.Qdrant.Enabled = parseBool(v, cfg.Qdrant.Enabled)
	}
	if v, ok := os.LookupEnv("MEMORY_BM25_ENABLED"); ok {
		cfg.Retrieve.BM25Enabled = parseBool(v, cfg.Retrieve.BM25Enabled)
	}
	if v, ok := os.LookupEnv("MEMORY_RERANK_ENABLED"); ok {
		enabled := parseBool(v, cfg.Retrieve.RerankEnabled)
		cfg.Retrieve.RerankEnabled = enabled
		cfg.Reranker.Enabled = enabled
	}
	if v, ok := os.LookupEnv("MEMORY_PROMOTION_ENABLED"); ok {
		cfg.Scorer.PromotionEnabled = parseBool(v, cfg.Scorer.PromotionEnabled)
	}
	if v, ok := os.LookupEnv("MEMORY_PREFETCH_TIMEOUT_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.PrefetchTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv("MEMORY_SEARCH_TIMEOUT_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Retrieve.SearchTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv("MEMORY_TOP_K"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retrieve.TopK = n
		}
	}
	if v, ok := os.LookupEnv("EMBEDDING_SERVICE_URL"); ok {
		cfg.Embedding.BaseURL = v
	}
	if v, ok := os.LookupEnv("EMBEDDING_DIMENSION"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = n
			cfg.Qdrant.VectorSize = n
		}
	}
	if v, ok := os.LookupEnv("QDRANT_HOST"); ok {
		cfg.Qdrant.Host = v
	}
	if v, ok := os.LookupEnv("QDRANT_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Qdrant.Port = n
		}
	}
	if v, ok := os.LookupEnv("QDRANT_HTTPS"); ok {
		cfg.Qdrant.HTTPS = parseBool(v, cfg.Qdrant.HTTPS)
	}
	if v, ok := os.LookupEnv("QDRANT_COLLECTION"); ok {
		cfg.Qdrant.Collection = v
	}
	if v, ok := os.LookupEnv("QDRANT_VECTOR_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Qdrant.VectorSize = n
		}
	}
	if v, ok := os.LookupEnv("RERANKER_URL"); ok {
		cfg.Reranker.URL = v
	}
	if v, ok := os.LookupEnv("MCP_FORWARD_HF_USER_TOKEN"); ok {
		cfg.MCP.ForwardHFUserToken = parseBool(v, cfg.MCP.ForwardHFUserToken)
	}
	if v, ok := os.LookupEnv("MEMORY_DATABASES_DSN"); ok {
		cfg.Databases.DSN = v
	}
	if v, ok := os.LookupEnv("MEMORY_REDIS_URL"); ok {
		cfg.RedisURL = v
	}
	if v, ok := os.LookupEnv("MEMORY_OUTCOMES_TOPIC"); ok {
		cfg.OutcomesKafkaTopic = v
	}
	if v, ok := os.LookupEnv("MEMORY_METRICS_CLICKHOUSE_DSN"); ok {
		cfg.MetricsClickhouseDSN = v
	}
	if v, ok := os.LookupEnv("MEMORY_BACKUP_S3_BUCKET"); ok {
		cfg.BackupS3Bucket = v
	}
}

func parseBool(v string, fallback bool) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// LoadMCPServers reads a servers.json document (spec §6), expanding ${VAR}
// references before parsing, independent of the main YAML config.
func LoadMCPServers(path string) (map[string]MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read servers file %s: %w", path, err)
	}
	data = []byte(os.ExpandEnv(string(data)))
	var doc struct {
		Servers map[string]MCPServerConfig `json:"servers" yaml:"servers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse servers file %s: %w", path, err)
	}
	for name, sc := range doc.Servers {
		sc.Name = name
		doc.Servers[name] = sc
	}
	return doc.Servers, nil
}
