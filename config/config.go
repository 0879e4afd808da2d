// Package config loads the assistant's configuration with the
// precedence defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete configuration tree.
type Config struct {
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`
	LLM       LLMConfig       `yaml:"llm" env:"LLM"`
	Agent     AgentConfig     `yaml:"agent" env:"AGENT"`
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// StoreConfig configures the relational store behind all retrieval
// capabilities.
type StoreConfig struct {
	// Driver: sqlite, postgres or mysql.
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`

	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`

	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig configures the embedding result cache.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	CacheTTL     time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	KeyPrefix    string        `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// EmbeddingEndpoint configures one embedding service.
type EmbeddingEndpoint struct {
	Enabled           bool          `yaml:"enabled" env:"ENABLED"`
	BaseURL           string        `yaml:"base_url" env:"BASE_URL"`
	APIKey            string        `yaml:"api_key" env:"API_KEY"`
	Model             string        `yaml:"model" env:"MODEL"`
	Dimensions        int           `yaml:"dimensions" env:"DIMENSIONS"`
	MaxBatchSize      int           `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// EmbeddingConfig configures the text and multimodal embedding
// providers.
type EmbeddingConfig struct {
	Text       EmbeddingEndpoint `yaml:"text" env:"TEXT"`
	Multimodal EmbeddingEndpoint `yaml:"multimodal" env:"MULTIMODAL"`
}

// LLMConfig configures the chat completion provider driving the agent.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	APIKey  string        `yaml:"api_key" env:"API_KEY"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// AgentConfig configures the bounded tool-calling loop.
type AgentConfig struct {
	Temperature        float64       `yaml:"temperature" env:"TEMPERATURE"`
	MaxIterations      int           `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	WallClockBudget    time.Duration `yaml:"wall_clock_budget" env:"WALL_CLOCK_BUDGET"`
	ContextTokenBudget int           `yaml:"context_token_budget" env:"CONTEXT_TOKEN_BUDGET"`
	TokenEncoding      string        `yaml:"token_encoding" env:"TOKEN_ENCODING"`
	AutoRecallMemories bool          `yaml:"auto_recall_memories" env:"AUTO_RECALL_MEMORIES"`
	RecallLimit        int           `yaml:"recall_limit" env:"RECALL_LIMIT"`
	SystemPrompt       string        `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
}

// RetrievalConfig tunes the search and fusion engines.
type RetrievalConfig struct {
	Documents DocumentsConfig `yaml:"documents" env:"DOCUMENTS"`
	Graph     GraphConfig     `yaml:"graph" env:"GRAPH"`
	Images    ImagesConfig    `yaml:"images" env:"IMAGES"`
	Memory    MemoryConfig    `yaml:"memory" env:"MEMORY"`
	Fusion    FusionConfig    `yaml:"fusion" env:"FUSION"`
	Hybrid    HybridConfig    `yaml:"hybrid" env:"HYBRID"`
}

type DocumentsConfig struct {
	BM25K1              float64 `yaml:"bm25_k1" env:"BM25_K1"`
	BM25B               float64 `yaml:"bm25_b" env:"BM25_B"`
	LexicalWeight       float64 `yaml:"lexical_weight" env:"LEXICAL_WEIGHT"`
	VectorWeight        float64 `yaml:"vector_weight" env:"VECTOR_WEIGHT"`
	DefaultLimit        int     `yaml:"default_limit" env:"DEFAULT_LIMIT"`
	CandidateMultiplier int     `yaml:"candidate_multiplier" env:"CANDIDATE_MULTIPLIER"`
}

type GraphConfig struct {
	DefaultMaxHops int `yaml:"default_max_hops" env:"DEFAULT_MAX_HOPS"`
	HardMaxHops    int `yaml:"hard_max_hops" env:"HARD_MAX_HOPS"`
	SeedLimit      int `yaml:"seed_limit" env:"SEED_LIMIT"`
	DefaultLimit   int `yaml:"default_limit" env:"DEFAULT_LIMIT"`
}

type ImagesConfig struct {
	MinSimilarity float64 `yaml:"min_similarity" env:"MIN_SIMILARITY"`
	DefaultLimit  int     `yaml:"default_limit" env:"DEFAULT_LIMIT"`
}

type MemoryConfig struct {
	SimilarityFloor float64 `yaml:"similarity_floor" env:"SIMILARITY_FLOOR"`
	DefaultLimit    int     `yaml:"default_limit" env:"DEFAULT_LIMIT"`
}

type FusionConfig struct {
	K          int `yaml:"k" env:"K"`
	MaxResults int `yaml:"max_results" env:"MAX_RESULTS"`
}

type HybridConfig struct {
	// Reconciliation: document or subject.
	Reconciliation string `yaml:"reconciliation" env:"RECONCILIATION"`
	MaxHops        int    `yaml:"max_hops" env:"MAX_HOPS"`
	PerSourceLimit int    `yaml:"per_source_limit" env:"PER_SOURCE_LIMIT"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
	Path    string `yaml:"path" env:"PATH"`
}

// TelemetryConfig configures OTLP trace and metric export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("unsupported store driver %q", c.Store.Driver))
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, "agent max_iterations must be positive")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		errs = append(errs, "agent temperature must be in [0, 2]")
	}
	if c.Retrieval.Fusion.K <= 0 {
		errs = append(errs, "fusion k must be positive")
	}
	if c.Retrieval.Graph.HardMaxHops < c.Retrieval.Graph.DefaultMaxHops {
		errs = append(errs, "graph hard_max_hops must be at least default_max_hops")
	}
	switch c.Retrieval.Hybrid.Reconciliation {
	case "document", "subject":
	default:
		errs = append(errs, fmt.Sprintf("unknown reconciliation key %q", c.Retrieval.Hybrid.Reconciliation))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be in [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
