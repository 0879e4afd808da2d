package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Embedding: DefaultEmbeddingConfig(),
		LLM:       DefaultLLMConfig(),
		Agent:     DefaultAgentConfig(),
		Retrieval: DefaultRetrievalConfig(),
		Log:       DefaultLogConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:          "sqlite",
		DSN:             "graphrag.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
		AutoMigrate:     true,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		CacheTTL:     24 * time.Hour,
		KeyPrefix:    "emb",
	}
}

func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Text: EmbeddingEndpoint{
			Enabled:           true,
			BaseURL:           "http://localhost:8001",
			Model:             "text-embedding-3-small",
			Dimensions:        1536,
			MaxBatchSize:      64,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
		},
		Multimodal: EmbeddingEndpoint{
			Enabled:           false,
			BaseURL:           "http://localhost:8002",
			Model:             "biomedclip",
			Dimensions:        512,
			MaxBatchSize:      16,
			Timeout:           60 * time.Second,
			RequestsPerSecond: 5,
		},
	}
}

func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
		Timeout: 2 * time.Minute,
	}
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Temperature:        0.1,
		MaxIterations:      8,
		WallClockBudget:    2 * time.Minute,
		ContextTokenBudget: 24000,
		TokenEncoding:      "cl100k_base",
		AutoRecallMemories: true,
		RecallLimit:        5,
	}
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		Documents: DocumentsConfig{
			BM25K1:              1.5,
			BM25B:               0.75,
			LexicalWeight:       0.5,
			VectorWeight:        0.5,
			DefaultLimit:        10,
			CandidateMultiplier: 4,
		},
		Graph: GraphConfig{
			DefaultMaxHops: 2,
			HardMaxHops:    3,
			SeedLimit:      5,
			DefaultLimit:   20,
		},
		Images: ImagesConfig{
			MinSimilarity: 0.0,
			DefaultLimit:  10,
		},
		Memory: MemoryConfig{
			SimilarityFloor: 0.3,
			DefaultLimit:    5,
		},
		Fusion: FusionConfig{
			K:          60,
			MaxResults: 20,
		},
		Hybrid: HybridConfig{
			Reconciliation: "document",
			MaxHops:        0,
			PerSourceLimit: 20,
		},
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stderr"},
		EnableCaller: true,
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Addr:    ":9091",
		Path:    "/metrics",
	}
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "medical-graphrag-assistant",
		SampleRate:   1.0,
	}
}
