// Command graphrag is the clinical question-answering assistant CLI.
//
// Usage:
//
//	graphrag ask "question"                # answer one question
//	graphrag ask --config cfg.yaml "..."   # with a config file
//	graphrag status                        # store and provider health
//	graphrag remember --kind fact "..."    # store a memory
//	graphrag forget <id>                   # delete a memory
//	graphrag version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/agent"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/config"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/internal/metrics"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/internal/telemetry"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm/embedding"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/rag"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "ask":
		runAsk(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "remember":
		runRemember(os.Args[2:])
	case "forget":
		runForget(os.Args[2:])
	case "version":
		fmt.Printf("graphrag %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// app is the fully wired assistant.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *telemetry.Providers
	store     *store.Store
	rdb       *redis.Client
	collector *metrics.Collector
	embedder  embedding.Provider
	llm       llm.Provider
	memory    *rag.MemoryStore
	loop      *agent.Loop
}

func runAsk(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: graphrag ask [--config path] \"question\"")
		os.Exit(1)
	}
	question := fs.Arg(0)

	a := mustBuild(*configPath)
	defer a.close()

	ans, err := a.loop.Ask(context.Background(), question)
	if err != nil {
		a.logger.Fatal("ask failed", zap.Error(err))
	}
	a.collector.RecordAgentRun(string(ans.State), ans.Iterations, ans.Duration)
	a.collector.RecordTokens(ans.Usage.PromptTokens, ans.Usage.CompletionTokens)
	for _, inv := range ans.Trace {
		a.collector.RecordToolExecution(inv.Name, string(inv.Status), inv.Duration)
	}

	fmt.Println(ans.Text)
	if ans.LimitHit {
		fmt.Fprintln(os.Stderr, "\n[iteration limit reached; answer is best-effort]")
	}
	if len(ans.Trace) > 0 {
		fmt.Fprintf(os.Stderr, "\n-- %d tool call(s) in %s --\n", len(ans.Trace), ans.Duration.Round(time.Millisecond))
		for _, inv := range ans.Trace {
			fmt.Fprintf(os.Stderr, "  %d. %s [%s] %s\n", inv.Iteration, inv.Name, inv.Status, inv.Duration.Round(time.Millisecond))
		}
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	a := mustBuild(*configPath)
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		fmt.Printf("store:   down (%v)\n", err)
	} else {
		fmt.Println("store:   ok")
	}
	fmt.Printf("graph:   provisioned=%v\n", a.store.GraphProvisioned(ctx))
	fmt.Printf("images:  provisioned=%v\n", a.store.ImagesProvisioned(ctx))
	fmt.Printf("memory:  provisioned=%v\n", a.store.MemoriesProvisioned(ctx))
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			fmt.Printf("redis:   down (%v)\n", err)
		} else {
			fmt.Println("redis:   ok")
		}
	}
	if a.embedder != nil {
		if hs, err := a.embedder.HealthCheck(ctx); err != nil {
			fmt.Printf("embed:   down (%v)\n", err)
		} else {
			fmt.Printf("embed:   healthy=%v latency=%s\n", hs.Healthy, hs.Latency.Round(time.Millisecond))
		}
	}
	if hs, err := a.llm.HealthCheck(ctx); err != nil {
		fmt.Printf("llm:     down (%v)\n", err)
	} else {
		fmt.Printf("llm:     healthy=%v latency=%s\n", hs.Healthy, hs.Latency.Round(time.Millisecond))
	}
}

func runRemember(args []string) {
	fs := flag.NewFlagSet("remember", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	kind := fs.String("kind", "fact", "memory kind: correction, preference or fact")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: graphrag remember [--kind kind] \"content\"")
		os.Exit(1)
	}

	a := mustBuild(*configPath)
	defer a.close()

	rec, err := a.memory.Remember(context.Background(), fs.Arg(0), store.MemoryKind(*kind))
	if err != nil {
		a.logger.Fatal("remember failed", zap.Error(err))
	}
	fmt.Printf("stored %s\n", rec.ID)
}

func runForget(args []string) {
	fs := flag.NewFlagSet("forget", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: graphrag forget <memory-id>")
		os.Exit(1)
	}

	a := mustBuild(*configPath)
	defer a.close()

	if err := a.memory.Forget(context.Background(), fs.Arg(0)); err != nil {
		a.logger.Fatal("forget failed", zap.Error(err))
	}
	fmt.Println("forgotten")
}

// mustBuild wires the whole assistant or exits.
func mustBuild(configPath string) *app {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed", zap.Error(err))
	}

	st, err := store.Open(store.Config{
		Driver:          cfg.Store.Driver,
		DSN:             cfg.Store.DSN,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		MaxRetries:      cfg.Store.MaxRetries,
		RetryBackoff:    cfg.Store.RetryBackoff,
		AutoMigrate:     cfg.Store.AutoMigrate,
	}, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
	}

	collector := metrics.NewCollector("graphrag", nil, logger)
	st.SetMetrics(collector)
	if cfg.Metrics.Enabled {
		serveMetrics(cfg.Metrics, logger)
	}

	textEmbedder := buildTextEmbedder(cfg, rdb, collector, logger)
	var imageEmbedder rag.QueryEmbedder
	if cfg.Embedding.Multimodal.Enabled {
		imageEmbedder = embedding.NewMultimodalProvider(endpointConfig("multimodal", cfg.Embedding.Multimodal))
	}

	docs := rag.NewDocumentSearch(st, textEmbedder, rag.DocumentSearchConfig{
		BM25K1:              cfg.Retrieval.Documents.BM25K1,
		BM25B:               cfg.Retrieval.Documents.BM25B,
		LexicalWeight:       cfg.Retrieval.Documents.LexicalWeight,
		VectorWeight:        cfg.Retrieval.Documents.VectorWeight,
		DefaultLimit:        cfg.Retrieval.Documents.DefaultLimit,
		CandidateMultiplier: cfg.Retrieval.Documents.CandidateMultiplier,
	}, logger)
	graph := rag.NewGraphSearch(st, rag.GraphSearchConfig{
		DefaultMaxHops: cfg.Retrieval.Graph.DefaultMaxHops,
		HardMaxHops:    cfg.Retrieval.Graph.HardMaxHops,
		SeedLimit:      cfg.Retrieval.Graph.SeedLimit,
		DefaultLimit:   cfg.Retrieval.Graph.DefaultLimit,
	}, logger)
	images := rag.NewImageSearch(st, imageEmbedder, rag.ImageSearchConfig{
		MinSimilarity: cfg.Retrieval.Images.MinSimilarity,
		DefaultLimit:  cfg.Retrieval.Images.DefaultLimit,
	}, logger)
	memory := rag.NewMemoryStore(st, textEmbedder, rag.MemoryConfig{
		SimilarityFloor: cfg.Retrieval.Memory.SimilarityFloor,
		DefaultLimit:    cfg.Retrieval.Memory.DefaultLimit,
	}, logger)
	fuser := rag.NewFuser(rag.FusionConfig{
		K:          cfg.Retrieval.Fusion.K,
		MaxResults: cfg.Retrieval.Fusion.MaxResults,
	}, logger)
	hybrid := rag.NewHybridSearch(docs, graph, images, fuser, rag.HybridConfig{
		Reconciliation: rag.ReconciliationKey(cfg.Retrieval.Hybrid.Reconciliation),
		MaxHops:        cfg.Retrieval.Hybrid.MaxHops,
		PerSourceLimit: cfg.Retrieval.Hybrid.PerSourceLimit,
	}, logger)
	hybrid.SetMetrics(collector)

	registry := agent.NewRegistry(logger)
	toolset := agent.Toolset{Documents: docs, Graph: graph, Images: images, Memory: memory, Hybrid: hybrid}
	if err := toolset.RegisterAll(registry, logger); err != nil {
		logger.Fatal("register tools", zap.Error(err))
	}

	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)

	loop, err := agent.NewLoop(provider, registry, memory, agent.LoopConfig{
		Model:              cfg.LLM.Model,
		Temperature:        float32(cfg.Agent.Temperature),
		MaxIterations:      cfg.Agent.MaxIterations,
		WallClockBudget:    cfg.Agent.WallClockBudget,
		ContextTokenBudget: cfg.Agent.ContextTokenBudget,
		TokenEncoding:      cfg.Agent.TokenEncoding,
		AutoRecallMemories: cfg.Agent.AutoRecallMemories,
		RecallLimit:        cfg.Agent.RecallLimit,
		SystemPrompt:       cfg.Agent.SystemPrompt,
	}, logger)
	if err != nil {
		logger.Fatal("build agent loop", zap.Error(err))
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
		store:     st,
		rdb:       rdb,
		collector: collector,
		embedder:  textEmbedder,
		llm:       provider,
		memory:    memory,
		loop:      loop,
	}
}

func buildTextEmbedder(cfg *config.Config, rdb *redis.Client, collector *metrics.Collector, logger *zap.Logger) embedding.Provider {
	if !cfg.Embedding.Text.Enabled {
		return nil
	}
	provider := embedding.NewTextProvider(endpointConfig("text", cfg.Embedding.Text))
	if rdb == nil {
		return provider
	}
	cached := embedding.NewCachedProvider(provider, rdb, embedding.CacheConfig{
		TTL:       cfg.Redis.CacheTTL,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	cached.SetMetrics(collector)
	return cached
}

func endpointConfig(name string, ep config.EmbeddingEndpoint) embedding.BaseConfig {
	return embedding.BaseConfig{
		Name:              name,
		BaseURL:           ep.BaseURL,
		APIKey:            ep.APIKey,
		Model:             ep.Model,
		Dimensions:        ep.Dimensions,
		MaxBatch:          ep.MaxBatchSize,
		Timeout:           ep.Timeout,
		RequestsPerSecond: ep.RequestsPerSecond,
	}
}

func serveMetrics(cfg config.MetricsConfig, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
			logger.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics endpoint started", zap.String("addr", cfg.Addr), zap.String("path", cfg.Path))
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.providers != nil {
		if err := a.providers.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func printUsage() {
	fmt.Println(`graphrag - clinical GraphRAG question answering

Usage:
  graphrag <command> [options]

Commands:
  ask       Answer one clinical question using the retrieval tools
  status    Check store connectivity and capability provisioning
  remember  Store a correction, preference or fact
  forget    Delete a stored memory by id
  version   Show version information
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  graphrag ask "Which patients had fever after surgery?"
  graphrag ask --config /etc/graphrag/config.yaml "..."
  graphrag remember --kind correction "patient ids starting p1000 are synthetic"
  graphrag status`)
}
