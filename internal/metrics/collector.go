// Package metrics provides Prometheus instrumentation for the
// retrieval engines and the agent loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every metric the assistant exposes.
type Collector struct {
	toolExecutionsTotal   *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	agentRunsTotal   *prometheus.CounterVec
	agentIterations  prometheus.Histogram
	agentRunDuration prometheus.Histogram

	llmTokensUsed *prometheus.CounterVec

	retrievalResults *prometheus.HistogramVec
	fusionResultSize prometheus.Histogram

	storeQueryDuration *prometheus.HistogramVec
	storeRetriesTotal  *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers all metrics with reg. Passing nil registers on
// the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.toolExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Total tool executions by tool name and envelope status",
		},
		[]string{"tool", "status"},
	)
	c.toolExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)

	c.agentRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Total agent runs by terminal state",
		},
		[]string{"state"},
	)
	c.agentIterations = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_iterations",
			Help:      "Model decisions consumed per agent run",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 10, 12},
		},
	)
	c.agentRunDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent run wall-clock duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	c.llmTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total tokens consumed by the model",
		},
		[]string{"type"}, // prompt, completion
	)

	c.retrievalResults = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_results",
			Help:      "Result list sizes per retrieval source",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"source"},
	)
	c.fusionResultSize = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_result_size",
			Help:      "Fused ranking sizes",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	c.storeQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_query_duration_seconds",
			Help:      "Store query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	c.storeRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Transient store errors that triggered a retry",
		},
		[]string{"operation"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Embedding cache hits",
		},
		[]string{"cache"},
	)
	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Embedding cache misses",
		},
		[]string{"cache"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

func (c *Collector) RecordToolExecution(tool, status string, duration time.Duration) {
	c.toolExecutionsTotal.WithLabelValues(tool, status).Inc()
	c.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (c *Collector) RecordAgentRun(state string, iterations int, duration time.Duration) {
	c.agentRunsTotal.WithLabelValues(state).Inc()
	c.agentIterations.Observe(float64(iterations))
	c.agentRunDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordTokens(promptTokens, completionTokens int) {
	c.llmTokensUsed.WithLabelValues("prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues("completion").Add(float64(completionTokens))
}

func (c *Collector) RecordRetrieval(source string, results int) {
	c.retrievalResults.WithLabelValues(source).Observe(float64(results))
}

func (c *Collector) RecordFusion(results int) {
	c.fusionResultSize.Observe(float64(results))
}

func (c *Collector) RecordStoreQuery(operation string, duration time.Duration) {
	c.storeQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordStoreRetry(operation string) {
	c.storeRetriesTotal.WithLabelValues(operation).Inc()
}

func (c *Collector) RecordCacheHit(cache string) {
	c.cacheHits.WithLabelValues(cache).Inc()
}

func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheMisses.WithLabelValues(cache).Inc()
}
