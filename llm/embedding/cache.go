package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheConfig configures the redis embedding cache.
type CacheConfig struct {
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:       24 * time.Hour,
		KeyPrefix: "emb",
	}
}

// CacheMetrics receives cache hit and miss counts. A nil recorder
// disables collection.
type CacheMetrics interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

// CachedProvider wraps a Provider with a redis result cache. Embedding a
// given text with a given model is deterministic, so cached vectors can
// never go stale; the TTL only bounds memory usage. Cache failures are
// logged and fall through to the wrapped provider.
type CachedProvider struct {
	inner   Provider
	rdb     *redis.Client
	cfg     CacheConfig
	logger  *zap.Logger
	metrics CacheMetrics
}

// cacheMetricsName labels hit and miss counts from this cache.
const cacheMetricsName = "embedding"

// SetMetrics attaches a metrics recorder; call before serving queries.
func (c *CachedProvider) SetMetrics(m CacheMetrics) { c.metrics = m }

func NewCachedProvider(inner Provider, rdb *redis.Client, cfg CacheConfig, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultCacheConfig().KeyPrefix
	}
	return &CachedProvider{
		inner:  inner,
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}
}

func (c *CachedProvider) Name() string      { return c.inner.Name() }
func (c *CachedProvider) Dimensions() int   { return c.inner.Dimensions() }
func (c *CachedProvider) MaxBatchSize() int { return c.inner.MaxBatchSize() }

func (c *CachedProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return c.inner.HealthCheck(ctx)
}

func (c *CachedProvider) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	key := c.key(query)
	if vec, ok := c.get(ctx, key); ok {
		return vec, nil
	}
	vec, err := c.inner.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	c.put(ctx, key, vec)
	return vec, nil
}

func (c *CachedProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	out := make([][]float32, len(documents))
	var missing []string
	var missingIdx []int
	for i, doc := range documents {
		if vec, ok := c.get(ctx, c.key(doc)); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, doc)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedDocuments(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		i := missingIdx[j]
		out[i] = vec
		c.put(ctx, c.key(documents[i]), vec)
	}
	return out, nil
}

func (c *CachedProvider) key(input string) string {
	sum := sha256.Sum256([]byte(c.inner.Name() + "|" + input))
	return c.cfg.KeyPrefix + ":" + hex.EncodeToString(sum[:])
}

func (c *CachedProvider) get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed", zap.Error(err))
		}
		c.miss()
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("cache entry corrupt, ignoring", zap.Error(err))
		c.miss()
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit(cacheMetricsName)
	}
	return vec, true
}

func (c *CachedProvider) miss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(cacheMetricsName)
	}
}

func (c *CachedProvider) put(ctx context.Context, key string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.cfg.TTL).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.Error(err))
	}
}
