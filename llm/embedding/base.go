package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// BaseConfig holds configuration shared by HTTP-backed providers.
type BaseConfig struct {
	Name       string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	MaxBatch   int
	Timeout    time.Duration
	// RequestsPerSecond rate-limits outbound calls; 0 disables limiting.
	RequestsPerSecond float64
}

// ErrUnavailable marks the provider as unreachable rather than the request
// as malformed. Retrieval components map it to degraded/capability-unavailable
// behavior instead of failing the whole query.
var ErrUnavailable = errors.New("embedding provider unavailable")

// baseProvider implements shared HTTP plumbing for concrete providers.
type baseProvider struct {
	name       string
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	maxBatch   int
	limiter    *rate.Limiter
}

func newBaseProvider(cfg BaseConfig) *baseProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBatch := cfg.MaxBatch
	if maxBatch == 0 {
		maxBatch = 100
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &baseProvider{
		name:       cfg.Name,
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxBatch:   maxBatch,
		limiter:    limiter,
	}
}

func (p *baseProvider) Name() string      { return p.name }
func (p *baseProvider) Dimensions() int   { return p.dimensions }
func (p *baseProvider) MaxBatchSize() int { return p.maxBatch }

// doRequest performs a rate-limited POST and returns the response body.
// Transport failures and 5xx responses wrap ErrUnavailable.
func (p *baseProvider) doRequest(ctx context.Context, endpoint string, body any) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, p.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s: status=%d", ErrUnavailable, p.name, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding request failed: %s: status=%d body=%s", p.name, resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func (p *baseProvider) healthCheck(ctx context.Context, embed func(context.Context, string) ([]float32, error)) (*HealthStatus, error) {
	start := time.Now()
	_, err := embed(ctx, "ping")
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{Healthy: false, Latency: latency, Message: err.Error()}, err
	}
	return &HealthStatus{Healthy: true, Latency: latency}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
