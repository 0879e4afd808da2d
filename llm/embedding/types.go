// Package embedding provides the embedding provider interface and its
// HTTP-backed implementations, plus a redis-backed result cache.
package embedding

import (
	"context"
	"time"
)

// Provider converts text into fixed-dimensional vectors. Implementations
// are external services and may be unreachable; callers decide whether an
// embedding failure degrades or fails the surrounding operation.
type Provider interface {
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// EmbedDocuments embeds a batch of documents, one vector per input.
	EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimensions returns the output vector dimensionality.
	Dimensions() int

	// MaxBatchSize returns the largest accepted batch.
	MaxBatchSize() int

	// HealthCheck performs a lightweight availability probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// HealthStatus reports the outcome of a provider health probe.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}
