package rag

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/store"
)

// ImageStore is the slice of the persistence layer image search reads
// from.
type ImageStore interface {
	ImagesProvisioned(ctx context.Context) bool
	ListImages(ctx context.Context, f store.ImageFilter) ([]store.ImageRecord, error)
}

// ImageSearchConfig tunes vector search over radiology images.
type ImageSearchConfig struct {
	// MinSimilarity drops matches below this cosine similarity.
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`
	// DefaultLimit applies when the caller passes a zero limit.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`
}

func DefaultImageSearchConfig() ImageSearchConfig {
	return ImageSearchConfig{MinSimilarity: 0.0, DefaultLimit: 10}
}

// ImageSearchOptions are caller-supplied filters.
type ImageSearchOptions struct {
	SubjectID string
	View      string
	Limit     int
	// MinSimilarity overrides the configured threshold for this call;
	// nil keeps the config value.
	MinSimilarity *float64
}

// ImageHit is one ranked image match.
type ImageHit struct {
	ID         string  `json:"id"`
	SubjectID  string  `json:"subject_id"`
	View       string  `json:"view,omitempty"`
	DocumentID string  `json:"document_id,omitempty"`
	Similarity float64 `json:"similarity"`
}

// QueryEmbedder embeds query text into the image embedding space.
// Satisfied by the multimodal provider.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// ImageSearch ranks stored image embeddings by cosine similarity to a
// query vector. Text queries are embedded through the multimodal
// provider; a caller that already holds a vector can search directly.
type ImageSearch struct {
	images   ImageStore
	embedder QueryEmbedder
	cfg      ImageSearchConfig
	logger   *zap.Logger
}

// NewImageSearch builds an image searcher. embedder may be nil when no
// multimodal model is deployed; text queries then fail as a missing
// capability while direct vector search keeps working.
func NewImageSearch(images ImageStore, embedder QueryEmbedder, cfg ImageSearchConfig, logger *zap.Logger) *ImageSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultImageSearchConfig().DefaultLimit
	}
	return &ImageSearch{
		images:   images,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "image_search")),
	}
}

// SearchByText embeds the query text and searches. Multimodal embedding
// failure is a missing capability, not a degraded result: without a
// query vector there is nothing to rank.
func (s *ImageSearch) SearchByText(ctx context.Context, query string, opts ImageSearchOptions) ([]ImageHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalidInput("query must not be empty")
	}
	if s.embedder == nil {
		return nil, capabilityUnavailable("multimodal embedding is not configured", nil)
	}
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, capabilityUnavailable("multimodal embedding failed", err)
	}
	return s.SearchByVector(ctx, vec, opts)
}

// SearchByVector ranks stored images against the given query vector.
// Records with degenerate embeddings never match: a near-zero vector is
// a failed embedding, not a candidate.
func (s *ImageSearch) SearchByVector(ctx context.Context, query store.Vector, opts ImageSearchOptions) ([]ImageHit, error) {
	if query.IsDegenerate() {
		return nil, invalidInput("query vector is degenerate")
	}
	if opts.Limit < 0 {
		return nil, invalidInput("limit must not be negative, got %d", opts.Limit)
	}
	limit := opts.Limit
	if limit == 0 {
		limit = s.cfg.DefaultLimit
	}
	minSim := s.cfg.MinSimilarity
	if opts.MinSimilarity != nil {
		if *opts.MinSimilarity < -1 || *opts.MinSimilarity > 1 {
			return nil, invalidInput("min_similarity must be in [-1, 1], got %g", *opts.MinSimilarity)
		}
		minSim = *opts.MinSimilarity
	}

	if !s.images.ImagesProvisioned(ctx) {
		return nil, capabilityUnavailable("image store is not provisioned", nil)
	}

	records, err := s.images.ListImages(ctx, store.ImageFilter{SubjectID: opts.SubjectID, View: opts.View})
	if err != nil {
		return nil, classifyStoreErr("image search", err)
	}

	hits := make([]ImageHit, 0, len(records))
	skipped := 0
	for _, rec := range records {
		if rec.Embedding.IsDegenerate() {
			skipped++
			continue
		}
		sim := store.Cosine(query, rec.Embedding)
		if sim < minSim {
			continue
		}
		hits = append(hits, ImageHit{
			ID:         rec.ID,
			SubjectID:  rec.SubjectID,
			View:       rec.View,
			DocumentID: rec.DocumentID,
			Similarity: sim,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	s.logger.Debug("image search completed",
		zap.Int("candidates", len(records)),
		zap.Int("skipped_degenerate", skipped),
		zap.Int("hits", len(hits)),
	)
	return hits, nil
}

// RankedImages converts image hits to fusion input.
func RankedImages(hits []ImageHit) []RankedResult {
	out := make([]RankedResult, len(hits))
	for i, h := range hits {
		out[i] = RankedResult{ItemID: h.ID, Source: SourceImages, Rank: i + 1, RawScore: h.Similarity}
	}
	return out
}
