package rag

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm/embedding"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/store"
)

// MemoryBackend is the slice of the persistence layer semantic memory
// reads and writes.
type MemoryBackend interface {
	MemoriesProvisioned(ctx context.Context) bool
	InsertMemory(ctx context.Context, rec *store.MemoryRecord) error
	ListMemories(ctx context.Context) ([]store.MemoryRecord, error)
	GetMemory(ctx context.Context, id string) (*store.MemoryRecord, error)
	UpdateMemory(ctx context.Context, id, content string, embedding store.Vector) error
	DeleteMemory(ctx context.Context, id string) error
}

// MemoryConfig tunes semantic recall.
type MemoryConfig struct {
	// SimilarityFloor drops recalled memories below this cosine
	// similarity; weakly related memories are noise, not context.
	SimilarityFloor float64 `yaml:"similarity_floor" json:"similarity_floor"`
	// DefaultLimit applies when the caller passes a zero recall limit.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`
}

func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{SimilarityFloor: 0.3, DefaultLimit: 5}
}

// RecalledMemory is one memory matched during recall.
type RecalledMemory struct {
	ID         string           `json:"id"`
	Content    string           `json:"content"`
	Kind       store.MemoryKind `json:"kind"`
	Similarity float64          `json:"similarity"`
}

// RecallResult carries recalled memories plus degradation provenance:
// Degraded is set when the embedding provider was down and recall
// returned empty rather than failing the caller.
type RecallResult struct {
	Memories []RecalledMemory `json:"memories"`
	Degraded bool             `json:"degraded"`
}

// MemoryStore persists user corrections, preferences and facts with
// embeddings computed at write time, and recalls them by semantic
// similarity.
type MemoryStore struct {
	backend  MemoryBackend
	embedder embedding.Provider
	cfg      MemoryConfig
	logger   *zap.Logger
}

func NewMemoryStore(backend MemoryBackend, embedder embedding.Provider, cfg MemoryConfig, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SimilarityFloor <= 0 {
		cfg.SimilarityFloor = DefaultMemoryConfig().SimilarityFloor
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultMemoryConfig().DefaultLimit
	}
	return &MemoryStore{
		backend:  backend,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "memory")),
	}
}

// Remember persists a new memory. The embedding is computed at write
// time; if the provider is down the write fails rather than storing a
// memory that recall could never find.
func (m *MemoryStore) Remember(ctx context.Context, content string, kind store.MemoryKind) (*store.MemoryRecord, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalidInput("memory content must not be empty")
	}
	if !validMemoryKind(kind) {
		return nil, invalidInput("unknown memory kind %q", kind)
	}
	if err := m.requireProvisioned(ctx); err != nil {
		return nil, err
	}
	if m.embedder == nil {
		return nil, capabilityUnavailable("text embedding is not configured", nil)
	}

	vec, err := m.embedder.EmbedQuery(ctx, content)
	if err != nil {
		return nil, capabilityUnavailable("embedding memory content failed", err)
	}

	rec := &store.MemoryRecord{
		ID:        uuid.NewString(),
		Content:   content,
		Kind:      kind,
		Embedding: vec,
	}
	if err := m.backend.InsertMemory(ctx, rec); err != nil {
		return nil, classifyStoreErr("insert memory", err)
	}
	m.logger.Info("memory stored", zap.String("id", rec.ID), zap.String("kind", string(kind)))
	return rec, nil
}

// Recall returns memories semantically close to the query, best first.
// Embedding failure degrades to an empty flagged result so the caller's
// answer path keeps moving without memory context.
func (m *MemoryStore) Recall(ctx context.Context, query string, limit int) (*RecallResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalidInput("query must not be empty")
	}
	if limit < 0 {
		return nil, invalidInput("limit must not be negative, got %d", limit)
	}
	if limit == 0 {
		limit = m.cfg.DefaultLimit
	}
	if err := m.requireProvisioned(ctx); err != nil {
		return nil, err
	}
	if m.embedder == nil {
		return &RecallResult{Degraded: true}, nil
	}

	vec, err := m.embedder.EmbedQuery(ctx, query)
	if err != nil {
		m.logger.Warn("query embedding failed, recall degraded to empty", zap.Error(err))
		return &RecallResult{Degraded: true}, nil
	}

	recs, err := m.backend.ListMemories(ctx)
	if err != nil {
		return nil, classifyStoreErr("list memories", err)
	}

	matches := make([]RecalledMemory, 0, len(recs))
	for _, rec := range recs {
		if rec.Embedding.IsDegenerate() {
			continue
		}
		sim := store.Cosine(vec, rec.Embedding)
		if sim < m.cfg.SimilarityFloor {
			continue
		}
		matches = append(matches, RecalledMemory{
			ID:         rec.ID,
			Content:    rec.Content,
			Kind:       rec.Kind,
			Similarity: sim,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return &RecallResult{Memories: matches}, nil
}

// Amend replaces a memory's content and recomputes its embedding. The
// original record is never silently lost; a missing id is an input
// error.
func (m *MemoryStore) Amend(ctx context.Context, id, content string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return invalidInput("memory id must not be empty")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return invalidInput("memory content must not be empty")
	}
	if err := m.requireProvisioned(ctx); err != nil {
		return err
	}
	if m.embedder == nil {
		return capabilityUnavailable("text embedding is not configured", nil)
	}

	vec, err := m.embedder.EmbedQuery(ctx, content)
	if err != nil {
		return capabilityUnavailable("embedding memory content failed", err)
	}
	if err := m.backend.UpdateMemory(ctx, id, content, vec); err != nil {
		if isNotFound(err) {
			return invalidInput("memory %q not found", id)
		}
		return classifyStoreErr("amend memory", err)
	}
	m.logger.Info("memory amended", zap.String("id", id))
	return nil
}

// Forget permanently deletes a memory by id.
func (m *MemoryStore) Forget(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return invalidInput("memory id must not be empty")
	}
	if err := m.requireProvisioned(ctx); err != nil {
		return err
	}
	if err := m.backend.DeleteMemory(ctx, id); err != nil {
		if isNotFound(err) {
			return invalidInput("memory %q not found", id)
		}
		return classifyStoreErr("forget memory", err)
	}
	m.logger.Info("memory forgotten", zap.String("id", id))
	return nil
}

func (m *MemoryStore) requireProvisioned(ctx context.Context) error {
	if !m.backend.MemoriesProvisioned(ctx) {
		return capabilityUnavailable("memory store is not provisioned", nil)
	}
	return nil
}

func validMemoryKind(k store.MemoryKind) bool {
	switch k {
	case store.MemoryCorrection, store.MemoryPreference, store.MemoryFact:
		return true
	}
	return false
}

// RankedMemories converts recalled memories to fusion input.
func RankedMemories(r *RecallResult) []RankedResult {
	out := make([]RankedResult, len(r.Memories))
	for i, m := range r.Memories {
		out[i] = RankedResult{ItemID: m.ID, Source: SourceMemory, Rank: i + 1, RawScore: m.Similarity}
	}
	return out
}
