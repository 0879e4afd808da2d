package rag

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm/embedding"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/store"
)

type fakeDocStore struct {
	docs []store.Document
	err  error
	last store.DocumentFilter
}

func (f *fakeDocStore) SearchDocuments(_ context.Context, terms []string, filter store.DocumentFilter, limit int) ([]store.Document, error) {
	f.last = filter
	if f.err != nil {
		return nil, f.err
	}
	if len(f.docs) > limit {
		return f.docs[:limit], nil
	}
	return f.docs, nil
}

// stubEmbedder returns a fixed vector, or fails every call.
type stubEmbedder struct {
	vec  []float32
	fail bool
}

func (s *stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if s.fail {
		return nil, fmt.Errorf("embed: %w", embedding.ErrUnavailable)
	}
	return s.vec, nil
}

func (s *stubEmbedder) EmbedDocuments(_ context.Context, docs []string) ([][]float32, error) {
	out := make([][]float32, len(docs))
	for i := range out {
		if s.fail {
			return nil, fmt.Errorf("embed: %w", embedding.ErrUnavailable)
		}
		out[i] = s.vec
	}
	return out, nil
}

func (s *stubEmbedder) Name() string      { return "stub" }
func (s *stubEmbedder) Dimensions() int   { return len(s.vec) }
func (s *stubEmbedder) MaxBatchSize() int { return 16 }
func (s *stubEmbedder) HealthCheck(context.Context) (*embedding.HealthStatus, error) {
	return &embedding.HealthStatus{Healthy: !s.fail}, nil
}

func TestDocumentSearch_InvalidInput(t *testing.T) {
	ds := NewDocumentSearch(&fakeDocStore{}, nil, DefaultDocumentSearchConfig(), nil)

	_, err := ds.Search(context.Background(), "  ", DocumentSearchOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))

	_, err = ds.Search(context.Background(), "fever", DocumentSearchOptions{Limit: -1})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
}

func TestDocumentSearch_LexicalRanking(t *testing.T) {
	docs := &fakeDocStore{docs: []store.Document{
		{ID: "d1", Text: "patient afebrile, no complaints", CreatedAt: time.Now()},
		{ID: "d2", Text: "fever of 39.2 this morning, fever persisted overnight", CreatedAt: time.Now()},
		{ID: "d3", Text: "fever noted once during rounds", CreatedAt: time.Now()},
	}}
	ds := NewDocumentSearch(docs, nil, DefaultDocumentSearchConfig(), nil)

	res, err := ds.Search(context.Background(), "fever", DocumentSearchOptions{})
	require.NoError(t, err)
	require.False(t, res.Degraded)
	require.Len(t, res.Hits, 3)
	assert.Equal(t, "d2", res.Hits[0].ID)
	assert.Contains(t, res.Hits[0].Snippet, "fever")
	// Zero matches in text still rank below any match.
	assert.Equal(t, "d1", res.Hits[2].ID)
}

func TestDocumentSearch_FilterPassthrough(t *testing.T) {
	docs := &fakeDocStore{}
	ds := NewDocumentSearch(docs, nil, DefaultDocumentSearchConfig(), nil)

	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := ds.Search(context.Background(), "sepsis", DocumentSearchOptions{PatientID: "p1000", After: &after})
	require.NoError(t, err)
	assert.Equal(t, "p1000", docs.last.PatientID)
	require.NotNil(t, docs.last.After)
	assert.True(t, docs.last.After.Equal(after))
}

func TestDocumentSearch_VectorRerank(t *testing.T) {
	// Both docs mention fever once; the embedding breaks the tie.
	docs := &fakeDocStore{docs: []store.Document{
		{ID: "d1", Text: "fever and chills", Embedding: store.Vector{0, 1}},
		{ID: "d2", Text: "fever and myalgia", Embedding: store.Vector{1, 0}},
	}}
	ds := NewDocumentSearch(docs, &stubEmbedder{vec: []float32{1, 0}}, DefaultDocumentSearchConfig(), nil)

	res, err := ds.Search(context.Background(), "fever", DocumentSearchOptions{})
	require.NoError(t, err)
	require.False(t, res.Degraded)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "d2", res.Hits[0].ID)
}

func TestDocumentSearch_DegradesWhenEmbeddingDown(t *testing.T) {
	docs := &fakeDocStore{docs: []store.Document{
		{ID: "d1", Text: "fever and chills", Embedding: store.Vector{0, 1}},
	}}
	ds := NewDocumentSearch(docs, &stubEmbedder{fail: true}, DefaultDocumentSearchConfig(), nil)

	res, err := ds.Search(context.Background(), "fever", DocumentSearchOptions{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Hits, 1)
}

func TestDocumentSearch_SkipsDegenerateEmbeddings(t *testing.T) {
	docs := &fakeDocStore{docs: []store.Document{
		{ID: "d1", Text: "fever", Embedding: store.Vector{0, 0}},
		{ID: "d2", Text: "fever", Embedding: store.Vector{1, 0}},
	}}
	ds := NewDocumentSearch(docs, &stubEmbedder{vec: []float32{1, 0}}, DefaultDocumentSearchConfig(), nil)

	res, err := ds.Search(context.Background(), "fever", DocumentSearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	// d2 gets the cosine bonus; d1's zero vector contributes nothing.
	assert.Equal(t, "d2", res.Hits[0].ID)
	assert.Equal(t, "d1", res.Hits[1].ID)
	// Both documents share the blended lexical term; only the vector
	// term separates them, so the failed-embedding document must score
	// strictly lower, not keep its raw lexical score.
	cfg := DefaultDocumentSearchConfig()
	assert.InDelta(t, cfg.LexicalWeight*1+cfg.VectorWeight*1, res.Hits[0].Score, 1e-9)
	assert.InDelta(t, cfg.LexicalWeight*1, res.Hits[1].Score, 1e-9)
}

func TestDocumentSearch_StoreOutageClassified(t *testing.T) {
	docs := &fakeDocStore{err: fmt.Errorf("search: %w", store.ErrUnavailable)}
	ds := NewDocumentSearch(docs, nil, DefaultDocumentSearchConfig(), nil)

	_, err := ds.Search(context.Background(), "fever", DocumentSearchOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeStoreUnavailable, CodeOf(err))
}

func TestDocumentSearch_EmptyResultIsNotError(t *testing.T) {
	ds := NewDocumentSearch(&fakeDocStore{}, nil, DefaultDocumentSearchConfig(), nil)
	res, err := ds.Search(context.Background(), "nonexistent", DocumentSearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Empty(t, res.Ranked())
}

func TestTokenize(t *testing.T) {
	terms := tokenize("Fever, fever of 39.2! (recheck in AM)")
	assert.Equal(t, []string{"fever", "of", "39", "recheck", "in", "am"}, terms)
	assert.Empty(t, tokenize("? !"))
}
