package rag

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm/embedding"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/store"
)

type fakeImageStore struct {
	provisioned bool
	records     []store.ImageRecord
	err         error
	last        store.ImageFilter
}

func (f *fakeImageStore) ImagesProvisioned(context.Context) bool { return f.provisioned }

func (f *fakeImageStore) ListImages(_ context.Context, filter store.ImageFilter) ([]store.ImageRecord, error) {
	f.last = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func TestImageSearch_TextQueryWithoutEmbedder(t *testing.T) {
	is := NewImageSearch(&fakeImageStore{provisioned: true}, nil, DefaultImageSearchConfig(), nil)

	_, err := is.SearchByText(context.Background(), "pleural effusion", ImageSearchOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeCapabilityUnavailable, CodeOf(err))
}

func TestImageSearch_EmbedderDownIsCapabilityUnavailable(t *testing.T) {
	is := NewImageSearch(&fakeImageStore{provisioned: true}, &stubEmbedder{fail: true}, DefaultImageSearchConfig(), nil)

	_, err := is.SearchByText(context.Background(), "pleural effusion", ImageSearchOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeCapabilityUnavailable, CodeOf(err))
	assert.ErrorIs(t, err, embedding.ErrUnavailable)
}

func TestImageSearch_RanksBySimilarity(t *testing.T) {
	images := &fakeImageStore{provisioned: true, records: []store.ImageRecord{
		{ID: "img-far", SubjectID: "s1", Embedding: store.Vector{0, 1}},
		{ID: "img-near", SubjectID: "s1", Embedding: store.Vector{1, 0.1}},
		{ID: "img-exact", SubjectID: "s2", View: "PA", Embedding: store.Vector{1, 0}},
	}}
	is := NewImageSearch(images, &stubEmbedder{vec: []float32{1, 0}}, DefaultImageSearchConfig(), nil)

	hits, err := is.SearchByText(context.Background(), "chest xray", ImageSearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "img-exact", hits[0].ID)
	assert.Equal(t, "img-near", hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)
}

func TestImageSearch_DegenerateRecordsNeverMatch(t *testing.T) {
	images := &fakeImageStore{provisioned: true, records: []store.ImageRecord{
		{ID: "img-zero", Embedding: store.Vector{0, 0}},
		{ID: "img-tiny", Embedding: store.Vector{1e-8, 1e-8}},
		{ID: "img-ok", Embedding: store.Vector{1, 0}},
	}}
	is := NewImageSearch(images, nil, DefaultImageSearchConfig(), nil)

	hits, err := is.SearchByVector(context.Background(), store.Vector{1, 0}, ImageSearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "img-ok", hits[0].ID)
}

func TestImageSearch_DegenerateQueryRejected(t *testing.T) {
	is := NewImageSearch(&fakeImageStore{provisioned: true}, nil, DefaultImageSearchConfig(), nil)

	_, err := is.SearchByVector(context.Background(), store.Vector{0, 0}, ImageSearchOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
}

func TestImageSearch_MinSimilarityFloor(t *testing.T) {
	images := &fakeImageStore{provisioned: true, records: []store.ImageRecord{
		{ID: "img-orthogonal", Embedding: store.Vector{0, 1}},
		{ID: "img-aligned", Embedding: store.Vector{1, 0}},
	}}
	is := NewImageSearch(images, nil, ImageSearchConfig{MinSimilarity: 0.5}, nil)

	hits, err := is.SearchByVector(context.Background(), store.Vector{1, 0}, ImageSearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "img-aligned", hits[0].ID)
}

func TestImageSearch_PerCallMinSimilarityOverride(t *testing.T) {
	images := &fakeImageStore{provisioned: true, records: []store.ImageRecord{
		{ID: "img-orthogonal", Embedding: store.Vector{0, 1}},
		{ID: "img-aligned", Embedding: store.Vector{1, 0}},
	}}
	is := NewImageSearch(images, nil, DefaultImageSearchConfig(), nil)

	// Default threshold keeps the orthogonal match.
	hits, err := is.SearchByVector(context.Background(), store.Vector{1, 0}, ImageSearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	floor := 0.5
	hits, err = is.SearchByVector(context.Background(), store.Vector{1, 0}, ImageSearchOptions{MinSimilarity: &floor})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "img-aligned", hits[0].ID)

	outOfRange := 1.5
	_, err = is.SearchByVector(context.Background(), store.Vector{1, 0}, ImageSearchOptions{MinSimilarity: &outOfRange})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidInput, CodeOf(err))
}

func TestImageSearch_FilterPassthrough(t *testing.T) {
	images := &fakeImageStore{provisioned: true}
	is := NewImageSearch(images, nil, DefaultImageSearchConfig(), nil)

	_, err := is.SearchByVector(context.Background(), store.Vector{1, 0}, ImageSearchOptions{SubjectID: "s42", View: "LATERAL"})
	require.NoError(t, err)
	assert.Equal(t, "s42", images.last.SubjectID)
	assert.Equal(t, "LATERAL", images.last.View)
}

func TestImageSearch_NotProvisioned(t *testing.T) {
	is := NewImageSearch(&fakeImageStore{provisioned: false}, nil, DefaultImageSearchConfig(), nil)

	_, err := is.SearchByVector(context.Background(), store.Vector{1, 0}, ImageSearchOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeCapabilityUnavailable, CodeOf(err))
}

func TestImageSearch_StoreOutageClassified(t *testing.T) {
	images := &fakeImageStore{provisioned: true, err: fmt.Errorf("list: %w", store.ErrUnavailable)}
	is := NewImageSearch(images, nil, DefaultImageSearchConfig(), nil)

	_, err := is.SearchByVector(context.Background(), store.Vector{1, 0}, ImageSearchOptions{})
	require.Error(t, err)
	assert.Equal(t, CodeStoreUnavailable, CodeOf(err))
}
