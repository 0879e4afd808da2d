package rag

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFuse_CrossSourceAgreementWins(t *testing.T) {
	f := NewFuser(DefaultFusionConfig(), nil)

	// doc-2 is second in documents but also first in graph; the two
	// contributions together must outrank doc-1's single first place.
	docs := []RankedResult{
		{ItemID: "doc-1", Source: SourceDocuments, Rank: 1, RawScore: 12.3},
		{ItemID: "doc-2", Source: SourceDocuments, Rank: 2, RawScore: 11.9},
	}
	graph := []RankedResult{
		{ItemID: "doc-2", Source: SourceGraph, Rank: 1, RawScore: 0.9},
	}

	out := f.Fuse(docs, graph)
	require.Len(t, out, 2)

	assert.Equal(t, "doc-2", out[0].ItemID)
	assert.InDelta(t, 1.0/61+1.0/62, out[0].RRFScore, 1e-12)
	assert.InDelta(t, 0.0328, out[0].RRFScore, 5e-4)

	assert.Equal(t, "doc-1", out[1].ItemID)
	assert.InDelta(t, 1.0/61, out[1].RRFScore, 1e-12)

	require.Len(t, out[0].Sources, 2)
	assert.Equal(t, SourceDocuments, out[0].Sources[0].Source)
	assert.Equal(t, 2, out[0].Sources[0].Rank)
	assert.Equal(t, SourceGraph, out[0].Sources[1].Source)
	assert.Equal(t, 1, out[0].Sources[1].Rank)
}

func TestFuse_EmptyInputs(t *testing.T) {
	f := NewFuser(DefaultFusionConfig(), nil)
	assert.Empty(t, f.Fuse())
	assert.Empty(t, f.Fuse(nil, nil))
	assert.Empty(t, f.Fuse([]RankedResult{}, []RankedResult{}))
}

func TestFuse_SingleListPreservesOrder(t *testing.T) {
	f := NewFuser(DefaultFusionConfig(), nil)
	list := []RankedResult{
		{ItemID: "a", Source: SourceDocuments, Rank: 1},
		{ItemID: "b", Source: SourceDocuments, Rank: 2},
		{ItemID: "c", Source: SourceDocuments, Rank: 3},
	}
	out := f.Fuse(list)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].ItemID)
	assert.Equal(t, "b", out[1].ItemID)
	assert.Equal(t, "c", out[2].ItemID)
}

func TestFuse_TieBreaksByItemID(t *testing.T) {
	f := NewFuser(DefaultFusionConfig(), nil)
	// Same rank in two disjoint lists gives identical scores.
	out := f.Fuse(
		[]RankedResult{{ItemID: "zed", Source: SourceDocuments, Rank: 1}},
		[]RankedResult{{ItemID: "abc", Source: SourceGraph, Rank: 1}},
	)
	require.Len(t, out, 2)
	assert.Equal(t, "abc", out[0].ItemID)
	assert.Equal(t, "zed", out[1].ItemID)
}

func TestFuse_MaxResultsTruncates(t *testing.T) {
	f := NewFuser(FusionConfig{K: 60, MaxResults: 2}, nil)
	list := make([]RankedResult, 5)
	for i := range list {
		list[i] = RankedResult{ItemID: fmt.Sprintf("item-%d", i), Source: SourceDocuments, Rank: i + 1}
	}
	out := f.Fuse(list)
	assert.Len(t, out, 2)
}

func genRankedLists(t *rapid.T) [][]RankedResult {
	sources := []Source{SourceDocuments, SourceGraph, SourceImages, SourceMemory}
	nLists := rapid.IntRange(1, 4).Draw(t, "lists")
	lists := make([][]RankedResult, nLists)
	for li := 0; li < nLists; li++ {
		n := rapid.IntRange(0, 12).Draw(t, "len")
		seen := map[string]bool{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("item-%d", rapid.IntRange(0, 20).Draw(t, "id"))
			if seen[id] {
				continue
			}
			seen[id] = true
			lists[li] = append(lists[li], RankedResult{
				ItemID: id,
				Source: sources[li%len(sources)],
				Rank:   len(lists[li]) + 1,
			})
		}
	}
	return lists
}

func TestFuse_Deterministic(t *testing.T) {
	f := NewFuser(DefaultFusionConfig(), nil)
	rapid.Check(t, func(t *rapid.T) {
		lists := genRankedLists(t)
		a := f.Fuse(lists...)
		b := f.Fuse(lists...)
		require.Equal(t, a, b)
	})
}

func fusedScore(out []FusedResult, id string) float64 {
	for _, r := range out {
		if r.ItemID == id {
			return r.RRFScore
		}
	}
	return 0
}

func TestFuse_BetterRankStrictlyIncreasesScore(t *testing.T) {
	cfg := DefaultFusionConfig()
	cfg.MaxResults = 0
	f := NewFuser(cfg, nil)
	rapid.Check(t, func(t *rapid.T) {
		// Promoting an item one position in a single list, with every
		// other list unchanged, must strictly raise its fused score.
		others := genRankedLists(t)
		n := rapid.IntRange(2, 12).Draw(t, "len")
		list := make([]RankedResult, n)
		for i := range list {
			list[i] = RankedResult{ItemID: fmt.Sprintf("item-%d", i), Source: SourceDocuments, Rank: i + 1}
		}
		pos := rapid.IntRange(1, n-1).Draw(t, "pos")
		id := list[pos].ItemID

		before := fusedScore(f.Fuse(append([][]RankedResult{list}, others...)...), id)

		promoted := make([]RankedResult, n)
		copy(promoted, list)
		promoted[pos-1], promoted[pos] = promoted[pos], promoted[pos-1]
		promoted[pos-1].Rank, promoted[pos].Rank = pos, pos+1

		after := fusedScore(f.Fuse(append([][]RankedResult{promoted}, others...)...), id)
		require.Greater(t, after, before)
	})
}

func TestFuse_ScoreProperties(t *testing.T) {
	cfg := DefaultFusionConfig()
	cfg.MaxResults = 0
	f := NewFuser(cfg, nil)
	rapid.Check(t, func(t *rapid.T) {
		lists := genRankedLists(t)
		out := f.Fuse(lists...)

		for i := 1; i < len(out); i++ {
			if out[i-1].RRFScore == out[i].RRFScore {
				require.Less(t, out[i-1].ItemID, out[i].ItemID)
			} else {
				require.Greater(t, out[i-1].RRFScore, out[i].RRFScore)
			}
		}
		for _, r := range out {
			require.NotEmpty(t, r.Sources)
			var sum float64
			for _, s := range r.Sources {
				require.GreaterOrEqual(t, s.Rank, 1)
				sum += 1.0 / float64(cfg.K+s.Rank)
			}
			require.InDelta(t, sum, r.RRFScore, 1e-12)
			require.True(t, math.IsInf(r.RRFScore, 0) == false)
		}
	})
}
