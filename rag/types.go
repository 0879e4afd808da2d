// Package rag implements the multi-modal retrieval and fusion engine:
// lexical document search, bounded knowledge-graph traversal, multimodal
// image similarity search, semantic memory, and Reciprocal Rank Fusion
// over their independently-ranked outputs.
package rag

// Source identifies which retrieval method produced a ranked item.
type Source string

const (
	SourceDocuments Source = "documents"
	SourceGraph     Source = "graph"
	SourceImages    Source = "images"
	SourceMemory    Source = "memory"
)

// RankedResult is one item of a source's ranked output. Rank is the
// 1-based position within that source's list; RawScore is source-native
// and not comparable across sources.
type RankedResult struct {
	ItemID   string  `json:"item_id"`
	Source   Source  `json:"source"`
	Rank     int     `json:"rank"`
	RawScore float64 `json:"raw_score"`
}

// SourceRank records one source's contribution to a fused item.
type SourceRank struct {
	Source   Source  `json:"source"`
	Rank     int     `json:"rank"`
	RawScore float64 `json:"raw_score"`
}

// FusedResult is one item of the fused ranking. Sources is required
// provenance: stating why an item ranked where it did is a correctness
// requirement for clinical-decision-support output, not presentation.
type FusedResult struct {
	ItemID   string       `json:"item_id"`
	RRFScore float64      `json:"rrf_score"`
	Sources  []SourceRank `json:"contributing_sources"`
}
