package rag

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm/embedding"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/store"
)

// DocumentStore is the slice of the persistence layer document search
// reads from.
type DocumentStore interface {
	SearchDocuments(ctx context.Context, terms []string, f store.DocumentFilter, limit int) ([]store.Document, error)
}

// DocumentSearchConfig tunes lexical scoring and vector re-ranking.
type DocumentSearchConfig struct {
	// BM25 parameters, conventional ranges k1 1.2-2.0, b 0.75.
	BM25K1 float64 `yaml:"bm25_k1" json:"bm25_k1"`
	BM25B  float64 `yaml:"bm25_b" json:"bm25_b"`

	// LexicalWeight and VectorWeight blend normalized BM25 with cosine
	// similarity when a query embedding is available.
	LexicalWeight float64 `yaml:"lexical_weight" json:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight" json:"vector_weight"`

	// DefaultLimit applies when the caller passes a zero limit.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`
	// CandidateMultiplier widens the lexical candidate fetch before
	// re-ranking trims back to the limit.
	CandidateMultiplier int `yaml:"candidate_multiplier" json:"candidate_multiplier"`
}

func DefaultDocumentSearchConfig() DocumentSearchConfig {
	return DocumentSearchConfig{
		BM25K1:              1.5,
		BM25B:               0.75,
		LexicalWeight:       0.5,
		VectorWeight:        0.5,
		DefaultLimit:        10,
		CandidateMultiplier: 4,
	}
}

// DocumentSearchOptions are caller-supplied filters.
type DocumentSearchOptions struct {
	PatientID string
	After     *time.Time
	Before    *time.Time
	Limit     int
}

// DocumentHit is one ranked document reference.
type DocumentHit struct {
	ID        string    `json:"id"`
	Score     float64   `json:"score"`
	Snippet   string    `json:"snippet,omitempty"`
	PatientID string    `json:"patient_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DocumentSearchResult carries the ranked hits plus degradation
// provenance: Degraded is set when the embedding provider was down and
// ranking fell back to lexical only.
type DocumentSearchResult struct {
	Hits     []DocumentHit `json:"hits"`
	Degraded bool          `json:"degraded"`
}

// DocumentSearch ranks clinical notes by BM25 over lexical candidates,
// re-ranked with query-embedding cosine similarity when available.
type DocumentSearch struct {
	docs     DocumentStore
	embedder embedding.Provider
	cfg      DocumentSearchConfig
	logger   *zap.Logger
}

// NewDocumentSearch builds a document searcher. embedder may be nil for a
// permanently lexical-only deployment.
func NewDocumentSearch(docs DocumentStore, embedder embedding.Provider, cfg DocumentSearchConfig, logger *zap.Logger) *DocumentSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultDocumentSearchConfig().DefaultLimit
	}
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = DefaultDocumentSearchConfig().CandidateMultiplier
	}
	return &DocumentSearch{
		docs:     docs,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "document_search")),
	}
}

// Search returns ranked document references. Zero matches is an ordinary
// empty result; only store connectivity failures are errors.
func (d *DocumentSearch) Search(ctx context.Context, query string, opts DocumentSearchOptions) (*DocumentSearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalidInput("query must not be empty")
	}
	if opts.Limit < 0 {
		return nil, invalidInput("limit must not be negative, got %d", opts.Limit)
	}
	limit := opts.Limit
	if limit == 0 {
		limit = d.cfg.DefaultLimit
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return &DocumentSearchResult{}, nil
	}

	candidates, err := d.docs.SearchDocuments(ctx, terms, store.DocumentFilter{
		PatientID: opts.PatientID,
		After:     opts.After,
		Before:    opts.Before,
	}, limit*d.cfg.CandidateMultiplier)
	if err != nil {
		return nil, classifyStoreErr("document search", err)
	}
	if len(candidates) == 0 {
		return &DocumentSearchResult{}, nil
	}

	lexical := bm25Scores(candidates, terms, d.cfg.BM25K1, d.cfg.BM25B)

	// Vector re-rank when embeddings are on hand; embedding failure
	// silently degrades to lexical-only, recorded in provenance.
	degraded := false
	var queryVec store.Vector
	if d.embedder != nil {
		vec, embErr := d.embedder.EmbedQuery(ctx, query)
		if embErr != nil {
			degraded = true
			d.logger.Warn("query embedding failed, lexical-only ranking", zap.Error(embErr))
		} else {
			queryVec = vec
		}
	}

	maxLex := 0.0
	for _, s := range lexical {
		if s > maxLex {
			maxLex = s
		}
	}

	hits := make([]DocumentHit, 0, len(candidates))
	for i, doc := range candidates {
		score := lexical[i]
		if maxLex > 0 {
			score = lexical[i] / maxLex
		}
		if queryVec != nil {
			// A degenerate stored embedding contributes zero vector
			// similarity; the lexical weight still applies so such a
			// document can never outrank a properly embedded one on
			// lexical score alone.
			vector := 0.0
			if !doc.Embedding.IsDegenerate() {
				vector = (store.Cosine(queryVec, doc.Embedding) + 1) / 2
			}
			score = d.cfg.LexicalWeight*score + d.cfg.VectorWeight*vector
		}
		hits = append(hits, DocumentHit{
			ID:        doc.ID,
			Score:     score,
			Snippet:   snippet(doc.Text, terms),
			PatientID: doc.PatientID,
			CreatedAt: doc.CreatedAt,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	d.logger.Debug("document search completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("hits", len(hits)),
		zap.Bool("degraded", degraded),
	)
	return &DocumentSearchResult{Hits: hits, Degraded: degraded}, nil
}

// Ranked converts a search result to fusion input.
func (r *DocumentSearchResult) Ranked() []RankedResult {
	out := make([]RankedResult, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = RankedResult{ItemID: h.ID, Source: SourceDocuments, Rank: i + 1, RawScore: h.Score}
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// bm25Scores computes BM25 over the candidate set, using the candidates
// themselves as the scoring corpus.
func bm25Scores(docs []store.Document, terms []string, k1, b float64) []float64 {
	n := len(docs)
	docTerms := make([]map[string]int, n)
	docLens := make([]int, n)
	totalLen := 0
	df := make(map[string]int)

	for i, doc := range docs {
		tf := make(map[string]int)
		for _, tok := range strings.FieldsFunc(strings.ToLower(doc.Text), func(r rune) bool {
			return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
		}) {
			tf[tok]++
		}
		docTerms[i] = tf
		for _, term := range terms {
			if tf[term] > 0 {
				df[term]++
			}
		}
		length := 0
		for _, c := range tf {
			length += c
		}
		docLens[i] = length
		totalLen += length
	}

	avgLen := float64(totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make([]float64, n)
	for i := range docs {
		for _, term := range terms {
			tf := float64(docTerms[i][term])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (float64(n)-float64(df[term])+0.5)/(float64(df[term])+0.5))
			norm := tf * (k1 + 1) / (tf + k1*(1-b+b*float64(docLens[i])/avgLen))
			scores[i] += idf * norm
		}
	}
	return scores
}

// snippet returns a short window around the first matched term.
func snippet(text string, terms []string) string {
	const window = 160
	lower := strings.ToLower(text)
	idx := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (idx == -1 || i < idx) {
			idx = i
		}
	}
	if idx < 0 {
		idx = 0
	}
	start := idx - window/4
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(text) {
		end = len(text)
	}
	s := strings.TrimSpace(text[start:end])
	if start > 0 {
		s = "..." + s
	}
	if end < len(text) {
		s += "..."
	}
	return s
}
