package rag

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconciliationKey selects the identifier space fused results live in.
// Sources rank different item kinds; before fusion each hit is mapped
// onto a shared key so rank evidence for the same underlying thing can
// accumulate.
type ReconciliationKey string

const (
	// ReconcileByDocument maps graph entities to their source document
	// and images to their linked report. The default.
	ReconcileByDocument ReconciliationKey = "document"
	// ReconcileBySubject maps documents to their patient and images to
	// their subject, fusing at the person level.
	ReconcileBySubject ReconciliationKey = "subject"
)

// HybridConfig tunes cross-source retrieval.
type HybridConfig struct {
	Reconciliation ReconciliationKey `yaml:"reconciliation" json:"reconciliation"`
	// MaxHops bounds the graph expansion leg.
	MaxHops int `yaml:"max_hops" json:"max_hops"`
	// PerSourceLimit caps each leg before fusion.
	PerSourceLimit int `yaml:"per_source_limit" json:"per_source_limit"`
}

func DefaultHybridConfig() HybridConfig {
	return HybridConfig{
		Reconciliation: ReconcileByDocument,
		MaxHops:        0, // leg default
		PerSourceLimit: 20,
	}
}

// HybridOptions are caller-supplied filters applied to the legs that
// support them.
type HybridOptions struct {
	// PatientID restricts the document leg to the patient and the image
	// leg to the matching subject.
	PatientID string
}

// HybridResult carries fused results plus per-source provenance. A
// source listed in SourcesUnavailable contributed nothing because its
// capability is missing, not because nothing matched.
type HybridResult struct {
	Results            []FusedResult `json:"results"`
	SourcesUnavailable []Source      `json:"sources_unavailable,omitempty"`
	Degraded           bool          `json:"degraded"`
}

// Metrics receives per-source result counts and fused ranking sizes. A
// nil recorder disables collection.
type Metrics interface {
	RecordRetrieval(source string, results int)
	RecordFusion(results int)
}

// HybridSearch fans one query out to document, graph and image
// retrieval, reconciles the hits onto a shared key and fuses the rank
// lists.
type HybridSearch struct {
	docs    *DocumentSearch
	graph   *GraphSearch
	images  *ImageSearch
	fuser   *Fuser
	cfg     HybridConfig
	logger  *zap.Logger
	metrics Metrics
}

// SetMetrics attaches a metrics recorder; call before serving queries.
func (h *HybridSearch) SetMetrics(m Metrics) { h.metrics = m }

func NewHybridSearch(docs *DocumentSearch, graph *GraphSearch, images *ImageSearch, fuser *Fuser, cfg HybridConfig, logger *zap.Logger) *HybridSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Reconciliation == "" {
		cfg.Reconciliation = ReconcileByDocument
	}
	if cfg.PerSourceLimit <= 0 {
		cfg.PerSourceLimit = DefaultHybridConfig().PerSourceLimit
	}
	return &HybridSearch{
		docs:   docs,
		graph:  graph,
		images: images,
		fuser:  fuser,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "hybrid_search")),
	}
}

// Search runs all three legs concurrently. A leg whose capability is
// unavailable is dropped and recorded; invalid input and store outages
// fail the whole request.
func (h *HybridSearch) Search(ctx context.Context, query string, opts HybridOptions) (*HybridResult, error) {
	var (
		docRes *DocumentSearchResult
		grRes  *GraphSearchResult
		imHits []ImageHit
	)
	unavailable := make([]Source, 0, 3)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := h.docs.Search(gctx, query, DocumentSearchOptions{PatientID: opts.PatientID, Limit: h.cfg.PerSourceLimit})
		if err != nil {
			if CodeOf(err) == CodeCapabilityUnavailable {
				mu.Lock()
				unavailable = append(unavailable, SourceDocuments)
				mu.Unlock()
				return nil
			}
			return err
		}
		docRes = res
		return nil
	})
	g.Go(func() error {
		res, err := h.graph.Search(gctx, query, h.cfg.MaxHops, h.cfg.PerSourceLimit)
		if err != nil {
			if CodeOf(err) == CodeCapabilityUnavailable {
				mu.Lock()
				unavailable = append(unavailable, SourceGraph)
				mu.Unlock()
				return nil
			}
			return err
		}
		grRes = res
		return nil
	})
	g.Go(func() error {
		hits, err := h.images.SearchByText(gctx, query, ImageSearchOptions{SubjectID: opts.PatientID, Limit: h.cfg.PerSourceLimit})
		if err != nil {
			if CodeOf(err) == CodeCapabilityUnavailable {
				mu.Lock()
				unavailable = append(unavailable, SourceImages)
				mu.Unlock()
				return nil
			}
			return err
		}
		imHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lists := make([][]RankedResult, 0, 3)
	degraded := false
	if docRes != nil {
		degraded = degraded || docRes.Degraded
		lists = append(lists, h.reconcileDocuments(docRes))
	}
	if grRes != nil {
		lists = append(lists, h.reconcileGraph(grRes))
	}
	if imHits != nil {
		lists = append(lists, h.reconcileImages(imHits))
	}

	fused := h.fuser.Fuse(lists...)
	sort.Slice(unavailable, func(i, j int) bool { return unavailable[i] < unavailable[j] })

	if h.metrics != nil {
		if docRes != nil {
			h.metrics.RecordRetrieval(string(SourceDocuments), len(docRes.Hits))
		}
		if grRes != nil {
			h.metrics.RecordRetrieval(string(SourceGraph), len(grRes.Hits))
		}
		if imHits != nil {
			h.metrics.RecordRetrieval(string(SourceImages), len(imHits))
		}
		h.metrics.RecordFusion(len(fused))
	}

	h.logger.Debug("hybrid search completed",
		zap.Int("fused", len(fused)),
		zap.Int("sources_unavailable", len(unavailable)),
		zap.Bool("degraded", degraded),
	)
	return &HybridResult{Results: fused, SourcesUnavailable: unavailable, Degraded: degraded}, nil
}

// reconcileDocuments maps document hits onto the shared key. Hits with
// no key in subject mode keep their own id so they still fuse, just
// without cross-source reinforcement.
func (h *HybridSearch) reconcileDocuments(res *DocumentSearchResult) []RankedResult {
	ranked := res.Ranked()
	if h.cfg.Reconciliation != ReconcileBySubject {
		return ranked
	}
	for i, hit := range res.Hits {
		if hit.PatientID != "" {
			ranked[i].ItemID = hit.PatientID
		}
	}
	return dedupeKeepBest(ranked)
}

func (h *HybridSearch) reconcileGraph(res *GraphSearchResult) []RankedResult {
	ranked := res.Ranked()
	if h.cfg.Reconciliation == ReconcileByDocument {
		for i, hit := range res.Hits {
			if hit.Entity.SourceDocumentID != "" {
				ranked[i].ItemID = hit.Entity.SourceDocumentID
			}
		}
	}
	return dedupeKeepBest(ranked)
}

func (h *HybridSearch) reconcileImages(hits []ImageHit) []RankedResult {
	ranked := RankedImages(hits)
	for i, hit := range hits {
		switch h.cfg.Reconciliation {
		case ReconcileBySubject:
			if hit.SubjectID != "" {
				ranked[i].ItemID = hit.SubjectID
			}
		default:
			if hit.DocumentID != "" {
				ranked[i].ItemID = hit.DocumentID
			}
		}
	}
	return dedupeKeepBest(ranked)
}

// dedupeKeepBest keeps the best rank per reconciled id. Within one
// source a duplicate is the same underlying item reached twice; its
// best rank is its evidence.
func dedupeKeepBest(list []RankedResult) []RankedResult {
	seen := make(map[string]struct{}, len(list))
	out := list[:0]
	for _, r := range list {
		if _, dup := seen[r.ItemID]; dup {
			continue
		}
		seen[r.ItemID] = struct{}{}
		out = append(out, r)
	}
	// Re-rank so downstream contributions stay contiguous.
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
