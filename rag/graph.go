package rag

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/store"
)

// GraphStore is the slice of the persistence layer graph traversal
// reads from.
type GraphStore interface {
	GraphProvisioned(ctx context.Context) bool
	FindEntities(ctx context.Context, text string, limit int) ([]store.Entity, error)
	GetEntities(ctx context.Context, ids []string) ([]store.Entity, error)
	EdgesTouching(ctx context.Context, entityIDs []string) ([]store.Relationship, error)
	EntityTypeCounts(ctx context.Context) ([]store.EntityTypeCount, error)
	ConfidenceDistribution(ctx context.Context) ([]store.ConfidenceBucket, error)
}

// GraphSearchConfig bounds traversal.
type GraphSearchConfig struct {
	// DefaultMaxHops applies when the caller passes zero hops.
	DefaultMaxHops int `yaml:"default_max_hops" json:"default_max_hops"`
	// HardMaxHops is the ceiling; requests beyond it are rejected.
	HardMaxHops int `yaml:"hard_max_hops" json:"hard_max_hops"`
	// SeedLimit caps how many entities a fuzzy seed lookup may match.
	SeedLimit int `yaml:"seed_limit" json:"seed_limit"`
	// DefaultLimit applies when the caller passes a zero result limit.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`
}

func DefaultGraphSearchConfig() GraphSearchConfig {
	return GraphSearchConfig{
		DefaultMaxHops: 2,
		HardMaxHops:    3,
		SeedLimit:      5,
		DefaultLimit:   20,
	}
}

// PathStep is one traversed edge in an entity's best discovery path.
type PathStep struct {
	FromEntityID string  `json:"from_entity_id"`
	ToEntityID   string  `json:"to_entity_id"`
	RelationType string  `json:"relation_type"`
	Confidence   float64 `json:"confidence"`
}

// GraphHit is one entity reached by traversal, with the path that
// discovered it.
type GraphHit struct {
	Entity     store.Entity `json:"entity"`
	Hops       int          `json:"hops"`
	Confidence float64      `json:"confidence"`
	Path       []PathStep   `json:"path,omitempty"`
}

// GraphSearchResult carries ranked hits plus the seed entities matched.
type GraphSearchResult struct {
	Seeds []store.Entity `json:"seeds"`
	Hits  []GraphHit     `json:"hits"`
}

// Subgraph is the neighborhood around one entity.
type Subgraph struct {
	Root     store.Entity         `json:"root"`
	Entities []store.Entity       `json:"entities"`
	Edges    []store.Relationship `json:"edges"`
}

// GraphStatistics summarizes the knowledge graph.
type GraphStatistics struct {
	TypeCounts             []store.EntityTypeCount  `json:"type_counts"`
	ConfidenceDistribution []store.ConfidenceBucket `json:"confidence_distribution"`
	TotalEntities          int64                    `json:"total_entities"`
}

// GraphSearch answers entity-neighborhood questions by breadth-first
// traversal of the extracted knowledge graph.
type GraphSearch struct {
	graph  GraphStore
	cfg    GraphSearchConfig
	logger *zap.Logger
}

func NewGraphSearch(graph GraphStore, cfg GraphSearchConfig, logger *zap.Logger) *GraphSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultGraphSearchConfig()
	if cfg.DefaultMaxHops <= 0 {
		cfg.DefaultMaxHops = def.DefaultMaxHops
	}
	if cfg.HardMaxHops <= 0 {
		cfg.HardMaxHops = def.HardMaxHops
	}
	if cfg.SeedLimit <= 0 {
		cfg.SeedLimit = def.SeedLimit
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	return &GraphSearch{graph: graph, cfg: cfg, logger: logger.With(zap.String("component", "graph_search"))}
}

// pathState tracks the best known discovery path to an entity. Best is
// fewest hops, then highest cumulative confidence, then lexical order
// of the final entity id.
type pathState struct {
	hops       int
	confidence float64
	path       []PathStep
}

// Search resolves the query to seed entities and expands outward up to
// maxHops. A zero maxHops uses the default; values above the hard cap
// are rejected before any store access.
func (g *GraphSearch) Search(ctx context.Context, query string, maxHops, limit int) (*GraphSearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalidInput("query must not be empty")
	}
	if maxHops < 0 {
		return nil, invalidInput("max hops must not be negative, got %d", maxHops)
	}
	if maxHops > g.cfg.HardMaxHops {
		return nil, invalidInput("max hops %d exceeds limit %d", maxHops, g.cfg.HardMaxHops)
	}
	if maxHops == 0 {
		maxHops = g.cfg.DefaultMaxHops
	}
	if limit <= 0 {
		limit = g.cfg.DefaultLimit
	}

	if err := g.requireProvisioned(ctx); err != nil {
		return nil, err
	}

	seeds, err := g.graph.FindEntities(ctx, query, g.cfg.SeedLimit)
	if err != nil {
		return nil, classifyStoreErr("graph seed lookup", err)
	}
	if len(seeds) == 0 {
		return &GraphSearchResult{}, nil
	}

	reached, err := g.traverse(ctx, seeds, maxHops)
	if err != nil {
		return nil, err
	}

	hits, err := g.collectHits(ctx, reached, limit)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("graph search completed",
		zap.Int("seeds", len(seeds)),
		zap.Int("reached", len(reached)),
		zap.Int("hits", len(hits)),
		zap.Int("max_hops", maxHops),
	)
	return &GraphSearchResult{Seeds: seeds, Hits: hits}, nil
}

// traverse runs bounded BFS from the seeds. Entities join the visited
// set when enqueued, so cycles and self-loops cannot extend the
// frontier; a revisit can only improve the recorded best path.
func (g *GraphSearch) traverse(ctx context.Context, seeds []store.Entity, maxHops int) (map[string]pathState, error) {
	best := make(map[string]pathState, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		best[s.ID] = pathState{hops: 0, confidence: s.Confidence}
		frontier = append(frontier, s.ID)
	}

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		edges, err := g.graph.EdgesTouching(ctx, frontier)
		if err != nil {
			return nil, classifyStoreErr("graph traversal", err)
		}
		inFrontier := make(map[string]struct{}, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = struct{}{}
		}

		next := make([]string, 0)
		for _, e := range edges {
			for _, dir := range [][2]string{{e.SourceEntityID, e.TargetEntityID}, {e.TargetEntityID, e.SourceEntityID}} {
				from, to := dir[0], dir[1]
				if _, ok := inFrontier[from]; !ok {
					continue
				}
				if from == to {
					continue
				}
				cand := pathState{
					hops:       hop,
					confidence: best[from].confidence * e.Confidence,
					path: append(append([]PathStep(nil), best[from].path...), PathStep{
						FromEntityID: from,
						ToEntityID:   to,
						RelationType: e.RelationType,
						Confidence:   e.Confidence,
					}),
				}
				cur, seen := best[to]
				if !seen {
					best[to] = cand
					next = append(next, to)
					continue
				}
				if betterPath(cand, cur, to) {
					best[to] = cand
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return best, nil
}

// betterPath reports whether a replaces b as the best path to entity id.
func betterPath(a, b pathState, id string) bool {
	if a.hops != b.hops {
		return a.hops < b.hops
	}
	if a.confidence != b.confidence {
		return a.confidence > b.confidence
	}
	// Equal hops and confidence: keep the path whose last step comes
	// from the lexically smaller entity so results stay deterministic.
	return lastFrom(a, id) < lastFrom(b, id)
}

func lastFrom(s pathState, fallback string) string {
	if len(s.path) == 0 {
		return fallback
	}
	return s.path[len(s.path)-1].FromEntityID
}

func (g *GraphSearch) collectHits(ctx context.Context, reached map[string]pathState, limit int) ([]GraphHit, error) {
	ids := make([]string, 0, len(reached))
	for id := range reached {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entities, err := g.graph.GetEntities(ctx, ids)
	if err != nil {
		return nil, classifyStoreErr("graph entity fetch", err)
	}
	byID := make(map[string]store.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	hits := make([]GraphHit, 0, len(reached))
	for _, id := range ids {
		ent, ok := byID[id]
		if !ok {
			continue
		}
		st := reached[id]
		hits = append(hits, GraphHit{Entity: ent, Hops: st.hops, Confidence: st.confidence, Path: st.path})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Hops != hits[j].Hops {
			return hits[i].Hops < hits[j].Hops
		}
		if hits[i].Confidence != hits[j].Confidence {
			return hits[i].Confidence > hits[j].Confidence
		}
		return hits[i].Entity.ID < hits[j].Entity.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Relationships returns the subgraph within maxHops of one entity.
func (g *GraphSearch) Relationships(ctx context.Context, entityID string, maxHops int) (*Subgraph, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, invalidInput("entity id must not be empty")
	}
	if maxHops < 0 {
		return nil, invalidInput("max hops must not be negative, got %d", maxHops)
	}
	if maxHops > g.cfg.HardMaxHops {
		return nil, invalidInput("max hops %d exceeds limit %d", maxHops, g.cfg.HardMaxHops)
	}
	if maxHops == 0 {
		maxHops = g.cfg.DefaultMaxHops
	}
	if err := g.requireProvisioned(ctx); err != nil {
		return nil, err
	}

	roots, err := g.graph.GetEntities(ctx, []string{entityID})
	if err != nil {
		return nil, classifyStoreErr("graph root fetch", err)
	}
	if len(roots) == 0 {
		return nil, invalidInput("entity %q not found", entityID)
	}
	root := roots[0]

	reached, err := g.traverse(ctx, []store.Entity{root}, maxHops)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(reached))
	for id := range reached {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entities, err := g.graph.GetEntities(ctx, ids)
	if err != nil {
		return nil, classifyStoreErr("graph entity fetch", err)
	}
	edges, err := g.graph.EdgesTouching(ctx, ids)
	if err != nil {
		return nil, classifyStoreErr("graph edge fetch", err)
	}
	// Keep only edges whose both endpoints were reached.
	inSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inSet[id] = struct{}{}
	}
	kept := edges[:0]
	for _, e := range edges {
		if _, okA := inSet[e.SourceEntityID]; !okA {
			continue
		}
		if _, okB := inSet[e.TargetEntityID]; !okB {
			continue
		}
		kept = append(kept, e)
	}
	return &Subgraph{Root: root, Entities: entities, Edges: kept}, nil
}

// Statistics reports entity type counts and the extraction confidence
// histogram.
func (g *GraphSearch) Statistics(ctx context.Context) (*GraphStatistics, error) {
	if err := g.requireProvisioned(ctx); err != nil {
		return nil, err
	}
	counts, err := g.graph.EntityTypeCounts(ctx)
	if err != nil {
		return nil, classifyStoreErr("graph statistics", err)
	}
	dist, err := g.graph.ConfidenceDistribution(ctx)
	if err != nil {
		return nil, classifyStoreErr("graph statistics", err)
	}
	var total int64
	for _, c := range counts {
		total += c.Count
	}
	return &GraphStatistics{TypeCounts: counts, ConfidenceDistribution: dist, TotalEntities: total}, nil
}

func (g *GraphSearch) requireProvisioned(ctx context.Context) error {
	if !g.graph.GraphProvisioned(ctx) {
		return capabilityUnavailable("knowledge graph is not provisioned", nil)
	}
	return nil
}

// Ranked converts a traversal result to fusion input, one entry per
// reached entity in traversal rank order.
func (r *GraphSearchResult) Ranked() []RankedResult {
	out := make([]RankedResult, len(r.Hits))
	for i, h := range r.Hits {
		out[i] = RankedResult{ItemID: h.Entity.ID, Source: SourceGraph, Rank: i + 1, RawScore: h.Confidence}
	}
	return out
}
