package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/rag"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/store"
)

// Toolset bundles the retrieval engines the agent exposes to the model.
type Toolset struct {
	Documents *rag.DocumentSearch
	Graph     *rag.GraphSearch
	Images    *rag.ImageSearch
	Memory    *rag.MemoryStore
	Hybrid    *rag.HybridSearch
}

// RegisterAll binds the full retrieval catalog into the registry.
func (ts Toolset) RegisterAll(reg *Registry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	tools := []Tool{
		{
			Name:        "search_documents",
			Description: "Search clinical notes and reports by keyword relevance. Returns ranked document references with snippets.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "keywords to search for"},
					"patient_id": {"type": "string", "description": "restrict to one patient"},
					"limit": {"type": "integer", "description": "maximum results, default 10"}
				},
				"required": ["query"]
			}`),
			Fn: ts.searchDocuments,
		},
		{
			Name:        "search_knowledge_graph",
			Description: "Find medical entities matching the query and expand their knowledge-graph neighborhood. Returns entities with the relationship path that reached them.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "entity text to seed from"},
					"max_hops": {"type": "integer", "description": "traversal depth, default 2, maximum 3"},
					"limit": {"type": "integer", "description": "maximum entities, default 20"}
				},
				"required": ["query"]
			}`),
			Fn: ts.searchGraph,
		},
		{
			Name:        "get_entity_relationships",
			Description: "Return the subgraph of entities and relationships around one entity id.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entity_id": {"type": "string"},
					"max_hops": {"type": "integer", "description": "neighborhood depth, default 2, maximum 3"}
				},
				"required": ["entity_id"]
			}`),
			Fn: ts.entityRelationships,
		},
		{
			Name:        "get_entity_statistics",
			Description: "Summarize the knowledge graph: entity counts per type and the extraction confidence histogram.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Fn:          ts.graphStatistics,
		},
		{
			Name:        "search_images",
			Description: "Search radiology images by text description using multimodal embeddings, or directly by a query embedding. Returns ranked image references with similarity scores.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "describe the finding or view; required unless an embedding is given"},
					"embedding": {"type": "array", "items": {"type": "number"}, "description": "query vector in the image embedding space, bypasses the multimodal model"},
					"subject_id": {"type": "string", "description": "restrict to one subject"},
					"view": {"type": "string", "description": "restrict to a view position such as PA or LATERAL"},
					"min_similarity": {"type": "number", "description": "drop matches below this cosine similarity, overrides the configured threshold"},
					"limit": {"type": "integer", "description": "maximum results, default 10"}
				}
			}`),
			Fn: ts.searchImages,
		},
		{
			Name:        "hybrid_search",
			Description: "Run document, graph and image search together and fuse the rankings. Best first call for broad clinical questions.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string"},
					"patient_id": {"type": "string", "description": "restrict documents and images to one patient"}
				},
				"required": ["query"]
			}`),
			Fn: ts.hybridSearch,
		},
		{
			Name:        "remember",
			Description: "Persist a user correction, preference or fact for future sessions.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {"type": "string"},
					"kind": {"type": "string", "enum": ["correction", "preference", "fact"]}
				},
				"required": ["content", "kind"]
			}`),
			Fn: ts.storeMemory,
		},
		{
			Name:        "recall",
			Description: "Recall stored corrections, preferences and facts semantically related to the query.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string"},
					"limit": {"type": "integer", "description": "maximum memories, default 5"}
				},
				"required": ["query"]
			}`),
			Fn: ts.recallMemories,
		},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	logger.Info("tool catalog registered", zap.Int("tools", len(tools)))
	return nil
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return rag.NewInvalidInput("malformed tool arguments: %v", err)
	}
	return nil
}

func (ts Toolset) searchDocuments(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Query     string `json:"query"`
		PatientID string `json:"patient_id"`
		Limit     int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return ts.Documents.Search(ctx, a.Query, rag.DocumentSearchOptions{PatientID: a.PatientID, Limit: a.Limit})
}

func (ts Toolset) searchGraph(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Query   string `json:"query"`
		MaxHops int    `json:"max_hops"`
		Limit   int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return ts.Graph.Search(ctx, a.Query, a.MaxHops, a.Limit)
}

func (ts Toolset) entityRelationships(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		EntityID string `json:"entity_id"`
		MaxHops  int    `json:"max_hops"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return ts.Graph.Relationships(ctx, a.EntityID, a.MaxHops)
}

func (ts Toolset) graphStatistics(ctx context.Context, _ json.RawMessage) (any, error) {
	return ts.Graph.Statistics(ctx)
}

func (ts Toolset) searchImages(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Query         string    `json:"query"`
		Embedding     []float32 `json:"embedding"`
		SubjectID     string    `json:"subject_id"`
		View          string    `json:"view"`
		MinSimilarity *float64  `json:"min_similarity"`
		Limit         int       `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	opts := rag.ImageSearchOptions{
		SubjectID:     a.SubjectID,
		View:          a.View,
		Limit:         a.Limit,
		MinSimilarity: a.MinSimilarity,
	}
	if len(a.Embedding) > 0 {
		return ts.Images.SearchByVector(ctx, store.Vector(a.Embedding), opts)
	}
	return ts.Images.SearchByText(ctx, a.Query, opts)
}

func (ts Toolset) hybridSearch(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Query     string `json:"query"`
		PatientID string `json:"patient_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return ts.Hybrid.Search(ctx, a.Query, rag.HybridOptions{PatientID: a.PatientID})
}

func (ts Toolset) storeMemory(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Content string `json:"content"`
		Kind    string `json:"kind"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	rec, err := ts.Memory.Remember(ctx, a.Content, store.MemoryKind(a.Kind))
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": rec.ID}, nil
}

func (ts Toolset) recallMemories(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return ts.Memory.Recall(ctx, a.Query, a.Limit)
}
