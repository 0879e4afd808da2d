package embedding

import (
	"context"
	"encoding/json"
	"fmt"
)

// TextProvider embeds clinical note text through an OpenAI-compatible
// /embeddings endpoint.
type TextProvider struct {
	*baseProvider
}

func NewTextProvider(cfg BaseConfig) *TextProvider {
	if cfg.Name == "" {
		cfg.Name = "text"
	}
	return &TextProvider{baseProvider: newBaseProvider(cfg)}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *TextProvider) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := p.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *TextProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	if len(documents) == 0 {
		return nil, fmt.Errorf("no inputs to embed")
	}
	if len(documents) > p.maxBatch {
		return nil, fmt.Errorf("batch size %d exceeds maximum %d", len(documents), p.maxBatch)
	}

	data, err := p.doRequest(ctx, "/embeddings", embeddingsRequest{Model: p.model, Input: documents})
	if err != nil {
		return nil, err
	}

	var resp embeddingsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(resp.Data) != len(documents) {
		return nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(resp.Data), len(documents))
	}

	out := make([][]float32, len(documents))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (p *TextProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return p.healthCheck(ctx, p.EmbedQuery)
}
