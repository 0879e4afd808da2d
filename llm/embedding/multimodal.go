package embedding

import (
	"context"
	"encoding/json"
	"fmt"
)

// MultimodalProvider embeds text and images into one CLIP-style vector
// space, so a text query can rank stored image vectors by cosine
// similarity. It is a separate model with its own dimensionality;
// text-document and image-query embeddings are never mixed.
type MultimodalProvider struct {
	*baseProvider
}

func NewMultimodalProvider(cfg BaseConfig) *MultimodalProvider {
	if cfg.Name == "" {
		cfg.Name = "multimodal"
	}
	return &MultimodalProvider{baseProvider: newBaseProvider(cfg)}
}

type multimodalRequest struct {
	Model string            `json:"model"`
	Input []multimodalInput `json:"input"`
}

type multimodalInput struct {
	Type  string `json:"type"` // "text" or "image"
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"` // base64 payload
}

func (p *MultimodalProvider) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return p.embedOne(ctx, multimodalInput{Type: "text", Text: query})
}

// EmbedImage embeds a base64-encoded image payload.
func (p *MultimodalProvider) EmbedImage(ctx context.Context, imageB64 string) ([]float32, error) {
	return p.embedOne(ctx, multimodalInput{Type: "image", Image: imageB64})
}

func (p *MultimodalProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	if len(documents) == 0 {
		return nil, fmt.Errorf("no inputs to embed")
	}
	if len(documents) > p.maxBatch {
		return nil, fmt.Errorf("batch size %d exceeds maximum %d", len(documents), p.maxBatch)
	}
	inputs := make([]multimodalInput, len(documents))
	for i, d := range documents {
		inputs[i] = multimodalInput{Type: "text", Text: d}
	}
	return p.embed(ctx, inputs)
}

func (p *MultimodalProvider) embedOne(ctx context.Context, in multimodalInput) ([]float32, error) {
	vecs, err := p.embed(ctx, []multimodalInput{in})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *MultimodalProvider) embed(ctx context.Context, inputs []multimodalInput) ([][]float32, error) {
	data, err := p.doRequest(ctx, "/embeddings", multimodalRequest{Model: p.model, Input: inputs})
	if err != nil {
		return nil, err
	}

	var resp embeddingsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(resp.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (p *MultimodalProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return p.healthCheck(ctx, p.EmbedQuery)
}
