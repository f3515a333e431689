package embedding

import (
	"context"
	"fmt"
	"net/http"
)

// APIProvider implements Provider using an OpenAI-compatible embeddings API
// (OpenAI, DashScope compatible mode, Zhipu, ...).
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	dim      dimension
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config) *APIProvider {
	return &APIProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		client:   newHTTPClient(cfg.Timeout),
		dim:      dimension{configured: cfg.Dimension},
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed sends all texts in one batch and returns embeddings in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result apiResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/embeddings", p.apiKey,
		apiRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for i, d := range result.Data {
		idx := d.Index
		if idx < 0 || idx >= len(texts) || embeddings[idx] != nil {
			idx = i
		}
		embeddings[idx] = d.Embedding
	}
	p.dim.observe(embeddings)
	return embeddings, nil
}

// Dimension returns the embedding vector dimension: the size seen on the
// first result, or the configured default before that.
func (p *APIProvider) Dimension() int {
	return p.dim.get()
}
