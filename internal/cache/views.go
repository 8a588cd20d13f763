package cache

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// Category names used by the views.
const (
	CategoryGeneration = "generation"
	CategoryEmbedding  = "embedding"
	CategoryResponse   = "response"
)

// embeddingKeyChars bounds how much of the input text takes part in the
// embedding key.
const embeddingKeyChars = 100

// GenerationCache stores generated text keyed by an identifier plus
// arbitrary metadata.
type GenerationCache struct {
	c *ResultCache
}

// Generation returns the generation view of c.
func (c *ResultCache) Generation() GenerationCache { return GenerationCache{c: c} }

func generationParams(id string, metadata map[string]any) map[string]any {
	params := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		params[k] = v
	}
	params["id"] = id
	return params
}

// Get returns the cached result for id and metadata.
func (g GenerationCache) Get(id string, metadata map[string]any) ([]byte, bool) {
	return g.c.Get(CategoryGeneration, generationParams(id, metadata))
}

// Set stores content for id and metadata.
func (g GenerationCache) Set(id string, metadata map[string]any, content []byte) error {
	_, err := g.c.Set(CategoryGeneration, generationParams(id, metadata), content, GenerationTTL)
	return err
}

// GetOrCompute returns the cached result or computes and stores it.
func (g GenerationCache) GetOrCompute(ctx context.Context, id string, metadata map[string]any,
	compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	return g.c.GetOrCompute(ctx, CategoryGeneration, generationParams(id, metadata), GenerationTTL, compute)
}

// Has reports whether a live result exists.
func (g GenerationCache) Has(id string, metadata map[string]any) bool {
	return g.c.Has(CategoryGeneration, generationParams(id, metadata))
}

// EmbeddingCache stores embedding vectors keyed by the leading part of the
// embedded text.
type EmbeddingCache struct {
	c *ResultCache
}

// Embedding returns the embedding view of c.
func (c *ResultCache) Embedding() EmbeddingCache { return EmbeddingCache{c: c} }

type embeddingParams struct {
	Text string `json:"text"`
}

func embeddingKey(text string) embeddingParams {
	r := []rune(text)
	if len(r) > embeddingKeyChars {
		r = r[:embeddingKeyChars]
	}
	return embeddingParams{Text: string(r)}
}

// Get returns the cached vector for text.
func (e EmbeddingCache) Get(text string) ([]float64, bool) {
	raw, ok := e.c.Get(CategoryEmbedding, embeddingKey(text))
	if !ok {
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

// Set stores the vector for text.
func (e EmbeddingCache) Set(text string, vector []float64) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	_, err = e.c.Set(CategoryEmbedding, embeddingKey(text), raw, EmbeddingTTL)
	return err
}

// ResponseCache stores raw backend responses keyed by backend, endpoint and
// request params.
type ResponseCache struct {
	c *ResultCache
}

// Response returns the raw-response view of c.
func (c *ResultCache) Response() ResponseCache { return ResponseCache{c: c} }

type responseParams struct {
	Backend  string `json:"backend"`
	Endpoint string `json:"endpoint"`
	Params   any    `json:"params"`
}

// Get returns the cached response.
func (r ResponseCache) Get(backend, endpoint string, params any) ([]byte, bool) {
	return r.c.Get(CategoryResponse, responseParams{Backend: backend, Endpoint: endpoint, Params: params})
}

// Set stores a response.
func (r ResponseCache) Set(backend, endpoint string, params any, body []byte) error {
	_, err := r.c.Set(CategoryResponse, responseParams{Backend: backend, Endpoint: endpoint, Params: params}, body, ResponseTTL)
	return err
}
