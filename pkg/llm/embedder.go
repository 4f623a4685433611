package llm

import (
	"context"
	"fmt"
	"math"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/documind/internal/types"
)

// EmbedderConfig represents the configuration for an embedding model.
type EmbedderConfig struct {
	Model     string
	BaseURL   string // Ollama server URL
	BatchSize int
	// Dimension, when non-zero, must match the dimension the model produces.
	Dimension int
}

// Embedder turns text into L2-normalized vectors. It is loaded once at
// startup and shared by every request.
type Embedder struct {
	config    EmbedderConfig
	embedder  embeddings.Embedder
	dimension int
}

var _ types.BatchEmbedder = (*Embedder)(nil)

// NewEmbedderWithConfig loads an Ollama embedding model.
func NewEmbedderWithConfig(ctx context.Context, config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}

	client, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize embedding model: %w", types.ErrModelLoad, err)
	}

	return NewEmbedderWithClient(ctx, config, client)
}

// NewEmbedderWithClient wraps any client able to create embeddings. The model
// is probed once so that its dimension is known before the first query.
func NewEmbedderWithClient(ctx context.Context, config EmbedderConfig, client embeddings.EmbedderClient) (*Embedder, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}

	emb, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(config.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrModelLoad, err)
	}

	probe, err := emb.EmbedQuery(ctx, "dimension probe")
	if err != nil {
		return nil, fmt.Errorf("%w: embedding model %s is not usable: %w", types.ErrModelLoad, config.Model, err)
	}
	if len(probe) == 0 {
		return nil, fmt.Errorf("%w: embedding model %s returned an empty vector", types.ErrModelLoad, config.Model)
	}
	if config.Dimension != 0 && config.Dimension != len(probe) {
		return nil, fmt.Errorf("%w: %w: configured dimension %d, model %s produces %d",
			types.ErrModelLoad, types.ErrEmbeddingMismatch, config.Dimension, config.Model, len(probe))
	}

	return &Embedder{
		config:    config,
		embedder:  emb,
		dimension: len(probe),
	}, nil
}

func (e *Embedder) Model() string {
	return e.config.Model
}

func (e *Embedder) Dimension() int {
	return e.dimension
}

// Embed encodes a single text, typically a question.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(vector) != e.dimension {
		return nil, fmt.Errorf("%w: expected %d dimensions, got %d", types.ErrEmbeddingMismatch, e.dimension, len(vector))
	}
	return normalize(vector), nil
}

// EmbedBatch encodes document chunks during ingestion.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed documents: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding model returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != e.dimension {
			return nil, fmt.Errorf("%w: expected %d dimensions, got %d", types.ErrEmbeddingMismatch, e.dimension, len(v))
		}
		vectors[i] = normalize(v)
	}
	return vectors, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
