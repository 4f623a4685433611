package types

import (
	"context"

	"github.com/xhad/documind/internal/models"
)

// Core interfaces

// Embedder maps text to a fixed-length vector. The same embedder must be used
// at ingestion and query time.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// BatchEmbedder is implemented by embedders that can encode many texts in one call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the persisted nearest-neighbour store. Implementations must
// be safe for concurrent readers.
type VectorIndex interface {
	Upsert(ctx context.Context, chunks []models.Chunk) error
	Query(ctx context.Context, vector []float32, k int) (models.RetrievalResult, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, ids []string) error
	// Replace swaps the whole collection for chunks, recording the embedding
	// model and dimension they were built with.
	Replace(ctx context.Context, info models.IndexInfo, chunks []models.Chunk) error
	Info(ctx context.Context) (models.IndexInfo, error)
	Close() error
}

// Generator produces answers from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt models.Prompt) (string, error)
	// GenerateStream returns a lazy, finite channel of fragments whose texts
	// concatenate to what Generate would return. A complete answer ends with
	// a Done fragment, a failed one with an Err fragment. The channel is
	// closed when generation ends or ctx is cancelled.
	GenerateStream(ctx context.Context, prompt models.Prompt) (<-chan models.Fragment, error)
}
