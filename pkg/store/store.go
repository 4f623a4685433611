// Package store implements the persisted vector index. Every backend ranks
// by cosine distance (1 - cosine similarity) and breaks ties by chunk id.
package store

import (
	"context"
	"fmt"
	"math"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/config"
)

// Config selects and configures an index backend.
type Config struct {
	Backend    string
	Path       string // sqlite file
	URL        string // postgres or qdrant
	APIKey     string
	Collection string
	BatchSize  int

	// Create allows the backend to create missing storage. Query-side
	// processes leave it false so a missing collection reports
	// types.ErrIndexUnavailable instead of silently creating an empty one.
	Create bool
}

// FromConfig maps the application config to an index config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Backend:    cfg.Index.Backend,
		Path:       cfg.Index.Path,
		URL:        cfg.Index.URL,
		APIKey:     cfg.Index.APIKey,
		Collection: cfg.Index.Collection,
		BatchSize:  cfg.Ingest.BatchSize,
	}
}

// Open opens the configured backend. Failures to reach or find the persisted
// collection wrap types.ErrIndexUnavailable.
func Open(ctx context.Context, cfg Config) (types.VectorIndex, error) {
	if cfg.Collection == "" {
		cfg.Collection = "documind"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	var (
		index types.VectorIndex
		err   error
	)
	switch cfg.Backend {
	case config.BackendSQLite, "":
		index, err = NewSQLiteIndex(ctx, cfg)
	case config.BackendPGVector:
		index, err = NewPGVectorIndex(ctx, cfg)
	case config.BackendQdrant:
		index, err = NewQdrantIndex(ctx, cfg)
	case config.BackendMemory:
		index = NewMemoryIndex(cfg.Collection)
	default:
		err = fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return index, nil
}

// CheckCompatibility fails when a populated index was built with a different
// embedding model or dimension than emb. Callers treat this as fatal.
func CheckCompatibility(ctx context.Context, index types.VectorIndex, emb types.Embedder) error {
	info, err := index.Info(ctx)
	if err != nil {
		return err
	}
	if info.Count == 0 {
		return nil
	}
	if info.Dimension != 0 && info.Dimension != emb.Dimension() {
		return fmt.Errorf("%w: %w: index %q has dimension %d, embedding model %s produces %d",
			types.ErrModelLoad, types.ErrEmbeddingMismatch, info.Collection, info.Dimension, emb.Model(), emb.Dimension())
	}
	if info.Model != "" && info.Model != emb.Model() {
		return fmt.Errorf("%w: %w: index %q was built with %s, loaded model is %s",
			types.ErrModelLoad, types.ErrEmbeddingMismatch, info.Collection, info.Model, emb.Model())
	}
	return nil
}

func validateChunks(chunks []models.Chunk, dimension int) error {
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return err
		}
		if dimension > 0 && len(c.Embedding) != dimension {
			return fmt.Errorf("%w: chunk %s has %d dimensions, collection has %d",
				types.ErrEmbeddingMismatch, c.ID, len(c.Embedding), dimension)
		}
	}
	return nil
}

func validateQuery(vector []float32, k, dimension int) error {
	if k < 1 {
		return fmt.Errorf("%w: k must be at least 1, got %d", types.ErrInvalidParameter, k)
	}
	if dimension > 0 && len(vector) != dimension {
		return fmt.Errorf("%w: query has %d dimensions, collection has %d",
			types.ErrEmbeddingMismatch, len(vector), dimension)
	}
	return nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// topK sorts matches and keeps the k nearest.
func topK(matches []models.Match, k int) models.RetrievalResult {
	models.SortMatches(matches)
	if k < len(matches) {
		matches = matches[:k]
	}
	return models.RetrievalResult(matches)
}

func batches(chunks []models.Chunk, size int) [][]models.Chunk {
	var out [][]models.Chunk
	for i := 0; i < len(chunks); i += size {
		end := i + size
		if end > len(chunks) {
			end = len(chunks)
		}
		out = append(out, chunks[i:end])
	}
	return out
}
