package rag

import (
	"context"
	"fmt"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

// Retriever embeds a question and looks up its nearest chunks.
type Retriever struct {
	embedder types.Embedder
	index    types.VectorIndex
	maxK     int
}

func NewRetriever(embedder types.Embedder, index types.VectorIndex, maxK int) *Retriever {
	return &Retriever{embedder: embedder, index: index, maxK: maxK}
}

// Retrieve returns at most k chunks ordered by ascending distance.
func (r *Retriever) Retrieve(ctx context.Context, question string, k int) (models.RetrievalResult, error) {
	if k < 1 || (r.maxK > 0 && k > r.maxK) {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d, got %d", types.ErrInvalidParameter, r.maxK, k)
	}

	vector, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	result, err := r.index.Query(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	// Remote backends order by their own metric; ties may come back unordered.
	if !result.Sorted() {
		models.SortMatches(result)
	}
	return result, nil
}
