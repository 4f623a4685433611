package types

import (
	"errors"

	"github.com/xhad/documind/internal/models"
)

var (
	// ErrInvalidParameter is caused by the caller: empty question, bad top_k.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrIndexUnavailable means the knowledge base is missing or cannot be opened.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrModelLoad is fatal at startup.
	ErrModelLoad = errors.New("model load failed")

	// ErrGeneration means the language model call failed or timed out.
	ErrGeneration = errors.New("generation failed")

	// ErrEmbeddingMismatch means the index was built with a different
	// embedding model or dimension than the one loaded.
	ErrEmbeddingMismatch = errors.New("embedding model mismatch")

	ErrMalformedChunk = models.ErrMalformedChunk
)
