package models

import (
	"fmt"
	"sort"
)

// Metadata is the provenance of a stored chunk. Page is nil for sources
// without pagination (plain text, web pages).
type Metadata struct {
	Page   *int   `json:"page"`
	Source string `json:"source"`
}

// Chunk is a stored unit of document text with its embedding.
type Chunk struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	Metadata  Metadata  `json:"metadata"`
}

// Validate rejects chunks that would break retrieval or citation.
func (c Chunk) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrMalformedChunk)
	}
	if c.Text == "" {
		return fmt.Errorf("%w: chunk %s has empty text", ErrMalformedChunk, c.ID)
	}
	if c.Metadata.Source == "" {
		return fmt.Errorf("%w: chunk %s has empty source", ErrMalformedChunk, c.ID)
	}
	if err := ValidatePage(c.Metadata.Page); err != nil {
		return fmt.Errorf("chunk %s: %w", c.ID, err)
	}
	if len(c.Embedding) == 0 {
		return fmt.Errorf("%w: chunk %s has no embedding", ErrMalformedChunk, c.ID)
	}
	return nil
}

// ValidatePage checks the page invariant shared by every index backend.
func ValidatePage(page *int) error {
	if page != nil && *page < 1 {
		return fmt.Errorf("%w: page %d is not positive", ErrMalformedChunk, *page)
	}
	return nil
}

// Match pairs a chunk with its distance to the query vector.
type Match struct {
	Chunk    Chunk   `json:"chunk"`
	Distance float64 `json:"distance"`
}

// RetrievalResult is ordered by ascending distance, most relevant first.
type RetrievalResult []Match

// SortMatches orders matches by distance, breaking ties by chunk id so that
// every backend returns the same order for the same data.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Chunk.ID < matches[j].Chunk.ID
	})
}

// Page is one unit of extracted document text, before chunking.
type Page struct {
	Number *int
	Source string
	Text   string
}

// IndexInfo describes a persisted collection.
type IndexInfo struct {
	Collection string `json:"collection"`
	Model      string `json:"embedding_model"`
	Dimension  int    `json:"dimension"`
	Count      int    `json:"count"`
}

// IntPtr is a convenience for optional page numbers.
func IntPtr(v int) *int {
	return &v
}

// Sorted reports whether r is in non-decreasing distance order.
func (r RetrievalResult) Sorted() bool {
	for i := 1; i < len(r); i++ {
		if r[i].Distance < r[i-1].Distance {
			return false
		}
	}
	return true
}
