package store

import (
	"context"
	"sync"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

// MemoryIndex is a brute-force in-process index. It is not persisted.
type MemoryIndex struct {
	mu     sync.RWMutex
	info   models.IndexInfo
	chunks map[string]models.Chunk
}

var _ types.VectorIndex = (*MemoryIndex)(nil)

func NewMemoryIndex(collection string) *MemoryIndex {
	return &MemoryIndex{
		info:   models.IndexInfo{Collection: collection},
		chunks: make(map[string]models.Chunk),
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dimension := m.info.Dimension
	if dimension == 0 && len(chunks) > 0 {
		dimension = len(chunks[0].Embedding)
	}
	if err := validateChunks(chunks, dimension); err != nil {
		return err
	}
	m.info.Dimension = dimension
	for _, c := range chunks {
		m.chunks[c.ID] = copyChunk(c)
	}
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, vector []float32, k int) (models.RetrievalResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateQuery(vector, k, m.info.Dimension); err != nil {
		return nil, err
	}

	matches := make([]models.Match, 0, len(m.chunks))
	for _, c := range m.chunks {
		hit := copyChunk(c)
		hit.Embedding = nil
		matches = append(matches, models.Match{
			Chunk:    hit,
			Distance: cosineDistance(vector, c.Embedding),
		})
	}
	return topK(matches, k), nil
}

func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks), nil
}

func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return nil
}

func (m *MemoryIndex) Replace(_ context.Context, info models.IndexInfo, chunks []models.Chunk) error {
	if err := validateChunks(chunks, info.Dimension); err != nil {
		return err
	}

	next := make(map[string]models.Chunk, len(chunks))
	for _, c := range chunks {
		next[c.ID] = copyChunk(c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.Model = info.Model
	m.info.Dimension = info.Dimension
	m.chunks = next
	return nil
}

func (m *MemoryIndex) Info(_ context.Context) (models.IndexInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := m.info
	info.Count = len(m.chunks)
	return info, nil
}

func (m *MemoryIndex) Close() error {
	return nil
}

// copyChunk keeps stored chunks immutable from the caller's point of view.
func copyChunk(c models.Chunk) models.Chunk {
	c.Embedding = append([]float32(nil), c.Embedding...)
	if c.Metadata.Page != nil {
		c.Metadata.Page = models.IntPtr(*c.Metadata.Page)
	}
	return c
}
