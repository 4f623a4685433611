package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/config"
	"github.com/xhad/documind/pkg/store"
)

func chunk(id, text string, page *int, embedding ...float32) models.Chunk {
	return models.Chunk{
		ID:        id,
		Text:      text,
		Embedding: embedding,
		Metadata:  models.Metadata{Page: page, Source: "handbook.pdf"},
	}
}

var testChunks = []models.Chunk{
	chunk("a", "Refunds are processed within 30 days.", models.IntPtr(4), 1, 0, 0, 0),
	chunk("b", "Shipping is free above 50 euros.", models.IntPtr(7), 0, 1, 0, 0),
	chunk("c", "Refund requests need a receipt.", nil, 0.9, 0.1, 0, 0),
	chunk("d", "Our office is closed on Sundays.", models.IntPtr(12), 0, 0, 1, 0),
}

// runIndexSuite checks the behaviour every backend must share.
func runIndexSuite(t *testing.T, open func(t *testing.T) types.VectorIndex) {
	ctx := context.Background()

	t.Run("empty index returns no matches", func(t *testing.T) {
		idx := open(t)
		got, err := idx.Query(ctx, []float32{1, 0, 0, 0}, 5)
		require.NoError(t, err)
		assert.Empty(t, got)

		n, err := idx.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("every chunk is its own nearest neighbour", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, testChunks))

		for _, c := range testChunks {
			got, err := idx.Query(ctx, c.Embedding, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, c.ID, got[0].Chunk.ID)
			assert.InDelta(t, 0, got[0].Distance, 1e-5)
			assert.Equal(t, c.Text, got[0].Chunk.Text)
			assert.Equal(t, c.Metadata, got[0].Chunk.Metadata)
		}
	})

	t.Run("results are bounded by k and sorted", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, testChunks))

		got, err := idx.Query(ctx, []float32{1, 0, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].Chunk.ID)
		assert.Equal(t, "c", got[1].Chunk.ID)

		got, err = idx.Query(ctx, []float32{1, 0, 0, 0}, 10)
		require.NoError(t, err)
		require.Len(t, got, len(testChunks))
		assert.True(t, got.Sorted())
	})

	t.Run("upsert replaces chunks with the same id", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, testChunks))
		require.NoError(t, idx.Upsert(ctx, []models.Chunk{
			chunk("a", "Refunds are processed within 14 days.", models.IntPtr(5), 1, 0, 0, 0),
		}))

		n, err := idx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(testChunks), n)

		got, err := idx.Query(ctx, []float32{1, 0, 0, 0}, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Refunds are processed within 14 days.", got[0].Chunk.Text)
		assert.Equal(t, 5, *got[0].Chunk.Metadata.Page)
	})

	t.Run("malformed chunks are rejected", func(t *testing.T) {
		idx := open(t)
		bad := []models.Chunk{
			chunk("", "no id", nil, 1, 0, 0, 0),
			chunk("x", "", nil, 1, 0, 0, 0),
			chunk("y", "zero page", models.IntPtr(0), 1, 0, 0, 0),
			chunk("z", "no embedding", nil),
		}
		for _, c := range bad {
			assert.ErrorIs(t, idx.Upsert(ctx, []models.Chunk{c}), types.ErrMalformedChunk, c.ID)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, testChunks))

		err := idx.Upsert(ctx, []models.Chunk{chunk("e", "short", nil, 1, 0, 0)})
		assert.ErrorIs(t, err, types.ErrEmbeddingMismatch)

		_, err = idx.Query(ctx, []float32{1, 0, 0}, 1)
		assert.ErrorIs(t, err, types.ErrEmbeddingMismatch)
	})

	t.Run("k below one is invalid", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, testChunks))

		_, err := idx.Query(ctx, []float32{1, 0, 0, 0}, 0)
		assert.ErrorIs(t, err, types.ErrInvalidParameter)
	})

	t.Run("delete", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, testChunks))
		require.NoError(t, idx.Delete(ctx, []string{"a", "missing"}))

		n, err := idx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(testChunks)-1, n)

		got, err := idx.Query(ctx, []float32{1, 0, 0, 0}, 1)
		require.NoError(t, err)
		assert.Equal(t, "c", got[0].Chunk.ID)
	})

	t.Run("replace swaps the collection", func(t *testing.T) {
		idx := open(t)
		require.NoError(t, idx.Upsert(ctx, testChunks))

		fresh := []models.Chunk{
			chunk("p", "Warranty lasts two years.", models.IntPtr(1), 0, 0, 0, 1),
			chunk("q", "Returns require original packaging.", models.IntPtr(2), 0, 0, 1, 1),
		}
		require.NoError(t, idx.Replace(ctx, models.IndexInfo{Model: "nomic-embed-text", Dimension: 4}, fresh))

		info, err := idx.Info(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, info.Count)
		assert.Equal(t, 4, info.Dimension)

		got, err := idx.Query(ctx, []float32{1, 0, 0, 0}, 5)
		require.NoError(t, err)
		for _, m := range got {
			assert.Contains(t, []string{"p", "q"}, m.Chunk.ID)
		}
	})
}

func TestMemoryIndex(t *testing.T) {
	runIndexSuite(t, func(t *testing.T) types.VectorIndex {
		return store.NewMemoryIndex("test")
	})
}

func TestSQLiteIndex(t *testing.T) {
	runIndexSuite(t, func(t *testing.T) types.VectorIndex {
		idx, err := store.Open(context.Background(), store.Config{
			Backend: config.BackendSQLite,
			Path:    filepath.Join(t.TempDir(), "index.db"),
			Create:  true,
		})
		require.NoError(t, err)
		t.Cleanup(func() { idx.Close() })
		return idx
	})
}

func TestTiesBreakByID(t *testing.T) {
	ctx := context.Background()
	idx := store.NewMemoryIndex("test")
	require.NoError(t, idx.Upsert(ctx, []models.Chunk{
		chunk("x2", "same vector", nil, 1, 1, 0, 0),
		chunk("x1", "same vector", nil, 1, 1, 0, 0),
		chunk("x3", "same vector", nil, 1, 1, 0, 0),
	}))

	got, err := idx.Query(ctx, []float32{1, 1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "x1", got[0].Chunk.ID)
	assert.Equal(t, "x2", got[1].Chunk.ID)
	assert.Equal(t, "x3", got[2].Chunk.ID)
}

func TestMemoryIndexInfo(t *testing.T) {
	ctx := context.Background()
	idx := store.NewMemoryIndex("handbook")
	require.NoError(t, idx.Replace(ctx, models.IndexInfo{Model: "nomic-embed-text", Dimension: 4}, testChunks))

	info, err := idx.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.IndexInfo{
		Collection: "handbook",
		Model:      "nomic-embed-text",
		Dimension:  4,
		Count:      len(testChunks),
	}, info)
}

func TestOpenMissingSQLite(t *testing.T) {
	_, err := store.Open(context.Background(), store.Config{
		Backend: config.BackendSQLite,
		Path:    filepath.Join(t.TempDir(), "missing.db"),
	})
	assert.ErrorIs(t, err, types.ErrIndexUnavailable)
}

func TestSQLiteMissingCollection(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	idx, err := store.Open(ctx, store.Config{Backend: config.BackendSQLite, Path: path, Collection: "manuals", Create: true})
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = store.Open(ctx, store.Config{Backend: config.BackendSQLite, Path: path, Collection: "contracts"})
	assert.ErrorIs(t, err, types.ErrIndexUnavailable)
}

func TestSQLiteIndexPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	writer, err := store.Open(ctx, store.Config{Backend: config.BackendSQLite, Path: path, Create: true})
	require.NoError(t, err)
	require.NoError(t, writer.Replace(ctx, models.IndexInfo{Model: "nomic-embed-text", Dimension: 4}, testChunks))
	require.NoError(t, writer.Close())

	reader, err := store.Open(ctx, store.Config{Backend: config.BackendSQLite, Path: path})
	require.NoError(t, err)
	defer reader.Close()

	info, err := reader.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "documind", info.Collection)
	assert.Equal(t, "nomic-embed-text", info.Model)
	assert.Equal(t, len(testChunks), info.Count)

	got, err := reader.Query(ctx, []float32{0, 0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d", got[0].Chunk.ID)
	assert.Nil(t, got[0].Chunk.Embedding)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := store.Open(context.Background(), store.Config{Backend: "faiss"})
	assert.Error(t, err)
}

type fakeEmbedder struct {
	model     string
	dimension int
}

func (f fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, f.dimension), nil
}
func (f fakeEmbedder) Dimension() int { return f.dimension }
func (f fakeEmbedder) Model() string  { return f.model }

func TestCheckCompatibility(t *testing.T) {
	ctx := context.Background()
	idx := store.NewMemoryIndex("test")

	// An empty index accepts any embedder.
	assert.NoError(t, store.CheckCompatibility(ctx, idx, fakeEmbedder{"all-minilm", 384}))

	require.NoError(t, idx.Replace(ctx, models.IndexInfo{Model: "nomic-embed-text", Dimension: 4}, testChunks))

	tests := []struct {
		name    string
		emb     fakeEmbedder
		wantErr bool
	}{
		{name: "same model", emb: fakeEmbedder{"nomic-embed-text", 4}},
		{name: "other dimension", emb: fakeEmbedder{"nomic-embed-text", 768}, wantErr: true},
		{name: "other model", emb: fakeEmbedder{"mxbai-embed-large", 4}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.CheckCompatibility(ctx, idx, tt.emb)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, types.ErrModelLoad)
			assert.ErrorIs(t, err, types.ErrEmbeddingMismatch)
		})
	}
}
