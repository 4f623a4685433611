package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/pkg/ingest"
	"github.com/xhad/documind/pkg/processor"
	"github.com/xhad/documind/pkg/scraper"
	"github.com/xhad/documind/pkg/store"
)

type fakeEmbedder struct {
	batches int
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batches++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 3 }
func (f *fakeEmbedder) Model() string  { return "fake-embed" }

type progressLog struct {
	mu     sync.Mutex
	stages map[string]int
}

func (p *progressLog) record(stage string, done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stages == nil {
		p.stages = make(map[string]int)
	}
	p.stages[stage] = done
}

func newPipeline(t *testing.T, emb *fakeEmbedder, idx *store.MemoryIndex, progress *progressLog) *ingest.Pipeline {
	t.Helper()
	p, err := ingest.New(ingest.Options{
		Embedder:  emb,
		Index:     idx,
		Processor: processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 80, ChunkOverlap: 10}),
		Scraper:   scraper.ScraperConfig{MaxDepth: 1, RateLimit: 100},
		BatchSize: 2,
		Progress:  progress.record,
	})
	require.NoError(t, err)
	return p
}

func TestRunFilesAndURLs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "faq.md"),
		[]byte("Our office is closed on Sundays.\n\nSupport answers within two business days."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("Refund requests need a receipt."), 0o644))

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><main><p>Shipping is free above 50 euros.</p></main></body></html>`)
	}))
	defer site.Close()

	emb := &fakeEmbedder{}
	idx := store.NewMemoryIndex("test")
	progress := &progressLog{}
	p := newPipeline(t, emb, idx, progress)

	result, err := p.Run(context.Background(), []string{dir, site.URL + "/"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Sources)
	assert.Equal(t, 3, result.Pages)
	assert.GreaterOrEqual(t, result.Chunks, 3)

	info, err := idx.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake-embed", info.Model)
	assert.Equal(t, 3, info.Dimension)
	assert.Equal(t, result.Chunks, info.Count)

	assert.Greater(t, emb.batches, 1)
	assert.Equal(t, 3, progress.stages[ingest.StageLoad])
	assert.Equal(t, result.Chunks, progress.stages[ingest.StageEmbed])
	assert.Equal(t, result.Chunks, progress.stages[ingest.StageStore])
}

func TestIngestReplacesCollection(t *testing.T) {
	ctx := context.Background()
	idx := store.NewMemoryIndex("test")
	p := newPipeline(t, &fakeEmbedder{}, idx, &progressLog{})

	_, err := p.Ingest(ctx, []models.Page{
		{Number: models.IntPtr(1), Source: "old.pdf", Text: "Old policy text."},
		{Number: models.IntPtr(2), Source: "old.pdf", Text: "More old policy text."},
	})
	require.NoError(t, err)

	n, err := p.Ingest(ctx, []models.Page{
		{Number: models.IntPtr(4), Source: "policy.pdf", Text: "Refunds are processed within 30 days."},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := idx.Query(ctx, []float32{37, 1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "policy.pdf", got[0].Chunk.Metadata.Source)
	assert.Equal(t, 4, *got[0].Chunk.Metadata.Page)
}

func TestIngestFailureKeepsCollection(t *testing.T) {
	ctx := context.Background()
	idx := store.NewMemoryIndex("test")
	emb := &fakeEmbedder{}
	p := newPipeline(t, emb, idx, &progressLog{})

	_, err := p.Ingest(ctx, []models.Page{{Source: "notes.txt", Text: "Refund requests need a receipt."}})
	require.NoError(t, err)

	emb.err = errors.New("ollama down")
	_, err = p.Ingest(ctx, []models.Page{{Source: "other.txt", Text: "Replacement text."}})
	assert.Error(t, err)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestNoContent(t *testing.T) {
	p := newPipeline(t, &fakeEmbedder{}, store.NewMemoryIndex("test"), &progressLog{})
	_, err := p.Ingest(context.Background(), []models.Page{{Source: "blank.txt", Text: "  \n "}})
	assert.ErrorIs(t, err, ingest.ErrNoContent)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := ingest.New(ingest.Options{Index: store.NewMemoryIndex("test")})
	assert.Error(t, err)
	_, err = ingest.New(ingest.Options{Embedder: &fakeEmbedder{}})
	assert.Error(t, err)
}
