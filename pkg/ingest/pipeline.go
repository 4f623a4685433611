// Package ingest builds the knowledge base: it loads documents, splits them
// into chunks, embeds the chunks and replaces the index collection with them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/loader"
	"github.com/xhad/documind/pkg/processor"
	"github.com/xhad/documind/pkg/scraper"
)

const (
	StageLoad  = "load"
	StageEmbed = "embed"
	StageStore = "store"
)

var ErrNoContent = errors.New("no text extracted from the given sources")

// ProgressFunc is called as work completes. total is -1 when unknown.
type ProgressFunc func(stage string, done, total int)

type Options struct {
	Embedder  types.Embedder
	Index     types.VectorIndex
	Processor processor.Processor
	Scraper   scraper.ScraperConfig
	BatchSize int
	Logger    *slog.Logger
	Progress  ProgressFunc
}

type Pipeline struct {
	opts   Options
	logger *slog.Logger
}

// Result summarises an ingestion run.
type Result struct {
	Sources  int
	Pages    int
	Chunks   int
	Duration time.Duration
}

func New(opts Options) (*Pipeline, error) {
	if opts.Embedder == nil {
		return nil, errors.New("ingest: embedder is required")
	}
	if opts.Index == nil {
		return nil, errors.New("ingest: index is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Progress == nil {
		opts.Progress = func(string, int, int) {}
	}
	return &Pipeline{opts: opts, logger: opts.Logger}, nil
}

// Run ingests files, directories and http(s) URLs, replacing whatever the
// collection held before. The collection is left untouched on failure.
func (p *Pipeline) Run(ctx context.Context, inputs []string) (Result, error) {
	start := time.Now()

	pages, sources, err := p.Load(ctx, inputs)
	if err != nil {
		return Result{}, err
	}

	chunks, err := p.Ingest(ctx, pages)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Sources:  sources,
		Pages:    len(pages),
		Chunks:   chunks,
		Duration: time.Since(start),
	}, nil
}

// Load extracts pages from every input.
func (p *Pipeline) Load(ctx context.Context, inputs []string) ([]models.Page, int, error) {
	var urls, paths []string
	for _, in := range inputs {
		if strings.HasPrefix(in, "http://") || strings.HasPrefix(in, "https://") {
			urls = append(urls, in)
		} else {
			paths = append(paths, in)
		}
	}

	files, err := loader.Collect(paths...)
	if err != nil {
		return nil, 0, err
	}

	total := len(files) + len(urls)
	var pages []models.Page
	for i, file := range files {
		loaded, err := loader.LoadFile(file)
		if err != nil {
			return nil, 0, err
		}
		p.logger.Info("loaded document", "file", file, "pages", len(loaded))
		pages = append(pages, loaded...)
		p.opts.Progress(StageLoad, i+1, total)
	}

	for i, u := range urls {
		cfg := p.opts.Scraper
		cfg.BaseURL = u
		cfg.Logger = p.logger
		s, err := scraper.NewWithConfig(cfg)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to initialize scraper: %w", err)
		}
		scraped, err := s.Scrape(ctx, u)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scrape %s: %w", u, err)
		}
		p.logger.Info("scraped site", "url", u, "pages", len(scraped))
		pages = append(pages, scraped...)
		p.opts.Progress(StageLoad, len(files)+i+1, total)
	}

	return pages, total, nil
}

// Ingest chunks, embeds and stores pages. It returns the number of chunks.
func (p *Pipeline) Ingest(ctx context.Context, pages []models.Page) (int, error) {
	chunks, err := p.opts.Processor.Process(pages)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, ErrNoContent
	}

	if err := p.embed(ctx, chunks); err != nil {
		return 0, err
	}

	p.opts.Progress(StageStore, 0, len(chunks))
	info := models.IndexInfo{
		Model:     p.opts.Embedder.Model(),
		Dimension: p.opts.Embedder.Dimension(),
	}
	if err := p.opts.Index.Replace(ctx, info, chunks); err != nil {
		return 0, fmt.Errorf("failed to store chunks: %w", err)
	}
	p.opts.Progress(StageStore, len(chunks), len(chunks))

	return len(chunks), nil
}

func (p *Pipeline) embed(ctx context.Context, chunks []models.Chunk) error {
	batcher, batched := p.opts.Embedder.(types.BatchEmbedder)

	for start := 0; start < len(chunks); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(chunks))
		group := chunks[start:end]

		if batched {
			texts := make([]string, len(group))
			for i, c := range group {
				texts[i] = c.Text
			}
			vectors, err := batcher.EmbedBatch(ctx, texts)
			if err != nil {
				return fmt.Errorf("failed to embed chunks: %w", err)
			}
			if len(vectors) != len(group) {
				return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(group))
			}
			for i := range group {
				group[i].Embedding = vectors[i]
			}
		} else {
			for i := range group {
				vector, err := p.opts.Embedder.Embed(ctx, group[i].Text)
				if err != nil {
					return fmt.Errorf("failed to embed chunk %s: %w", group[i].ID, err)
				}
				group[i].Embedding = vector
			}
		}

		p.opts.Progress(StageEmbed, end, len(chunks))
	}
	return nil
}
