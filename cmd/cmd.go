package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/ingest"
	"github.com/xhad/documind/pkg/llm"
	"github.com/xhad/documind/pkg/processor"
	"github.com/xhad/documind/pkg/rag"
	"github.com/xhad/documind/pkg/scraper"
	"github.com/xhad/documind/pkg/store"
	"github.com/xhad/documind/server"
)

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// spin animates a spinner until the returned function is called.
func spin(description string) func() {
	spinner := getSpinner(description)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				spinner.Add(1)
			}
		}
	}()
	return func() {
		close(done)
		spinner.Finish()
		fmt.Print("\r")
	}
}

func runServe(ctx context.Context, args []string) error {
	fs, configPath := commandFlags("serve")
	addr := fs.String("addr", "", "Listen address, overrides server.host and server.port")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if *addr == "" {
		*addr = cfg.Addr()
	}
	return server.New(svc, logger).ListenAndServe(ctx, *addr)
}

// stageBars shows one progress bar per ingestion stage.
type stageBars struct {
	stage string
	bar   *progressbar.ProgressBar
}

var stageLabels = map[string]string{
	ingest.StageLoad:  "📄 Loading documents...",
	ingest.StageEmbed: "🔄 Embedding chunks...",
	ingest.StageStore: "💾 Storing in vector index...",
}

func (b *stageBars) update(stage string, done, total int) {
	if stage != b.stage {
		b.finish()
		b.stage = stage
		b.bar = getProgressBar(total, stageLabels[stage])
	}
	b.bar.Set(done)
}

func (b *stageBars) finish() {
	if b.bar != nil {
		b.bar.Finish()
		fmt.Println()
		b.bar = nil
	}
}

func runIngest(ctx context.Context, args []string) error {
	fs, configPath := commandFlags("ingest")
	maxDepth := fs.Int("max-depth", 0, "Maximum crawl depth for URLs, overrides ingest.max_depth")
	fs.Parse(args)

	inputs := fs.Args()
	if len(inputs) == 0 {
		return errors.New("ingest needs at least one file, directory or URL")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *maxDepth > 0 {
		cfg.Ingest.MaxDepth = *maxDepth
	}
	logger := newLogger(cfg)

	emb, err := llm.NewEmbedder(ctx, cfg)
	if err != nil {
		return err
	}

	storeCfg := store.FromConfig(cfg)
	storeCfg.Create = true
	index, err := store.Open(ctx, storeCfg)
	if err != nil {
		return err
	}
	defer index.Close()

	bars := &stageBars{}
	pipeline, err := ingest.New(ingest.Options{
		Embedder: emb,
		Index:    index,
		Processor: processor.NewWithConfig(processor.ProcessorConfig{
			ChunkSize:    cfg.Ingest.ChunkSize,
			ChunkOverlap: cfg.Ingest.ChunkOverlap,
		}),
		Scraper: scraper.ScraperConfig{
			MaxDepth:       cfg.Ingest.MaxDepth,
			RateLimit:      cfg.Ingest.RateLimit,
			IgnorePatterns: cfg.Ingest.IgnoreURLs,
		},
		BatchSize: cfg.Ingest.BatchSize,
		Logger:    logger,
		Progress:  bars.update,
	})
	if err != nil {
		return err
	}

	color.Blue("\nIngesting %d source(s) into %q (%s)\n", len(inputs), cfg.Index.Collection, cfg.Index.Backend)
	result, err := pipeline.Run(ctx, inputs)
	bars.finish()
	if err != nil {
		return err
	}

	color.Green("\n✓ Indexed %d chunks from %d pages of %d source(s) in %s\n",
		result.Chunks, result.Pages, result.Sources, result.Duration.Round(time.Millisecond))
	return nil
}

func runAsk(ctx context.Context, args []string) error {
	fs, configPath := commandFlags("ask")
	topK := fs.Int("top-k", 0, "Number of chunks to retrieve, overrides retrieval.top_k")
	noStream := fs.Bool("no-stream", false, "Print the whole answer at once")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var k *int
	if *topK != 0 {
		k = topK
	}

	if fs.NArg() > 0 {
		return ask(ctx, svc, strings.Join(fs.Args(), " "), k, !*noStream)
	}

	color.Cyan("\nAsk questions about your documents (type 'exit' to quit)")
	if !svc.Ready() {
		color.Yellow("No knowledge base found. Run 'documind ingest' first.")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	userPrompt := color.New(color.FgGreen).PrintfFunc()
	for {
		userPrompt("\nYou: ")

		var question string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			question = strings.TrimSpace(line)
		}

		if strings.EqualFold(question, "exit") {
			return nil
		}
		if question == "" {
			continue
		}

		if err := ask(ctx, svc, question, k, !*noStream); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			color.Red("Error: %v\n", err)
		}
	}
}

func ask(ctx context.Context, svc *rag.Service, question string, topK *int, stream bool) error {
	assistant := color.New(color.FgCyan).PrintfFunc()

	if !stream {
		stop := spin("🔍 Searching documents...")
		answer, err := svc.Ask(ctx, question, topK)
		stop()
		if err != nil {
			return err
		}
		assistant("Assistant: %s\n", answer.Text)
		printSources(answer.Sources)
		return nil
	}

	stop := spin("🔍 Searching documents...")
	st, err := svc.AskStream(ctx, question, topK)
	stop()
	if err != nil {
		return err
	}

	assistant("Assistant: ")
	for token := range st.Fragments() {
		assistant("%s", token)
	}
	fmt.Println()
	if err := st.Err(); err != nil {
		return err
	}
	printSources(st.Sources())
	return nil
}

func printSources(sources []models.Source) {
	if len(sources) == 0 {
		return
	}
	faint := color.New(color.Faint)
	faint.Println("Sources:")
	for _, s := range sources {
		page := "unknown"
		if s.Page != nil {
			page = fmt.Sprint(*s.Page)
		}
		faint.Printf("  - %s, page %s\n", s.Document, page)
	}
}

func runStats(ctx context.Context, args []string) error {
	fs, configPath := commandFlags("stats")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	newLogger(cfg)

	index, err := store.Open(ctx, store.FromConfig(cfg))
	if errors.Is(err, types.ErrIndexUnavailable) {
		color.Yellow("No knowledge base found at %s (%s). Run 'documind ingest' first.", cfg.Index.Path, cfg.Index.Backend)
		return nil
	}
	if err != nil {
		return err
	}
	defer index.Close()

	info, err := index.Info(ctx)
	if err != nil {
		return err
	}

	color.Cyan("Knowledge base")
	fmt.Printf("  backend:         %s\n", cfg.Index.Backend)
	fmt.Printf("  collection:      %s\n", info.Collection)
	fmt.Printf("  embedding model: %s\n", info.Model)
	fmt.Printf("  dimension:       %d\n", info.Dimension)
	fmt.Printf("  chunks:          %d\n", info.Count)
	return nil
}
