package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/xhad/documind/internal/types"
	cfgPkg "github.com/xhad/documind/pkg/config"
	"github.com/xhad/documind/pkg/llm"
	"github.com/xhad/documind/pkg/rag"
	"github.com/xhad/documind/pkg/store"
)

const usage = `DocuMind answers questions from your own documents.

Usage:
  documind serve  [-config path] [-addr host:port]
  documind ingest [-config path] <file|directory|url>...
  documind ask    [-config path] [-top-k n] [-no-stream] [question]
  documind stats  [-config path]
`

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "ingest":
		err = runIngest(ctx, os.Args[2:])
	case "ask":
		err = runAsk(ctx, os.Args[2:])
	case "stats":
		err = runStats(ctx, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		stop()
		os.Exit(2)
	}
	stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// commandFlags returns a flag set with the flags every command shares.
func commandFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configPath := fs.String("config", "", "Path to config file")
	return fs, configPath
}

func loadConfig(path string) (*cfgPkg.Config, error) {
	cfg, err := cfgPkg.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func newLogger(cfg *cfgPkg.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// newService loads the models and opens the knowledge base. A missing index
// is not fatal: the service starts degraded and answers with a notice. A
// model that cannot be loaded, or an index built with another embedding
// model, is fatal.
func newService(ctx context.Context, cfg *cfgPkg.Config, logger *slog.Logger) (*rag.Service, error) {
	emb, err := llm.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("embedding model loaded", "model", emb.Model(), "dimension", emb.Dimension())

	index, err := store.Open(ctx, store.FromConfig(cfg))
	switch {
	case errors.Is(err, types.ErrIndexUnavailable):
		logger.Warn("knowledge base not available, run ingest first",
			"backend", cfg.Index.Backend, "error", err)
		index = nil
	case err != nil:
		return nil, err
	default:
		if err := store.CheckCompatibility(ctx, index, emb); err != nil {
			index.Close()
			return nil, err
		}
	}

	gen, err := llm.NewGenerator(ctx, cfg)
	if err != nil {
		if index != nil {
			index.Close()
		}
		return nil, err
	}

	svc, err := rag.New(rag.Options{
		Embedder:        emb,
		Index:           index,
		Generator:       gen,
		Logger:          logger,
		TopK:            cfg.Retrieval.TopK,
		MaxTopK:         cfg.Retrieval.MaxTopK,
		MaxContextChars: cfg.Retrieval.MaxContextChars,
		ExcerptChars:    cfg.Retrieval.ExcerptChars,
	})
	if err != nil {
		if index != nil {
			index.Close()
		}
		return nil, err
	}
	return svc, nil
}
