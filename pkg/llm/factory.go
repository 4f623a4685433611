package llm

import (
	"context"
	"fmt"

	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/config"
)

// NewEmbedder loads the configured embedding model. Any failure is fatal for
// the caller and wraps types.ErrModelLoad.
func NewEmbedder(ctx context.Context, cfg *config.Config) (*Embedder, error) {
	embCfg := EmbedderConfig{
		Model:     cfg.LLM.EmbeddingModel,
		BaseURL:   cfg.LLM.BaseURL,
		BatchSize: cfg.Ingest.BatchSize,
		Dimension: cfg.Index.Dimension,
	}

	switch cfg.LLM.Provider {
	case config.ProviderOllama:
		if err := CheckModels(ctx, cfg.LLM.BaseURL, cfg.LLM.EmbeddingModel); err != nil {
			return nil, err
		}
		return NewEmbedderWithConfig(ctx, embCfg)
	case config.ProviderOpenAI:
		return NewEmbedderWithClient(ctx, embCfg, NewOpenAIEmbeddings(openAIConfig(cfg)))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", types.ErrModelLoad, cfg.LLM.Provider)
	}
}

// NewGenerator builds the configured answer generator.
func NewGenerator(ctx context.Context, cfg *config.Config) (types.Generator, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOllama:
		if err := CheckModels(ctx, cfg.LLM.BaseURL, cfg.LLM.Model); err != nil {
			return nil, err
		}
		return NewWithConfig(ChatConfig{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			BaseURL:     cfg.LLM.BaseURL,
			Timeout:     cfg.LLM.Timeout,
		})
	case config.ProviderOpenAI:
		return NewOpenAIEngine(openAIConfig(cfg))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", types.ErrModelLoad, cfg.LLM.Provider)
	}
}

func openAIConfig(cfg *config.Config) OpenAIConfig {
	return OpenAIConfig{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        cfg.LLM.Timeout,
	}
}
