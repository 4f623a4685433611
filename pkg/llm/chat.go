package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string // Ollama server URL
	// Timeout bounds a whole generation, streamed or not.
	Timeout time.Duration
}

// ChatEngine is an engine that uses an LLM to generate grounded answers.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

var _ types.Generator = (*ChatEngine)(nil)

// NewWithConfig creates a new ChatEngine backed by an Ollama model.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	config, err := withChatDefaults(config)
	if err != nil {
		return nil, err
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize LLM: %w", types.ErrModelLoad, err)
	}

	return &ChatEngine{
		config: config,
		llm:    llm,
	}, nil
}

// NewWithModel creates a ChatEngine around an already constructed model.
func NewWithModel(llm llms.Model, config ChatConfig) (*ChatEngine, error) {
	config, err := withChatDefaults(config)
	if err != nil {
		return nil, err
	}
	return &ChatEngine{config: config, llm: llm}, nil
}

func withChatDefaults(config ChatConfig) (ChatConfig, error) {
	if config.Model == "" {
		config.Model = "llama2"
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return config, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return config, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 1024
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return config, nil
}

// Generate returns the complete answer for prompt.
func (ce *ChatEngine) Generate(ctx context.Context, prompt models.Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ce.config.Timeout)
	defer cancel()

	response, err := ce.llm.GenerateContent(ctx, ce.messages(prompt), ce.options()...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrGeneration, err)
	}
	if response == nil || len(response.Choices) == 0 {
		return "", fmt.Errorf("%w: no response from LLM", types.ErrGeneration)
	}

	return response.Choices[0].Content, nil
}

// GenerateStream streams the answer as the model produces it. Models that do
// not invoke the streaming callback have their full answer split into words.
func (ce *ChatEngine) GenerateStream(ctx context.Context, prompt models.Prompt) (<-chan models.Fragment, error) {
	out := make(chan models.Fragment)

	go func() {
		defer close(out)

		genCtx, cancel := context.WithTimeout(ctx, ce.config.Timeout)
		defer cancel()

		streamed, cut := false, false
		options := append(ce.options(), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed = true
			if !send(genCtx, out, models.Fragment{Text: string(chunk)}) {
				cut = true
				return genCtx.Err()
			}
			return nil
		}))

		response, err := ce.llm.GenerateContent(genCtx, ce.messages(prompt), options...)
		if ctx.Err() != nil {
			// The caller went away; nothing more is produced.
			return
		}
		if err != nil {
			send(ctx, out, models.Fragment{Err: fmt.Errorf("%w: %w", types.ErrGeneration, err)})
			return
		}
		if cut {
			// The model ignored the callback error and finished anyway.
			expired(ctx, genCtx, out)
			return
		}
		if streamed {
			send(ctx, out, models.Fragment{Done: true})
			return
		}
		if response == nil || len(response.Choices) == 0 {
			send(ctx, out, models.Fragment{Err: fmt.Errorf("%w: no response from LLM", types.ErrGeneration)})
			return
		}
		for _, word := range SplitWords(response.Choices[0].Content) {
			if !send(genCtx, out, models.Fragment{Text: word}) {
				expired(ctx, genCtx, out)
				return
			}
		}
		send(ctx, out, models.Fragment{Done: true})
	}()

	return out, nil
}

func (ce *ChatEngine) messages(prompt models.Prompt) []llms.MessageContent {
	var content []llms.MessageContent
	if prompt.System != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, prompt.System))
	}
	return append(content, llms.TextParts(llms.ChatMessageTypeHuman, prompt.User))
}

func (ce *ChatEngine) options() []llms.CallOption {
	return []llms.CallOption{
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	}
}
