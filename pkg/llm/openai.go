package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
}

func newOpenAIClient(config OpenAIConfig) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return openai.NewClient(opts...)
}

// OpenAIEmbeddings satisfies langchaingo's embeddings.EmbedderClient so it
// can back an Embedder.
type OpenAIEmbeddings struct {
	client openai.Client
	model  string
}

func NewOpenAIEmbeddings(config OpenAIConfig) *OpenAIEmbeddings {
	model := config.EmbeddingModel
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAIEmbeddings{client: newOpenAIClient(config), model: model}
}

func (o *OpenAIEmbeddings) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings failed: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings returned out of range index %d", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			v[i] = float32(x)
		}
		vectors[d.Index] = v
	}
	return vectors, nil
}

// OpenAIEngine generates answers through the chat completions API.
type OpenAIEngine struct {
	config OpenAIConfig
	client openai.Client
}

var _ types.Generator = (*OpenAIEngine)(nil)

func NewOpenAIEngine(config OpenAIConfig) (*OpenAIEngine, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: missing OpenAI API key", types.ErrModelLoad)
	}
	if config.Model == "" {
		config.Model = string(openai.ChatModelGPT4oMini)
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &OpenAIEngine{config: config, client: newOpenAIClient(config)}, nil
}

func (e *OpenAIEngine) params(prompt models.Prompt) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(prompt.System))
	}
	messages = append(messages, openai.UserMessage(prompt.User))

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(e.config.Model),
		Messages:    messages,
		Temperature: openai.Float(e.config.Temperature),
		MaxTokens:   openai.Int(int64(e.config.MaxTokens)),
	}
}

func (e *OpenAIEngine) Generate(ctx context.Context, prompt models.Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	completion, err := e.client.Chat.Completions.New(ctx, e.params(prompt))
	if err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrGeneration, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", types.ErrGeneration)
	}
	return completion.Choices[0].Message.Content, nil
}

func (e *OpenAIEngine) GenerateStream(ctx context.Context, prompt models.Prompt) (<-chan models.Fragment, error) {
	out := make(chan models.Fragment)

	go func() {
		defer close(out)

		genCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		stream := e.client.Chat.Completions.NewStreaming(genCtx, e.params(prompt))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(genCtx, out, models.Fragment{Text: chunk.Choices[0].Delta.Content}) {
				expired(ctx, genCtx, out)
				return
			}
		}
		if err := stream.Err(); err != nil {
			if ctx.Err() == nil {
				send(ctx, out, models.Fragment{Err: fmt.Errorf("%w: %w", types.ErrGeneration, err)})
			}
			return
		}
		send(ctx, out, models.Fragment{Done: true})
	}()

	return out, nil
}
