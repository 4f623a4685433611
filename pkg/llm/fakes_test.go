package llm_test

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"

	"github.com/tmc/langchaingo/llms"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/pkg/llm"
)

// fakeModel is a deterministic llms.Model.
type fakeModel struct {
	response string
	stream   bool
	err      error
	block    bool
	calls    atomic.Int32
	messages atomic.Value // []llms.MessageContent
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls.Add(1)
	f.messages.Store(messages)

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.stream && opts.StreamingFunc != nil {
		for _, word := range llm.SplitWords(f.response) {
			if err := opts.StreamingFunc(ctx, []byte(word)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.response}},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeModel) lastMessages() []llms.MessageContent {
	m, _ := f.messages.Load().([]llms.MessageContent)
	return m
}

// fakeEmbeddings hashes words into a small fixed-size vector.
type fakeEmbeddings struct {
	dim int
	err error
}

func (f *fakeEmbeddings) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, f.dim)
		h := fnv.New32a()
		h.Write([]byte(text))
		v[int(h.Sum32())%f.dim] = 3
		v[len(text)%f.dim] += 4
		out[i] = v
	}
	return out, nil
}

var errBoom = errors.New("boom")

// collect drains fragments into the full text, stopping at the first error.
func collect(fragments <-chan models.Fragment) (string, error) {
	var b strings.Builder
	for f := range fragments {
		if f.Err != nil {
			return b.String(), f.Err
		}
		b.WriteString(f.Text)
	}
	return b.String(), nil
}
