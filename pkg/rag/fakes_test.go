package rag_test

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/llm"
	"github.com/xhad/documind/pkg/store"
)

const dim = 64

// fakeEmbedder builds bag-of-words vectors, so texts sharing words are close.
type fakeEmbedder struct {
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	return bagOfWords(text), nil
}

func (f *fakeEmbedder) Dimension() int { return dim }
func (f *fakeEmbedder) Model() string  { return "fake-embed" }

func bagOfWords(text string) []float32 {
	v := make([]float32, dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,?!")
		h := fnv.New32a()
		h.Write([]byte(word))
		v[h.Sum32()%dim]++
	}
	return v
}

// fakeGenerator records prompts and answers with a canned response.
type fakeGenerator struct {
	response string
	err      error
	// script, when set, produces the stream instead of response.
	script func(out chan<- models.Fragment)
	calls  atomic.Int32

	mu     sync.Mutex
	prompt models.Prompt
}

func (f *fakeGenerator) Generate(_ context.Context, prompt models.Prompt) (string, error) {
	f.record(prompt)
	if f.err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrGeneration, f.err)
	}
	return f.response, nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, prompt models.Prompt) (<-chan models.Fragment, error) {
	f.record(prompt)
	if f.err != nil {
		ch := make(chan models.Fragment, 1)
		ch <- models.Fragment{Err: fmt.Errorf("%w: %w", types.ErrGeneration, f.err)}
		close(ch)
		return ch, nil
	}
	if f.script != nil {
		out := make(chan models.Fragment)
		go func() {
			defer close(out)
			f.script(out)
		}()
		return out, nil
	}
	return llm.StreamText(ctx, f.response), nil
}

func (f *fakeGenerator) record(prompt models.Prompt) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = prompt
}

func (f *fakeGenerator) lastPrompt() models.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

// brokenIndex behaves as if its backing store disappeared after startup.
type brokenIndex struct {
	*store.MemoryIndex
}

func (brokenIndex) Query(context.Context, []float32, int) (models.RetrievalResult, error) {
	return nil, fmt.Errorf("%w: collection dropped", types.ErrIndexUnavailable)
}

func indexWith(chunks ...models.Chunk) *store.MemoryIndex {
	idx := store.NewMemoryIndex("test")
	for i := range chunks {
		chunks[i].Embedding = bagOfWords(chunks[i].Text)
	}
	if err := idx.Upsert(context.Background(), chunks); err != nil {
		panic(err)
	}
	return idx
}

func textChunk(id, text, source string, page *int) models.Chunk {
	return models.Chunk{
		ID:       id,
		Text:     text,
		Metadata: models.Metadata{Page: page, Source: source},
	}
}
