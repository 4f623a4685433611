// Package rag answers questions from the indexed documents only. A question
// is embedded, matched against the vector index, and answered by the language
// model from the retrieved context. When nothing is retrieved the model is
// never called and the fixed refusal is returned.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/llm"
)

// Options wires a Service. Index may be nil when no knowledge base could be
// opened; the service then answers every question with UninitializedText.
type Options struct {
	Embedder  types.Embedder
	Index     types.VectorIndex
	Generator types.Generator
	Logger    *slog.Logger

	TopK            int
	MaxTopK         int
	MaxContextChars int
	ExcerptChars    int
}

// Service is the query orchestrator. It holds no per-request state and is
// safe for concurrent use.
type Service struct {
	index     types.VectorIndex
	retriever *Retriever
	assembler Assembler
	generator types.Generator
	logger    *slog.Logger

	topK         int
	maxTopK      int
	excerptChars int
}

func New(opts Options) (*Service, error) {
	if opts.Embedder == nil {
		return nil, errors.New("rag: embedder is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("rag: generator is required")
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = 20
	}
	if opts.TopK > opts.MaxTopK {
		return nil, fmt.Errorf("rag: top_k %d exceeds max_top_k %d", opts.TopK, opts.MaxTopK)
	}
	if opts.ExcerptChars <= 0 {
		opts.ExcerptChars = 200
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{
		index:        opts.Index,
		assembler:    Assembler{MaxChars: opts.MaxContextChars},
		generator:    opts.Generator,
		logger:       opts.Logger,
		topK:         opts.TopK,
		maxTopK:      opts.MaxTopK,
		excerptChars: opts.ExcerptChars,
	}
	if opts.Index != nil {
		s.retriever = NewRetriever(opts.Embedder, opts.Index, opts.MaxTopK)
	}
	return s, nil
}

// Ready reports whether a knowledge base is loaded.
func (s *Service) Ready() bool {
	return s.index != nil
}

// Stats describes the loaded index.
func (s *Service) Stats(ctx context.Context) (models.IndexInfo, error) {
	if s.index == nil {
		return models.IndexInfo{}, types.ErrIndexUnavailable
	}
	return s.index.Info(ctx)
}

// Close releases the index.
func (s *Service) Close() error {
	if s.index == nil {
		return nil
	}
	return s.index.Close()
}

// plan is the outcome of everything that happens before generation. Either
// fixed is set and no model call is needed, or prompt and sources are.
type plan struct {
	fixed   string
	prompt  models.Prompt
	sources []models.Source
}

func (s *Service) prepare(ctx context.Context, question string, topK *int) (plan, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return plan{}, fmt.Errorf("%w: question cannot be empty", types.ErrInvalidParameter)
	}

	k := s.topK
	if topK != nil {
		k = *topK
	}
	if k < 1 || k > s.maxTopK {
		return plan{}, fmt.Errorf("%w: top_k must be between 1 and %d, got %d", types.ErrInvalidParameter, s.maxTopK, k)
	}

	if s.retriever == nil {
		return plan{fixed: UninitializedText}, nil
	}

	start := time.Now()
	result, err := s.retriever.Retrieve(ctx, question, k)
	if errors.Is(err, types.ErrIndexUnavailable) {
		s.logger.Warn("knowledge base unavailable", "error", err)
		return plan{fixed: UninitializedText}, nil
	}
	if err != nil {
		return plan{}, err
	}

	block, used := s.assembler.Assemble(result)
	s.logger.Debug("retrieved context",
		"k", k,
		"matches", len(result),
		"used", len(used),
		"context_chars", utf8.RuneCountInString(block),
		"duration", time.Since(start))

	if block == "" {
		return plan{fixed: RefusalText}, nil
	}
	return plan{
		prompt:  BuildPrompt(block, question),
		sources: s.sources(used),
	}, nil
}

func (s *Service) sources(result models.RetrievalResult) []models.Source {
	sources := make([]models.Source, 0, len(result))
	for _, m := range result {
		sources = append(sources, models.Source{
			Page:     m.Chunk.Metadata.Page,
			Document: m.Chunk.Metadata.Source,
			Content:  truncate(m.Chunk.Text, s.excerptChars),
		})
	}
	return sources
}

// Ask answers question from the indexed documents. topK overrides the
// configured number of chunks to retrieve when non-nil.
func (s *Service) Ask(ctx context.Context, question string, topK *int) (models.Answer, error) {
	p, err := s.prepare(ctx, question, topK)
	if err != nil {
		return models.Answer{}, err
	}
	if p.fixed != "" {
		return fixedAnswer(p.fixed), nil
	}

	text, err := s.generator.Generate(ctx, p.prompt)
	if err != nil {
		return models.Answer{}, err
	}
	return finish(text, p.sources), nil
}

func fixedAnswer(text string) models.Answer {
	return models.Answer{
		Text:    text,
		Sources: []models.Source{},
		Refused: text == RefusalText,
	}
}

func finish(text string, sources []models.Source) models.Answer {
	if IsRefusal(text) {
		return models.Answer{Text: text, Sources: []models.Source{}, Refused: true}
	}
	return models.Answer{Text: text, Sources: sources}
}

// Stream is an answer being delivered incrementally. Read Fragments until it
// is closed; Sources and Err are valid only after that.
type Stream struct {
	fragments chan string
	answer    models.Answer
	err       error
}

// Fragments yields answer text in generation order. Joined, the fragments
// equal the text Ask would return.
func (st *Stream) Fragments() <-chan string {
	return st.fragments
}

// Sources returns the citations for the finished answer.
func (st *Stream) Sources() []models.Source {
	return st.answer.Sources
}

// Answer returns the finished answer.
func (st *Stream) Answer() models.Answer {
	return st.answer
}

// Err reports why the stream ended early, if it did.
func (st *Stream) Err() error {
	return st.err
}

// AskStream is the streaming form of Ask. Validation errors are returned
// immediately; generation errors end the stream and are reported by Err.
// Cancelling ctx stops fragment production.
func (s *Service) AskStream(ctx context.Context, question string, topK *int) (*Stream, error) {
	p, err := s.prepare(ctx, question, topK)
	if err != nil {
		return nil, err
	}

	var (
		upstream <-chan models.Fragment
		sources  = p.sources
	)
	if p.fixed != "" {
		upstream = llm.StreamText(ctx, p.fixed)
		sources = nil
	} else {
		upstream, err = s.generator.GenerateStream(ctx, p.prompt)
		if err != nil {
			return nil, err
		}
	}

	st := &Stream{fragments: make(chan string)}
	go st.pump(ctx, upstream, p.fixed, sources)
	return st, nil
}

func (st *Stream) pump(ctx context.Context, upstream <-chan models.Fragment, fixed string, sources []models.Source) {
	defer close(st.fragments)

	var (
		text     strings.Builder
		complete bool
	)
	for f := range upstream {
		if f.Err != nil {
			st.err = f.Err
			return
		}
		if f.Done {
			complete = true
			continue
		}
		select {
		case st.fragments <- f.Text:
			text.WriteString(f.Text)
		case <-ctx.Done():
			st.err = ctx.Err()
			return
		}
	}
	// Producers stop without a marker when ctx is cancelled mid-answer.
	if err := ctx.Err(); err != nil && !complete {
		st.err = err
		return
	}

	if fixed != "" {
		st.answer = fixedAnswer(fixed)
		return
	}
	st.answer = finish(text.String(), sources)
}
