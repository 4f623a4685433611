package rag_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/rag"
)

var errBoom = errors.New("boom")

func newService(t *testing.T, index types.VectorIndex, gen *fakeGenerator) (*rag.Service, *fakeEmbedder) {
	t.Helper()
	emb := &fakeEmbedder{}
	opts := rag.Options{
		Embedder:  emb,
		Generator: gen,
		TopK:      3,
		MaxTopK:   20,
	}
	if index != nil {
		opts.Index = index
	}
	svc, err := rag.New(opts)
	require.NoError(t, err)
	return svc, emb
}

func collect(t *testing.T, st *rag.Stream) string {
	t.Helper()
	var b strings.Builder
	for fragment := range st.Fragments() {
		b.WriteString(fragment)
	}
	return b.String()
}

func TestEmptyIndexRefusesWithoutCallingModel(t *testing.T) {
	gen := &fakeGenerator{response: "Refunds take 30 days."}
	svc, _ := newService(t, indexWith(), gen)

	answer, err := svc.Ask(context.Background(), "What is the refund policy?", nil)
	require.NoError(t, err)
	assert.Equal(t, rag.RefusalText, answer.Text)
	assert.NotNil(t, answer.Sources)
	assert.Empty(t, answer.Sources)
	assert.True(t, answer.Refused)

	st, err := svc.AskStream(context.Background(), "What is the refund policy?", nil)
	require.NoError(t, err)
	assert.Equal(t, rag.RefusalText, collect(t, st))
	assert.NoError(t, st.Err())
	assert.Empty(t, st.Sources())

	assert.Zero(t, gen.calls.Load())
}

func TestSingleChunkAnswer(t *testing.T) {
	gen := &fakeGenerator{response: "Refunds are processed within 30 days."}
	index := indexWith(textChunk("c1", "Refunds are processed within 30 days.", "policy.pdf", models.IntPtr(4)))
	svc, _ := newService(t, index, gen)

	topK := 3
	answer, err := svc.Ask(context.Background(), "How long do refunds take?", &topK)
	require.NoError(t, err)

	prompt := gen.lastPrompt()
	assert.Contains(t, prompt.User, "[Page 4]\nRefunds are processed within 30 days.")
	assert.Contains(t, prompt.User, "Question: How long do refunds take?")
	assert.Contains(t, prompt.User, rag.RefusalText)

	assert.Equal(t, "Refunds are processed within 30 days.", answer.Text)
	assert.False(t, answer.Refused)
	assert.Equal(t, []models.Source{{
		Page:     models.IntPtr(4),
		Document: "policy.pdf",
		Content:  "Refunds are processed within 30 days.",
	}}, answer.Sources)
}

func TestEmptyQuestionIsRejected(t *testing.T) {
	gen := &fakeGenerator{response: "unused"}
	svc, emb := newService(t, indexWith(textChunk("c1", "Refunds are processed within 30 days.", "policy.pdf", nil)), gen)

	for _, question := range []string{"", "   ", "\n\t"} {
		_, err := svc.Ask(context.Background(), question, nil)
		assert.ErrorIs(t, err, types.ErrInvalidParameter)

		_, err = svc.AskStream(context.Background(), question, nil)
		assert.ErrorIs(t, err, types.ErrInvalidParameter)
	}
	assert.Zero(t, emb.calls.Load())
	assert.Zero(t, gen.calls.Load())
}

func TestTopKBounds(t *testing.T) {
	gen := &fakeGenerator{response: "Shipping is free above 50 euros."}
	index := indexWith(
		textChunk("a", "Refunds are processed within 30 days.", "policy.pdf", models.IntPtr(4)),
		textChunk("b", "Shipping is free above 50 euros.", "policy.pdf", models.IntPtr(5)),
		textChunk("c", "Refund requests need a receipt.", "faq.md", nil),
		textChunk("d", "Our office is closed on Sundays.", "faq.md", nil),
	)
	svc, _ := newService(t, index, gen)

	tests := []struct {
		name        string
		topK        *int
		wantErr     bool
		wantSources int
	}{
		{name: "default", topK: nil, wantSources: 3},
		{name: "one", topK: models.IntPtr(1), wantSources: 1},
		{name: "more than stored", topK: models.IntPtr(20), wantSources: 4},
		{name: "zero", topK: models.IntPtr(0), wantErr: true},
		{name: "negative", topK: models.IntPtr(-2), wantErr: true},
		{name: "above max", topK: models.IntPtr(21), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answer, err := svc.Ask(context.Background(), "Is shipping free?", tt.topK)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			assert.Len(t, answer.Sources, tt.wantSources)
			assert.Equal(t, "policy.pdf", answer.Sources[0].Document)
			assert.Equal(t, 5, *answer.Sources[0].Page)
		})
	}
}

func TestUninitializedKnowledgeBase(t *testing.T) {
	tests := []struct {
		name  string
		index types.VectorIndex
	}{
		{name: "no index", index: nil},
		{name: "index lost", index: brokenIndex{indexWith()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{response: "unused"}
			svc, _ := newService(t, tt.index, gen)

			answer, err := svc.Ask(context.Background(), "What is the refund policy?", nil)
			require.NoError(t, err)
			assert.Equal(t, rag.UninitializedText, answer.Text)
			assert.Empty(t, answer.Sources)

			st, err := svc.AskStream(context.Background(), "What is the refund policy?", nil)
			require.NoError(t, err)
			assert.Equal(t, rag.UninitializedText, collect(t, st))
			assert.Zero(t, gen.calls.Load())
		})
	}
}

func TestServiceReadiness(t *testing.T) {
	svc, _ := newService(t, nil, &fakeGenerator{})
	assert.False(t, svc.Ready())
	_, err := svc.Stats(context.Background())
	assert.ErrorIs(t, err, types.ErrIndexUnavailable)
	assert.NoError(t, svc.Close())

	index := indexWith(textChunk("a", "Refunds are processed within 30 days.", "policy.pdf", models.IntPtr(4)))
	svc, _ = newService(t, index, &fakeGenerator{})
	assert.True(t, svc.Ready())
	info, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, info.Count)
	assert.NoError(t, svc.Close())
}

func TestGenerationErrorPropagates(t *testing.T) {
	gen := &fakeGenerator{err: errBoom}
	index := indexWith(textChunk("a", "Refunds are processed within 30 days.", "policy.pdf", models.IntPtr(4)))
	svc, _ := newService(t, index, gen)

	_, err := svc.Ask(context.Background(), "How long do refunds take?", nil)
	assert.ErrorIs(t, err, types.ErrGeneration)

	st, err := svc.AskStream(context.Background(), "How long do refunds take?", nil)
	require.NoError(t, err)
	assert.Empty(t, collect(t, st))
	assert.ErrorIs(t, st.Err(), types.ErrGeneration)
}

func TestStreamMatchesAsk(t *testing.T) {
	gen := &fakeGenerator{response: "Refunds are processed within 30 days, see page 4.\nRequests need a receipt."}
	index := indexWith(
		textChunk("a", "Refunds are processed within 30 days.", "policy.pdf", models.IntPtr(4)),
		textChunk("c", "Refund requests need a receipt.", "faq.md", nil),
	)
	svc, _ := newService(t, index, gen)

	answer, err := svc.Ask(context.Background(), "How do refunds work?", nil)
	require.NoError(t, err)

	st, err := svc.AskStream(context.Background(), "How do refunds work?", nil)
	require.NoError(t, err)

	var fragments []string
	for f := range st.Fragments() {
		fragments = append(fragments, f)
	}
	require.NoError(t, st.Err())
	assert.Greater(t, len(fragments), 1)
	assert.Equal(t, answer.Text, strings.Join(fragments, ""))
	assert.Equal(t, answer.Sources, st.Sources())
	assert.Equal(t, answer, st.Answer())
}

func TestModelRefusalClearsSources(t *testing.T) {
	gen := &fakeGenerator{response: rag.RefusalText}
	index := indexWith(textChunk("d", "Our office is closed on Sundays.", "faq.md", nil))
	svc, _ := newService(t, index, gen)

	answer, err := svc.Ask(context.Background(), "Who is the CEO?", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.True(t, answer.Refused)
	assert.Empty(t, answer.Sources)

	st, err := svc.AskStream(context.Background(), "Who is the CEO?", nil)
	require.NoError(t, err)
	assert.Equal(t, rag.RefusalText, collect(t, st))
	assert.Empty(t, st.Sources())
}

func TestStreamCancellation(t *testing.T) {
	gen := &fakeGenerator{response: strings.Repeat("refund ", 500)}
	index := indexWith(textChunk("a", "Refunds are processed within 30 days.", "policy.pdf", models.IntPtr(4)))
	svc, _ := newService(t, index, gen)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := svc.AskStream(ctx, "How do refunds work?", nil)
	require.NoError(t, err)

	first := <-st.Fragments()
	assert.Equal(t, "refund ", first)
	cancel()

	received := 1
	for range st.Fragments() {
		received++
	}
	assert.Less(t, received, 500)
	assert.ErrorIs(t, st.Err(), context.Canceled)
}

func TestStreamCompletedBeforeCancel(t *testing.T) {
	const text = "Refunds take 30 days."
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &fakeGenerator{script: func(out chan<- models.Fragment) {
		out <- models.Fragment{Text: text}
		out <- models.Fragment{Done: true}
		cancel()
	}}
	index := indexWith(textChunk("a", "Refunds are processed within 30 days.", "policy.pdf", models.IntPtr(4)))
	svc, _ := newService(t, index, gen)

	st, err := svc.AskStream(ctx, "How long do refunds take?", nil)
	require.NoError(t, err)

	assert.Equal(t, text, collect(t, st))
	require.NoError(t, st.Err())
	assert.Equal(t, text, st.Answer().Text)
	require.Len(t, st.Sources(), 1)
	assert.Equal(t, "policy.pdf", st.Sources()[0].Document)
}

func TestStreamCancelledBeforeCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &fakeGenerator{script: func(out chan<- models.Fragment) {
		out <- models.Fragment{Text: "Refunds take "}
		cancel()
	}}
	index := indexWith(textChunk("a", "Refunds are processed within 30 days.", "policy.pdf", models.IntPtr(4)))
	svc, _ := newService(t, index, gen)

	st, err := svc.AskStream(ctx, "How long do refunds take?", nil)
	require.NoError(t, err)

	collect(t, st)
	assert.ErrorIs(t, st.Err(), context.Canceled)
	assert.Empty(t, st.Answer().Text)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := rag.New(rag.Options{Generator: &fakeGenerator{}})
	assert.Error(t, err)

	_, err = rag.New(rag.Options{Embedder: &fakeEmbedder{}})
	assert.Error(t, err)

	_, err = rag.New(rag.Options{Embedder: &fakeEmbedder{}, Generator: &fakeGenerator{}, TopK: 30, MaxTopK: 20})
	assert.Error(t, err)
}
