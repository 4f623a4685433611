package llm

import (
	"context"
	"fmt"
	"unicode"

	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
)

// SplitWords splits text into fragments that each end after the whitespace
// following a word, so that joining them reproduces text exactly.
func SplitWords(text string) []string {
	var words []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			words = append(words, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		words = append(words, text[start:])
	}
	return words
}

// StreamText emits text word by word on a new channel. It is used for
// answers that are known without calling a model.
func StreamText(ctx context.Context, text string) <-chan models.Fragment {
	out := make(chan models.Fragment)
	go func() {
		defer close(out)
		for _, word := range SplitWords(text) {
			if !send(ctx, out, models.Fragment{Text: word}) {
				return
			}
		}
		send(ctx, out, models.Fragment{Done: true})
	}()
	return out
}

// expired reports a generation cut short by its own deadline. Nothing is
// sent when the caller cancelled ctx.
func expired(ctx, genCtx context.Context, out chan<- models.Fragment) {
	if genCtx.Err() == nil || ctx.Err() != nil {
		return
	}
	send(ctx, out, models.Fragment{Err: fmt.Errorf("%w: %w", types.ErrGeneration, genCtx.Err())})
}

// send delivers f unless ctx is done. No fragment is sent once ctx is done.
func send(ctx context.Context, out chan<- models.Fragment, f models.Fragment) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
