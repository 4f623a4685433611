package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xhad/documind/internal/models"
)

const blockSeparator = "\n\n"

// Assembler renders retrieved chunks into a single labeled context block.
// MaxChars bounds the context length in runes; zero means unbounded.
type Assembler struct {
	MaxChars int
}

// Assemble joins chunks in rank order as "[Page <p>]\n<text>" blocks. Once a
// block no longer fits the budget, it and every lower-ranked block are
// dropped. The top-ranked block is always kept with its label intact and its
// text truncated if necessary.
// It returns the context and the matches that made it in.
func (a Assembler) Assemble(result models.RetrievalResult) (string, models.RetrievalResult) {
	if len(result) == 0 {
		return "", nil
	}

	var (
		b    strings.Builder
		used models.RetrievalResult
		size int
	)
	for i, m := range result {
		label := pageLabel(m.Chunk.Metadata.Page) + "\n"
		block := label + m.Chunk.Text
		n := utf8.RuneCountInString(block)
		if i > 0 {
			n += len(blockSeparator)
		}

		if a.MaxChars > 0 && size+n > a.MaxChars {
			if i > 0 {
				break
			}
			// The label stays whole; at least one rune of text survives.
			block = label + truncate(m.Chunk.Text, a.MaxChars-utf8.RuneCountInString(label))
			n = utf8.RuneCountInString(block)
		}

		if i > 0 {
			b.WriteString(blockSeparator)
		}
		b.WriteString(block)
		size += n
		used = append(used, m)
	}
	return b.String(), used
}

func pageLabel(page *int) string {
	if page == nil {
		return "[Page unknown]"
	}
	return fmt.Sprintf("[Page %d]", *page)
}

// truncate keeps the first n runes of s, never returning an empty string
// for a non-empty s.
func truncate(s string, n int) string {
	if n < 1 {
		n = 1
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
