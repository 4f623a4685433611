package processor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/xhad/documind/internal/models"
)

type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	// Separators are tried in order when splitting; the defaults prefer
	// paragraph, then line, then sentence, then word boundaries.
	Separators []string
}

// Processor turns extracted pages into chunks ready for embedding.
type Processor struct {
	config   ProcessorConfig
	splitter textsplitter.RecursiveCharacter
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = 700
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 5
	}
	if len(config.Separators) == 0 {
		config.Separators = []string{"\n\n", "\n", ". ", " ", ""}
	}

	return Processor{
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
			textsplitter.WithSeparators(config.Separators),
		),
	}
}

// Process splits every page into chunks. Chunk ids are derived from the
// source, page and position, so re-processing the same input yields the
// same ids. Embeddings are left empty.
func (p *Processor) Process(pages []models.Page) ([]models.Chunk, error) {
	var chunks []models.Chunk

	for _, page := range pages {
		if err := models.ValidatePage(page.Number); err != nil {
			return nil, fmt.Errorf("%s: %w", page.Source, err)
		}

		clean := cleanText(page.Text)
		if clean == "" {
			continue
		}

		parts, err := p.splitter.SplitText(clean)
		if err != nil {
			return nil, fmt.Errorf("failed to split %s: %w", page.Source, err)
		}

		index := 0
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			chunks = append(chunks, models.Chunk{
				ID:   ChunkID(page.Source, page.Number, index),
				Text: part,
				Metadata: models.Metadata{
					Page:   page.Number,
					Source: page.Source,
				},
			})
			index++
		}
	}

	return chunks, nil
}

// ChunkID is a name-based UUID of the chunk's position.
func ChunkID(source string, page *int, index int) string {
	number := "-"
	if page != nil {
		number = strconv.Itoa(*page)
	}
	name := source + "#" + number + "#" + strconv.Itoa(index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// cleanText collapses runs of spaces inside lines and runs of blank lines,
// keeping paragraph breaks for the splitter.
func cleanText(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}
