package rag

import (
	"strings"

	"github.com/xhad/documind/internal/models"
)

// RefusalText is returned whenever the documents do not contain an answer.
// Callers may match on it to classify an answer as a refusal.
const RefusalText = "I don't know. This information is not available in the documents."

// UninitializedText is returned when there is no knowledge base to search.
const UninitializedText = "Error: Vector database not initialized. Please ensure the index exists and ingestion has been completed."

const systemPrompt = "You are a document assistant. Answer the question based ONLY on the provided context."

const instructions = `Instructions:
- Answer ONLY using information from the context above
- If the answer is not in the context, respond with: "` + RefusalText + `"
- Be concise and accurate
- Do not make up information or use external knowledge`

// BuildPrompt places the context verbatim ahead of the question.
func BuildPrompt(context, question string) models.Prompt {
	var b strings.Builder
	b.WriteString("Context:\n")
	b.WriteString(context)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\n")
	b.WriteString(instructions)
	b.WriteString("\n\nAnswer:")

	return models.Prompt{
		System: systemPrompt,
		User:   b.String(),
	}
}

// IsRefusal reports whether a model answer opens with the refusal sentence.
func IsRefusal(answer string) bool {
	answer = strings.TrimLeft(strings.TrimSpace(answer), `"'`)
	return strings.HasPrefix(answer, RefusalText)
}
