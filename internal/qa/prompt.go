// Package qa answers questions from retrieved passages, falling back to the model's own
// knowledge when nothing relevant is found.
package qa

import (
	"fmt"
	"strings"

	"github.com/hyperjump/chishiki/internal/llm"
	"github.com/hyperjump/chishiki/internal/models"
)

const (
	groundedSystemPrompt = `You are a knowledge base assistant. Read the supplied context carefully and answer the user's question from it.

Rules:
1. Base the answer on the context only; do not invent facts.
2. If the context does not contain the answer, say that the knowledge base has no relevant information.
3. Be accurate, clear and well organised, quoting key passages where useful.`

	ungroundedSystemPrompt = `You are a helpful assistant. Answer the user's question accurately and clearly from your general knowledge.`

	contextSeparator = "\n\n---\n\n"
	emptyContext     = "(no context available)"
)

// Disclaimer prefixes answers that were not grounded in the knowledge base.
const Disclaimer = "(No sufficiently relevant content was found in the knowledge base; this answer is based on general knowledge.)\n\n"

// PromptBuilder renders chat messages for grounded and ungrounded questions.
type PromptBuilder struct {
	maxContextChars int
}

// NewPromptBuilder creates a builder that cuts the context after maxContextChars runes.
func NewPromptBuilder(maxContextChars int) *PromptBuilder {
	if maxContextChars <= 0 {
		maxContextChars = 8000
	}
	return &PromptBuilder{maxContextChars: maxContextChars}
}

// Context joins passages as "[Source N: name]" blocks and truncates the result,
// appending "..." when it was cut.
func (b *PromptBuilder) Context(passages []models.Passage) string {
	if len(passages) == 0 {
		return emptyContext
	}
	blocks := make([]string, len(passages))
	for i, p := range passages {
		blocks[i] = fmt.Sprintf("[Source %d: %s]\n%s", i+1, p.DocumentName, p.Text)
	}
	full := strings.Join(blocks, contextSeparator)
	runes := []rune(full)
	if len(runes) > b.maxContextChars {
		return string(runes[:b.maxContextChars]) + "..."
	}
	return full
}

// Grounded builds messages asking the model to answer from passages.
func (b *PromptBuilder) Grounded(passages []models.Passage, question string) []llm.Message {
	user := "Knowledge base context:\n" + b.Context(passages) +
		"\n\nQuestion:\n" + question +
		"\n\nAnswer the question using the context above."
	return []llm.Message{
		{Role: llm.RoleSystem, Content: groundedSystemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}

// Ungrounded builds messages with only the question.
func (b *PromptBuilder) Ungrounded(question string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: ungroundedSystemPrompt},
		{Role: llm.RoleUser, Content: "Question:\n" + question},
	}
}
