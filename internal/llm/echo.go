package llm

import (
	"context"
	"strings"

	"github.com/hyperjump/chishiki/pkg/utils"
)

// Echo is an offline model for local runs and tests. It replies with a canned sentence
// quoting the last user message.
type Echo struct{}

// Name returns the provider tag.
func (Echo) Name() string { return "echo" }

// Chat returns the canned reply. Token counts are whitespace-separated word counts.
func (Echo) Chat(ctx context.Context, messages []Message, opts Options) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last string
	prompt := 0
	for _, m := range messages {
		prompt += len(strings.Fields(m.Content))
		if m.Role == RoleUser {
			last = m.Content
		}
	}
	question := last
	if i := strings.LastIndex(last, "\n"); i >= 0 {
		question = last[i+1:]
	}
	text := "Offline reply (no language model configured). You asked: " + utils.Truncate(strings.TrimSpace(question), 200)
	completion := len(strings.Fields(text))
	return &Completion{
		Text:  text,
		Model: "echo",
		Usage: &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
	}, nil
}
