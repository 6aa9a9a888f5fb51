package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic is a chat model backed by the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates a client. SDK retries are disabled; Reliable owns the retry policy.
func NewAnthropic(apiKey, baseURL, model string, timeout time.Duration) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: model}
}

// Name returns the provider tag.
func (a *Anthropic) Name() string { return "anthropic" }

// Chat sends one Messages.New request.
func (a *Anthropic) Chat(ctx context.Context, messages []Message, opts Options) (*Completion, error) {
	system, rest := splitSystem(messages)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(opts.MaxTokens),
		Messages:    make([]anthropic.MessageParam, 0, len(rest)),
		Temperature: anthropic.Float(opts.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range rest {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &StatusError{Provider: a.Name(), Code: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, fmt.Errorf("%w: anthropic: empty content", errMalformedResponse)
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &Completion{
		Text:  text.String(),
		Model: string(resp.Model),
		Usage: &Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}
