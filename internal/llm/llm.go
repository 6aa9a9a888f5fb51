// Package llm provides chat model providers behind one interface, with bounded retry
// and request throttling.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

// Options are per-call generation settings.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Usage holds token counts reported by a provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is a model reply. Usage is nil when the provider did not report it.
type Completion struct {
	Text  string
	Model string
	Usage *Usage
}

// ChatModel generates a reply for a conversation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, opts Options) (*Completion, error)
	Name() string
}

// StatusError is a non-success HTTP status returned by a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusConflict, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 500:
		return true
	}
	return false
}

// errMalformedResponse marks replies that decoded but cannot be used. Retrying does not help.
var errMalformedResponse = errors.New("malformed response")

// splitSystem separates system messages from the conversation, joining several with blank lines.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
