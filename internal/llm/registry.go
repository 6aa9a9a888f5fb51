package llm

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/models"
	"go.uber.org/zap"
)

type factory func(ctx context.Context, cfg config.LLMConfig) (ChatModel, error)

var providers = map[string]factory{
	"deepseek": func(_ context.Context, cfg config.LLMConfig) (ChatModel, error) {
		return newCompatible("deepseek", DeepSeekBaseURL, cfg)
	},
	"openai": func(_ context.Context, cfg config.LLMConfig) (ChatModel, error) {
		return newCompatible("openai", OpenAIBaseURL, cfg)
	},
	"anthropic": func(_ context.Context, cfg config.LLMConfig) (ChatModel, error) {
		if err := requireKey(cfg); err != nil {
			return nil, err
		}
		return NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Timeout), nil
	},
	"gemini": func(ctx context.Context, cfg config.LLMConfig) (ChatModel, error) {
		if err := requireKey(cfg); err != nil {
			return nil, err
		}
		return NewGemini(ctx, cfg.APIKey, cfg.Model)
	},
	"echo": func(context.Context, config.LLMConfig) (ChatModel, error) {
		return Echo{}, nil
	},
}

// Providers returns the registered provider tags, sorted.
func Providers() []string {
	out := make([]string, 0, len(providers))
	for name := range providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New builds the configured provider wrapped in Reliable.
func New(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Reliable, error) {
	f, ok := providers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q (available: %v)", cfg.Provider, Providers())
	}
	model, err := f(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewReliable(model,
		WithRetryPolicy(RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		}),
		WithRateLimit(cfg.RequestsPerSecond),
		WithLogger(logger),
	), nil
}

// newCompatible requires an API key only for the provider's own endpoint; a custom
// base URL may point at a local server without authentication.
func newCompatible(name, defaultURL string, cfg config.LLMConfig) (ChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultURL
		if err := requireKey(cfg); err != nil {
			return nil, err
		}
	}
	return NewOpenAICompatible(name, baseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
}

func requireKey(cfg config.LLMConfig) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("%w: %s API key not found in environment variable %s", models.ErrLanguageModelFailure, cfg.Provider, cfg.APIKeyEnv)
	}
	return nil
}
