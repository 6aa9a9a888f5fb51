// Package embedding converts text to fixed-dimension vectors.
package embedding

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/models"
	"go.uber.org/zap"
)

// Embedder produces vector embeddings for text. EmbedBatch returns one vector per input,
// in input order; blank texts map to zero vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// Factory builds an embedder from configuration.
type Factory func(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error)

var providers = map[string]Factory{
	"hash": func(cfg config.EmbeddingConfig, _ *zap.Logger) (Embedder, error) {
		return NewHashEmbedder(cfg.Dimensions), nil
	},
	"onnx": func(cfg config.EmbeddingConfig, _ *zap.Logger) (Embedder, error) {
		return NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
	},
	"openai": func(cfg config.EmbeddingConfig, _ *zap.Logger) (Embedder, error) {
		return NewOpenAIEmbedder(cfg)
	},
	"gemini": func(cfg config.EmbeddingConfig, _ *zap.Logger) (Embedder, error) {
		return NewGeminiEmbedder(context.Background(), cfg)
	},
}

// Providers returns the registered provider names.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the configured provider and wraps it in an LRU cache unless CacheSize is negative.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	factory, ok := providers[strings.ToLower(cfg.Provider)]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q (supported: %s)", cfg.Provider, strings.Join(Providers(), ", "))
	}
	e, err := factory(cfg, logger)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("embedder initialized", zap.String("provider", cfg.Provider), zap.Int("dimensions", e.Dimensions()))
	}
	if cfg.CacheSize > 0 {
		return NewCached(e, cfg.CacheSize), nil
	}
	return e, nil
}

// isBlank reports whether text has no embeddable content.
func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// checkDimensions rejects vectors that do not match the model's dimension.
func checkDimensions(vec []float32, want int) error {
	if len(vec) != want {
		return fmt.Errorf("%w: model returned %d values, expected %d", models.ErrEmbeddingDimensionMismatch, len(vec), want)
	}
	return nil
}

// batchNonBlank embeds the non-blank texts with fn and fills zero vectors for the rest,
// preserving input positions.
func batchNonBlank(ctx context.Context, texts []string, dims int, fn func(ctx context.Context, texts []string) ([][]float32, error)) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var pending []string
	var positions []int
	for i, t := range texts {
		if isBlank(t) {
			out[i] = make([]float32, dims)
			continue
		}
		pending = append(pending, t)
		positions = append(positions, i)
	}
	if len(pending) == 0 {
		return out, nil
	}
	vecs, err := fn(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(pending) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", models.ErrModelUnavailable, len(vecs), len(pending))
	}
	for j, pos := range positions {
		if err := checkDimensions(vecs[j], dims); err != nil {
			return nil, err
		}
		out[pos] = vecs[j]
	}
	return out, nil
}
