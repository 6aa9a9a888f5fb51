package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/models"
)

func TestNew_hashWithCache(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: "hash", Dimensions: 32, CacheSize: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*Cached); !ok {
		t.Errorf("expected cached embedder, got %T", e)
	}
	if e.Dimensions() != 32 {
		t.Errorf("Dimensions() = %d", e.Dimensions())
	}
}

func TestNew_negativeCacheDisables(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: "HASH", Dimensions: 8, CacheSize: -1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*HashEmbedder); !ok {
		t.Errorf("expected bare hash embedder, got %T", e)
	}
}

func TestNew_unknownProvider(t *testing.T) {
	if _, err := New(config.EmbeddingConfig{Provider: "word2vec", Dimensions: 8}, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNew_onnxMissingModel(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Provider: "onnx", ModelPath: t.TempDir() + "/missing.onnx", Dimensions: 8, MaxTokens: 16}, nil)
	if !errors.Is(err, models.ErrModelUnavailable) {
		t.Errorf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestBatchNonBlank_countMismatch(t *testing.T) {
	_, err := batchNonBlank(context.Background(), []string{"a", "b"}, 2, func(context.Context, []string) ([][]float32, error) {
		return [][]float32{{1, 0}}, nil
	})
	if !errors.Is(err, models.ErrModelUnavailable) {
		t.Errorf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestProviders(t *testing.T) {
	got := Providers()
	want := []string{"gemini", "hash", "onnx", "openai"}
	if len(got) != len(want) {
		t.Fatalf("Providers() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Providers()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
