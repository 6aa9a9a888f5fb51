package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
	"google.golang.org/genai"
)

const defaultGeminiEmbedModel = "gemini-embedding-001"

// GeminiEmbedder embeds text with the Gemini API, requesting the configured output dimension.
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGeminiEmbedder creates a Gemini API client for embeddings.
func NewGeminiEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key not found in environment variable %s", models.ErrModelUnavailable, cfg.APIKeyEnv)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create genai client: %v", models.ErrModelUnavailable, err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiEmbedModel
	}
	return &GeminiEmbedder{client: client, model: model, dimensions: cfg.Dimensions}, nil
}

// Embed returns the normalized embedding for text; blank text yields a zero vector.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all non-blank texts in a single EmbedContent call.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return batchNonBlank(ctx, texts, e.dimensions, func(ctx context.Context, texts []string) ([][]float32, error) {
		contents := make([]*genai.Content, len(texts))
		for i, t := range texts {
			contents[i] = genai.NewContentFromText(t, genai.RoleUser)
		}
		outputDim := int32(e.dimensions)
		result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			OutputDimensionality: &outputDim,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: embedding generation failed: %v", models.ErrModelUnavailable, err)
		}
		if result == nil {
			return nil, fmt.Errorf("%w: no embedding returned from API", models.ErrModelUnavailable)
		}
		vecs := make([][]float32, 0, len(result.Embeddings))
		for _, emb := range result.Embeddings {
			vecs = append(vecs, utils.Normalized(emb.Values))
		}
		return vecs, nil
	})
}

// Dimensions returns the requested output dimension.
func (e *GeminiEmbedder) Dimensions() int { return e.dimensions }

// Close is a no-op; the genai client holds no resources that need releasing.
func (e *GeminiEmbedder) Close() error { return nil }
