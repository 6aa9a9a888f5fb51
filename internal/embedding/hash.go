package embedding

import (
	"context"

	"github.com/hyperjump/chishiki/pkg/utils"
)

// HashEmbedder is a deterministic offline embedder. Each word is hashed into one of the
// vector's buckets with a hash-derived sign, and the result is L2-normalized. Texts that
// share words land near each other, which is enough for tests and air-gapped installs.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a feature-hashing embedder with the given dimension.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed returns the hashed embedding for text; blank text yields a zero vector.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dimensions)
	for _, w := range Words(text) {
		h := HashToken(w)
		bucket := int(h % uint32(e.dimensions))
		if h&(1<<31) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	utils.NormalizeL2(vec)
	return vec, nil
}

// EmbedBatch embeds each text in order.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int { return e.dimensions }

// Close is a no-op.
func (e *HashEmbedder) Close() error { return nil }
