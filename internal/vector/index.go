// Package vector stores chunk embeddings with their metadata and answers nearest-neighbour queries.
package vector

import "context"

// Index is a positional vector backend. Vectors are addressed by insertion position
// (0..Size()-1); the Store keeps metadata parallel to those positions.
type Index interface {
	Add(ctx context.Context, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	Reconstruct(position int64) ([]float32, error)
	Reset() error
	Save(path string) error
	Load(path string) error
	Size() int
	Dimensions() int
	Type() string
	Close() error
}

// Hit is a single backend search hit.
type Hit struct {
	Position int64
	Score    float64 // inner product; cosine similarity for normalized vectors
}
