// Package keyword keeps a full-text (BM25) index of chunk passages next to the vector index.
// It is derived data: every passage can be rebuilt from the chunk rows in the relational store.
package keyword

import "context"

// Passage is one chunk handed to the index.
type Passage struct {
	ChunkIndex int
	Text       string
}

// Hit is a passage matched by a keyword query.
type Hit struct {
	DocumentID int64
	ChunkIndex int
	Text       string
	Score      float64
}

// SearchOptions tunes keyword search. Nil means defaults.
type SearchOptions struct {
	// PhraseBoost multiplies the score of passages where the query terms appear as a phrase.
	PhraseBoost float64
	// FuzzyEnabled matches terms within Fuzziness edits (default 1) for typo tolerance.
	FuzzyEnabled bool
	Fuzziness    int
}

// PassageIndex indexes and searches passages grouped by owning document.
type PassageIndex interface {
	IndexPassages(ctx context.Context, documentID int64, passages []Passage) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]Hit, error)
	DeleteDocument(ctx context.Context, documentID int64) (int, error)
	DocCount() (uint64, error)
	Close() error
}

// TermDictionary exposes indexed terms with their document frequency.
type TermDictionary interface {
	Terms() (map[string]int, error)
}
