// Package search turns questions into ranked, enriched passages.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/vector"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
)

// VectorSearcher finds the entries nearest to a query vector.
type VectorSearcher interface {
	Search(ctx context.Context, query []float32, k int) ([]vector.Result, error)
}

// DocumentLookup resolves document ids in one query. Missing ids are absent from the map.
type DocumentLookup interface {
	GetDocumentsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Document, error)
}

// Retriever embeds a question and returns the nearest passages with their document names.
type Retriever struct {
	embedder embedding.Embedder
	vectors  VectorSearcher
	docs     DocumentLookup
	topK     int
	logger   *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the retriever's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) {
		r.logger = utils.OrNop(l)
	}
}

// NewRetriever creates a Retriever. topK is used when a call passes topK <= 0.
func NewRetriever(embedder embedding.Embedder, vectors VectorSearcher, docs DocumentLookup, topK int, opts ...Option) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	r := &Retriever{embedder: embedder, vectors: vectors, docs: docs, topK: topK, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultTopK returns the number of passages retrieved when none is requested.
func (r *Retriever) DefaultTopK() int { return r.topK }

// Retrieve returns up to topK passages for question, most similar first.
func (r *Retriever) Retrieve(ctx context.Context, question string, topK int) ([]models.Passage, error) {
	if strings.TrimSpace(question) == "" {
		return nil, models.ErrEmptyQuestion
	}
	if topK <= 0 {
		topK = r.topK
	}
	query, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	results, err := r.vectors.Search(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}
	candidates := make([]models.Passage, len(results))
	for i, res := range results {
		candidates[i] = models.Passage{
			DocumentID: res.DocumentID,
			ChunkIndex: res.ChunkIndex,
			Text:       res.Text,
			Score:      res.Score,
		}
	}
	return r.enrich(ctx, candidates)
}

// enrich fills document names with one lookup, drops passages whose document is gone
// and keeps the input order.
func (r *Retriever) enrich(ctx context.Context, candidates []models.Passage) ([]models.Passage, error) {
	out := make([]models.Passage, 0, len(candidates))
	if len(candidates) == 0 {
		return out, nil
	}
	seen := make(map[int64]struct{}, len(candidates))
	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.DocumentID]; !ok {
			seen[c.DocumentID] = struct{}{}
			ids = append(ids, c.DocumentID)
		}
	}
	docs, err := r.docs.GetDocumentsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve documents: %w", err)
	}
	for _, c := range candidates {
		doc, ok := docs[c.DocumentID]
		if !ok {
			r.logger.Debug("dropping passage of missing document",
				zap.Int64("document_id", c.DocumentID),
				zap.Int("chunk_index", c.ChunkIndex))
			continue
		}
		c.DocumentName = doc.FileName
		out = append(out, c)
	}
	return out, nil
}
