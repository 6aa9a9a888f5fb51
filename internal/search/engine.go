package search

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperjump/chishiki/internal/keyword"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// KeywordSearcher runs full-text passage queries.
type KeywordSearcher interface {
	Search(ctx context.Context, query string, limit int, opts *keyword.SearchOptions) ([]keyword.Hit, error)
}

// QuerySuggester proposes a corrected query, or "" when it has none.
type QuerySuggester interface {
	SuggestQuery(query string) (string, error)
}

// Engine answers passage searches without a language model.
type Engine struct {
	retriever      *Retriever
	keyword        KeywordSearcher
	suggester      QuerySuggester
	maxTopK        int
	keywordWeight  float64
	keywordOptions *keyword.SearchOptions
	logger         *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSuggester enables "did you mean" suggestions for keyword searches without hits.
func WithSuggester(s QuerySuggester) EngineOption {
	return func(e *Engine) { e.suggester = s }
}

// WithKeywordWeight sets the keyword share of hybrid scores; the semantic share is the rest.
func WithKeywordWeight(w float64) EngineOption {
	return func(e *Engine) {
		if w >= 0 && w <= 1 {
			e.keywordWeight = w
		}
	}
}

// WithMaxTopK caps the number of passages a single search can return.
func WithMaxTopK(n int) EngineOption {
	return func(e *Engine) { e.maxTopK = n }
}

// WithKeywordOptions sets the options passed to every keyword query.
func WithKeywordOptions(o *keyword.SearchOptions) EngineOption {
	return func(e *Engine) { e.keywordOptions = o }
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = utils.OrNop(l) }
}

// NewEngine creates an Engine. kw may be nil, in which case only semantic search works.
func NewEngine(r *Retriever, kw KeywordSearcher, opts ...EngineOption) *Engine {
	e := &Engine{
		retriever:      r,
		keyword:        kw,
		maxTopK:        50,
		keywordWeight:  0.3,
		keywordOptions: &keyword.SearchOptions{PhraseBoost: 1.5},
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var errNoKeywordIndex = fmt.Errorf("%w: keyword index not configured", models.ErrInvalidRequest)

// Search validates q and runs it in the requested mode.
func (e *Engine) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	if err := q.Validate(e.retriever.DefaultTopK(), e.maxTopK); err != nil {
		return nil, err
	}

	var (
		passages []models.Passage
		err      error
	)
	switch q.Mode {
	case models.SearchKeyword:
		passages, err = e.searchKeyword(ctx, q.Query, q.TopK)
	case models.SearchHybrid:
		passages, err = e.searchHybrid(ctx, q.Query, q.TopK)
	default:
		passages, err = e.retriever.Retrieve(ctx, q.Query, q.TopK)
	}
	if err != nil {
		return nil, err
	}

	resp := &models.SearchResponse{
		Query:    q.Query,
		Mode:     q.Mode,
		Passages: passages,
	}
	if len(passages) == 0 && q.Mode != models.SearchSemantic && e.suggester != nil {
		suggestion, err := e.suggester.SuggestQuery(q.Query)
		if err != nil {
			e.logger.Warn("query suggestion failed", zap.Error(err))
		}
		resp.Suggestion = suggestion
	}
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

func (e *Engine) searchKeyword(ctx context.Context, query string, topK int) ([]models.Passage, error) {
	if e.keyword == nil {
		return nil, errNoKeywordIndex
	}
	hits, err := e.keyword.Search(ctx, query, topK, e.keywordOptions)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	candidates := make([]models.Passage, len(hits))
	for i, h := range hits {
		candidates[i] = models.Passage{DocumentID: h.DocumentID, ChunkIndex: h.ChunkIndex, Text: h.Text, Score: h.Score}
	}
	return e.retriever.enrich(ctx, candidates)
}

// searchHybrid runs keyword and semantic search concurrently over a wider candidate set
// and fuses the scores per passage.
func (e *Engine) searchHybrid(ctx context.Context, query string, topK int) ([]models.Passage, error) {
	if e.keyword == nil {
		return nil, errNoKeywordIndex
	}
	candidates := topK * 2
	var (
		hits     []keyword.Hit
		semantic []models.Passage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hits, err = e.keyword.Search(gctx, query, candidates, e.keywordOptions)
		if err != nil {
			return fmt.Errorf("keyword search: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		semantic, err = e.retriever.Retrieve(gctx, query, candidates)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := Fuse(hits, semantic, e.keywordWeight, 1-e.keywordWeight)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	merged := make([]models.Passage, len(fused))
	for i, f := range fused {
		merged[i] = f.Passage
	}
	return e.retriever.enrich(ctx, merged)
}
