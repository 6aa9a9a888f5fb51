package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/chishiki/internal/blob"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/indexer"
	"github.com/hyperjump/chishiki/internal/keyword"
	"github.com/hyperjump/chishiki/internal/llm"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/qa"
	"github.com/hyperjump/chishiki/internal/search"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/vector"
	"go.uber.org/zap"
)

// dictionaryMaxAge bounds how stale the spelling dictionary may get while documents are ingested.
const dictionaryMaxAge = time.Minute

// Components holds initialized services.
type Components struct {
	Storage      *storage.SQLiteStorage
	Embedder     embedding.Embedder
	Vectors      *vector.Store
	KeywordIndex *keyword.BleveIndex
	Blobs        *blob.Store
	Parsers      *extract.Registry
	Builder      *indexer.Builder
	Retriever    *search.Retriever
	Engine       *search.Engine

	cfg    *config.Config
	logger *zap.Logger
}

// Close persists the vector index and releases every component.
func (c *Components) Close() {
	if c.Vectors != nil {
		if err := c.Vectors.Persist(); err != nil {
			c.logger.Warn("vector index persist failed", zap.Error(err))
		}
		_ = c.Vectors.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	embedder, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Embedder = embedder

	vectors, err := openVectorStore(cfg, embedder.Dimensions(), logger)
	if err != nil {
		return nil, err
	}
	c.Vectors = vectors

	keywordIndex, err := keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath, keyword.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	c.KeywordIndex = keywordIndex

	blobs, err := blob.NewStore(cfg.Storage.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upload store: %w", err)
	}
	c.Blobs = blobs

	chunker, err := indexer.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return nil, err
	}
	c.Parsers = extract.NewRegistry()
	c.Builder = indexer.NewBuilder(store, c.Parsers, chunker, embedder, vectors,
		indexer.WithKeywordIndex(keywordIndex),
		indexer.WithBlobStore(blobs),
		indexer.WithAllowedExtensions(cfg.Ingest.AllowedExtensions),
		indexer.WithLogger(logger),
	)

	c.Retriever = search.NewRetriever(embedder, vectors, store, cfg.Retrieval.TopK, search.WithLogger(logger))
	c.Engine = search.NewEngine(c.Retriever, keywordIndex,
		search.WithSuggester(keyword.NewSpellChecker(keywordIndex, keyword.WithMaxAge(dictionaryMaxAge))),
		search.WithKeywordWeight(cfg.Retrieval.KeywordWeight),
		search.WithKeywordOptions(&keyword.SearchOptions{PhraseBoost: 2, FuzzyEnabled: cfg.Retrieval.KeywordFuzzy}),
		search.WithMaxTopK(cfg.Retrieval.MaxTopK),
		search.WithEngineLogger(logger),
	)
	ok = true
	return c, nil
}

// openVectorStore opens the configured backend, falling back to the in-memory one when the
// configured backend is unavailable. A dimension mismatch with the persisted index is fatal.
func openVectorStore(cfg *config.Config, dims int, logger *zap.Logger) (*vector.Store, error) {
	indexType := cfg.Vector.IndexType
	vectors, err := vector.NewStore(cfg.Storage.IndexDir, indexType, dims, vector.WithLogger(logger))
	if err != nil && !errors.Is(err, models.ErrEmbeddingDimensionMismatch) && indexType != "memory" {
		logger.Warn("failed to create vector index, falling back to memory",
			zap.String("requested_type", indexType),
			zap.Error(err))
		indexType = "memory"
		vectors, err = vector.NewStore(cfg.Storage.IndexDir, indexType, dims, vector.WithLogger(logger))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	logger.Info("vector index initialized",
		zap.String("type", indexType),
		zap.Bool("faiss_available", vector.IsFAISSAvailable()),
		zap.Int("entries", vectors.Count()))
	return vectors, nil
}

// newQAService builds the chat model and the question answering service on top of c.
func (c *Components) newQAService(ctx context.Context) (*qa.Service, error) {
	model, err := llm.New(ctx, c.cfg.LLM, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm: %w", err)
	}
	return qa.NewService(c.Retriever, model, c.Storage,
		qa.WithThreshold(c.cfg.Retrieval.SimilarityThreshold),
		qa.WithGeneration(c.cfg.LLM.TemperatureOrDefault(), c.cfg.LLM.MaxTokens),
		qa.WithPromptBuilder(qa.NewPromptBuilder(c.cfg.Retrieval.MaxContextChars)),
		qa.WithLogger(c.logger),
	), nil
}
