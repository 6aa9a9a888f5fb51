package models

import "errors"

// Pipeline error taxonomy. Callers match with errors.Is.
var (
	ErrUnsupportedFormat          = errors.New("unsupported format")
	ErrParseFailure               = errors.New("parse failure")
	ErrModelUnavailable           = errors.New("model unavailable")
	ErrIndexCorrupt               = errors.New("vector index corrupt")
	ErrIdentifierCoercion         = errors.New("document id is not an integer")
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrLanguageModelFailure       = errors.New("language model failure")

	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentBusy     = errors.New("document is already being processed")
	ErrQueueFull        = errors.New("ingestion queue full")
	ErrQueueClosed      = errors.New("ingestion queue closed")
	ErrEmptyQuestion    = errors.New("question cannot be empty")
	ErrInvalidRequest   = errors.New("invalid request")
)
