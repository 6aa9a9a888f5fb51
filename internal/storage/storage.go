// Package storage persists documents, chunk rows and the QA log.
package storage

import (
	"context"

	"github.com/hyperjump/chishiki/internal/models"
)

// Storage defines document, chunk and QA log persistence operations.
type Storage interface {
	// Document operations
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	GetDocumentsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Document, error)
	FindDocumentByChecksum(ctx context.Context, checksum string) (*models.Document, error)
	ListDocuments(ctx context.Context, filter models.DocumentFilter) ([]*models.Document, error)
	ListDocumentsByStatus(ctx context.Context, statuses ...models.DocumentStatus) ([]*models.Document, error)
	DeleteDocument(ctx context.Context, id int64) error

	// Lifecycle transitions
	MarkPending(ctx context.Context, id int64) error
	MarkProcessing(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, chunkCount int) error
	MarkFailed(ctx context.Context, id int64, message string) error
	ResetProcessing(ctx context.Context) (int64, error)

	// Chunk operations
	BatchCreateChunks(ctx context.Context, chunks []*models.DocumentChunk) error
	GetChunksByDocumentID(ctx context.Context, docID int64) ([]*models.DocumentChunk, error)
	DeleteChunksByDocumentID(ctx context.Context, docID int64) error

	// QA log
	CreateQALog(ctx context.Context, entry *models.QALog) error
	ListQALogs(ctx context.Context, limit int) ([]*models.QALog, error)

	// Stats
	CountDocuments(ctx context.Context) (int64, error)
	CountDocumentsByStatus(ctx context.Context) (map[models.DocumentStatus]int64, error)
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
