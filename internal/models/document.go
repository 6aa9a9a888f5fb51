// Package models defines core data structures for documents, chunks, passages and QA logs.
package models

import "time"

// DocumentStatus is the ingestion lifecycle state of a document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// Valid reports whether s is one of the known states.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Document is an uploaded file and its ingestion state.
type Document struct {
	ID           int64          `json:"id" db:"id"`
	FileName     string         `json:"file_name" db:"file_name"`
	FileType     string         `json:"file_type" db:"file_type"`
	FileSize     int64          `json:"file_size" db:"file_size"`
	BlobKey      string         `json:"-" db:"blob_key"`
	Checksum     string         `json:"checksum" db:"checksum"`
	Status       DocumentStatus `json:"status" db:"status"`
	ChunkCount   int            `json:"chunk_count" db:"chunk_count"`
	ErrorMessage string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// DocumentChunk is one persisted chunk row. Offsets are rune offsets into the cleaned text.
type DocumentChunk struct {
	ID          int64     `json:"id" db:"id"`
	DocumentID  int64     `json:"document_id" db:"document_id"`
	ChunkIndex  int       `json:"chunk_index" db:"chunk_index"`
	Content     string    `json:"content" db:"content"`
	StartOffset int       `json:"start_offset" db:"start_offset"`
	EndOffset   int       `json:"end_offset" db:"end_offset"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// DocumentFilter selects documents for listing.
type DocumentFilter struct {
	Status DocumentStatus
	Skip   int
	Limit  int
}
