package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/chishiki/internal/models"
)

const defaultListLimit = 100

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_size INTEGER NOT NULL DEFAULT 0,
		blob_key TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		chunk_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_documents_checksum ON documents(checksum);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		start_offset INTEGER NOT NULL DEFAULT 0,
		end_offset INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (document_id, chunk_index),
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON document_chunks(document_id);

	CREATE TABLE IF NOT EXISTS qa_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT,
		sources TEXT NOT NULL DEFAULT '[]',
		answer_source TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_qa_logs_created_at ON qa_logs(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

const documentColumns = `id, file_name, file_type, file_size, blob_key, checksum, status, chunk_count, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var status string
	if err := row.Scan(&doc.ID, &doc.FileName, &doc.FileType, &doc.FileSize, &doc.BlobKey, &doc.Checksum,
		&status, &doc.ChunkCount, &doc.ErrorMessage, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Status = models.DocumentStatus(status)
	return &doc, nil
}

func scanDocuments(rows *sql.Rows) ([]*models.Document, error) {
	defer rows.Close()
	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CreateDocument inserts a document and sets its ID and timestamps. An empty status becomes pending.
func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (file_name, file_type, file_size, blob_key, checksum, status, chunk_count, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.FileName, doc.FileType, doc.FileSize, doc.BlobKey, doc.Checksum, string(doc.Status),
		doc.ChunkCount, doc.ErrorMessage, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}
	doc.ID = id
	return nil
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocumentsByIDs returns the documents that exist among ids, keyed by ID, in one query.
func (s *SQLiteStorage) GetDocumentsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Document, error) {
	out := make(map[int64]*models.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

// FindDocumentByChecksum returns the most recent document with checksum, or ErrDocumentNotFound.
func (s *SQLiteStorage) FindDocumentByChecksum(ctx context.Context, checksum string) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE checksum = ? ORDER BY id DESC LIMIT 1`, checksum))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checksum %s", models.ErrDocumentNotFound, checksum)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocuments returns documents newest first, optionally filtered by status.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, filter models.DocumentFilter) ([]*models.Document, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := filter.Skip
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanDocuments(rows)
}

// ListDocumentsByStatus returns every document in one of statuses, oldest first.
func (s *SQLiteStorage) ListDocumentsByStatus(ctx context.Context, statuses ...models.DocumentStatus) ([]*models.Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE status IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	return scanDocuments(rows)
}

// DeleteDocument removes a document by ID. Its chunk rows are removed by the foreign key cascade.
// A document in processing is not removed and ErrDocumentBusy is returned.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, id int64) error {
	return s.transition(ctx, id, `DELETE FROM documents WHERE id = ? AND status != 'processing'`, id)
}

// MarkPending puts a document back in the queue state and clears its previous outcome.
func (s *SQLiteStorage) MarkPending(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`UPDATE documents SET status = 'pending', error_message = '', updated_at = ? WHERE id = ? AND status != 'processing'`,
		time.Now().UTC(), id)
}

// MarkProcessing moves a document to processing. It fails with ErrDocumentBusy when another
// worker already holds it.
func (s *SQLiteStorage) MarkProcessing(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`UPDATE documents SET status = 'processing', error_message = '', updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'failed', 'completed')`,
		time.Now().UTC(), id)
}

// MarkCompleted records a successful ingestion.
func (s *SQLiteStorage) MarkCompleted(ctx context.Context, id int64, chunkCount int) error {
	return s.transition(ctx, id,
		`UPDATE documents SET status = 'completed', chunk_count = ?, error_message = '', updated_at = ? WHERE id = ?`,
		chunkCount, time.Now().UTC(), id)
}

// MarkFailed records a failed ingestion with a human-readable message.
func (s *SQLiteStorage) MarkFailed(ctx context.Context, id int64, message string) error {
	return s.transition(ctx, id,
		`UPDATE documents SET status = 'failed', chunk_count = 0, error_message = ?, updated_at = ? WHERE id = ?`,
		message, time.Now().UTC(), id)
}

// ResetProcessing returns documents stuck in processing (after a crash) to pending.
func (s *SQLiteStorage) ResetProcessing(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = 'pending', updated_at = ? WHERE status = 'processing'`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStorage) transition(ctx context.Context, id int64, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update document %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetDocument(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %d", models.ErrDocumentBusy, id)
}

// BatchCreateChunks inserts multiple chunks in a transaction.
func (s *SQLiteStorage) BatchCreateChunks(ctx context.Context, chunks []*models.DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_chunks (document_id, chunk_index, content, start_offset, end_offset, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, chunk := range chunks {
		chunk.CreatedAt = now
		result, err := stmt.ExecContext(ctx, chunk.DocumentID, chunk.ChunkIndex, chunk.Content, chunk.StartOffset, chunk.EndOffset, chunk.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert chunk %d of document %d: %w", chunk.ChunkIndex, chunk.DocumentID, err)
		}
		if id, err := result.LastInsertId(); err == nil {
			chunk.ID = id
		}
	}
	return tx.Commit()
}

// GetChunksByDocumentID returns all chunks for a document ordered by chunk_index.
func (s *SQLiteStorage) GetChunksByDocumentID(ctx context.Context, docID int64) ([]*models.DocumentChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, chunk_index, content, start_offset, end_offset, created_at
		 FROM document_chunks WHERE document_id = ? ORDER BY chunk_index`,
		docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.DocumentChunk
	for rows.Next() {
		var chunk models.DocumentChunk
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Content,
			&chunk.StartOffset, &chunk.EndOffset, &chunk.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

// DeleteChunksByDocumentID removes all chunks for a document.
func (s *SQLiteStorage) DeleteChunksByDocumentID(ctx context.Context, docID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, docID)
	return err
}

// CreateQALog appends a QA log row and sets its ID and CreatedAt.
func (s *SQLiteStorage) CreateQALog(ctx context.Context, entry *models.QALog) error {
	sources := entry.Sources
	if sources == nil {
		sources = []models.Source{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	entry.CreatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO qa_logs (request_id, question, answer, sources, answer_source, prompt_tokens, completion_tokens, total_tokens, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Question, nullString(entry.Answer), string(sourcesJSON), entry.AnswerSource,
		entry.Usage.PromptTokens, entry.Usage.CompletionTokens, entry.Usage.TotalTokens,
		nullString(entry.ErrorMessage), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert qa log: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListQALogs returns the most recent QA log rows, newest first.
func (s *SQLiteStorage) ListQALogs(ctx context.Context, limit int) ([]*models.QALog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, question, answer, sources, answer_source, prompt_tokens, completion_tokens, total_tokens, error_message, created_at
		 FROM qa_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.QALog
	for rows.Next() {
		var entry models.QALog
		var answer, errMsg sql.NullString
		var sourcesJSON string
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.Question, &answer, &sourcesJSON, &entry.AnswerSource,
			&entry.Usage.PromptTokens, &entry.Usage.CompletionTokens, &entry.Usage.TotalTokens, &errMsg, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if answer.Valid {
			entry.Answer = &answer.String
		}
		if errMsg.Valid {
			entry.ErrorMessage = &errMsg.String
		}
		if err := json.Unmarshal([]byte(sourcesJSON), &entry.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// CountDocuments returns the total number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountDocumentsByStatus returns document counts per status.
func (s *SQLiteStorage) CountDocumentsByStatus(ctx context.Context) (map[models.DocumentStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[models.DocumentStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.DocumentStatus(status)] = n
	}
	return out, rows.Err()
}

// CountChunks returns the total number of chunks.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
