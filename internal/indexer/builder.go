package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/fileid"
	"github.com/hyperjump/chishiki/internal/keyword"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/vector"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
)

// VectorIndex is the part of the vector store the builder writes to.
type VectorIndex interface {
	Add(ctx context.Context, items []vector.Item) ([]int64, error)
	DeleteByDocument(ctx context.Context, documentID int64) (int, error)
}

// Parser turns raw file content into plain text.
type Parser interface {
	Parse(content []byte, formatTag string) (string, error)
	Supports(formatTag string) bool
}

// BlobStore keeps the original uploaded bytes.
type BlobStore interface {
	Put(data []byte, ext string) (string, error)
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// Builder ingests documents into chunk rows, the vector store and the keyword index.
type Builder struct {
	storage  storage.Storage
	parser   Parser
	chunker  *Chunker
	embedder embedding.Embedder
	vectors  VectorIndex
	keywords keyword.PassageIndex
	blobs    BlobStore
	allowed  []string
	logger   *zap.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithKeywordIndex mirrors every chunk into a keyword passage index.
func WithKeywordIndex(idx keyword.PassageIndex) BuilderOption {
	return func(b *Builder) { b.keywords = idx }
}

// WithBlobStore sets where original file bytes are kept for re-ingestion.
func WithBlobStore(s BlobStore) BuilderOption {
	return func(b *Builder) { b.blobs = s }
}

// WithAllowedExtensions restricts CreateDocument and IngestFile to the given extensions.
// An empty list allows every extension the parser supports.
func WithAllowedExtensions(exts []string) BuilderOption {
	return func(b *Builder) { b.allowed = exts }
}

// WithLogger sets a logger for ingestion events.
func WithLogger(l *zap.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder creates a builder with the required collaborators.
func NewBuilder(st storage.Storage, parser Parser, chunker *Chunker, embedder embedding.Embedder, vectors VectorIndex, opts ...BuilderOption) *Builder {
	b := &Builder{
		storage:  st,
		parser:   parser,
		chunker:  chunker,
		embedder: embedder,
		vectors:  vectors,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = utils.OrNop(b.logger)
	return b
}

// Ingest parses, chunks, embeds and indexes content for an existing document. Previous chunk rows,
// vector entries and keyword passages of the document are removed first so a re-ingest replaces
// them. On failure the document is marked failed with the error message.
func (b *Builder) Ingest(ctx context.Context, documentID int64, content []byte, formatTag string) error {
	if err := b.storage.MarkProcessing(ctx, documentID); err != nil {
		return err
	}
	n, err := b.ingest(ctx, documentID, content, formatTag)
	if err != nil {
		b.logger.Warn("ingestion failed", zap.Int64("document_id", documentID), zap.Error(err))
		if markErr := b.storage.MarkFailed(context.WithoutCancel(ctx), documentID, err.Error()); markErr != nil {
			b.logger.Error("mark document failed", zap.Int64("document_id", documentID), zap.Error(markErr))
		}
		return err
	}
	if err := b.storage.MarkCompleted(context.WithoutCancel(ctx), documentID, n); err != nil {
		return err
	}
	b.logger.Info("document ingested", zap.Int64("document_id", documentID), zap.Int("chunks", n))
	return nil
}

func (b *Builder) ingest(ctx context.Context, documentID int64, content []byte, formatTag string) (int, error) {
	if err := b.clear(ctx, documentID); err != nil {
		return 0, err
	}

	text, err := b.parser.Parse(content, formatTag)
	if err != nil {
		return 0, err
	}
	chunks := b.chunker.Chunk(text)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%w: no text extracted", models.ErrParseFailure)
	}

	rows := make([]*models.DocumentChunk, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		rows[i] = &models.DocumentChunk{
			DocumentID:  documentID,
			ChunkIndex:  c.Index,
			Content:     c.Text,
			StartOffset: c.StartOffset,
			EndOffset:   c.EndOffset,
		}
		texts[i] = c.Text
	}
	if err := b.storage.BatchCreateChunks(ctx, rows); err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}

	vectors, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	items := make([]vector.Item, len(chunks))
	for i, c := range chunks {
		items[i] = vector.Item{DocumentID: documentID, ChunkIndex: c.Index, Text: c.Text, Vector: vectors[i]}
	}
	if _, err := b.vectors.Add(ctx, items); err != nil {
		return 0, fmt.Errorf("index vectors: %w", err)
	}

	if b.keywords != nil {
		passages := make([]keyword.Passage, len(chunks))
		for i, c := range chunks {
			passages[i] = keyword.Passage{ChunkIndex: c.Index, Text: c.Text}
		}
		if err := b.keywords.IndexPassages(ctx, documentID, passages); err != nil {
			b.logger.Warn("keyword indexing failed", zap.Int64("document_id", documentID), zap.Error(err))
		}
	}
	return len(chunks), nil
}

// clear removes everything derived from a document, leaving the document row and blob.
func (b *Builder) clear(ctx context.Context, documentID int64) error {
	removed, err := b.vectors.DeleteByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if b.keywords != nil {
		if _, err := b.keywords.DeleteDocument(ctx, documentID); err != nil {
			b.logger.Warn("keyword cleanup failed", zap.Int64("document_id", documentID), zap.Error(err))
		}
	}
	if err := b.storage.DeleteChunksByDocumentID(ctx, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if removed > 0 {
		b.logger.Debug("previous vectors removed", zap.Int64("document_id", documentID), zap.Int("count", removed))
	}
	return nil
}

// CreateDocument stores content as a blob and creates a pending document row for it.
func (b *Builder) CreateDocument(ctx context.Context, fileName string, content []byte) (*models.Document, error) {
	tag := extract.TagForFile(fileName)
	if !b.Accepts(fileName) {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, filepath.Ext(fileName))
	}
	if b.blobs == nil {
		return nil, errors.New("no blob store configured")
	}
	key, err := b.blobs.Put(content, "."+tag)
	if err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}
	doc := &models.Document{
		FileName: filepath.Base(fileName),
		FileType: tag,
		FileSize: int64(len(content)),
		BlobKey:  key,
		Checksum: fileid.Checksum(content),
		Status:   models.StatusPending,
	}
	if err := b.storage.CreateDocument(ctx, doc); err != nil {
		_ = b.blobs.Delete(key)
		return nil, err
	}
	b.logger.Debug("document created", zap.Int64("document_id", doc.ID), zap.String("file", doc.FileName))
	return doc, nil
}

// Accepts reports whether a file name has an allowed extension the parser can handle.
func (b *Builder) Accepts(fileName string) bool {
	tag := extract.TagForFile(fileName)
	if tag == "" || !b.parser.Supports(tag) {
		return false
	}
	return len(b.allowed) == 0 || extensionAllowed(tag, b.allowed)
}

// IngestStored ingests a document from its stored blob.
func (b *Builder) IngestStored(ctx context.Context, documentID int64) error {
	doc, err := b.storage.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if b.blobs == nil {
		return errors.New("no blob store configured")
	}
	content, err := b.blobs.Get(doc.BlobKey)
	if err != nil {
		if markErr := b.storage.MarkFailed(context.WithoutCancel(ctx), documentID, err.Error()); markErr != nil {
			b.logger.Error("mark document failed", zap.Int64("document_id", documentID), zap.Error(markErr))
		}
		return fmt.Errorf("load blob: %w", err)
	}
	return b.Ingest(ctx, documentID, content, doc.FileType)
}

// IngestFile creates a document from a file on disk and ingests it synchronously. Files whose
// checksum matches a document that is completed or still queued are skipped; a matching failed
// document is ingested again. It returns the document and whether the file was skipped.
func (b *Builder) IngestFile(ctx context.Context, path string) (*models.Document, bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, false, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, false, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, false, fmt.Errorf("not a regular file: %s", absPath)
	}
	if !b.Accepts(absPath) {
		return nil, false, fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, filepath.Ext(absPath))
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, false, fmt.Errorf("read file: %w", err)
	}

	existing, err := b.storage.FindDocumentByChecksum(ctx, fileid.Checksum(content))
	switch {
	case err == nil && existing.Status == models.StatusFailed:
		b.logger.Debug("retrying failed document", zap.String("path", absPath), zap.Int64("document_id", existing.ID))
		if err := b.Ingest(ctx, existing.ID, content, existing.FileType); err != nil {
			return existing, false, err
		}
		return b.reload(ctx, existing.ID)
	case err == nil:
		b.logger.Debug("skipping unchanged file", zap.String("path", absPath), zap.Int64("document_id", existing.ID))
		return existing, true, nil
	case !errors.Is(err, models.ErrDocumentNotFound):
		return nil, false, err
	}

	doc, err := b.CreateDocument(ctx, absPath, content)
	if err != nil {
		return nil, false, err
	}
	if err := b.Ingest(ctx, doc.ID, content, doc.FileType); err != nil {
		return doc, false, err
	}
	return b.reload(ctx, doc.ID)
}

func (b *Builder) reload(ctx context.Context, id int64) (*models.Document, bool, error) {
	doc, err := b.storage.GetDocument(ctx, id)
	return doc, false, err
}

// IngestDirectory walks dir and ingests every accepted regular file. It returns the number of
// files ingested (skipped files are not counted) and stops at the first error.
func (b *Builder) IngestDirectory(ctx context.Context, dir string, recursive bool) (int, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	n := 0
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != absDir && (!recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !b.Accepts(path) {
			return nil
		}
		// Resolve symlinks so only regular files are ingested
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		_, skipped, ingestErr := b.IngestFile(ctx, path)
		if ingestErr != nil {
			return fmt.Errorf("%s: %w", path, ingestErr)
		}
		if !skipped {
			n++
		}
		return nil
	})
	return n, err
}

// Delete removes a document and everything derived from it. A document being processed cannot
// be deleted.
func (b *Builder) Delete(ctx context.Context, documentID int64) error {
	doc, err := b.storage.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	// The row goes first so a worker can no longer claim the document; its derived data follows.
	if err := b.storage.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := b.clear(ctx, documentID); err != nil {
		return err
	}
	if b.blobs != nil && doc.BlobKey != "" {
		if err := b.blobs.Delete(doc.BlobKey); err != nil {
			b.logger.Warn("blob cleanup failed", zap.Int64("document_id", documentID), zap.Error(err))
		}
	}
	b.logger.Info("document deleted", zap.Int64("document_id", documentID))
	return nil
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
