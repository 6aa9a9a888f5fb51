package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hyperjump/chishiki/internal/indexer"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/qa"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
)

const (
	chunkPreviewChars  = 200
	defaultLogLimit    = 50
	maxLogLimit        = 500
	multipartOverhead  = 1 << 20
	multipartMemoryMax = 32 << 20
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.config.Ingest.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemoryMax); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", maxSize))
			return
		}
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if int64(len(content)) > maxSize {
		s.respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", maxSize))
		return
	}
	if len(content) == 0 {
		s.respondError(w, http.StatusBadRequest, "file is empty")
		return
	}

	s.logger.Debug("upload request", zap.String("file", header.Filename), zap.Int("size", len(content)))
	doc, err := s.svc.Documents.CreateDocument(r.Context(), header.Filename, content)
	if err != nil {
		s.fail(w, "create document", err)
		return
	}
	if err := s.svc.Queue.Submit(indexer.Job{DocumentID: doc.ID}); err != nil {
		// Nothing will pick the row up before a restart, so drop it and let the client retry.
		if delErr := s.svc.Documents.Delete(r.Context(), doc.ID); delErr != nil {
			s.logger.Warn("rollback of unqueued document failed", zap.Int64("document_id", doc.ID), zap.Error(delErr))
		}
		s.fail(w, "queue document", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.DocumentFilter{Status: models.DocumentStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	var err error
	if filter.Skip, err = intParam(q.Get("skip"), 0); err != nil || filter.Skip < 0 {
		s.respondError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit"), 100); err != nil || filter.Limit < 1 || filter.Limit > 1000 {
		s.respondError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	docs, err := s.svc.Storage.ListDocuments(r.Context(), filter)
	if err != nil {
		s.fail(w, "list documents", err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"skip":      filter.Skip,
		"limit":     filter.Limit,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	doc, err := s.svc.Storage.GetDocument(r.Context(), id)
	if err != nil {
		s.fail(w, "get document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	s.logger.Debug("delete document request", zap.Int64("id", id))
	if err := s.svc.Documents.Delete(r.Context(), id); err != nil {
		s.fail(w, "delete document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "deleted"})
}

type chunkPreview struct {
	ChunkIndex  int    `json:"chunk_index"`
	Content     string `json:"content"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	if _, err := s.svc.Storage.GetDocument(r.Context(), id); err != nil {
		s.fail(w, "get document", err)
		return
	}
	chunks, err := s.svc.Storage.GetChunksByDocumentID(r.Context(), id)
	if err != nil {
		s.fail(w, "list chunks", err)
		return
	}
	out := make([]chunkPreview, len(chunks))
	for i, c := range chunks {
		out[i] = chunkPreview{
			ChunkIndex:  c.ChunkIndex,
			Content:     utils.Truncate(c.Content, chunkPreviewChars),
			StartOffset: c.StartOffset,
			EndOffset:   c.EndOffset,
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"document_id": id, "chunks": out})
}

func (s *Server) handleReingest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	prev, err := s.svc.Storage.GetDocument(ctx, id)
	if err != nil {
		s.fail(w, "reingest document", err)
		return
	}
	if err := s.svc.Storage.MarkPending(ctx, id); err != nil {
		s.fail(w, "reingest document", err)
		return
	}
	if err := s.svc.Queue.Submit(indexer.Job{DocumentID: id}); err != nil {
		s.restoreStatus(prev)
		s.fail(w, "queue document", err)
		return
	}
	doc, err := s.svc.Storage.GetDocument(ctx, id)
	if err != nil {
		s.fail(w, "get document", err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, doc)
}

// restoreStatus puts back the outcome of a document whose reingest job could not be queued.
func (s *Server) restoreStatus(prev *models.Document) {
	ctx := context.Background()
	var err error
	switch prev.Status {
	case models.StatusCompleted:
		err = s.svc.Storage.MarkCompleted(ctx, prev.ID, prev.ChunkCount)
	case models.StatusFailed:
		err = s.svc.Storage.MarkFailed(ctx, prev.ID, prev.ErrorMessage)
	}
	if err != nil {
		s.logger.Warn("rollback of unqueued reingest failed", zap.Int64("document_id", prev.ID), zap.Error(err))
	}
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req qa.AskRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Debug("ask request", zap.String("question", utils.Truncate(req.Question, 80)), zap.Int("top_k", req.TopK))
	answer, err := s.svc.QA.Ask(r.Context(), req)
	if err != nil {
		var askErr *qa.AskError
		if errors.As(err, &askErr) {
			status := statusFor(err)
			s.logger.Error("ask failed", zap.String("request_id", askErr.RequestID), zap.Error(err))
			s.respondJSON(w, status, map[string]string{"error": err.Error(), "request_id": askErr.RequestID})
			return
		}
		s.fail(w, "ask", err)
		return
	}
	s.respondJSON(w, http.StatusOK, answer)
}

func (s *Server) handleQALogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), defaultLogLimit)
	if err != nil || limit < 1 || limit > maxLogLimit {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLogLimit))
		return
	}
	logs, err := s.svc.Storage.ListQALogs(r.Context(), limit)
	if err != nil {
		s.fail(w, "list qa logs", err)
		return
	}
	if logs == nil {
		logs = []*models.QALog{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

type searchRequest struct {
	Query string            `json:"query" validate:"required,max=1000"`
	TopK  int               `json:"top_k" validate:"omitempty,min=1"`
	Mode  models.SearchMode `json:"mode" validate:"omitempty,oneof=semantic keyword hybrid"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Debug("search request", zap.String("query", req.Query), zap.Int("top_k", req.TopK), zap.String("mode", string(req.Mode)))
	resp, err := s.svc.Search.Search(r.Context(), &models.SearchQuery{Query: req.Query, TopK: req.TopK, Mode: req.Mode})
	if err != nil {
		s.fail(w, "search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docCount, err := s.svc.Storage.CountDocuments(ctx)
	if err != nil {
		s.fail(w, "status: count documents", err)
		return
	}
	byStatus, err := s.svc.Storage.CountDocumentsByStatus(ctx)
	if err != nil {
		s.fail(w, "status: count documents by status", err)
		return
	}
	chunkCount, err := s.svc.Storage.CountChunks(ctx)
	if err != nil {
		s.fail(w, "status: count chunks", err)
		return
	}
	resp := map[string]interface{}{
		"documents":           docCount,
		"documents_by_status": byStatus,
		"chunks":              chunkCount,
	}
	if s.svc.Index != nil {
		resp["vector_index_size"] = s.svc.Index.Count()
		resp["index_corruptions"] = s.svc.Index.Corruptions()
	}
	if s.svc.Queue != nil {
		resp["queue_pending"] = s.svc.Queue.Pending()
	}

	cfg := s.config
	resp["config"] = map[string]interface{}{
		"embedding_provider":   cfg.Embedding.Provider,
		"embedding_dimensions": cfg.Embedding.Dimensions,
		"vector_index_type":    cfg.Vector.IndexType,
		"chunk_size":           cfg.Chunking.Size,
		"chunk_overlap":        cfg.Chunking.Overlap,
		"top_k":                cfg.Retrieval.TopK,
		"similarity_threshold": cfg.Retrieval.SimilarityThreshold,
		"llm_provider":         cfg.LLM.Provider,
		"llm_model":            cfg.LLM.Model,
		"database_path":        cfg.Storage.DatabasePath,
		"index_dir":            cfg.Storage.IndexDir,
	}
	usage, err := storage.MeasureDiskUsage(storage.DataPaths{
		Database:     cfg.Storage.DatabasePath,
		VectorIndex:  cfg.Storage.IndexDir,
		KeywordIndex: cfg.Storage.KeywordIndexPath,
		Uploads:      cfg.Storage.UploadDir,
	})
	if err == nil {
		resp["disk_usage_bytes"] = usage.Total()
		resp["disk_usage"] = usage
	} else {
		s.logger.Warn("status: disk usage failed", zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into v and validates its struct tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			s.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "validation failed",
				"fields": fieldErrors(verrs),
			})
			return false
		}
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func fieldErrors(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out[jsonName(fe.Field())] = msg
	}
	return out
}

// jsonName maps a Go field name such as TopK to its snake_case JSON key.
func jsonName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

func (s *Server) documentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, "invalid document id")
		return 0, false
	}
	return id, true
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, models.ErrInvalidRequest), errors.Is(err, models.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDocumentBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrQueueFull), errors.Is(err, models.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrLanguageModelFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Debug(op+" rejected", zap.Int("status", status), zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
