package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
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
)

type failingModel struct{}

func (failingModel) Name() string { return "failing" }

func (failingModel) Chat(context.Context, []llm.Message, llm.Options) (*llm.Completion, error) {
	return nil, &llm.StatusError{Provider: "failing", Code: http.StatusServiceUnavailable, Body: "overloaded"}
}

type harness struct {
	handler http.Handler
	store   *storage.SQLiteStorage
	vectors *vector.Store
	queue   *indexer.Queue
}

func newHarness(t *testing.T, model llm.ChatModel) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Embedding.Dimensions = 32
	cfg.Ingest.MaxFileSize = 1024
	cfg.Storage = config.StorageConfig{
		DataDir:          dir,
		DatabasePath:     filepath.Join(dir, "db.sqlite"),
		IndexDir:         filepath.Join(dir, "index"),
		KeywordIndexPath: filepath.Join(dir, "keyword.bleve"),
		UploadDir:        filepath.Join(dir, "uploads"),
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	vectors, err := vector.NewStore(cfg.Storage.IndexDir, "memory", 32)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = vectors.Close() })
	kw, err := keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })
	blobs, err := blob.NewStore(cfg.Storage.UploadDir)
	if err != nil {
		t.Fatal(err)
	}
	chunker, err := indexer.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		t.Fatal(err)
	}
	embedder := embedding.NewHashEmbedder(32)

	builder := indexer.NewBuilder(store, extract.NewRegistry(), chunker, embedder, vectors,
		indexer.WithKeywordIndex(kw), indexer.WithBlobStore(blobs))
	queue := indexer.NewQueue(builder, 2, 8)
	queue.Start(context.Background())
	t.Cleanup(func() { _ = queue.Shutdown(context.Background()) })

	retriever := search.NewRetriever(embedder, vectors, store, cfg.Retrieval.TopK)
	engine := search.NewEngine(retriever, kw, search.WithSuggester(keyword.NewSpellChecker(kw)))
	service := qa.NewService(retriever, model, store, qa.WithThreshold(0.2))

	srv := NewServer(Services{
		Storage:   store,
		Documents: builder,
		Queue:     queue,
		Search:    engine,
		QA:        service,
		Index:     vectors,
	}, cfg, nil)
	return &harness{handler: srv.Handler(), store: store, vectors: vectors, queue: queue}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func (h *harness) upload(t *testing.T, name string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

// ingest uploads a document and waits until its ingestion finishes.
func (h *harness) ingest(t *testing.T, name, content string) *models.Document {
	t.Helper()
	w := h.upload(t, name, []byte(content))
	if w.Code != http.StatusCreated {
		t.Fatalf("upload %s: %d %s", name, w.Code, w.Body.String())
	}
	var doc models.Document
	decode(t, w, &doc)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.store.GetDocument(context.Background(), doc.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == models.StatusCompleted || got.Status == models.StatusFailed {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document %d not ingested in time", doc.ID)
	return nil
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestUpload_IngestsInBackground(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	doc := h.ingest(t, "refunds.txt", "Refunds are processed within five business days.")
	if doc.Status != models.StatusCompleted || doc.ChunkCount != 1 {
		t.Errorf("doc = %+v", doc)
	}
	if doc.FileType != "txt" || doc.Checksum == "" {
		t.Errorf("file metadata missing: %+v", doc)
	}
}

func TestUpload_Rejections(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	tests := []struct {
		name    string
		file    string
		content []byte
		want    int
	}{
		{"unsupported extension", "photo.png", []byte("png"), http.StatusUnsupportedMediaType},
		{"too large", "big.txt", bytes.Repeat([]byte("a"), 1100), http.StatusRequestEntityTooLarge},
		{"empty", "empty.txt", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := h.upload(t, tt.file, tt.content); w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload", strings.NewReader("not multipart"))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-multipart upload: %d", w.Code)
	}
}

func TestDocuments_ListGetDelete(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	a := h.ingest(t, "a.txt", "alpha document")
	b := h.ingest(t, "b.md", "# beta\n\nbeta document")

	w := h.do(t, http.MethodGet, "/api/v1/documents?status=completed&limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	var list struct {
		Documents []models.Document `json:"documents"`
	}
	decode(t, w, &list)
	if len(list.Documents) != 2 {
		t.Errorf("listed %d documents, want 2", len(list.Documents))
	}

	for path, want := range map[string]int{
		"/api/v1/documents?status=bogus": http.StatusBadRequest,
		"/api/v1/documents?limit=0":      http.StatusBadRequest,
		"/api/v1/documents?skip=-1":      http.StatusBadRequest,
		"/api/v1/documents/abc":          http.StatusBadRequest,
		"/api/v1/documents/9999":         http.StatusNotFound,
		fmt.Sprintf("/api/v1/documents/%d", a.ID): http.StatusOK,
	} {
		if w := h.do(t, http.MethodGet, path, nil); w.Code != want {
			t.Errorf("GET %s = %d, want %d", path, w.Code, want)
		}
	}

	if w := h.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/documents/%d", b.ID), nil); w.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", w.Code, w.Body.String())
	}
	if h.vectors.CountByDocument(b.ID) != 0 {
		t.Error("vectors of deleted document remain")
	}
	if w := h.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/documents/%d", b.ID), nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
}

func TestDocuments_ChunksTruncated(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	doc := h.ingest(t, "long.txt", strings.Repeat("word ", 80))

	w := h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/documents/%d/chunks", doc.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("chunks: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Chunks []chunkPreview `json:"chunks"`
	}
	decode(t, w, &out)
	if len(out.Chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(out.Chunks))
	}
	if n := len([]rune(out.Chunks[0].Content)); n > chunkPreviewChars+3 {
		t.Errorf("preview has %d characters", n)
	}
	if w := h.do(t, http.MethodGet, "/api/v1/documents/9999/chunks", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing document chunks = %d", w.Code)
	}
}

func TestDocuments_Reingest(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	doc := h.ingest(t, "a.txt", "alpha document")

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/documents/%d/reingest", doc.ID), nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("reingest: %d %s", w.Code, w.Body.String())
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.queue.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := h.store.GetDocument(context.Background(), doc.ID)
	if got.Status != models.StatusCompleted || h.vectors.CountByDocument(doc.ID) != 1 {
		t.Errorf("after reingest: status %s, vectors %d", got.Status, h.vectors.CountByDocument(doc.ID))
	}

	if err := h.store.MarkProcessing(context.Background(), doc.ID); err != nil {
		t.Fatal(err)
	}
	if w := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/documents/%d/reingest", doc.ID), nil); w.Code != http.StatusConflict {
		t.Errorf("reingest while processing = %d, want 409", w.Code)
	}
	if w := h.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/documents/%d", doc.ID), nil); w.Code != http.StatusConflict {
		t.Errorf("delete while processing = %d, want 409", w.Code)
	}
}

func TestDocuments_ReingestQueueClosedRestoresStatus(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	doc := h.ingest(t, "a.txt", "alpha document")
	if err := h.queue.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/documents/%d/reingest", doc.ID), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("reingest with closed queue = %d, want 503", w.Code)
	}
	got, err := h.store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCompleted || got.ChunkCount != doc.ChunkCount {
		t.Errorf("after failed reingest: status %s, chunks %d; want completed, %d", got.Status, got.ChunkCount, doc.ChunkCount)
	}
}

func TestAsk_GroundedAndLogged(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	h.ingest(t, "refunds.txt", "Refunds are processed within five business days.")

	w := h.do(t, http.MethodPost, "/api/v1/qa/ask", map[string]interface{}{
		"question": "Refunds are processed within five business days.",
		"top_k":    3,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ask: %d %s", w.Code, w.Body.String())
	}
	var answer models.Answer
	decode(t, w, &answer)
	if answer.Mode != models.ModeGrounded || len(answer.Sources) != 1 || answer.Sources[0].DocumentName != "refunds.txt" {
		t.Errorf("answer = %+v", answer)
	}

	w = h.do(t, http.MethodGet, "/api/v1/qa/logs?limit=5", nil)
	var logs struct {
		Logs []models.QALog `json:"logs"`
	}
	decode(t, w, &logs)
	if len(logs.Logs) != 1 || logs.Logs[0].RequestID != answer.RequestID {
		t.Errorf("logs = %+v", logs.Logs)
	}
	if w := h.do(t, http.MethodGet, "/api/v1/qa/logs?limit=0", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", w.Code)
	}
}

func TestAsk_Validation(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	for name, body := range map[string]interface{}{
		"missing question": map[string]interface{}{"top_k": 3},
		"blank question":   map[string]interface{}{"question": "   "},
		"top_k too large":  map[string]interface{}{"question": "hi", "top_k": 500},
		"question too long": map[string]interface{}{"question": strings.Repeat("x", 4001)},
	} {
		if w := h.do(t, http.MethodPost, "/api/v1/qa/ask", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400 (%s)", name, w.Code, w.Body.String())
		}
	}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/qa/ask", strings.NewReader("{"))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed json = %d", w.Code)
	}
}

func TestAsk_ModelFailureIsBadGateway(t *testing.T) {
	h := newHarness(t, failingModel{})
	w := h.do(t, http.MethodPost, "/api/v1/qa/ask", map[string]string{"question": "anything"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (%s)", w.Code, w.Body.String())
	}
	var out map[string]string
	decode(t, w, &out)
	if out["request_id"] == "" {
		t.Error("request_id missing from error response")
	}
	logs, err := h.store.ListQALogs(context.Background(), 5)
	if err != nil || len(logs) != 1 || logs[0].ErrorMessage == nil {
		t.Errorf("failure should be logged, got %+v (%v)", logs, err)
	}
}

func TestSearch_Modes(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	doc := h.ingest(t, "shipping.txt", "Orders ship within two days of payment.")

	for _, mode := range []string{"", "semantic", "keyword", "hybrid"} {
		w := h.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "orders ship", "mode": mode})
		if w.Code != http.StatusOK {
			t.Fatalf("mode %q: %d %s", mode, w.Code, w.Body.String())
		}
		var resp models.SearchResponse
		decode(t, w, &resp)
		if len(resp.Passages) == 0 || resp.Passages[0].DocumentID != doc.ID {
			t.Errorf("mode %q: passages = %+v", mode, resp.Passages)
		}
	}

	w := h.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "ordres", "mode": "keyword"})
	var resp models.SearchResponse
	decode(t, w, &resp)
	if len(resp.Passages) != 0 || resp.Suggestion != "orders" {
		t.Errorf("want suggestion for misspelled query, got %+v", resp)
	}

	for name, body := range map[string]interface{}{
		"empty query":  map[string]interface{}{"query": ""},
		"unknown mode": map[string]interface{}{"query": "x", "mode": "fuzzy"},
	} {
		if w := h.do(t, http.MethodPost, "/api/v1/search", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", name, w.Code)
		}
	}
}

func TestStatusAndHealth(t *testing.T) {
	h := newHarness(t, llm.Echo{})
	h.ingest(t, "a.txt", "hello world")

	w := h.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Documents        int64              `json:"documents"`
		DocumentsByState map[string]int64   `json:"documents_by_status"`
		Chunks           int64              `json:"chunks"`
		VectorIndexSize  int                `json:"vector_index_size"`
		Corruptions      int64              `json:"index_corruptions"`
		DiskUsageBytes   *int64             `json:"disk_usage_bytes"`
		DiskUsage        *storage.DiskUsage `json:"disk_usage"`
		Config           map[string]any     `json:"config"`
	}
	decode(t, w, &out)
	if out.Documents != 1 || out.Chunks != 1 || out.VectorIndexSize != 1 || out.DocumentsByState["completed"] != 1 {
		t.Errorf("status = %+v", out)
	}
	if out.DiskUsageBytes == nil || *out.DiskUsageBytes < 1 {
		t.Error("disk_usage_bytes should be reported")
	}
	if out.DiskUsage == nil || out.DiskUsage.Database < 1 || out.DiskUsage.Uploads < 1 {
		t.Errorf("disk_usage breakdown = %+v", out.DiskUsage)
	}
	if out.Config["llm_provider"] != "deepseek" {
		t.Errorf("config summary = %v", out.Config)
	}

	for _, path := range []string{"/health", "/api/v1/health"} {
		if w := h.do(t, http.MethodGet, path, nil); w.Code != http.StatusOK {
			t.Errorf("%s = %d", path, w.Code)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", models.ErrDocumentNotFound), http.StatusNotFound},
		{models.ErrUnsupportedFormat, http.StatusUnsupportedMediaType},
		{models.ErrInvalidRequest, http.StatusBadRequest},
		{models.ErrEmptyQuestion, http.StatusBadRequest},
		{models.ErrDocumentBusy, http.StatusConflict},
		{models.ErrQueueFull, http.StatusServiceUnavailable},
		{&qa.AskError{RequestID: "r", Err: models.ErrLanguageModelFailure}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestJSONName(t *testing.T) {
	for in, want := range map[string]string{"TopK": "top_k", "Question": "question", "Mode": "mode"} {
		if got := jsonName(in); got != want {
			t.Errorf("jsonName(%q) = %q, want %q", in, got, want)
		}
	}
}
