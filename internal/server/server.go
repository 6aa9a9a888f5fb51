// Package server provides the HTTP API for Chishiki.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/indexer"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/qa"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
)

// Documents creates and deletes documents.
type Documents interface {
	CreateDocument(ctx context.Context, fileName string, content []byte) (*models.Document, error)
	Delete(ctx context.Context, documentID int64) error
}

// JobQueue accepts ingestion jobs.
type JobQueue interface {
	Submit(job indexer.Job) error
	Pending() int64
}

// Searcher runs passage searches.
type Searcher interface {
	Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error)
}

// Asker answers questions.
type Asker interface {
	Ask(ctx context.Context, req qa.AskRequest) (*models.Answer, error)
}

// IndexStats reports the state of the vector index.
type IndexStats interface {
	Count() int
	Corruptions() int64
}

// Services are the components behind the API.
type Services struct {
	Storage   storage.Storage
	Documents Documents
	Queue     JobQueue
	Search    Searcher
	QA        Asker
	Index     IndexStats
}

// Server is the HTTP server for the Chishiki API.
type Server struct {
	svc      Services
	config   *config.Config
	validate *validator.Validate
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a server with the given services.
func NewServer(svc Services, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		svc:      svc,
		config:   cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   utils.OrNop(logger),
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	timeout := s.config.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Get("/", s.handleListDocuments)
			r.Get("/{id}", s.handleGetDocument)
			r.Delete("/{id}", s.handleDeleteDocument)
			r.Get("/{id}/chunks", s.handleListChunks)
			r.Post("/{id}/reingest", s.handleReingest)
		})
		r.Post("/qa/ask", s.handleAsk)
		r.Get("/qa/logs", s.handleQALogs)
		r.Post("/search", s.handleSearch)
		r.Get("/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
	})
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
