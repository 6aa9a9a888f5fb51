// Package main is the Chishiki CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/chishiki/internal/cli"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/indexer"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/qa"
	"github.com/hyperjump/chishiki/internal/server"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/watcher"
	"github.com/hyperjump/chishiki/pkg/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/chishiki/config.yaml"
	defaultServerURL  = "http://localhost:8080"
	shutdownTimeout   = 30 * time.Second
)

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory takes precedence, and a missing default file yields the built-in defaults.
// Returns the config and the path that was actually loaded ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg, err := config.Default()
			if err != nil {
				return nil, "", err
			}
			return cfg, "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newCLILogger returns the service logger for one-shot commands. Outside debug mode only
// warnings and errors are printed.
func newCLILogger(cfg *config.Config) *zap.Logger {
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "ask":
		runAsk()
	case "search":
		runSearch()
	case "list":
		runList()
	case "delete":
		runDelete()
	case "status":
		runStatus()
	case "init-config":
		runInitConfig()
	case "version", "--version", "-v":
		fmt.Printf("chishiki version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	ctx, stop := signalContext()
	defer stop()

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	qaService, err := components.newQAService(ctx)
	if err != nil {
		logger.Fatal("Failed to initialize QA service", zap.Error(err))
	}

	queue := indexer.NewQueue(components.Builder, cfg.Ingest.Workers, cfg.Ingest.QueueSize, indexer.WithQueueLogger(logger))
	queue.Start(ctx)
	go func() {
		n, err := queue.Recover(ctx, components.Storage)
		if err != nil {
			logger.Warn("recovering unfinished documents failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("requeued unfinished documents", zap.Int("count", n))
		}
	}()

	reconciler := indexer.NewReconciler(components.Storage, components.Vectors, cfg.Reconcile.Schedule,
		indexer.WithReconcilerLogger(logger))
	if err := reconciler.Start(); err != nil {
		logger.Fatal("Failed to schedule reconciler", zap.Error(err))
	}

	var watchSvc *watcher.Watcher
	if len(cfg.Watch.Directories) > 0 {
		watchSvc = watcher.New(cfg.Watch.Directories, cfg.Watch.RecursiveOrDefault(), components.Builder,
			watcher.WithLogger(logger),
			watcher.WithDebounce(cfg.Watch.Debounce),
		)
		if err := watchSvc.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		go watchSvc.SyncExistingFiles()
	}

	srv := server.NewServer(server.Services{
		Storage:   components.Storage,
		Documents: components.Builder,
		Queue:     queue,
		Search:    components.Engine,
		QA:        qaService,
		Index:     components.Vectors,
	}, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if watchSvc != nil {
		watchSvc.Stop()
	}
	reconciler.Stop()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ingestion workers did not finish", zap.Error(err))
	}
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: chishiki search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Search returns matching passages without calling the language model.
  • --mode semantic ranks passages by embedding similarity (default).
  • --mode keyword uses the full-text index and suggests a corrected query when nothing matches.
  • --mode hybrid blends both scores.

Examples:
  chishiki search refund policy
  chishiki search --mode keyword "refund policy"
  chishiki search --mode hybrid --top-k 10 refund window
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument, so "chishiki search refunds -top-k 3"
// would otherwise leave -top-k unparsed.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return format
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the local indices directly)")
	topK := fs.Int("top-k", 0, "number of passages (default from config)")
	mode := fs.String("mode", string(models.SearchSemantic), "search mode: semantic, keyword or hybrid")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)
	query := &models.SearchQuery{Query: queryStr, TopK: *topK, Mode: models.SearchMode(strings.ToLower(*mode))}

	ctx, stop := signalContext()
	defer stop()

	var response *models.SearchResponse
	if *serverURL != "" {
		// The server holds the database and index locks, so go through its API.
		var err error
		response, err = newAPIClient(*serverURL, 0).Search(ctx, query)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		logger := newCLILogger(cfg)
		defer logger.Sync()
		components, err := initializeComponents(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		response, err = components.Engine.Search(ctx, query)
		components.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = answer in this process)")
	topK := fs.Int("top-k", 0, "number of passages to retrieve (default from config)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	question := buildSearchQuery(fs.Args())
	if question == "" {
		fmt.Println("Usage: chishiki ask [flags] <question>")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	ctx, stop := signalContext()
	defer stop()

	var answer *models.Answer
	if *serverURL != "" {
		var err error
		answer, err = newAPIClient(*serverURL, 0).Ask(ctx, question, *topK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		logger := newCLILogger(cfg)
		defer logger.Sync()
		components, err := initializeComponents(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		service, err := components.newQAService(ctx)
		if err == nil {
			answer, err = service.Ask(ctx, qa.AskRequest{Question: question, TopK: *topK})
		}
		components.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteAnswer(os.Stdout, answer, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runList() {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = read the local database)")
	status := fs.String("status", "", "only documents in this status: pending, processing, completed or failed")
	limit := fs.Int("limit", 100, "maximum number of documents")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	ctx, stop := signalContext()
	defer stop()

	var docs []*models.Document
	var err error
	if *serverURL != "" {
		docs, err = newAPIClient(*serverURL, 0).Documents(ctx, models.DocumentStatus(*status), *limit)
	} else {
		docs, err = withStorage(*configPath, func(st storage.Storage) ([]*models.Document, error) {
			return st.ListDocuments(ctx, models.DocumentFilter{Status: models.DocumentStatus(*status), Limit: *limit})
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteDocuments(os.Stdout, docs, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// withStorage opens only the relational store for read-only commands.
func withStorage(configPath string, fn func(st storage.Storage) ([]*models.Document, error)) ([]*models.Document, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	st, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return fn(st)
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = delete directly)")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: chishiki delete [flags] <document-id>")
		os.Exit(1)
	}
	docID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || docID <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid document id %q\n", fs.Arg(0))
		os.Exit(1)
	}

	ctx, stop := signalContext()
	defer stop()

	if *serverURL != "" {
		err = newAPIClient(*serverURL, 0).Delete(ctx, docID)
	} else {
		cfg, _, loadErr := loadConfig(*configPath)
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", loadErr)
			os.Exit(1)
		}
		logger := newCLILogger(cfg)
		defer logger.Sync()
		components, initErr := initializeComponents(cfg, logger)
		if initErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", initErr)
			os.Exit(1)
		}
		err = components.Builder.Delete(ctx, docID)
		components.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Deletion failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Document deleted: %d\n", docID)
}

// statusResponse is the shape of the GET /api/v1/status response.
type statusResponse struct {
	Documents         int64                           `json:"documents"`
	DocumentsByStatus map[models.DocumentStatus]int64 `json:"documents_by_status"`
	Chunks            int64                           `json:"chunks"`
	VectorIndexSize   int                             `json:"vector_index_size"`
	IndexCorruptions  int64                           `json:"index_corruptions"`
	QueuePending      *int64                          `json:"queue_pending,omitempty"`
	DiskUsageBytes    *int64                          `json:"disk_usage_bytes,omitempty"`
	DiskUsage         *storage.DiskUsage              `json:"disk_usage,omitempty"`
	Config            map[string]interface{}          `json:"config,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	ctx, stop := signalContext()
	defer stop()

	var status *statusResponse
	var err error
	if *serverURL != "" {
		status, err = newAPIClient(*serverURL, 0).Status(ctx)
	} else {
		status, err = localStatus(ctx, *configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}

	if format == cli.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
		return
	}
	writeStatusText(os.Stdout, status)
}

func localStatus(ctx context.Context, configPath string) (*statusResponse, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := newCLILogger(cfg)
	defer logger.Sync()
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer components.Close()

	status := &statusResponse{
		VectorIndexSize:  components.Vectors.Count(),
		IndexCorruptions: components.Vectors.Corruptions(),
		Config: map[string]interface{}{
			"embedding_provider":   cfg.Embedding.Provider,
			"embedding_dimensions": cfg.Embedding.Dimensions,
			"vector_index_type":    cfg.Vector.IndexType,
			"chunk_size":           cfg.Chunking.Size,
			"chunk_overlap":        cfg.Chunking.Overlap,
			"llm_provider":         cfg.LLM.Provider,
			"database_path":        cfg.Storage.DatabasePath,
			"index_dir":            cfg.Storage.IndexDir,
		},
	}
	if status.Documents, err = components.Storage.CountDocuments(ctx); err != nil {
		return nil, err
	}
	if status.DocumentsByStatus, err = components.Storage.CountDocumentsByStatus(ctx); err != nil {
		return nil, err
	}
	if status.Chunks, err = components.Storage.CountChunks(ctx); err != nil {
		return nil, err
	}
	usage, err := storage.MeasureDiskUsage(storage.DataPaths{
		Database:     cfg.Storage.DatabasePath,
		VectorIndex:  cfg.Storage.IndexDir,
		KeywordIndex: cfg.Storage.KeywordIndexPath,
		Uploads:      cfg.Storage.UploadDir,
	})
	if err == nil {
		total := usage.Total()
		status.DiskUsageBytes = &total
		status.DiskUsage = &usage
	}
	return status, nil
}

func writeStatusText(w io.Writer, status *statusResponse) {
	fmt.Fprintf(w, "documents:          %d\n", status.Documents)
	for _, s := range []models.DocumentStatus{models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed} {
		fmt.Fprintf(w, "  %-16s  %d\n", s+":", status.DocumentsByStatus[s])
	}
	fmt.Fprintf(w, "chunks:             %d\n", status.Chunks)
	fmt.Fprintf(w, "vector_index_size:  %d\n", status.VectorIndexSize)
	if status.IndexCorruptions > 0 {
		fmt.Fprintf(w, "index_corruptions:  %d   # corrupt index artifacts discarded\n", status.IndexCorruptions)
	}
	if status.QueuePending != nil {
		fmt.Fprintf(w, "queue_pending:      %d\n", *status.QueuePending)
	}
	if status.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d\n", *status.DiskUsageBytes)
	}
	if u := status.DiskUsage; u != nil {
		fmt.Fprintf(w, "  database:          %d\n  vector_index:      %d\n  keyword_index:     %d\n  uploads:           %d\n",
			u.Database, u.VectorIndex, u.KeywordIndex, u.Uploads)
	}
	if len(status.Config) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		keys := make([]string, 0, len(status.Config))
		for k := range status.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%-21s %v\n", k+":", status.Config[k])
		}
	}
}

func runInitConfig() {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(os.Args[2:])

	path := "config.yaml"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s already exists (use --force to overwrite)\n", path)
		os.Exit(1)
	}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", path)
}

func printUsage() {
	fmt.Println(`chishiki - document ingestion and grounded question answering

Usage:
  chishiki server [flags]                 Start the HTTP server, ingestion workers and inbox watcher
  chishiki ingest [flags] <path>...       Ingest files or directories
  chishiki ask [flags] <question>         Answer a question from the ingested documents
  chishiki search [flags] <query>         Search passages without calling the language model
  chishiki list [flags]                   List documents and their ingestion status
  chishiki delete [flags] <id>            Delete a document with its chunks and index entries
  chishiki status [flags]                 Show document, index and queue status
  chishiki init-config [--force] [path]   Write a config file with default values
  chishiki version                        Show version
  chishiki help                           Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/chishiki/config.yaml,
                     or ./config.yaml when present)
  --server string    Server URL for ask, search, list, delete and status
                     (default: http://localhost:8080). Use --server "" to open the local
                     database and indices directly when no server is running.
  --output string    Output format: text or json (default: text)

Server Flags:
  --debug            Enable debug logging

Ingest Flags:
  --include string   Comma-separated glob patterns, e.g. "**/*.md,reports/**/*.pdf"
  --exclude string   Comma-separated glob patterns to skip
  --recursive        Descend into subdirectories (default: true)
  --server string    Upload to a running server instead of ingesting directly
  --quiet            Hide the progress bar

Ask / Search Flags:
  --top-k int        Number of passages to retrieve (default from config)
  --mode string      Search mode: semantic, keyword or hybrid (search only)

Examples:
  chishiki init-config
  chishiki server
  chishiki ingest --include "**/*.pdf" ./handbook
  chishiki ask "How long is the refund window?"
  chishiki search --mode hybrid refund window
  chishiki list --status failed
  chishiki delete 42
  chishiki status --output json`)
}
