package config

import "time"

// Defaults shared with components that are constructed without a Config.
const (
	DefaultChunkSize           = 500
	DefaultChunkOverlap        = 50
	DefaultTopK                = 5
	DefaultSimilarityThreshold = 0.3
	DefaultMaxContextChars     = 8000
	DefaultTemperature         = 0.7
	DefaultMaxTokens           = 2000
	DefaultMaxFileSize         = 10 << 20
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 120 * time.Second
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = ".chishiki"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hash"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "CHISHIKI_EMBEDDING_API_KEY"
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "memory"
	}
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = DefaultChunkSize
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = DefaultChunkOverlap
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = DefaultTopK
	}
	if cfg.Retrieval.MaxTopK == 0 {
		cfg.Retrieval.MaxTopK = 50
	}
	if cfg.Retrieval.SimilarityThreshold == 0 {
		cfg.Retrieval.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Retrieval.MaxContextChars == 0 {
		cfg.Retrieval.MaxContextChars = DefaultMaxContextChars
	}
	if cfg.Retrieval.KeywordWeight == 0 {
		cfg.Retrieval.KeywordWeight = 0.3
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "deepseek"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModels[cfg.LLM.Provider]
	}
	if cfg.LLM.APIKeyEnv == "" {
		cfg.LLM.APIKeyEnv = defaultKeyEnvs[cfg.LLM.Provider]
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = DefaultMaxTokens
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 3
	}
	if cfg.LLM.InitialBackoff == 0 {
		cfg.LLM.InitialBackoff = 2 * time.Second
	}
	if cfg.LLM.MaxBackoff == 0 {
		cfg.LLM.MaxBackoff = 10 * time.Second
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 2
	}
	if cfg.Ingest.QueueSize == 0 {
		cfg.Ingest.QueueSize = 64
	}
	if cfg.Ingest.MaxFileSize == 0 {
		cfg.Ingest.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.Ingest.AllowedExtensions == nil {
		cfg.Ingest.AllowedExtensions = []string{".txt", ".md", ".markdown", ".rst", ".html", ".pdf", ".docx", ".odt", ".rtf", ".xlsx", ".pptx", ".odp", ".ods"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 400 * time.Millisecond
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 1h"
	}
}

var defaultModels = map[string]string{
	"deepseek":  "deepseek-chat",
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-haiku-latest",
	"gemini":    "gemini-2.0-flash",
}

var defaultKeyEnvs = map[string]string{
	"deepseek":  "DEEPSEEK_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}
