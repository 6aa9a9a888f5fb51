// Package config provides configuration loading and structs for the chishiki service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	LLM       LLMConfig       `yaml:"llm"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Watch     WatchConfig     `yaml:"watch"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds paths for the database, indices and uploaded files.
// Empty paths are derived from DataDir.
type StorageConfig struct {
	DataDir          string `yaml:"data_dir"`
	DatabasePath     string `yaml:"database_path"`
	IndexDir         string `yaml:"index_dir"`
	KeywordIndexPath string `yaml:"keyword_index_path"`
	UploadDir        string `yaml:"upload_dir"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	ModelPath  string        `yaml:"model_path"`
	Dimensions int           `yaml:"dimensions"`
	MaxTokens  int           `yaml:"max_tokens"`
	CacheSize  int           `yaml:"cache_size"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Timeout    time.Duration `yaml:"timeout"`
	APIKey     string        `yaml:"-"`
}

// VectorConfig selects the vector index backend.
type VectorConfig struct {
	IndexType string `yaml:"index_type"`
}

// ChunkingConfig holds chunk size and overlap in characters.
type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// RetrievalConfig holds retrieval and routing settings.
// SimilarityThreshold is a tuning parameter compared against raw cosine scores.
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k"`
	MaxTopK             int     `yaml:"max_top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxContextChars     int     `yaml:"max_context_chars"`
	// KeywordWeight is the keyword share of hybrid search scores, in [0, 1].
	KeywordWeight float64 `yaml:"keyword_weight"`
	// KeywordFuzzy lets keyword terms match within one edit.
	KeywordFuzzy bool `yaml:"keyword_fuzzy"`
}

// LLMConfig selects and configures the chat model provider.
type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Temperature       *float64      `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	APIKey            string        `yaml:"-"`
}

// TemperatureOrDefault returns the configured temperature, or 0.7 when unset.
func (l *LLMConfig) TemperatureOrDefault() float64 {
	if l.Temperature != nil {
		return *l.Temperature
	}
	return DefaultTemperature
}

// IngestConfig holds upload limits and the ingestion worker pool size.
type IngestConfig struct {
	Workers           int      `yaml:"workers"`
	QueueSize         int      `yaml:"queue_size"`
	MaxFileSize       int64    `yaml:"max_file_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// WatchConfig holds inbox directories whose new files are ingested automatically.
type WatchConfig struct {
	Directories []string      `yaml:"directories"`
	Recursive   *bool         `yaml:"recursive"`
	Debounce    time.Duration `yaml:"debounce"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ReconcileConfig holds the cron schedule of the index consistency check. Empty disables it.
type ReconcileConfig struct {
	Schedule string `yaml:"schedule"`
}

// Load reads and parses the config file at path, loads .env files, expands paths,
// applies defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	configDir := filepath.Dir(path)
	if err := loadDotEnv(filepath.Join(configDir, ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := finish(&cfg, configDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
// Relative paths resolve against the working directory.
func Default() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg := &Config{}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	if err := finish(cfg, cwd); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config, configDir string) error {
	applyEnv(cfg)
	ApplyDefaults(cfg)

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir, configDir)
	derive := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(cfg.Storage.DataDir, name)
			return
		}
		*p = expandPath(*p, configDir)
	}
	derive(&cfg.Storage.DatabasePath, "chishiki.db")
	derive(&cfg.Storage.IndexDir, "index")
	derive(&cfg.Storage.KeywordIndexPath, "keyword.bleve")
	derive(&cfg.Storage.UploadDir, "uploads")
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	cfg.LLM.APIKey = os.Getenv(cfg.LLM.APIKeyEnv)
	cfg.Embedding.APIKey = os.Getenv(cfg.Embedding.APIKeyEnv)
	return cfg.Validate()
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate reports configuration values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Chunking.Size <= 0 {
		errs = append(errs, errors.New("chunking.size must be positive"))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		errs = append(errs, errors.New("chunking.overlap must be in [0, chunking.size)"))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, errors.New("embedding.dimensions must be positive"))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, errors.New("retrieval.top_k must be positive"))
	}
	if c.Retrieval.KeywordWeight < 0 || c.Retrieval.KeywordWeight > 1 {
		errs = append(errs, errors.New("retrieval.keyword_weight must be in [0, 1]"))
	}
	if t := c.LLM.TemperatureOrDefault(); t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature must be in [0, 2], got %g", t))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest.workers must be positive"))
	}
	return errors.Join(errs...)
}

// loadDotEnv loads KEY=VALUE files into the environment without overriding variables
// that are already set. Missing files are ignored.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// applyEnv applies CHISHIKI_* overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHISHIKI_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CHISHIKI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CHISHIKI_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("CHISHIKI_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// "~/" and other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." || strings.HasPrefix(path, "../") {
		return filepath.Join(configDir, path)
	}
	path = strings.TrimPrefix(path, "~/")
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
