package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  data_dir: "./data"
llm:
  provider: openai
  timeout: 30s
  temperature: 0
retrieval:
  similarity_threshold: 0.45
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
	if want := filepath.Join(dir, "data", "chishiki.db"); cfg.Storage.DatabasePath != want {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, want)
	}
	if want := filepath.Join(dir, "data", "index"); cfg.Storage.IndexDir != want {
		t.Errorf("index_dir = %s, want %s", cfg.Storage.IndexDir, want)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("provider defaults not applied: %+v", cfg.LLM)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", cfg.LLM.Timeout)
	}
	if got := cfg.LLM.TemperatureOrDefault(); got != 0 {
		t.Errorf("explicit zero temperature should be kept, got %v", got)
	}
	if cfg.Retrieval.SimilarityThreshold != 0.45 {
		t.Errorf("threshold = %v", cfg.Retrieval.SimilarityThreshold)
	}
}

func TestLoad_dotEnvSuppliesAPIKey(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHISHIKI_TEST_KEY", "")
	os.Unsetenv("CHISHIKI_TEST_KEY")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CHISHIKI_TEST_KEY=sk-test\n"), 0600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, dir, `
llm:
  api_key_env: CHISHIKI_TEST_KEY
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("api key = %q, want value from .env", cfg.LLM.APIKey)
	}
}

func TestLoad_envOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHISHIKI_PORT", "9191")
	t.Setenv("CHISHIKI_LLM_PROVIDER", "anthropic")
	cfg, err := Load(writeConfig(t, dir, "debug: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.APIKeyEnv != "ANTHROPIC_API_KEY" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_invalid(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(writeConfig(t, dir, `
chunking:
  size: 100
  overlap: 100
`))
	if err == nil {
		t.Fatal("overlap equal to size should fail validation")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
storage:
  database_path: "./data/db/documents.db"
watch:
  directories: ["./inbox"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "documents.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	if len(cfg.Watch.Directories) != 1 || cfg.Watch.Directories[0] != filepath.Join(dir, "inbox") {
		t.Errorf("watch directories = %v", cfg.Watch.Directories)
	}
	if !cfg.Watch.RecursiveOrDefault() {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" || cfg.Server.Port != 8080 {
		t.Errorf("server defaults: %+v", cfg.Server)
	}
	if cfg.Chunking.Size != 500 || cfg.Chunking.Overlap != 50 {
		t.Errorf("chunking defaults: %+v", cfg.Chunking)
	}
	if cfg.Retrieval.TopK != 5 || cfg.Retrieval.SimilarityThreshold != 0.3 || cfg.Retrieval.MaxContextChars != 8000 {
		t.Errorf("retrieval defaults: %+v", cfg.Retrieval)
	}
	if cfg.LLM.Provider != "deepseek" || cfg.LLM.Model != "deepseek-chat" || cfg.LLM.MaxAttempts != 3 {
		t.Errorf("llm defaults: %+v", cfg.LLM)
	}
	if cfg.LLM.TemperatureOrDefault() != 0.7 || cfg.LLM.MaxTokens != 2000 {
		t.Errorf("generation defaults: temperature=%v max_tokens=%d", cfg.LLM.TemperatureOrDefault(), cfg.LLM.MaxTokens)
	}
	if cfg.Ingest.MaxFileSize != 10<<20 {
		t.Errorf("max file size = %d", cfg.Ingest.MaxFileSize)
	}
	if cfg.Watch.Recursive != nil {
		t.Error("recursive should stay unset without directories")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	f := false
	w := &WatchConfig{Recursive: &f}
	if w.RecursiveOrDefault() {
		t.Error("explicit false should be kept")
	}
	if !(&WatchConfig{}).RecursiveOrDefault() {
		t.Error("unset should default to true")
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DataDir: "./state"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if loaded.Storage.DataDir != filepath.Join(dir, "state") {
		t.Errorf("data dir = %s", loaded.Storage.DataDir)
	}
}
