package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/minesafe/whs-rag/engine/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WHS_CONFIG", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Server.CORSOrigin != "*" {
		t.Errorf("server defaults: %+v", cfg.Server)
	}
	if cfg.Generator.Model.Model != "gpt-4.1" || cfg.Generator.Temperature != 0.2 {
		t.Errorf("generator defaults: %+v", cfg.Generator)
	}
	if cfg.Defaults.QueryTopK != 5 || cfg.Defaults.AnswerTopK != 6 || cfg.Defaults.PPEConfidence != 0.25 {
		t.Errorf("request defaults: %+v", cfg.Defaults)
	}
	if cfg.Detector.PersonConfidence != 0.35 || cfg.Detector.MinPersonWidth != 80 || cfg.Detector.MinPersonHeight != 140 {
		t.Errorf("detector defaults: %+v", cfg.Detector)
	}
}

func TestMissingOpenAIKey(t *testing.T) {
	t.Setenv("WHS_CONFIG", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load()
	if !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}

	// Not needed when nothing talks to OpenAI.
	t.Setenv("CHAT_BACKEND", "ollama")
	if _, err := Load(); err != nil {
		t.Fatalf("ollama-only config should load: %v", err)
	}
}

func TestYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whs.yaml")
	yml := `
server:
  port: "9090"
index:
  backend: pgvector
  postgres_dsn: postgres://whs@localhost/whs
  manuals_collection: site_manuals
generator:
  backend: ollama
  model: llama3.1:8b
  temperature: 0.5
timeouts:
  generate: 90s
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WHS_CONFIG", path)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env should override file port, got %s", cfg.Server.Port)
	}
	if cfg.Index.Backend != IndexPgvector || cfg.Index.Manuals != "site_manuals" || cfg.Index.Incidents != "incidents" {
		t.Errorf("index: %+v", cfg.Index)
	}
	if cfg.Generator.Backend != ModelOllama || cfg.Generator.Model.Model != "llama3.1:8b" || cfg.Generator.Temperature != 0.5 {
		t.Errorf("generator: %+v", cfg.Generator)
	}
	if cfg.Timeouts.Generate != 90*time.Second || cfg.Timeouts.Search != 5*time.Second {
		t.Errorf("timeouts: %+v", cfg.Timeouts)
	}
}

func TestMissingFile(t *testing.T) {
	t.Setenv("WHS_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestBadEnvValues(t *testing.T) {
	t.Setenv("WHS_CONFIG", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("QUERY_TOP_K", "five")
	t.Setenv("SEARCH_TIMEOUT", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected parse errors")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.Index.Backend = "chroma" }, false},
		{"pgvector without dsn", func(c *Config) { c.Index.Backend = IndexPgvector }, false},
		{"unknown transport", func(c *Config) { c.Detector.Transport = "grpc" }, false},
		{"person confidence", func(c *Config) { c.Detector.PersonConfidence = 1.5 }, false},
		{"zero top_k", func(c *Config) { c.Defaults.AnswerTopK = 0 }, false},
		{"nats transport", func(c *Config) { c.Detector.Transport = DetectNATS }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.OpenAIKey = "sk-test"
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestLoadIngestSkipsGeneratorKey(t *testing.T) {
	t.Setenv("WHS_CONFIG", "")
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := LoadIngest(); err != nil {
		t.Fatalf("ingest config should not need the chat key: %v", err)
	}
	t.Setenv("EMBED_BACKEND", "openai")
	if _, err := LoadIngest(); !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("openai embedder without key: got %v", err)
	}
}
