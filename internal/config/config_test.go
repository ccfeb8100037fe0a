package config

import (
	"testing"
	"time"
)

func TestLoad_EmbeddedDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ORACLE_PROVIDER", "")
	t.Setenv("SCORE_CACHE_BACKEND", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "8081" {
		t.Fatalf("expected port 8081, got %s", cfg.Server.Port)
	}
	if cfg.Database.URL != defaultDatabaseURL {
		t.Fatalf("expected default database url, got %s", cfg.Database.URL)
	}
	if cfg.Oracle.Provider != "ollama" || cfg.Oracle.Model != defaultOllamaModel {
		t.Fatalf("expected ollama/%s, got %s/%s", defaultOllamaModel, cfg.Oracle.Provider, cfg.Oracle.Model)
	}
	if cfg.Matching.ScoringTimeout.Duration != 45*time.Second {
		t.Fatalf("expected 45s scoring timeout, got %s", cfg.Matching.ScoringTimeout)
	}
	if cfg.Matching.EnforceCitizenship || cfg.Matching.EnforceCareerStage {
		t.Fatal("expected permissive eligibility by default")
	}
	if cfg.Matching.ChargeDiscovery {
		t.Fatal("expected grant discovery to be free by default")
	}
	if cfg.Cache.Backend != "postgres" {
		t.Fatalf("expected postgres cache backend, got %s", cfg.Cache.Backend)
	}
	if cfg.Ledger.MaxRetries != 5 {
		t.Fatalf("expected 5 ledger retries, got %d", cfg.Ledger.MaxRetries)
	}
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "redis:6379")

	cfg, err := Parse([]byte(`
cache:
  backend: redis
  redis_addr: "${TEST_REDIS_ADDR}"
oracle:
  provider: gemini
  gemini_api_key: secret
  request_timeout: "3s"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.RedisAddr != "redis:6379" {
		t.Fatalf("expected expanded redis addr, got %q", cfg.Cache.RedisAddr)
	}
	if cfg.Oracle.Model != defaultGeminiModel {
		t.Fatalf("expected gemini default model, got %s", cfg.Oracle.Model)
	}
	if cfg.Oracle.RequestTimeout.Duration != 3*time.Second {
		t.Fatalf("expected 3s, got %s", cfg.Oracle.RequestTimeout)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown provider", yaml: "oracle:\n  provider: openai\n"},
		{name: "gemini without key", yaml: "oracle:\n  provider: gemini\n"},
		{name: "redis without addr", yaml: "cache:\n  backend: redis\n"},
		{name: "bad duration", yaml: "matching:\n  scoring_timeout: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	origins := ServerConfig{CORSOrigins: " https://app.example.com, ,https://admin.example.com"}.AllowedOrigins()
	if len(origins) != 3 {
		t.Fatalf("expected 3 origins, got %v", origins)
	}
	if origins[0] != "http://localhost:4200" || origins[2] != "https://admin.example.com" {
		t.Fatalf("unexpected origins %v", origins)
	}
}
