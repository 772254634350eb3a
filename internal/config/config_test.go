package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const testYAML = `
server:
  addr: ":9090"
  read_timeout: 15s
  write_timeout: 10m

n8n:
  base_url: "${N8N_BASE_URL}/"
  api_key: "${N8N_API_KEY}"
  timeout: 45s
  requests_per_second: 5
  burst: 2

models:
  providers:
    openai:
      api_key: "${OPENAI_API_KEY}"
      api_keys:
        - "${OPENAI_API_KEY_2}"
      api: openai-completions
    ollama:
      base_url: "http://localhost:11434/v1"
      api: openai-completions
      models:
        - id: llama3.2
          name: Llama 3.2
          context_window: 131072
          features: [json, embeddings]

roles:
  planner:
    model: openai/gpt-4o
    fallbacks: [ollama/llama3.2]
    temperature: 0.9
  generator:
    model: ollama/llama3.2
  synthesizer:
    model: openai/gpt-4o-mini
    format: json
  embedding:
    model: ollama/llama3.2

auth:
  cooldowns:
    initial: 1m
    max: 1h
    multiplier: 5

retriever:
  templates_dir: /srv/templates
  index:
    driver: pgvector
    dsn: "${PGVECTOR_DSN}"
  top_k: 4

cache:
  redis:
    addr: "localhost:6379"
    prefix: "emb:"
    ttl: 24h

pipeline:
  max_iterations: 3
  cache_dir: /var/cache/evolve
  prepare_script: prep.lua
  rules:
    - Always tag workflows with evolve

cleanup:
  schedule: "0 3 * * *"
  tags: [evolve]
  active: false

logging:
  level: debug
  format: json
`

func TestParseConfig(t *testing.T) {
	t.Setenv("N8N_BASE_URL", "http://localhost:5678")
	t.Setenv("N8N_API_KEY", "n8n-key")
	t.Setenv("OPENAI_API_KEY", "sk-one")
	t.Setenv("OPENAI_API_KEY_2", "sk-two")
	t.Setenv("PGVECTOR_DSN", "postgres://u:p@db/evolve")

	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Addr != ":9090" || cfg.Server.ReadTimeout.Std() != 15*time.Second || cfg.Server.WriteTimeout.Std() != 10*time.Minute {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.N8N.BaseURL != "http://localhost:5678" {
		t.Errorf("n8n base_url = %q, trailing slash should be trimmed", cfg.N8N.BaseURL)
	}
	if cfg.N8N.WebhookBaseURL != "http://localhost:5678/webhook" {
		t.Errorf("webhook_base_url = %q", cfg.N8N.WebhookBaseURL)
	}
	if cfg.N8N.APIKey != "n8n-key" || cfg.N8N.APIPrefix != DefaultAPIPrefix {
		t.Errorf("n8n = %+v", cfg.N8N)
	}
	if cfg.N8N.Timeout.Std() != 45*time.Second || cfg.N8N.RequestsPerSecond != 5 || cfg.N8N.Burst != 2 {
		t.Errorf("n8n limits = %+v", cfg.N8N)
	}

	openai := cfg.Models.Providers["openai"]
	if keys := openai.Keys(); len(keys) != 2 || keys[0] != "sk-one" || keys[1] != "sk-two" {
		t.Errorf("openai keys = %v", keys)
	}
	ollama := cfg.Models.Providers["ollama"]
	if len(ollama.Models) != 1 || ollama.Models[0].ContextWindow != 131072 || len(ollama.Models[0].Features) != 2 {
		t.Errorf("ollama models = %+v", ollama.Models)
	}

	if *cfg.Roles.Planner.Temperature != 0.9 || cfg.Roles.Planner.Format != "json" {
		t.Errorf("planner = %+v", cfg.Roles.Planner)
	}
	if len(cfg.Roles.Planner.Fallbacks) != 1 {
		t.Errorf("planner fallbacks = %v", cfg.Roles.Planner.Fallbacks)
	}
	if *cfg.Roles.Generator.Temperature != 0.2 {
		t.Errorf("generator temperature = %v, want default 0.2", *cfg.Roles.Generator.Temperature)
	}

	if cfg.Auth.Cooldowns.Initial.Std() != time.Minute || cfg.Auth.Cooldowns.Max.Std() != time.Hour || cfg.Auth.Cooldowns.Multiplier != 5 {
		t.Errorf("cooldowns = %+v", cfg.Auth.Cooldowns)
	}

	r := cfg.Retriever
	if r.TemplatesDir != "/srv/templates" || r.Index.Driver != IndexPGVector || r.Index.DSN != "postgres://u:p@db/evolve" || r.TopK != 4 {
		t.Errorf("retriever = %+v", r)
	}
	if r.ChunkSize != DefaultChunkSize || r.ChunkOverlap != DefaultChunkOverlap {
		t.Errorf("chunking = %d/%d", r.ChunkSize, r.ChunkOverlap)
	}

	if cfg.Cache.Redis.Addr != "localhost:6379" || cfg.Cache.Redis.Prefix != "emb:" || cfg.Cache.Redis.TTL.Std() != 24*time.Hour {
		t.Errorf("redis = %+v", cfg.Cache.Redis)
	}
	if cfg.Pipeline.MaxIterations != 3 || cfg.Pipeline.CacheDir != "/var/cache/evolve" || cfg.Pipeline.PrepareScript != "prep.lua" {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if len(cfg.Pipeline.Rules) != 1 {
		t.Errorf("rules = %v", cfg.Pipeline.Rules)
	}
	if cfg.Cleanup.Schedule != "0 3 * * *" || cfg.Cleanup.Active == nil || *cfg.Cleanup.Active {
		t.Errorf("cleanup = %+v", cfg.Cleanup)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("N8N_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-default")

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Addr != DefaultServerAddr {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.N8N.BaseURL != DefaultN8NBaseURL || cfg.N8N.WebhookBaseURL != DefaultN8NBaseURL+"/webhook" {
		t.Errorf("n8n = %+v", cfg.N8N)
	}
	if cfg.Pipeline.MaxIterations != DefaultMaxIterations || cfg.Pipeline.CacheDir != DefaultCacheDir {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Retriever.TopK != DefaultTopK || cfg.Retriever.Index.Driver != IndexSQLite {
		t.Errorf("retriever = %+v", cfg.Retriever)
	}
	if cfg.Roles.Planner.Model != "openai/gpt-4o" || *cfg.Roles.Planner.Temperature != 0.8 {
		t.Errorf("planner = %+v", cfg.Roles.Planner)
	}
	if cfg.Roles.Synthesizer.Model != "openai/gpt-4o-mini" || *cfg.Roles.Synthesizer.Temperature != 0.2 {
		t.Errorf("synthesizer = %+v", cfg.Roles.Synthesizer)
	}
	if keys := cfg.Models.Providers["openai"].Keys(); len(keys) != 1 || keys[0] != "sk-default" {
		t.Errorf("openai keys = %v", keys)
	}
	if len(cfg.Pipeline.Tags) != 1 || cfg.Pipeline.Tags[0] != DefaultWorkflowTag {
		t.Errorf("pipeline tags = %v", cfg.Pipeline.Tags)
	}
}

func TestPipelineTagsCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte("pipeline:\n  tags: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.Tags == nil || len(cfg.Pipeline.Tags) != 0 {
		t.Errorf("pipeline tags = %#v, want empty", cfg.Pipeline.Tags)
	}
}

func TestCleanupAllowsUnfilteredWithAll(t *testing.T) {
	cfg, err := Parse([]byte("cleanup:\n  schedule: \"0 3 * * *\"\n  all: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if !cfg.Cleanup.Unfiltered() {
		t.Error("no filter set")
	}
}

func TestEnvSubstitutionPreservesUnsetVars(t *testing.T) {
	os.Unsetenv("EVOLVE_UNSET_KEY")
	cfg, err := Parse([]byte(`
models:
  providers:
    openai:
      api_key: "${EVOLVE_UNSET_KEY}"
`))
	if err != nil {
		t.Fatal(err)
	}
	p := cfg.Models.Providers["openai"]
	if p.APIKey != "${EVOLVE_UNSET_KEY}" {
		t.Errorf("api_key = %q, want unexpanded reference", p.APIKey)
	}
	if len(p.Keys()) != 0 {
		t.Errorf("unexpanded key should not be offered: %v", p.Keys())
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "hello")

	tests := []struct {
		input string
		want  string
	}{
		{"${TEST_VAR}", "hello"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
		{"${NONEXISTENT}", "${NONEXISTENT}"},
		{"no vars here", "no vars here"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.input); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("{{invalid")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("n8n:\n  timeout: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("pipeline:\n  max_iterations: 7\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.MaxIterations != 7 {
		t.Errorf("max_iterations = %d", cfg.Pipeline.MaxIterations)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"relative base url", "n8n:\n  base_url: n8n:5678\n", "n8n.base_url"},
		{"negative iterations", "pipeline:\n  max_iterations: -1\n", "max_iterations"},
		{"unknown provider", "roles:\n  planner:\n    model: mistral/large\n", `unknown provider "mistral"`},
		{"bad model ref", "roles:\n  generator:\n    model: gpt-4o\n", "provider/model"},
		{"bad format", "roles:\n  planner:\n    format: xml\n", "roles.planner.format"},
		{"pgvector without dsn", "retriever:\n  index:\n    driver: pgvector\n", "dsn is required"},
		{"unknown driver", "retriever:\n  index:\n    driver: chroma\n", "retriever.index.driver"},
		{"overlap too large", "retriever:\n  chunk_size: 100\n  chunk_overlap: 100\n", "chunk_overlap"},
		{"bad cron", "cleanup:\n  schedule: every hour\n", "cleanup.schedule"},
		{"unfiltered cleanup", "cleanup:\n  schedule: \"0 3 * * *\"\n", "cleanup.all"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "evolve.example.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("example config: %v", err)
	}
	if len(cfg.Roles.Planner.Fallbacks) != 1 || cfg.Cleanup.Schedule == "" {
		t.Errorf("example config lost sections: %+v", cfg.Roles.Planner)
	}
	// the cleanup job must match what the pipeline tags
	for _, tag := range cfg.Cleanup.Tags {
		if !slices.Contains(cfg.Pipeline.Tags, tag) {
			t.Errorf("cleanup tag %q is never attached by the pipeline (tags %v)", tag, cfg.Pipeline.Tags)
		}
	}
}
