package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerAddr    = ":8888"
	DefaultN8NBaseURL    = "http://n8n:5678"
	DefaultAPIPrefix     = "/api/v1"
	DefaultMaxIterations = 5
	DefaultTopK          = 3
	DefaultChunkSize     = 2000
	DefaultChunkOverlap  = 200
	DefaultCacheDir      = "logs/cache"
	DefaultTemplatesDir  = "templates/dataset"
	DefaultDataDir       = "data"
	DefaultWorkflowTag   = "evolve"

	IndexSQLite   = "sqlite"
	IndexPGVector = "pgvector"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	N8N       N8NConfig       `yaml:"n8n"`
	Models    ModelsConfig    `yaml:"models"`
	Roles     RolesConfig     `yaml:"roles"`
	Auth      AuthConfig      `yaml:"auth"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Cache     CacheConfig     `yaml:"cache"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

type N8NConfig struct {
	BaseURL           string   `yaml:"base_url"`
	APIKey            string   `yaml:"api_key"`
	APIPrefix         string   `yaml:"api_prefix"`
	WebhookBaseURL    string   `yaml:"webhook_base_url"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

type ModelsConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	APIKeys []string          `yaml:"api_keys"`
	API     string            `yaml:"api"`
	Timeout Duration          `yaml:"timeout"`
	Models  []ModelDefinition `yaml:"models"`
}

// Keys returns every configured key, api_key first, without blanks or
// unexpanded references.
func (p ProviderConfig) Keys() []string {
	var keys []string
	for _, k := range append([]string{p.APIKey}, p.APIKeys...) {
		if k == "" || envPattern.MatchString(k) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

type ModelDefinition struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	ContextWindow int      `yaml:"context_window"`
	MaxTokens     int      `yaml:"max_tokens"`
	Features      []string `yaml:"features"`
}

// RoleConfig binds one model chain to a role of the pipeline.
type RoleConfig struct {
	Model       string   `yaml:"model"`
	Fallbacks   []string `yaml:"fallbacks"`
	Temperature *float64 `yaml:"temperature"`
	Format      string   `yaml:"format"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type RolesConfig struct {
	Planner     RoleConfig `yaml:"planner"`
	Generator   RoleConfig `yaml:"generator"`
	Synthesizer RoleConfig `yaml:"synthesizer"`
	Embedding   RoleConfig `yaml:"embedding"`
}

type AuthConfig struct {
	Cooldowns CooldownConfig `yaml:"cooldowns"`
}

type CooldownConfig struct {
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	Multiplier int      `yaml:"multiplier"`
}

type RetrieverConfig struct {
	TemplatesDir string      `yaml:"templates_dir"`
	Index        IndexConfig `yaml:"index"`
	TopK         int         `yaml:"top_k"`
	ChunkSize    int         `yaml:"chunk_size"`
	ChunkOverlap int         `yaml:"chunk_overlap"`
}

type IndexConfig struct {
	Driver  string `yaml:"driver"`
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
}

type CacheConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig enables the embedding cache when Addr is set.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	TTL      Duration `yaml:"ttl"`
}

type PipelineConfig struct {
	MaxIterations int      `yaml:"max_iterations"`
	CacheDir      string   `yaml:"cache_dir"`
	PrepareScript string   `yaml:"prepare_script"`
	Rules         []string `yaml:"rules"`
	// Tags are attached to every created candidate. Unset means
	// [DefaultWorkflowTag]; an explicit empty list disables tagging.
	Tags []string `yaml:"tags"`
}

// CleanupConfig schedules deletion of generated workflows. An empty
// Schedule disables the job. A job without any filter deletes every
// workflow on the instance and is only accepted with All set.
type CleanupConfig struct {
	Schedule string   `yaml:"schedule"`
	Tags     []string `yaml:"tags"`
	Active   *bool    `yaml:"active"`
	Name     string   `yaml:"name"`
	All      bool     `yaml:"all"`
}

// Unfiltered reports whether the cleanup job would match every workflow.
func (c CleanupConfig) Unfiltered() bool {
	return len(c.Tags) == 0 && c.Active == nil && c.Name == ""
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInConfig(cfg *Config) {
	cfg.N8N.BaseURL = expandEnv(cfg.N8N.BaseURL)
	cfg.N8N.APIKey = expandEnv(cfg.N8N.APIKey)
	cfg.N8N.WebhookBaseURL = expandEnv(cfg.N8N.WebhookBaseURL)
	for name, p := range cfg.Models.Providers {
		p.BaseURL = expandEnv(p.BaseURL)
		p.APIKey = expandEnv(p.APIKey)
		for i, k := range p.APIKeys {
			p.APIKeys[i] = expandEnv(k)
		}
		cfg.Models.Providers[name] = p
	}
	cfg.Retriever.TemplatesDir = expandEnv(cfg.Retriever.TemplatesDir)
	cfg.Retriever.Index.DataDir = expandEnv(cfg.Retriever.Index.DataDir)
	cfg.Retriever.Index.DSN = expandEnv(cfg.Retriever.Index.DSN)
	cfg.Cache.Redis.Addr = expandEnv(cfg.Cache.Redis.Addr)
	cfg.Cache.Redis.Password = expandEnv(cfg.Cache.Redis.Password)
	cfg.Pipeline.CacheDir = expandEnv(cfg.Pipeline.CacheDir)
	cfg.Pipeline.PrepareScript = expandEnv(cfg.Pipeline.PrepareScript)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data, expands ${VAR} references and fills defaults. It does
// not validate; call Validate before use.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInConfig(&cfg)
	cfg.applyDefaults()
	return &cfg, nil
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(30 * time.Second)
	}

	if c.N8N.BaseURL == "" {
		c.N8N.BaseURL = DefaultN8NBaseURL
	}
	c.N8N.BaseURL = strings.TrimRight(c.N8N.BaseURL, "/")
	if c.N8N.APIKey == "" {
		c.N8N.APIKey = os.Getenv("N8N_API_KEY")
	}
	if c.N8N.APIPrefix == "" {
		c.N8N.APIPrefix = DefaultAPIPrefix
	}
	if c.N8N.WebhookBaseURL == "" {
		c.N8N.WebhookBaseURL = c.N8N.BaseURL + "/webhook"
	}
	if c.N8N.Timeout == 0 {
		c.N8N.Timeout = Duration(60 * time.Second)
	}

	if len(c.Models.Providers) == 0 {
		c.Models.Providers = map[string]ProviderConfig{
			"openai": {BaseURL: "https://api.openai.com/v1", APIKey: os.Getenv("OPENAI_API_KEY"), API: "openai-completions"},
		}
	}
	defaultRole(&c.Roles.Planner, "openai/gpt-4o", 0.8)
	defaultRole(&c.Roles.Generator, "openai/gpt-4o-mini", 0.2)
	defaultRole(&c.Roles.Synthesizer, "openai/gpt-4o-mini", 0.2)
	if c.Roles.Embedding.Model == "" {
		c.Roles.Embedding.Model = "openai/text-embedding-3-large"
	}

	if c.Retriever.TemplatesDir == "" {
		c.Retriever.TemplatesDir = DefaultTemplatesDir
	}
	if c.Retriever.Index.Driver == "" {
		c.Retriever.Index.Driver = IndexSQLite
	}
	if c.Retriever.Index.DataDir == "" {
		c.Retriever.Index.DataDir = DefaultDataDir
	}
	if c.Retriever.TopK == 0 {
		c.Retriever.TopK = DefaultTopK
	}
	if c.Retriever.ChunkSize == 0 {
		c.Retriever.ChunkSize = DefaultChunkSize
		if c.Retriever.ChunkOverlap == 0 {
			c.Retriever.ChunkOverlap = DefaultChunkOverlap
		}
	}

	if c.Pipeline.MaxIterations == 0 {
		c.Pipeline.MaxIterations = DefaultMaxIterations
	}
	if c.Pipeline.CacheDir == "" {
		c.Pipeline.CacheDir = DefaultCacheDir
	}
	if c.Pipeline.Tags == nil {
		c.Pipeline.Tags = []string{DefaultWorkflowTag}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func defaultRole(r *RoleConfig, model string, temperature float64) {
	if r.Model == "" {
		r.Model = model
	}
	if r.Temperature == nil {
		r.Temperature = &temperature
	}
	if r.Format == "" {
		r.Format = "json"
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if u, err := url.Parse(c.N8N.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("n8n.base_url %q is not an absolute URL", c.N8N.BaseURL)
	}
	if c.N8N.RequestsPerSecond < 0 {
		add("n8n.requests_per_second must not be negative")
	}

	roles := []struct {
		name string
		role RoleConfig
	}{
		{"planner", c.Roles.Planner},
		{"generator", c.Roles.Generator},
		{"synthesizer", c.Roles.Synthesizer},
		{"embedding", c.Roles.Embedding},
	}
	for _, r := range roles {
		for _, ref := range append([]string{r.role.Model}, r.role.Fallbacks...) {
			if err := c.checkModelRef(ref); err != nil {
				add("roles.%s: %v", r.name, err)
			}
		}
		switch r.role.Format {
		case "", "json", "text":
		default:
			add("roles.%s.format %q must be json or text", r.name, r.role.Format)
		}
	}

	switch c.Retriever.Index.Driver {
	case IndexSQLite:
	case IndexPGVector:
		if c.Retriever.Index.DSN == "" {
			add("retriever.index.dsn is required for the pgvector driver")
		}
	default:
		add("retriever.index.driver %q must be %s or %s", c.Retriever.Index.Driver, IndexSQLite, IndexPGVector)
	}
	if c.Retriever.TopK < 1 {
		add("retriever.top_k must be at least 1")
	}
	if c.Retriever.ChunkOverlap < 0 || c.Retriever.ChunkOverlap >= c.Retriever.ChunkSize {
		add("retriever.chunk_overlap must be in [0, chunk_size)")
	}

	if c.Pipeline.MaxIterations < 1 {
		add("pipeline.max_iterations must be at least 1, got %d", c.Pipeline.MaxIterations)
	}
	if c.Cleanup.Schedule != "" {
		if _, err := cron.ParseStandard(c.Cleanup.Schedule); err != nil {
			add("cleanup.schedule %q: %v", c.Cleanup.Schedule, err)
		}
		if c.Cleanup.Unfiltered() && !c.Cleanup.All {
			add("cleanup has no tags, active or name filter and would delete every workflow; set cleanup.all: true to allow that")
		}
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format %q must be json or text", c.Logging.Format)
	}
	return errors.Join(errs...)
}

func (c *Config) checkModelRef(ref string) error {
	providerID, modelID, ok := strings.Cut(ref, "/")
	if !ok || providerID == "" || modelID == "" {
		return fmt.Errorf("model %q must be provider/model", ref)
	}
	if _, ok := c.Models.Providers[providerID]; !ok {
		return fmt.Errorf("model %q references unknown provider %q", ref, providerID)
	}
	return nil
}
