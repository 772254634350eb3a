package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"

	"github.com/opentalon/evolve/internal/audit"
	"github.com/opentalon/evolve/internal/auth"
	"github.com/opentalon/evolve/internal/config"
	"github.com/opentalon/evolve/internal/failover"
	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/logstream"
	"github.com/opentalon/evolve/internal/lua"
	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/orchestrator"
	"github.com/opentalon/evolve/internal/provider"
	"github.com/opentalon/evolve/internal/retriever"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	level    slog.Level
	hub      *logstream.Hub
	client   *n8n.Client
	rotator  *auth.Rotator
	index    retriever.Index
	cache    retriever.RedisClient
	ret      *retriever.Retriever
	pipeline *orchestrator.Pipeline
}

// newLogger builds the process logger. Environment settings win over the
// config file and the --log-level flag wins over both. When hub is non-nil
// every record is also published to it.
func newLogger(cfg *config.Config, levelFlag string, hub *logstream.Hub) (*slog.Logger, slog.Level) {
	lc := log.FromEnv()
	if os.Getenv("EVOLVE_DEBUG") == "" && os.Getenv("EVOLVE_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" {
		lc.Level = cfg.Logging.Level
	}
	if os.Getenv("LOG_FORMAT") == "" {
		lc.Format = log.Format(cfg.Logging.Format)
	}
	if levelFlag != "" {
		lc.Level = levelFlag
	}
	level := log.ParseLevel(lc.Level)
	handler := log.NewHandler(lc)
	if hub != nil {
		handler = log.Tee(handler, logstream.NewHandler(hub, level))
	}
	return slog.New(handler), level
}

func newPlatform(cfg *config.Config, logger *slog.Logger) *n8n.Client {
	opts := []n8n.Option{
		n8n.WithAPIPrefix(cfg.N8N.APIPrefix),
		n8n.WithWebhookBaseURL(cfg.N8N.WebhookBaseURL),
		n8n.WithHTTPClient(&http.Client{Timeout: cfg.N8N.Timeout.Std()}),
		n8n.WithLogger(logger),
	}
	if cfg.N8N.RequestsPerSecond > 0 {
		opts = append(opts, n8n.WithRateLimit(cfg.N8N.RequestsPerSecond, cfg.N8N.Burst))
	}
	return n8n.New(cfg.N8N.BaseURL, cfg.N8N.APIKey, opts...)
}

// newProviders registers every configured provider and its API keys.
func newProviders(cfg *config.Config) (*provider.Registry, *auth.Rotator, error) {
	cooldown := auth.DefaultCooldownConfig()
	if d := cfg.Auth.Cooldowns.Initial.Std(); d > 0 {
		cooldown.Initial = d
	}
	if d := cfg.Auth.Cooldowns.Max.Std(); d > 0 {
		cooldown.Max = d
	}
	if m := cfg.Auth.Cooldowns.Multiplier; m > 0 {
		cooldown.Multiplier = m
	}
	registry := provider.NewRegistry()
	rotator := auth.NewRotator(cooldown)

	ids := make([]string, 0, len(cfg.Models.Providers))
	for id := range cfg.Models.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		pc := cfg.Models.Providers[id]
		keys := pc.Keys()
		var primary string
		if len(keys) > 0 {
			primary = keys[0]
		}
		p, err := provider.FromConfig(provider.ProviderConfig{
			ID:      id,
			BaseURL: pc.BaseURL,
			APIKey:  primary,
			API:     pc.API,
			Models:  modelInfos(pc.Models),
			Timeout: pc.Timeout.Std(),
		})
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, nil, err
		}
		rotator.Add(auth.ProfilesFor(id, keys...)...)
	}
	return registry, rotator, nil
}

func modelInfos(defs []config.ModelDefinition) []provider.ModelInfo {
	out := make([]provider.ModelInfo, 0, len(defs))
	for _, d := range defs {
		features := make([]provider.Feature, 0, len(d.Features))
		for _, f := range d.Features {
			features = append(features, provider.Feature(f))
		}
		out = append(out, provider.ModelInfo{
			ID:            d.ID,
			Name:          d.Name,
			ContextWindow: d.ContextWindow,
			MaxTokens:     d.MaxTokens,
			Features:      features,
		})
	}
	return out
}

func roleBinding(role string, rc config.RoleConfig) (failover.Binding, error) {
	model, err := provider.ParseModelRef(rc.Model)
	if err != nil {
		return failover.Binding{}, fmt.Errorf("role %s: %w", role, err)
	}
	b := failover.Binding{
		Role:        role,
		Model:       model,
		Temperature: rc.Temperature,
		Format:      provider.ParseFormat(rc.Format),
		MaxTokens:   rc.MaxTokens,
	}
	for _, f := range rc.Fallbacks {
		ref, err := provider.ParseModelRef(f)
		if err != nil {
			return failover.Binding{}, fmt.Errorf("role %s fallback: %w", role, err)
		}
		b.Fallbacks = append(b.Fallbacks, ref)
	}
	return b, nil
}

func openIndex(ctx context.Context, cfg config.IndexConfig) (retriever.Index, error) {
	if cfg.Driver == config.IndexPGVector {
		idx, err := retriever.OpenPGVectorIndex(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return idx, nil
	}
	idx, err := retriever.OpenSQLiteIndex(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// newApp wires the full pipeline. The caller must Close the result.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, level slog.Level, hub *logstream.Hub) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, level: level, hub: hub}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	registry, rotator, err := newProviders(cfg)
	if err != nil {
		return nil, err
	}
	a.rotator = rotator
	ctrl := failover.NewController(registry, rotator, logger)

	bindings := map[string]config.RoleConfig{
		"planner":     cfg.Roles.Planner,
		"generator":   cfg.Roles.Generator,
		"synthesizer": cfg.Roles.Synthesizer,
	}
	clients := make(map[string]*failover.Client, len(bindings))
	for role, rc := range bindings {
		b, err := roleBinding(role, rc)
		if err != nil {
			return nil, err
		}
		clients[role] = ctrl.Client(b)
	}

	embedRef, err := provider.ParseModelRef(cfg.Roles.Embedding.Model)
	if err != nil {
		return nil, fmt.Errorf("role embedding: %w", err)
	}
	backend, err := registry.EmbedderForModel(embedRef)
	if err != nil {
		return nil, err
	}
	var embedder retriever.Embedder = retriever.NewModelEmbedder(backend, embedRef)
	if rc := cfg.Cache.Redis; rc.Addr != "" {
		cc := retriever.CacheConfig{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, Prefix: rc.Prefix, TTL: rc.TTL.Std()}
		client, err := retriever.NewRedisClient(ctx, cc)
		if err != nil {
			logger.Warn("embedding cache disabled", log.Error(err))
		} else {
			a.cache = client
			embedder = retriever.NewCachedEmbedder(embedder, client, cc, logger)
		}
	}

	if a.index, err = openIndex(ctx, cfg.Retriever.Index); err != nil {
		return nil, err
	}
	a.ret = retriever.New(a.index, embedder, clients["generator"], retriever.Options{
		TemplatesDir: cfg.Retriever.TemplatesDir,
		TopK:         cfg.Retriever.TopK,
		ChunkSize:    cfg.Retriever.ChunkSize,
		ChunkOverlap: cfg.Retriever.ChunkOverlap,
		Logger:       logger,
	})

	a.client = newPlatform(cfg, logger)
	synth := orchestrator.NewSynthesizer(clients["synthesizer"], logger)
	lifecycle := orchestrator.NewLifecycle(a.client, synth, logger).WithTags(a.client, cfg.Pipeline.Tags...)
	orch := orchestrator.New(clients["planner"], a.ret, lifecycle, orchestrator.Options{
		Rules:  cfg.Pipeline.Rules,
		Logger: logger,
	})

	pc := orchestrator.PipelineConfig{
		MaxIterations: cfg.Pipeline.MaxIterations,
		Audit:         audit.New(cfg.Pipeline.CacheDir, level),
		Keys:          rotator,
		Logger:        logger,
	}
	if cfg.Pipeline.PrepareScript != "" {
		prep, err := lua.NewPreparer(cfg.Pipeline.PrepareScript)
		if err != nil {
			return nil, err
		}
		pc.Preparer = prep
	}
	a.pipeline = orchestrator.NewPipeline(orch, a.ret, a.client, pc)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	return errors.Join(errs...)
}
