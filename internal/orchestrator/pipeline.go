package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/evolve/internal/audit"
	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/metrics"
	"github.com/opentalon/evolve/internal/retriever"
	"github.com/opentalon/evolve/internal/workflow"
)

// Preparer may rewrite a prompt before a run, or refuse it.
type Preparer interface {
	Prepare(ctx context.Context, prompt string) (string, error)
}

// Creator creates workflows on the platform.
type Creator interface {
	CreateWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error)
}

// KeyReleaser forgets per-run API key pinning once a run ends.
type KeyReleaser interface {
	Release(runID string)
}

type PipelineConfig struct {
	MaxIterations int
	Audit         *audit.Store // nil disables run directories
	Preparer      Preparer     // optional
	Keys          KeyReleaser  // optional
	Logger        *slog.Logger
}

// Pipeline runs the orchestrator with per-run bookkeeping: a run id, an
// audit directory receiving the candidates and a copy of the run's log, and
// metrics.
type Pipeline struct {
	orch      *Orchestrator
	generator Generator
	creator   Creator
	cfg       PipelineConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewPipeline(orch *Orchestrator, generator Generator, creator Creator, cfg PipelineConfig) *Pipeline {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{orch: orch, generator: generator, creator: creator, cfg: cfg, logger: logger, now: time.Now}
}

func (p *Pipeline) MaxIterations() int { return p.cfg.MaxIterations }

type runScope struct {
	id     string
	stamp  string
	run    *audit.Run
	keys   KeyReleaser
	logger *slog.Logger
}

func (p *Pipeline) begin(ctx context.Context) (context.Context, *runScope, error) {
	now := p.now()
	scope := &runScope{id: uuid.NewString(), stamp: now.Format(audit.StampLayout), keys: p.cfg.Keys}
	base := log.FromContext(ctx, p.logger)
	if p.cfg.Audit != nil {
		run, err := p.cfg.Audit.Start(now)
		if err != nil {
			return ctx, nil, err
		}
		scope.run, scope.id, scope.stamp = run, run.ID, run.Stamp
		base = slog.New(log.Tee(base.Handler(), run.Handler()))
	}
	scope.logger = base.With(log.KeyRunID, scope.id)
	ctx = log.WithRunID(ctx, scope.id)
	ctx = log.WithLogger(ctx, scope.logger)
	return ctx, scope, nil
}

func (s *runScope) end() {
	if s.keys != nil {
		s.keys.Release(s.id)
	}
	if s.run != nil {
		if err := s.run.Close(); err != nil {
			s.logger.Warn("close run log", log.Error(err))
		}
	}
}

func (s *runScope) sink() CandidateSink {
	if s.run == nil {
		return nil
	}
	return s.run
}

func (s *runScope) dir() string {
	if s.run == nil {
		return ""
	}
	return s.run.Dir
}

func (p *Pipeline) prepare(ctx context.Context, prompt string) (string, error) {
	if p.cfg.Preparer == nil {
		return prompt, nil
	}
	return p.cfg.Preparer.Prepare(ctx, prompt)
}

// Run executes the full reflection pipeline for prompt. maxIterations <= 0
// uses the configured default.
func (p *Pipeline) Run(ctx context.Context, prompt string, maxIterations int) (*Result, error) {
	prompt, err := p.prepare(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if maxIterations <= 0 {
		maxIterations = p.cfg.MaxIterations
	}
	ctx, scope, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.end()

	start := p.now()
	scope.logger.Info("pipeline started", "max_iterations", maxIterations, "run_dir", scope.dir())
	res, err := p.orch.Run(ctx, Request{
		Prompt:        prompt,
		MaxIterations: maxIterations,
		Stamp:         scope.stamp,
		Sink:          scope.sink(),
	})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		var ex *ExhaustedRetriesError
		switch {
		case errors.As(err, &ex):
			metrics.RecordRun("exhausted", ex.Attempts)
			scope.logger.Error("[Agent] Failed to generate workflow", log.Error(err), log.KeyDurationMS, elapsed)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			metrics.RecordRun("canceled", 0)
			scope.logger.Warn("pipeline canceled", log.Error(err))
		default:
			metrics.RecordRun("error", 0)
			scope.logger.Error("pipeline aborted", log.Error(err))
		}
		return nil, err
	}
	metrics.RecordRun("success", res.Iterations)
	scope.logger.Info("pipeline succeeded", "iterations", res.Iterations, log.KeyDurationMS, elapsed)
	res.RunID = scope.id
	res.RunDir = scope.dir()
	return res, nil
}

// GenerateResult is a workflow generated and created without activation.
type GenerateResult struct {
	Workflow *workflow.Definition `json:"workflow"`
	Sources  []string             `json:"sources,omitempty"`
}

// Generate runs a single generation for prompt and creates the result on the
// platform without activating or invoking it.
func (p *Pipeline) Generate(ctx context.Context, prompt string) (*GenerateResult, error) {
	prompt, err := p.prepare(ctx, prompt)
	if err != nil {
		return nil, err
	}
	ctx, scope, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.end()

	res, err := p.generator.Retrieve(ctx, retriever.Query{Text: prompt})
	if err != nil {
		scope.logger.Error("generate workflow", log.Error(err))
		return nil, err
	}
	if sink := scope.sink(); sink != nil {
		if _, err := sink.SaveCandidate(res.Definition.Name, res.Definition); err != nil {
			scope.logger.Warn("could not save candidate", log.Error(err))
		}
	}
	created, err := p.creator.CreateWorkflow(context.WithoutCancel(ctx), res.Definition)
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	scope.logger.Info("[Agent] Created workflow", log.KeyWorkflow, created.Name, log.KeyWorkflowID, created.ID)
	return &GenerateResult{Workflow: created, Sources: res.Sources}, nil
}
