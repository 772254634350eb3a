package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opentalon/evolve/internal/audit"
	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/metrics"
	"github.com/opentalon/evolve/internal/provider"
	"github.com/opentalon/evolve/internal/retriever"
	"github.com/opentalon/evolve/internal/workflow"
)

const DefaultMaxIterations = 5

var ErrEmptyPrompt = errors.New("prompt is empty")

// Generator produces a workflow for a request and the feedback gathered so far.
type Generator interface {
	Retrieve(ctx context.Context, q retriever.Query) (*retriever.Result, error)
}

// CandidateSink records each candidate before it is submitted.
type CandidateSink interface {
	SaveCandidate(name string, def *workflow.Definition) (string, error)
}

// Orchestrator is the reflection loop: plan, generate, run the candidate,
// and on a stage failure feed the rejected candidate and its error back to
// the planner for the next iteration.
type Orchestrator struct {
	planner   LLMClient
	generator Generator
	lifecycle *Lifecycle
	rules     *RulesConfig
	guard     *Guard
	logger    *slog.Logger
	now       func() time.Time
}

type Options struct {
	Rules  []string
	Logger *slog.Logger
}

func New(planner LLMClient, generator Generator, lifecycle *Lifecycle, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		planner:   planner,
		generator: generator,
		lifecycle: lifecycle,
		rules:     NewRulesConfig(opts.Rules),
		guard:     NewGuard(),
		logger:    logger,
		now:       time.Now,
	}
}

// Request is one pipeline run.
type Request struct {
	Prompt        string
	MaxIterations int
	// Stamp prefixes candidate names; it defaults to the start time.
	Stamp string
	Sink  CandidateSink
}

// Result is a successful run.
type Result struct {
	RunID      string          `json:"run_id,omitempty"`
	RunDir     string          `json:"run_dir,omitempty"`
	Response   json.RawMessage `json:"response"`
	Candidate  *Candidate      `json:"candidate"`
	Iterations int             `json:"iterations"`
	Archive    []string        `json:"archive,omitempty"`
}

// Run iterates until a candidate is invoked successfully or MaxIterations
// candidates have failed, in which case it returns *ExhaustedRetriesError.
// Planner and generator errors that are not candidate failures end the run.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	limit := req.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}
	stamp := req.Stamp
	if stamp == "" {
		stamp = o.now().Format(audit.StampLayout)
	}
	logger := log.FromContext(ctx, o.logger)
	state := newReflectionState(SystemPrompt(o.rules), req.Prompt)

	var last *StageFailure
	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ilog := logger.With(log.KeyIteration, i)
		ilog.Info(fmt.Sprintf("[Agent] Iteration %d of %d", i, limit))

		ilog.Info("[Agent] Meta agent invoking...")
		resp, err := o.planner.Complete(ctx, &provider.CompletionRequest{Messages: state.Transcript.Messages()})
		if err != nil {
			return nil, fmt.Errorf("planner: %w", err)
		}
		state.Transcript.Append(provider.Assistant(resp.Content))
		plan, err := ParsePlan(resp.Content)
		if err != nil {
			ilog.Warn("planner answer is not a plan object; using it as guidelines", log.Error(err))
		}
		log.Trace(ctx, ilog, "planner answer", slog.String("thought", plan.Thought), slog.String("guidelines", plan.Guidelines))

		ilog.Info("[Agent] RAG agent invoking...")
		cand, err := o.attempt(ctx, ilog, req, stamp, i, state, plan)
		if err == nil {
			return &Result{
				Response:   cand.Response,
				Candidate:  cand,
				Iterations: i,
				Archive:    state.Archive.Entries(),
			}, nil
		}
		var sf *StageFailure
		if !errors.As(err, &sf) {
			return nil, err
		}
		last = sf
		o.reflect(ilog, state, sf)
	}
	return nil, &ExhaustedRetriesError{Attempts: limit, Last: last}
}

func (o *Orchestrator) attempt(ctx context.Context, logger *slog.Logger, req Request, stamp string, iteration int, state *ReflectionState, plan Plan) (*Candidate, error) {
	res, err := o.generator.Retrieve(ctx, retriever.Query{
		Text:       req.Prompt,
		Archive:    state.Archive.Joined(),
		Errors:     state.LastError,
		Guidelines: plan.Guidelines,
	})
	if err != nil {
		var gen *retriever.GenerationError
		if !errors.As(err, &gen) {
			return nil, fmt.Errorf("generate workflow: %w", err)
		}
		metrics.RecordStageFailure(string(StageGenerate))
		return nil, &StageFailure{
			Stage:   StageGenerate,
			Message: o.guard.Sanitize("Error generating workflow: " + gen.Err.Error()),
			Raw:     o.guard.Sanitize(gen.Raw),
			Cause:   err,
		}
	}

	name := fmt.Sprintf("%s-%02d-%s", stamp, iteration, res.Definition.Name)
	cand := &Candidate{
		Name:       name,
		Iteration:  iteration,
		Definition: res.Definition.Renamed(name),
		Sources:    res.Sources,
	}
	logger.Info("[Agent] Generated workflow", log.KeyWorkflow, name, "sources", res.Sources)
	if req.Sink != nil {
		if path, err := req.Sink.SaveCandidate(name, cand.Definition); err != nil {
			logger.Warn("could not save candidate", log.Error(err))
		} else {
			logger.Info("[Agent] Saved workflow", "path", path)
		}
	}

	if _, err := o.lifecycle.Run(ctx, cand); err != nil {
		return cand, err
	}
	return cand, nil
}

func (o *Orchestrator) reflect(logger *slog.Logger, state *ReflectionState, f *StageFailure) {
	archived := state.Archive.Add(f)
	state.LastError = ErrorMessage(f.Stage, f.Message)
	state.Transcript.Append(provider.User(ReflectionPrompt(archived, state.LastError)))
	logger.Error("[Agent] Error in step", log.KeyStage, string(f.Stage), log.KeyError, f.Message)
	logger.Info("[Agent] Retrying with new prompt...", "archived", state.Archive.Len())
}
