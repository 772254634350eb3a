package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/metrics"
	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/workflow"
)

// WorkflowClient is the part of the n8n client a candidate needs.
type WorkflowClient interface {
	CreateWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error)
	ActivateWorkflow(ctx context.Context, id string) (n8n.ActivationResult, error)
	DeactivateWorkflow(ctx context.Context, id string) (bool, error)
	InvokeTrigger(ctx context.Context, path string, method workflow.HTTPMethod, payload any) (json.RawMessage, error)
}

// WorkflowTagger labels persisted workflows so cleanup jobs can find them.
type WorkflowTagger interface {
	TagWorkflow(ctx context.Context, id string, names ...string) ([]workflow.Tag, error)
}

// InputSynthesizer produces the payload for a workflow's trigger.
type InputSynthesizer interface {
	Synthesize(ctx context.Context, def *workflow.Definition) (json.RawMessage, error)
}

var emptyPayload = json.RawMessage(`{}`)

// Lifecycle drives one candidate through create, trigger lookup, input
// synthesis, activation and invocation. The first failing stage ends it with
// a *StageFailure.
type Lifecycle struct {
	client WorkflowClient
	synth  InputSynthesizer
	guard  *Guard
	logger *slog.Logger

	tagger WorkflowTagger
	tags   []string
}

func NewLifecycle(client WorkflowClient, synth InputSynthesizer, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{client: client, synth: synth, guard: NewGuard(), logger: logger}
}

// WithTags makes every created workflow carry the given tags. A tagging
// failure is logged and does not fail the candidate.
func (l *Lifecycle) WithTags(tagger WorkflowTagger, names ...string) *Lifecycle {
	l.tagger = tagger
	l.tags = names
	return l
}

// Run processes c and returns the trigger's response. Cancellation of ctx is
// honoured only before the workflow is created: once it exists on the
// platform the remaining calls run to completion, so an activated workflow
// is always either invoked or deactivated.
func (l *Lifecycle) Run(ctx context.Context, c *Candidate) (json.RawMessage, error) {
	logger := log.FromContext(ctx, l.logger).With(log.KeyWorkflow, c.Definition.Name)
	c.State = StateGenerated
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rctx := context.WithoutCancel(ctx)

	persisted, err := l.client.CreateWorkflow(rctx, c.Definition)
	if err != nil {
		logger.Error("[Agent] Error creating workflow", log.Error(err))
		return nil, l.fail(c, StageCreate, "Error creating workflow: "+err.Error(), err)
	}
	c.Persisted = persisted
	c.State = StateCreated
	logger = logger.With(log.KeyWorkflowID, persisted.ID)
	logger.Info("[Agent] Created workflow")
	if l.tagger != nil && len(l.tags) > 0 {
		if tags, err := l.tagger.TagWorkflow(rctx, persisted.ID, l.tags...); err != nil {
			logger.Warn("tagging workflow failed; cleanup jobs filtering on tags will miss it", "tags", l.tags, log.Error(err))
		} else {
			persisted.Tags = tags
		}
	}

	triggers := persisted.Triggers()
	if len(persisted.Nodes) == 0 {
		triggers = c.Definition.Triggers()
	}
	if len(triggers) == 0 {
		return nil, l.fail(c, StageTrigger, "No webhook found in the workflow", nil)
	}
	if len(triggers) > 1 {
		ignored := make([]string, 0, len(triggers)-1)
		for _, t := range triggers[1:] {
			ignored = append(ignored, t.NodeName)
		}
		logger.Warn("workflow has several webhooks; only the first is used",
			"used", triggers[0].NodeName, "ignored", ignored)
	}
	trig := triggers[0]
	c.Trigger = &trig
	c.State = StateTriggerLocated
	logger.Info("[Agent] Got webhook", "path", trig.Path, "method", trig.Method)

	source := persisted
	if len(source.Nodes) == 0 {
		source = c.Definition
	}
	payload, synthErr := l.synth.Synthesize(rctx, source)
	if synthErr != nil {
		logger.Warn("trigger input synthesis failed, sending an empty payload", log.Error(synthErr))
		payload = emptyPayload
	}
	c.Payload = payload

	res, err := l.client.ActivateWorkflow(rctx, persisted.ID)
	if err != nil {
		return nil, l.fail(c, StageActivate, "Error activating workflow: "+err.Error(), err)
	}
	if !res.OK() {
		reason := res.Reason
		if res.Outcome == n8n.RemoteFailure {
			reason = fmt.Sprintf("status %d: %s", res.StatusCode, res.Body)
		}
		logger.Error("[Agent] Error activating workflow", "outcome", res.Outcome, "reason", reason)
		return nil, l.fail(c, StageActivate, "Error activating workflow: "+reason,
			&n8n.RemoteError{Operation: "activate_workflow", StatusCode: res.StatusCode, Body: res.Body})
	}
	c.State = StateActivated
	logger.Info("[Agent] Activated workflow")

	logger.Info("[Agent] Calling webhook", "path", trig.Path, "method", trig.Method, "input", string(payload))
	resp, err := l.client.InvokeTrigger(rctx, trig.Path, trig.Method, payload)
	if err != nil {
		logger.Error("[Agent] Error calling webhook", log.Error(err))
		l.rollback(rctx, logger, persisted.ID)
		msg := "Error calling webhook: " + err.Error()
		if synthErr != nil {
			msg += fmt.Sprintf("\nThe webhook input could not be generated (%v), so an empty payload was sent.", synthErr)
		}
		return nil, l.fail(c, StageInvoke, msg, err)
	}
	c.Response = resp
	c.State = StateInvoked
	logger.Info("[Agent] Webhook response", "response", string(resp))
	return resp, nil
}

func (l *Lifecycle) rollback(ctx context.Context, logger *slog.Logger, id string) {
	deactivated, err := l.client.DeactivateWorkflow(ctx, id)
	metrics.RecordRollback(err)
	switch {
	case err != nil:
		logger.Error("deactivate after failed webhook call", log.Error(err))
	case !deactivated:
		logger.Warn("workflow still reported active after deactivate")
	default:
		logger.Info("[Agent] Deactivated workflow")
	}
}

func (l *Lifecycle) fail(c *Candidate, stage Stage, message string, cause error) *StageFailure {
	f := &StageFailure{
		Stage:      stage,
		Message:    l.guard.Sanitize(message),
		Definition: c.Definition,
		Cause:      cause,
	}
	c.State = StateFailed
	c.Failure = f
	metrics.RecordStageFailure(string(stage))
	return f
}
