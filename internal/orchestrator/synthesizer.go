package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/provider"
	"github.com/opentalon/evolve/internal/workflow"
)

type LLMClient interface {
	Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error)
}

// Synthesizer asks a model for a plausible trigger payload for a workflow.
type Synthesizer struct {
	llm    LLMClient
	logger *slog.Logger
}

func NewSynthesizer(llm LLMClient, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{llm: llm, logger: logger}
}

// Synthesize returns the payload to send to the workflow's trigger. When the
// model wraps it in a {"body": ...} envelope, the inner value is returned.
// Output that is not a JSON object is a *workflow.ParseError.
func (s *Synthesizer) Synthesize(ctx context.Context, def *workflow.Definition) (json.RawMessage, error) {
	resp, err := s.llm.Complete(ctx, &provider.CompletionRequest{
		Messages: []provider.Message{provider.User(fmt.Sprintf(synthesisPrompt, def.JSON()))},
		Format:   provider.FormatJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize trigger input: %w", err)
	}
	obj, ok := workflow.ExtractObject(resp.Content)
	if !ok {
		return nil, &workflow.ParseError{Raw: resp.Content, Err: errors.New("trigger input is not a JSON object")}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return nil, &workflow.ParseError{Raw: resp.Content, Err: err}
	}
	payload := json.RawMessage(obj)
	if body, ok := fields["body"]; ok {
		payload = body
	}
	log.FromContext(ctx, s.logger).Info("[Agent] Got webhook input", log.KeyWorkflow, def.Name, "input", string(payload))
	return payload, nil
}
