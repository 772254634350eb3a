package orchestrator

import (
	"encoding/json"

	"github.com/opentalon/evolve/internal/workflow"
)

// Stage names one step of candidate processing. The values appear verbatim
// in the feedback given to the planner.
type Stage string

const (
	StageGenerate Stage = "generate_workflow"
	StageCreate   Stage = "create_workflow"
	StageTrigger  Stage = "get_webhook_input"
	StageActivate Stage = "activate_workflow"
	StageInvoke   Stage = "call_webhook"
)

// State is the position of a candidate in its lifecycle.
type State int

const (
	StateGenerated State = iota
	StateCreated
	StateTriggerLocated
	StateActivated
	StateInvoked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateGenerated:
		return "generated"
	case StateCreated:
		return "created"
	case StateTriggerLocated:
		return "trigger_located"
	case StateActivated:
		return "activated"
	case StateInvoked:
		return "invoked"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Candidate is one generated workflow attempted during one iteration.
type Candidate struct {
	Name       string                      `json:"name"`
	Iteration  int                         `json:"iteration"`
	Definition *workflow.Definition        `json:"definition"`
	Persisted  *workflow.Definition        `json:"persisted,omitempty"`
	Trigger    *workflow.TriggerDescriptor `json:"trigger,omitempty"`
	Payload    json.RawMessage             `json:"payload,omitempty"`
	Response   json.RawMessage             `json:"response,omitempty"`
	State      State                       `json:"state"`
	Failure    *StageFailure               `json:"-"`
	Sources    []string                    `json:"sources,omitempty"`
}

// WorkflowID is the platform id once the candidate was created.
func (c *Candidate) WorkflowID() string {
	if c.Persisted == nil {
		return ""
	}
	return c.Persisted.ID
}
