package orchestrator

import (
	"fmt"

	"github.com/opentalon/evolve/internal/workflow"
)

// StageFailure is a recoverable candidate failure. The reflection loop turns
// it into feedback for the next iteration.
type StageFailure struct {
	Stage   Stage
	Message string
	// Definition is the rejected candidate; nil when generation produced
	// nothing usable, in which case Raw holds the model output.
	Definition *workflow.Definition
	Raw        string
	Cause      error
}

func (f *StageFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Stage, f.Message)
}

func (f *StageFailure) Unwrap() error { return f.Cause }

// ExhaustedRetriesError is returned when every iteration failed.
type ExhaustedRetriesError struct {
	Attempts int
	Last     *StageFailure
}

func (e *ExhaustedRetriesError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("failed to generate workflow after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("failed to generate workflow after %d attempts: last error at %s", e.Attempts, e.Last.Stage)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	if e.Last == nil {
		return nil
	}
	return e.Last
}
