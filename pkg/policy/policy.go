package policy

import (
	"context"
)

// Decision captures the routing outcome of a policy evaluation.
type Decision struct {
	// Forward is the transition to follow. Empty means the success forward.
	Forward string
	// Message, when set, replaces the step's result.
	Message  *string
	Reason   string
	Metadata map[string]string
}

// Input provides context for policy evaluation.
type Input struct {
	PipelineID   string
	Step         string
	RunID        string
	Message      string
	Session      map[string]any
	Entrypoint   string
	DisableCache bool
}

// Evaluator evaluates a policy decision for a given input.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}
