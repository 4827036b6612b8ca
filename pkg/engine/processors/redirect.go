package processors

import (
	"context"
	"fmt"

	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/runtime"
)

// Redirect substitutes a step's input from a fixed value or a session key and
// routes its result into the session or back to the original input.
// A fixed value wins over a session key when both are configured.
func Redirect() runtime.StepDecorator {
	return func(next runtime.StepProcessor) runtime.StepProcessor {
		return runtime.StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
			original := message
			input, err := redirectedInput(step, message, session)
			if err != nil {
				return domain.StepResult{}, &domain.ExecutionError{PipelineID: pipeline.ID, Step: step.Name, RunID: runID, Err: err}
			}

			result, err := next.ProcessStep(ctx, pipeline, step, runID, input, session)
			if err != nil {
				return domain.StepResult{}, err
			}

			if step.StoreResultInSessionKey != "" && session != nil {
				session.Set(step.StoreResultInSessionKey, result.Message)
			}
			if step.PreserveInput {
				result.Message = original
			}
			return result, nil
		})
	}
}

func redirectedInput(step *domain.Step, message domain.Message, session *domain.Session) (domain.Message, error) {
	if step.GetInputFromFixedValue != nil {
		return domain.Message(*step.GetInputFromFixedValue), nil
	}
	if step.GetInputFromSessionKey == "" {
		return message, nil
	}
	if session == nil {
		return "", fmt.Errorf("input session key %q requested without a session", step.GetInputFromSessionKey)
	}
	value, ok := session.GetString(step.GetInputFromSessionKey)
	if !ok {
		return "", fmt.Errorf("input session key %q is not present", step.GetInputFromSessionKey)
	}
	return domain.Message(value), nil
}
