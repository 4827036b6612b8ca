package processors

import (
	"context"
	"fmt"

	"github.com/polisai/conduit/internal/governance"
	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/runtime"
	"github.com/polisai/conduit/pkg/stats"
	"github.com/polisai/conduit/pkg/telemetry"
)

// Gate bounds simultaneous invocations of a step to its MaxThreads. The wait for
// a permit is recorded before the step runs. A caller cancelled while waiting
// fails without entering the step.
func Gate(gate *governance.ConcurrencyGate, registry *stats.Registry) runtime.StepDecorator {
	return func(next runtime.StepProcessor) runtime.StepProcessor {
		return runtime.StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
			if step.MaxThreads <= 0 {
				return next.ProcessStep(ctx, pipeline, step, runID, message, session)
			}

			name := domain.QualifiedStepName(pipeline.ID, step.Name)
			release, waited, err := gate.Acquire(ctx, name, step.MaxThreads)
			if registry != nil {
				registry.Keeper(name).AddWait(waited)
			}
			telemetry.RecordGateWait(ctx, pipeline.ID, step.Name, waited)
			if err != nil {
				return domain.StepResult{}, &domain.ExecutionError{
					PipelineID: pipeline.ID,
					Step:       step.Name,
					RunID:      runID,
					Err:        fmt.Errorf("interrupted waiting for concurrency permit: %w", err),
				}
			}
			defer release()

			return next.ProcessStep(ctx, pipeline, step, runID, message, session)
		})
	}
}
