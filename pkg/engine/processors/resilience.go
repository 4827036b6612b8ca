package processors

import (
	"context"
	"log/slog"

	"github.com/polisai/conduit/internal/governance"
	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/runtime"
)

// CircuitBreaker rejects invocations of a step whose recent failure rate crossed
// its threshold. Breakers are keyed by qualified step name.
func CircuitBreaker(manager *governance.CircuitBreakerManager) runtime.StepDecorator {
	return func(next runtime.StepProcessor) runtime.StepProcessor {
		return runtime.StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
			if step.CircuitBreaker == nil {
				return next.ProcessStep(ctx, pipeline, step, runID, message, session)
			}

			breaker := manager.Get(domain.QualifiedStepName(pipeline.ID, step.Name), governance.ConfigFromSpec(*step.CircuitBreaker))
			var result domain.StepResult
			err := breaker.Execute(ctx, func(ctx context.Context) error {
				var err error
				result, err = next.ProcessStep(ctx, pipeline, step, runID, message, session)
				return err
			})
			if err != nil {
				return domain.StepResult{}, err
			}
			return result, nil
		})
	}
}

// Retry repeats a failing step within the same invocation, bounded by its retry
// spec. Timeouts, lock failures, open circuits and cancellation are not retried.
func Retry(logger *slog.Logger) runtime.StepDecorator {
	logger = orDefault(logger)
	return func(next runtime.StepProcessor) runtime.StepProcessor {
		return runtime.StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
			if step.Retry == nil || step.Retry.MaxAttempts <= 1 {
				return next.ProcessStep(ctx, pipeline, step, runID, message, session)
			}

			policy := governance.NewRetryPolicy(governance.RetryConfigFromSpec(*step.Retry))
			var result domain.StepResult
			err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
				if attempt > 0 {
					logger.Debug("retrying step",
						"pipeline_id", pipeline.ID,
						"step", step.Name,
						"run_id", runID,
						"attempt", attempt+1,
					)
				}
				var err error
				result, err = next.ProcessStep(ctx, pipeline, step, runID, message, session)
				return err
			})
			if err != nil {
				return domain.StepResult{}, err
			}
			return result, nil
		})
	}
}
