package processors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/runtime"
)

var errNoLocker = errors.New("no lock backend configured")

// Lock guards a step with its distributed lock spec.
func Lock(locker domain.Locker, logger *slog.Logger) runtime.StepDecorator {
	logger = orDefault(logger)
	return func(next runtime.StepProcessor) runtime.StepProcessor {
		return runtime.StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
			var result domain.StepResult
			err := withLock(ctx, locker, step.Lock, runID, logger, func(ctx context.Context) error {
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

// LockPipeline guards a whole run with the pipeline's lock spec.
func LockPipeline(locker domain.Locker, logger *slog.Logger) runtime.PipelineDecorator {
	logger = orDefault(logger)
	return func(next runtime.PipelineProcessor) runtime.PipelineProcessor {
		return runtime.PipelineProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, runID string, message domain.Message, session *domain.Session) (domain.RunResult, error) {
			var result domain.RunResult
			err := withLock(ctx, locker, pipeline.Lock, runID, logger, func(ctx context.Context) error {
				var err error
				result, err = next.ProcessPipeline(ctx, pipeline, runID, message, session)
				return err
			})
			if err != nil {
				return domain.RunResult{}, err
			}
			return result, nil
		})
	}
}

// withLock runs fn while holding the lock described by spec. A backend that
// issues no token fails the acquisition; only a disabled spec skips locking.
func withLock(ctx context.Context, locker domain.Locker, spec *domain.LockSpec, runID string, logger *slog.Logger, fn func(context.Context) error) error {
	if spec == nil || spec.Disabled {
		return fn(ctx)
	}
	if locker == nil {
		return &domain.LockAcquisitionError{ObjectID: spec.ObjectID, Err: errNoLocker}
	}

	token, ok, err := locker.Acquire(ctx, *spec, runID)
	if err != nil {
		return &domain.LockAcquisitionError{ObjectID: spec.ObjectID, Err: err}
	}
	if !ok || token == "" {
		return &domain.LockAcquisitionError{ObjectID: spec.ObjectID}
	}

	defer func() {
		if err := locker.Release(context.WithoutCancel(ctx), token); err != nil {
			logger.Warn("failed to release lock",
				"object_id", spec.ObjectID,
				"run_id", runID,
				"error", err,
			)
		}
	}()
	return fn(ctx)
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
