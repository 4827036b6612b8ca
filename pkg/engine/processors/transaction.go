package processors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/conduit/internal/governance"
	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/runtime"
)

// Transaction runs a step inside a transaction bounded by the spec's timeout.
// Any error marks the transaction rollback-only; commit is invoked exactly once.
func Transaction(tm domain.TransactionManager, logger *slog.Logger) runtime.StepDecorator {
	logger = orDefault(logger)
	return func(next runtime.StepProcessor) runtime.StepProcessor {
		return runtime.StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
			if step.Transaction == nil {
				return next.ProcessStep(ctx, pipeline, step, runID, message, session)
			}

			var result domain.StepResult
			boundary := txBoundary{pipelineID: pipeline.ID, step: step.Name, runID: runID}
			err := withTransaction(ctx, tm, step.Transaction, boundary, logger, func(ctx context.Context) (bool, error) {
				var err error
				result, err = next.ProcessStep(ctx, pipeline, step, runID, message, session)
				return true, err
			})
			if err != nil {
				return domain.StepResult{}, err
			}
			return result, nil
		})
	}
}

// TransactionPipeline runs a whole pipeline inside a transaction. A run ending in
// a state other than the pipeline's commit-on-state is rolled back.
func TransactionPipeline(tm domain.TransactionManager, logger *slog.Logger) runtime.PipelineDecorator {
	logger = orDefault(logger)
	return func(next runtime.PipelineProcessor) runtime.PipelineProcessor {
		return runtime.PipelineProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, runID string, message domain.Message, session *domain.Session) (domain.RunResult, error) {
			if pipeline.Transaction == nil {
				return next.ProcessPipeline(ctx, pipeline, runID, message, session)
			}

			var result domain.RunResult
			boundary := txBoundary{pipelineID: pipeline.ID, runID: runID}
			err := withTransaction(ctx, tm, pipeline.Transaction, boundary, logger, func(ctx context.Context) (bool, error) {
				var err error
				result, err = next.ProcessPipeline(ctx, pipeline, runID, message, session)
				return result.State == pipeline.SuccessState(), err
			})
			if err != nil {
				return domain.RunResult{}, err
			}
			return result, nil
		})
	}
}

type txBoundary struct {
	pipelineID string
	step       string
	runID      string
}

// withTransaction begins a transaction, arms the timeout guard and runs fn. fn
// reports whether its outcome allows committing. The guard is always disarmed
// and commit always invoked once, also when fn panics.
func withTransaction(ctx context.Context, tm domain.TransactionManager, spec *domain.TransactionSpec, b txBoundary, logger *slog.Logger, fn func(context.Context) (bool, error)) (err error) {
	if tm == nil {
		return &domain.ExecutionError{PipelineID: b.pipelineID, Step: b.step, RunID: b.runID, Err: fmt.Errorf("no transaction manager configured")}
	}
	tx, err := tm.Begin(ctx, spec.Propagation)
	if err != nil {
		return &domain.ExecutionError{PipelineID: b.pipelineID, Step: b.step, RunID: b.runID, Err: fmt.Errorf("begin transaction: %w", err)}
	}

	guardCtx, guard := governance.StartTimeoutGuard(domain.ContextWithTransaction(ctx, tx), spec.Timeout)
	completed := false
	defer func() {
		if guard.Stop() {
			if err == nil || governance.IsInterruption(err) {
				err = &domain.TimeoutError{PipelineID: b.pipelineID, Step: b.step, Timeout: spec.Timeout.String()}
			} else {
				logger.Warn("timeout fired after an error was already raised",
					"pipeline_id", b.pipelineID,
					"step", b.step,
					"run_id", b.runID,
					"timeout", spec.Timeout,
					"error", err,
				)
			}
		}
		if err != nil || !completed {
			tx.SetRollbackOnly()
		}
		if commitErr := tx.Commit(context.WithoutCancel(ctx)); commitErr != nil {
			logger.Error("transaction commit failed",
				"pipeline_id", b.pipelineID,
				"step", b.step,
				"run_id", b.runID,
				"tx_id", tx.ID(),
				"error", commitErr,
			)
			if err == nil {
				err = &domain.ExecutionError{PipelineID: b.pipelineID, Step: b.step, RunID: b.runID, Err: fmt.Errorf("commit transaction: %w", commitErr)}
			}
		}
	}()

	commit, err := fn(guardCtx)
	completed = true
	if err == nil && !commit {
		tx.SetRollbackOnly()
	}
	return err
}
