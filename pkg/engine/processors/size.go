package processors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/runtime"
)

// MessageSize checks each step result against the pipeline's size thresholds.
// Reaching the warn threshold logs and notifies the sink; reaching the error
// threshold fails the invocation.
func MessageSize(sink domain.MonitoringSink, logger *slog.Logger) runtime.StepDecorator {
	logger = orDefault(logger)
	return func(next runtime.StepProcessor) runtime.StepProcessor {
		return runtime.StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
			result, err := next.ProcessStep(ctx, pipeline, step, runID, message, session)
			if err != nil {
				return domain.StepResult{}, err
			}
			if err := checkSize(ctx, pipeline, step.Name, runID, result.Message.Size(), sink, logger); err != nil {
				return domain.StepResult{}, err
			}
			return result, nil
		})
	}
}

func checkSize(ctx context.Context, pipeline *domain.Pipeline, stepName, runID string, size int64, sink domain.MonitoringSink, logger *slog.Logger) error {
	if pipeline.MessageSizeError > 0 && size >= pipeline.MessageSizeError {
		return &domain.ExecutionError{
			PipelineID: pipeline.ID,
			Step:       stepName,
			RunID:      runID,
			Err:        fmt.Errorf("%w: %d bytes, limit %d", domain.ErrMessageTooLarge, size, pipeline.MessageSizeError),
		}
	}
	if pipeline.MessageSizeWarn > 0 && size >= pipeline.MessageSizeWarn {
		logger.Warn("message size exceeds warning threshold",
			"pipeline_id", pipeline.ID,
			"step", stepName,
			"run_id", runID,
			"size", size,
			"threshold", pipeline.MessageSizeWarn,
		)
		notify(ctx, sink, domain.MonitorEvent{
			PipelineID: pipeline.ID,
			Step:       stepName,
			RunID:      runID,
			Kind:       domain.EventSizeThreshold,
			Size:       size,
		})
	}
	return nil
}
