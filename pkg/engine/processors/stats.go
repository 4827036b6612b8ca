package processors

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/runtime"
	"github.com/polisai/conduit/pkg/stats"
	"github.com/polisai/conduit/pkg/telemetry"
)

// Statistics measures each invocation, records it in the step's keeper, opens a
// span and notifies the sink about failures and slow invocations. Errors are
// always returned unchanged.
func Statistics(registry *stats.Registry, sink domain.MonitoringSink, tracer trace.Tracer, logger *slog.Logger) runtime.StepDecorator {
	logger = orDefault(logger)
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return func(next runtime.StepProcessor) runtime.StepProcessor {
		return runtime.StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
			ctx, span := tracer.Start(ctx, "step.execute", trace.WithAttributes(
				attribute.String("pipeline.id", pipeline.ID),
				attribute.String("step.name", step.Name),
				attribute.String("step.type", step.Type),
				attribute.String("run.id", runID),
			))
			defer span.End()

			start := time.Now()
			result, err := next.ProcessStep(ctx, pipeline, step, runID, message, session)
			elapsed := time.Since(start)

			var keeper *stats.Keeper
			if registry != nil {
				keeper = registry.Keeper(domain.QualifiedStepName(pipeline.ID, step.Name))
				keeper.AddDuration(elapsed)
			}
			telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
				PipelineID:      pipeline.ID,
				PipelineVersion: pipeline.Version,
				Step:            step.Name,
				Forward:         result.Forward,
				Duration:        elapsed,
				Err:             err,
			})

			if err != nil {
				if keeper != nil {
					keeper.AddError()
				}
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				notify(ctx, sink, domain.MonitorEvent{
					PipelineID: pipeline.ID,
					Step:       step.Name,
					RunID:      runID,
					Kind:       domain.EventException,
					Duration:   elapsed,
					Err:        err,
				})
				return domain.StepResult{}, err
			}

			span.SetAttributes(attribute.String("step.forward", result.Forward))
			if step.DurationThreshold > 0 && elapsed > step.DurationThreshold {
				logger.Warn("step exceeded duration threshold",
					"pipeline_id", pipeline.ID,
					"step", step.Name,
					"run_id", runID,
					"duration", elapsed,
					"threshold", step.DurationThreshold,
				)
				notify(ctx, sink, domain.MonitorEvent{
					PipelineID: pipeline.ID,
					Step:       step.Name,
					RunID:      runID,
					Kind:       domain.EventLongDuration,
					Duration:   elapsed,
				})
			}
			return result, nil
		})
	}
}

func notify(ctx context.Context, sink domain.MonitoringSink, event domain.MonitorEvent) {
	if sink != nil {
		sink.Notify(ctx, event)
	}
}
