package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/conduit/pkg/domain"
)

// MonitoringSink turns monitoring events into span events, counters and log
// records, then hands them to any downstream sinks.
type MonitoringSink struct {
	logger     *slog.Logger
	downstream []domain.MonitoringSink
}

// NewMonitoringSink creates a sink. A nil logger falls back to slog.Default().
func NewMonitoringSink(logger *slog.Logger, downstream ...domain.MonitoringSink) *MonitoringSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MonitoringSink{logger: logger, downstream: downstream}
}

// Notify implements domain.MonitoringSink.
func (s *MonitoringSink) Notify(ctx context.Context, event domain.MonitorEvent) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{
			attribute.String("pipeline.id", event.PipelineID),
			attribute.String("step.name", event.Step),
		}
		if event.Duration > 0 {
			attrs = append(attrs, attribute.Float64("duration_ms", millis(event.Duration)))
		}
		if event.Size > 0 {
			attrs = append(attrs, attribute.Int64("message.size", event.Size))
		}
		if event.Err != nil {
			attrs = append(attrs, attribute.String("error", event.Err.Error()))
		}
		span.AddEvent("monitor."+string(event.Kind), trace.WithAttributes(attrs...))
	}

	RecordMonitorEvent(ctx, event)

	level := slog.LevelWarn
	if event.Kind == domain.EventException {
		level = slog.LevelError
	}
	args := []any{
		"pipeline_id", event.PipelineID,
		"step", event.Step,
		"run_id", event.RunID,
		"kind", string(event.Kind),
	}
	if event.Duration > 0 {
		args = append(args, "duration", event.Duration)
	}
	if event.Size > 0 {
		args = append(args, "size", event.Size)
	}
	if event.Err != nil {
		args = append(args, "error", event.Err)
	}
	s.logger.Log(ctx, level, "monitoring event", args...)

	for _, next := range s.downstream {
		next.Notify(ctx, event)
	}
}
