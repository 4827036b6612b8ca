package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/conduit/pkg/domain"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	stepExecutionCounter metric.Int64Counter
	stepErrorCounter     metric.Int64Counter
	stepLatencyHistogram metric.Float64Histogram
	stepWaitHistogram    metric.Float64Histogram
	monitorEventCounter  metric.Int64Counter
	runCounter           metric.Int64Counter
	runLatencyHistogram  metric.Float64Histogram
)

// StepMetrics captures one step invocation.
type StepMetrics struct {
	PipelineID      string
	PipelineVersion int
	Step            string
	Forward         string
	Duration        time.Duration
	Err             error
}

// RecordStepMetrics emits counters and histograms describing step execution.
func RecordStepMetrics(ctx context.Context, m StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", m.PipelineID),
		attribute.Int("pipeline.version", m.PipelineVersion),
		attribute.String("step.name", m.Step),
		attribute.String("step.outcome", outcome(m.Forward, m.Err)),
	}
	stepExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		stepLatencyHistogram.Record(ctx, millis(m.Duration), metric.WithAttributes(attrs...))
	}
	if m.Err != nil {
		stepErrorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordGateWait records how long an invocation waited for a concurrency permit.
func RecordGateWait(ctx context.Context, pipelineID, step string, waited time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	stepWaitHistogram.Record(ctx, millis(waited), metric.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("step.name", step),
	))
}

// RecordMonitorEvent counts a monitoring event by kind.
func RecordMonitorEvent(ctx context.Context, event domain.MonitorEvent) {
	if err := ensureMetrics(); err != nil {
		return
	}
	monitorEventCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.id", event.PipelineID),
		attribute.String("step.name", event.Step),
		attribute.String("event.kind", string(event.Kind)),
	))
}

// RecordRunMetrics records a completed pipeline run. state is empty on failure.
func RecordRunMetrics(ctx context.Context, pipelineID, state string, duration time.Duration, err error) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", pipelineID),
		attribute.String("run.state", outcome(state, err)),
	}
	runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	runLatencyHistogram.Record(ctx, millis(duration), metric.WithAttributes(attrs...))
}

func outcome(label string, err error) string {
	if err != nil {
		return "error"
	}
	if label == "" {
		return "unknown"
	}
	return label
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(InstrumentationName)

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"conduit.step.executions_total",
			metric.WithDescription("Step invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepErrorCounter, metricsInitErr = meter.Int64Counter(
			"conduit.step.errors_total",
			metric.WithDescription("Step invocations that failed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"conduit.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		stepWaitHistogram, metricsInitErr = meter.Float64Histogram(
			"conduit.step.gate_wait_ms",
			metric.WithDescription("Time spent waiting for a concurrency permit"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		monitorEventCounter, metricsInitErr = meter.Int64Counter(
			"conduit.monitor.events_total",
			metric.WithDescription("Monitoring events emitted by kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			"conduit.pipeline.runs_total",
			metric.WithDescription("Completed pipeline runs by exit state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"conduit.pipeline.duration_ms",
			metric.WithDescription("Observed pipeline run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
