package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/conduit/internal/governance"
	"github.com/polisai/conduit/pkg/stats"
)

// GateSource reports concurrency gate occupancy.
type GateSource interface {
	Stats() []governance.GateStats
}

// StatisticsCollector exports step statistics keepers and gate occupancy.
type StatisticsCollector struct {
	registry *stats.Registry
	gate     GateSource

	invocations *prometheus.Desc
	errors      *prometheus.Desc
	durationSum *prometheus.Desc
	durationMax *prometheus.Desc
	sizeSum     *prometheus.Desc
	waitSum     *prometheus.Desc
	inFlight    *prometheus.Desc
	waiting     *prometheus.Desc
	limit       *prometheus.Desc
}

// NewStatisticsCollector creates a collector. gate may be nil.
func NewStatisticsCollector(registry *stats.Registry, gate GateSource) *StatisticsCollector {
	stepLabels := []string{"step"}
	return &StatisticsCollector{
		registry:    registry,
		gate:        gate,
		invocations: prometheus.NewDesc("conduit_step_invocations_total", "Step invocations observed by the statistics keeper", stepLabels, nil),
		errors:      prometheus.NewDesc("conduit_step_errors_total", "Step invocations that failed", stepLabels, nil),
		durationSum: prometheus.NewDesc("conduit_step_duration_milliseconds_sum", "Total step execution time", stepLabels, nil),
		durationMax: prometheus.NewDesc("conduit_step_duration_milliseconds_max", "Longest step execution", stepLabels, nil),
		sizeSum:     prometheus.NewDesc("conduit_step_result_bytes_sum", "Total result payload size", stepLabels, nil),
		waitSum:     prometheus.NewDesc("conduit_step_gate_wait_milliseconds_sum", "Total time spent waiting for a concurrency permit", stepLabels, nil),
		inFlight:    prometheus.NewDesc("conduit_gate_in_flight", "Invocations currently holding a permit", stepLabels, nil),
		waiting:     prometheus.NewDesc("conduit_gate_waiting", "Invocations currently waiting for a permit", stepLabels, nil),
		limit:       prometheus.NewDesc("conduit_gate_limit", "Configured permit pool size", stepLabels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.invocations, c.errors, c.durationSum, c.durationMax, c.sizeSum,
		c.waitSum, c.inFlight, c.waiting, c.limit,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.registry.Snapshots() {
		ch <- prometheus.MustNewConstMetric(c.invocations, prometheus.CounterValue, float64(s.DurationMS.Count), s.Name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors), s.Name)
		ch <- prometheus.MustNewConstMetric(c.durationSum, prometheus.CounterValue, s.DurationMS.Sum, s.Name)
		ch <- prometheus.MustNewConstMetric(c.durationMax, prometheus.GaugeValue, s.DurationMS.Max, s.Name)
		ch <- prometheus.MustNewConstMetric(c.sizeSum, prometheus.CounterValue, s.SizeBytes.Sum, s.Name)
		ch <- prometheus.MustNewConstMetric(c.waitSum, prometheus.CounterValue, s.WaitMS.Sum, s.Name)
	}
	if c.gate == nil {
		return
	}
	for _, g := range c.gate.Stats() {
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(g.InFlight), g.Name)
		ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(g.Waiting), g.Name)
		ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(g.Limit), g.Name)
	}
}

// NewPrometheusRegistry builds a registry carrying the runtime collectors and
// the statistics collector.
func NewPrometheusRegistry(registry *stats.Registry, gate GateSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewStatisticsCollector(registry, gate),
	)
	return reg
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func PrometheusHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
