// Package telemetry wires OpenTelemetry exporters and meters for the pipeline
// engine.
//
// It centralises trace provider setup, records step and run metrics, adapts
// monitoring events to span events and counters, and exposes the process-wide
// step statistics as a Prometheus collector so operators can correlate slow or
// failing steps with the runs that hit them.
package telemetry
