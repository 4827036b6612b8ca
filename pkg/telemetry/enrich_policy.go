package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/conduit/pkg/policy"
)

// RecordPolicyDecision annotates the span with the routing decision of a policy step.
func RecordPolicyDecision(span trace.Span, decision policy.Decision) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("policy.forward", decision.Forward))
	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.reason", decision.Reason))
	}
	for key, value := range decision.Metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("policy."+key, value))
	}
	if decision.Message != nil {
		span.AddEvent("policy.message_replaced")
	}
}
