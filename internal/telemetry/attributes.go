// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for consistent tracing across the orchestrator.
const (
	// Dispatch attributes
	CommandIDKey = "hive.command_id"
	DroneIDKey   = "hive.drone_id"
	DomainKey    = "hive.domain"
	TaskTypeKey  = "hive.task_type"
	PriorityKey  = "hive.priority"

	// Intervention attributes
	InterventionReasonKey = "hive.intervention.reason"
	InterventionStepsKey  = "hive.intervention.steps"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// DispatchAttributes creates the span attributes of one dispatch attempt.
func DispatchAttributes(commandID, droneID, domain string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(CommandIDKey, commandID),
		attribute.String(DroneIDKey, droneID),
	}
	if domain != "" {
		attrs = append(attrs, attribute.String(DomainKey, domain))
	}
	return attrs
}

// StartDispatchSpan opens the per-dispatch span with its canonical
// attributes.
func StartDispatchSpan(ctx context.Context, commandID, droneID, domain string) (context.Context, trace.Span) {
	return Tracer("hive/scheduler").Start(ctx, "hive.dispatch",
		trace.WithAttributes(DispatchAttributes(commandID, droneID, domain)...),
	)
}

// ErrorAttributes marks a span as failed with a typed error.
func ErrorAttributes(errType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errType),
	}
}
