// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestDispatchAttributes(t *testing.T) {
	attrs := DispatchAttributes("cmd-1", "drone-7", "example.com")

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, CommandIDKey, "cmd-1")
	verifyAttribute(t, attrs, DroneIDKey, "drone-7")
	verifyAttribute(t, attrs, DomainKey, "example.com")
}

func TestDispatchAttributes_NoDomain(t *testing.T) {
	attrs := DispatchAttributes("cmd-1", "drone-7", "")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	for _, attr := range attrs {
		if string(attr.Key) == DomainKey {
			t.Error("Expected no domain attribute for empty domain")
		}
	}
}

func TestStartDispatchSpan(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	ctx, span := StartDispatchSpan(context.Background(), "cmd-1", "drone-7", "example.com")
	if span == nil {
		t.Fatal("Expected non-nil span")
	}
	span.End()

	if trace.SpanFromContext(ctx) == nil {
		t.Error("Expected span in context")
	}
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes("ack_timeout")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "ack_timeout")
}

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
