package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// maxAttributeLength bounds string attribute values so span storage never
// receives unbounded payload fragments.
const maxAttributeLength = 256

// ExtractContext pulls the propagated trace context out of an inbound carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops empty string attributes and truncates long values.
// Telemetry must never carry request payloads or identifiers beyond the
// low-cardinality routing fields the middleware sets.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	safe := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			value := strings.TrimSpace(attr.Value.AsString())
			if value == "" {
				continue
			}
			if len(value) > maxAttributeLength {
				value = value[:maxAttributeLength]
			}
			safe = append(safe, attribute.String(string(attr.Key), value))
			continue
		}
		safe = append(safe, attr)
	}
	return safe
}

// SafeError returns an error whose message is safe to record on a span:
// single line, bounded length. Returns nil when there is nothing to record.
func SafeError(err error) error {
	if err == nil {
		return nil
	}

	message := strings.TrimSpace(err.Error())
	message = strings.ReplaceAll(message, "\n", " ")
	if message == "" {
		return nil
	}
	if len(message) > maxAttributeLength {
		message = message[:maxAttributeLength]
	}
	return errors.New(message)
}
