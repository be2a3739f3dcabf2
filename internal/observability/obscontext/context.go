// Package obscontext propagates request correlation identifiers.
package obscontext

import (
	"context"
	"strings"
)

// RequestIDKey is the request context key for the inbound request ID.
type RequestIDKey struct{}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, RequestIDKey{}, requestID)
}

// RequestIDFromContext returns the request ID from context, if set.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(RequestIDKey{}).(string)
	return value
}
