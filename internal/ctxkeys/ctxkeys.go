// Package ctxkeys holds the context keys threaded through one proxied
// request, from the inbound handler down through pipeline and forwarder
// logging.
package ctxkeys

import "context"

type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID attaches a per-request trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace ID attached by WithTraceID, if any.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
