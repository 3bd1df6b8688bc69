package kit

import "context"

type contextKey string

const transportKey contextKey = "kit_transport"

// WithTransport tags ctx with the surface a call came through
// ("mcp", "http", "cli", "autosync").
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// GetTransport returns the tag set by WithTransport, "direct" when unset.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return "direct"
}

const traceIDKey contextKey = "kit_trace_id"

// WithTraceID stores a request trace ID in ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID returns the trace ID set by WithTraceID, or "".
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
