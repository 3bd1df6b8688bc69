// Package shield provides HTTP middleware for the JSON APIs: security
// headers, body limits, request tracing, HEAD handling and per-endpoint
// rate limiting.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(rl) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody bounds JSON request bodies.
const DefaultMaxBody = 1 << 20

// DefaultAPIStack returns the standard middleware stack.
// Order: HeadToGet, SecurityHeaders, MaxBody, TraceID, then the rate limiter
// when rl is non-nil.
func DefaultAPIStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
		TraceID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("shield: write json", "error", err)
	}
}

// WriteError writes {"error": msg} with the given status.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
