// Package kit holds the transport-neutral endpoint type shared by the MCP
// and HTTP surfaces, plus small context helpers.
package kit

import "context"

// Endpoint is a decoded request in, a JSON-serialisable response out.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
