// Package connectivity routes named service calls either to an in-process
// handler or to a remote endpoint, as decided by the SQLite routes table.
//
//	router := connectivity.New()
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	ledger.RegisterConnectivity(router)          // local handlers
//	go router.Watch(ctx, db, time.Second)         // hot reload from routes
//	resp, err := router.Call(ctx, "ledger_submit_report", payload)
//
// Pointing a service at a remote ledger is an UPDATE on one row; the next
// Call uses the new route without a restart.
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Strategies understood by the router.
const (
	StrategyLocal = "local"
	StrategyHTTP  = "http"
	StrategyNoop  = "noop"
)

// Handler is a transport-agnostic service function.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint. close may be nil.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	Service  string
	Strategy string
	Endpoint string
	Config   json.RawMessage
}

func (rt route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches calls. Safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	local     map[string]Handler
	remote    map[string]remoteEntry
	routes    map[string]route
	factories map[string]TransportFactory
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New returns an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		local:     make(map[string]Handler),
		remote:    make(map[string]remoteEntry),
		routes:    make(map[string]route),
		factories: make(map[string]TransportFactory),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for service.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.local[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers the factory used for routes whose strategy
// equals protocol.
func (r *Router) RegisterTransport(protocol string, f TransportFactory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// Call dispatches in this order: noop route, remote route, local handler.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remote[service]
	localH := r.local[service]
	rt, hasRoute := r.routes[service]
	r.mu.RUnlock()

	if hasRoute && rt.Strategy == StrategyNoop {
		r.logger.DebugContext(ctx, "connectivity: noop", "service", service)
		return nil, nil
	}
	if hasRemote {
		r.logger.DebugContext(ctx, "connectivity: remote", "service", service, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
		return entry.handler(ctx, payload)
	}
	if localH != nil {
		return localH(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Strategy reports how Call would dispatch service right now, "" when it
// is not routable.
func (r *Router) Strategy(service string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.routes[service]; ok {
		_, built := r.remote[service]
		if built || rt.Strategy == StrategyLocal || rt.Strategy == StrategyNoop {
			return rt.Strategy
		}
	}
	if _, ok := r.local[service]; ok {
		return StrategyLocal
	}
	return ""
}

// Reload reads the routes table and rebuilds remote handlers whose
// strategy, endpoint or config changed. Unchanged handlers are kept.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	next := make(map[string]route)
	for rows.Next() {
		var rt route
		var cfg string
		if err := rows.Scan(&rt.Service, &rt.Strategy, &rt.Endpoint, &cfg); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfg)
		next[rt.Service] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: rows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make(map[string]remoteEntry, len(next))
	for name, rt := range next {
		if rt.Strategy == StrategyLocal || rt.Strategy == StrategyNoop {
			continue
		}
		if old, ok := r.routes[name]; ok && old.fingerprint() == rt.fingerprint() {
			if existing, ok := r.remote[name]; ok {
				entries[name] = existing
				continue
			}
		}
		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("connectivity: no transport factory", "service", name, "strategy", rt.Strategy)
			continue
		}
		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.Error("connectivity: factory failed", "service", name, "strategy", rt.Strategy,
				"endpoint", rt.Endpoint, "error", err)
			continue
		}
		entries[name] = remoteEntry{handler: h, close: closeFn}
		r.logger.Info("connectivity: route built", "service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remote {
		if old.close == nil {
			continue
		}
		// Same handler reused when the fingerprint did not change.
		if _, stillRouted := entries[name]; stillRouted && r.routes[name].fingerprint() == next[name].fingerprint() {
			continue
		}
		old.close()
	}

	r.remote = entries
	r.routes = next
	r.logger.Info("connectivity: routes reloaded", "total", len(next), "remote", len(entries))
	return nil
}

// Close releases every remote handler.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.remote {
		if e.close != nil {
			e.close()
		}
	}
	r.remote = make(map[string]remoteEntry)
	r.routes = make(map[string]route)
	return nil
}
