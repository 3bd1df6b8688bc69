package shield

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig is the limit for one endpoint ("POST /rpc/ledger_submit_report").
type RateLimitConfig struct {
	MaxRequests   int  `yaml:"max_requests"`
	WindowSeconds int  `yaml:"window_seconds"`
	Enabled       bool `yaml:"enabled"`
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window limiter keyed by client IP and endpoint.
// Endpoints without a rule are not limited.
type RateLimiter struct {
	mu      sync.Mutex
	rules   map[string]RateLimitConfig
	buckets map[string]*bucket
	now     func() time.Time
	logger  *slog.Logger
}

// NewRateLimiter creates a limiter with the given rules.
func NewRateLimiter(rules map[string]RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		rules:   make(map[string]RateLimitConfig, len(rules)),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		logger:  logger,
	}
	for k, v := range rules {
		rl.rules[k] = v
	}
	return rl
}

// SetRule adds or replaces the rule for endpoint.
func (rl *RateLimiter) SetRule(endpoint string, cfg RateLimitConfig) {
	rl.mu.Lock()
	rl.rules[endpoint] = cfg
	rl.mu.Unlock()
}

// LoadRules merges the rate_limits table into the rule set.
func (rl *RateLimiter) LoadRules(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		return fmt.Errorf("shield: load rate limits: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		var enabled int
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			return fmt.Errorf("shield: scan rate limit: %w", err)
		}
		cfg.Enabled = enabled == 1
		loaded[endpoint] = cfg
	}
	if err := rows.Err(); err != nil {
		return err
	}

	rl.mu.Lock()
	for k, v := range loaded {
		rl.rules[k] = v
	}
	rl.mu.Unlock()
	rl.logger.Debug("shield: rate limits loaded", "count", len(loaded))
	return nil
}

// Allow records one request and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip, endpoint string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cfg, ok := rl.rules[endpoint]
	if !ok || !cfg.Enabled || cfg.MaxRequests <= 0 {
		return true
	}

	now := rl.now()
	window := time.Duration(cfg.WindowSeconds) * time.Second
	key := ip + " " + endpoint

	b, ok := rl.buckets[key]
	if !ok || now.After(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(window)}
		rl.gcLocked(now)
		return true
	}
	b.count++
	return b.count <= cfg.MaxRequests
}

func (rl *RateLimiter) gcLocked(now time.Time) {
	if len(rl.buckets) < 1024 {
		return
	}
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
}

// Middleware enforces the limits, answering 429 with a JSON error.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		if rl.Allow(ip, endpoint) {
			next.ServeHTTP(w, r)
			return
		}

		rl.mu.Lock()
		retry := rl.rules[endpoint].WindowSeconds
		rl.mu.Unlock()

		GetLogger(r.Context()).Warn("shield: rate limited", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
