package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Beat is one liveness row written by a long-running process.
type Beat struct {
	Process    string    `json:"process"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	At         time.Time `json:"at"`
	Goroutines int       `json:"goroutines"`
	HeapMB     float64   `json:"heap_mb"`
	// Alive is set by LatestBeat: the beat is younger than the staleness
	// threshold it was given.
	Alive bool `json:"alive"`
}

// Heartbeat periodically records that a process is up, so that other
// processes sharing the database can tell whether it is running.
type Heartbeat struct {
	db       *sql.DB
	process  string
	hostname string
	pid      int
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithHeartbeatClock sets the clock stamping beats.
func WithHeartbeatClock(now func() time.Time) HeartbeatOption {
	return func(h *Heartbeat) { h.now = now }
}

// WithHeartbeatLogger sets the logger used for write failures.
func WithHeartbeatLogger(l *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) { h.logger = l }
}

// NewHeartbeat returns a heartbeat for process. interval <= 0 means 15s.
func NewHeartbeat(db *sql.DB, process string, interval time.Duration, opts ...HeartbeatOption) *Heartbeat {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	h := &Heartbeat{
		db:       db,
		process:  process,
		hostname: host,
		pid:      os.Getpid(),
		interval: interval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Interval returns the beat period.
func (h *Heartbeat) Interval() time.Duration { return h.interval }

// Beat writes a single row.
func (h *Heartbeat) Beat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO process_heartbeats (process, hostname, pid, at, goroutines, heap_mb)
		VALUES (?,?,?,?,?,?)`,
		h.process, h.hostname, h.pid, h.now().UnixMilli(),
		runtime.NumGoroutine(), float64(mem.HeapAlloc)/1024/1024)
	if err != nil {
		return fmt.Errorf("observability: heartbeat: %w", err)
	}
	return nil
}

// Run beats immediately, then every interval until ctx is done. Blocks.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn("observability: heartbeat write failed", "process", h.process, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LatestBeat returns the newest beat of process, or nil when none was ever
// written. The beat is Alive when it is at most stale old at now.
func LatestBeat(ctx context.Context, db *sql.DB, process string, stale time.Duration, now time.Time) (*Beat, error) {
	var b Beat
	var at int64
	err := db.QueryRowContext(ctx, `
		SELECT process, hostname, pid, at, goroutines, heap_mb
		FROM process_heartbeats
		WHERE process = ?
		ORDER BY at DESC, rowid DESC LIMIT 1`, process).
		Scan(&b.Process, &b.Hostname, &b.PID, &at, &b.Goroutines, &b.HeapMB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	b.At = time.UnixMilli(at)
	b.Alive = now.Sub(b.At) <= stale
	return &b, nil
}

// CleanupHeartbeats deletes beats older than cutoff.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM process_heartbeats WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}
