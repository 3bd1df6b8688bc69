package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names recorded by intelsync components.
const (
	MetricRemoteCallMs    = "remote.call.duration_ms"
	MetricRemoteCallError = "remote.call.error"
	MetricSyncRunMs       = "sync.run.duration_ms"
	MetricSyncSubmitted   = "sync.submitted"
	MetricSyncFailed      = "sync.failed"
	MetricSyncConflicts   = "sync.conflicts"
)

// Metric is a single datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// MetricsOptions configures a MetricsManager.
type MetricsOptions struct {
	// BufferSize triggers a flush when reached. Default: 100.
	BufferSize int
	// FlushInterval is the periodic flush. Default: 5s.
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// MetricsManager buffers datapoints and writes them to metrics_timeseries
// in batches from a background goroutine.
type MetricsManager struct {
	db     *sql.DB
	opts   MetricsOptions
	mu     sync.Mutex
	buffer []*Metric
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMetricsManager starts the flush loop. Call Close to flush and stop.
func NewMetricsManager(db *sql.DB, opts MetricsOptions) *MetricsManager {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mm := &MetricsManager{
		db:     db,
		opts:   opts,
		buffer: make([]*Metric, 0, opts.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go mm.loop()
	return mm
}

// Record queues m. A nil manager is a no-op so components can run without
// metrics.
func (mm *MetricsManager) Record(m *Metric) {
	if mm == nil {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.opts.BufferSize {
		mm.flushLocked()
	}
}

// Count records a unit counter increment.
func (mm *MetricsManager) Count(name string, labels map[string]string) {
	mm.Record(&Metric{Name: name, Value: 1, Labels: labels, Unit: "count"})
}

// Flush writes buffered datapoints now.
func (mm *MetricsManager) Flush() {
	if mm == nil {
		return
	}
	mm.mu.Lock()
	mm.flushLocked()
	mm.mu.Unlock()
}

// Query returns datapoints for name (all names when empty) newer than since,
// most recent first.
func (mm *MetricsManager) Query(ctx context.Context, name string, since time.Time, limit int) ([]*Metric, error) {
	q := `SELECT metric_name, timestamp, value, COALESCE(labels, ''), unit FROM metrics_timeseries WHERE timestamp >= ?`
	args := []any{since.UnixMilli()}
	if name != "" {
		q += ` AND metric_name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY timestamp DESC, metric_id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels string
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		if labels != "" {
			_ = json.Unmarshal([]byte(labels), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than cutoff.
func (mm *MetricsManager) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := mm.db.ExecContext(ctx, `DELETE FROM metrics_timeseries WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes and stops the background loop. Safe to call twice.
func (mm *MetricsManager) Close() error {
	if mm == nil {
		return nil
	}
	mm.once.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) loop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log := mm.opts.Logger
	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("observability: metrics begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		log.Error("observability: metrics prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
			log.Error("observability: metrics insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Error("observability: metrics commit", "error", err)
	}
	mm.buffer = mm.buffer[:0]
}
