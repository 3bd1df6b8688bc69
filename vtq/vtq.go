// Package vtq implements a visibility-timeout queue on SQLite.
//
// A claimed job is hidden for Options.Visibility. The consumer acks it on
// success; a crash or a nack makes it visible again, so work survives
// process restarts without an external broker.
//
// Schema (EnsureTable):
//
//	vtq_jobs(id TEXT PK, queue TEXT, payload BLOB,
//	         visible_at INTEGER ms, created_at INTEGER ms, attempts INTEGER)
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures a queue handle.
type Options struct {
	// Queue is the logical queue name; several queues share the table.
	Queue string
	// Visibility is how long a claimed job stays hidden. Default: 30s.
	Visibility time.Duration
	// PollInterval is the Run loop period. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts discards a job claimed more often than this. 0 = unlimited.
	MaxAttempts int
	// Now overrides the clock. Default: time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is a queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New returns a handle. Call EnsureTable once before use.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Name returns the logical queue name.
func (q *Q) Name() string { return q.opts.Queue }

// EnsureTable creates vtq_jobs if missing.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
	`)
	if err != nil {
		return fmt.Errorf("vtq: ensure table: %w", err)
	}
	return nil
}

// Publish inserts a job that is visible immediately.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	now := q.opts.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO vtq_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now)
	if err != nil {
		return fmt.Errorf("vtq: publish: %w", err)
	}
	return nil
}

// PublishIfIdle publishes only when the queue holds no job at all and
// reports whether it did. Used to coalesce triggers.
func (q *Q) PublishIfIdle(ctx context.Context, id string, payload []byte) (bool, error) {
	now := q.opts.Now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO vtq_jobs (id, queue, payload, visible_at, created_at)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM vtq_jobs WHERE queue = ?)`,
		id, q.opts.Queue, payload, now, now, q.opts.Queue)
	if err != nil {
		return false, fmt.Errorf("vtq: publish if idle: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Claim hides the oldest visible job for the visibility window and returns
// it, or nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := q.opts.Now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, now.UnixMilli())

	var j Job
	var vis, created int64
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &vis, &created, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vtq: claim: %w", err)
	}
	j.VisibleAt = time.UnixMilli(vis)
	j.CreatedAt = time.UnixMilli(created)
	return &j, nil
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Nack makes a job visible again after delay (0 = immediately).
func (q *Q) Nack(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		q.opts.Now().Add(delay).UnixMilli(), id, q.opts.Queue)
	return err
}

// Len counts visible and hidden jobs.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// Purge deletes every job of the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM vtq_jobs WHERE queue = ?`, q.opts.Queue)
	return err
}

// Handler processes a claimed job. nil acks, an error nacks.
type Handler func(ctx context.Context, job *Job) error

// Run polls until ctx is done, draining visible jobs on every tick.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started", "queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.Drain(ctx, handler)
		}
	}
}

// Drain processes every currently visible job once and returns how many
// were handled.
func (q *Q) Drain(ctx context.Context, handler Handler) int {
	log := q.opts.Logger
	handled := 0
	for ctx.Err() == nil {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("vtq: claim failed", "queue", q.opts.Queue, "error", err)
			return handled
		}
		if job == nil {
			return handled
		}
		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("vtq: discarding job over max attempts", "id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
			_ = q.Ack(ctx, job.ID)
			continue
		}
		handled++
		if err := handler(ctx, job); err != nil {
			log.Warn("vtq: handler failed", "id", job.ID, "queue", q.opts.Queue, "error", err)
			// Stay hidden for the rest of the visibility window.
			continue
		}
		_ = q.Ack(ctx, job.ID)
	}
	return handled
}
