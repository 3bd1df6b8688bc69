// Package ledger is a reference system of record for intelligence reports.
//
// It accepts signed submissions, verifies the ed25519 signature against the
// author key, keeps submissions idempotent per (author, offline ID) and
// handles supersession. It is reached through a connectivity router
// (in-process) or over HTTP (Handler).
//
//	l, err := ledger.New(cfg, logger)
//	l.RegisterConnectivity(router)
//	http.ListenAndServe(cfg.Listen, l.Handler())
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/intelsync/dbopen"
	"github.com/hazyhaar/intelsync/idgen"
	"github.com/hazyhaar/intelsync/wallet"
)

// Ledger is the reference remote.
type Ledger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
	config *Config
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator sets the record ID generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(l *Ledger) { l.newID = gen } }

// WithClock sets the clock stamping created_at.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// New opens the ledger database from cfg.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Ledger, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	l := NewWithDB(db, append([]Option{WithLogger(logger)}, opts...)...)
	l.config = cfg
	return l, nil
}

// NewWithDB wraps an open database. Schema must already be applied.
func NewWithDB(db *sql.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		newID:  idgen.Prefixed("led_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
		config: &Config{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// DB returns the ledger database.
func (l *Ledger) DB() *sql.DB { return l.db }

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Submit verifies and records a signed submission.
func (l *Ledger) Submit(ctx context.Context, env Envelope) (*SubmitResult, error) {
	if err := wallet.Verify(env.PublicKey, env.Payload, env.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var sub Submission
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidSubmission, err)
	}
	if sub.Author != env.PublicKey {
		return nil, ErrAuthorMismatch
	}
	if strings.TrimSpace(sub.Title) == "" || sub.OfflineID == "" {
		return nil, fmt.Errorf("%w: title and offline_id are required", ErrInvalidSubmission)
	}

	var res SubmitResult
	err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM ledger_reports WHERE author = ? AND offline_id = ?`,
			sub.Author, sub.OfflineID).Scan(&existing)
		if err == nil {
			res = SubmitResult{ID: existing, Duplicate: true}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if sub.Supersedes != "" {
			var supersededBy string
			err := tx.QueryRowContext(ctx,
				`SELECT superseded_by FROM ledger_reports WHERE id = ?`, sub.Supersedes).Scan(&supersededBy)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrUnknownRecord, sub.Supersedes)
			}
			if err != nil {
				return err
			}
			if supersededBy != "" {
				return fmt.Errorf("%w: %s by %s", ErrAlreadySuperseded, sub.Supersedes, supersededBy)
			}
		}

		tags, _ := json.Marshal(nonNil(sub.Tags))
		id := l.newID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_reports
				(id, offline_id, title, content, tags, latitude, longitude, timestamp,
				 author, supersedes, signature, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			id, sub.OfflineID, sub.Title, sub.Content, string(tags), sub.Latitude, sub.Longitude,
			sub.Timestamp, sub.Author, sub.Supersedes, env.Signature, l.now().UnixMilli())
		if err != nil {
			return err
		}
		if sub.Supersedes != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE ledger_reports SET superseded_by = ? WHERE id = ?`, id, sub.Supersedes); err != nil {
				return err
			}
		}
		res = SubmitResult{ID: id}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "ledger: submission recorded",
		"id", res.ID, "offline_id", sub.OfflineID, "duplicate", res.Duplicate, "supersedes", sub.Supersedes)
	return &res, nil
}

// List returns records ordered by creation.
func (l *Ledger) List(ctx context.Context, req ListRequest) ([]*Record, error) {
	q := `SELECT id, offline_id, title, content, tags, latitude, longitude, timestamp,
	             author, supersedes, superseded_by, created_at
	      FROM ledger_reports WHERE 1=1`
	var args []any
	if !req.IncludeSuperseded {
		q += ` AND superseded_by = ''`
	}
	if req.Author != "" {
		q += ` AND author = ?`
		args = append(args, req.Author)
	}
	q += ` ORDER BY created_at, id`

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		var r Record
		var tags string
		if err := rows.Scan(&r.ID, &r.OfflineID, &r.Title, &r.Content, &tags, &r.Latitude, &r.Longitude,
			&r.Timestamp, &r.Author, &r.Supersedes, &r.SupersededBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		_ = json.Unmarshal([]byte(tags), &r.Tags)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Get returns one record or nil.
func (l *Ledger) Get(ctx context.Context, id string) (*Record, error) {
	all, err := l.List(ctx, ListRequest{IncludeSuperseded: true})
	if err != nil {
		return nil, err
	}
	for _, r := range all {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
