package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/intelsync/idgen"
)

// Entry is one row of the event journal.
type Entry struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	EntityID  string          `json:"entity_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Journal is an append-only log of domain events.
type Journal struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithJournalIDGenerator sets the entry ID generator.
func WithJournalIDGenerator(gen idgen.Generator) JournalOption {
	return func(j *Journal) { j.newID = gen }
}

// WithJournalClock sets the clock used for created_at.
func WithJournalClock(now func() time.Time) JournalOption {
	return func(j *Journal) { j.now = now }
}

// WithJournalLogger sets the logger used for write failures.
func WithJournalLogger(l *slog.Logger) JournalOption {
	return func(j *Journal) { j.logger = l }
}

// NewJournal returns a journal writing to db. The schema must be applied.
func NewJournal(db *sql.DB, opts ...JournalOption) *Journal {
	j := &Journal{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Append records an event. Marshal and insert failures are logged only.
func (j *Journal) Append(ctx context.Context, event, entityID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		j.logger.Error("observability: journal marshal", "event", event, "error", err)
		return
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO event_journal (entry_id, event, entity_id, payload, created_at) VALUES (?,?,?,?,?)`,
		j.newID(), event, entityID, string(data), j.now().UnixMilli())
	if err != nil {
		j.logger.Error("observability: journal insert", "event", event, "entity_id", entityID, "error", err)
	}
}

// List returns entries for entityID in insertion order. An empty entityID
// lists every entry. limit <= 0 means no limit.
func (j *Journal) List(ctx context.Context, entityID string, limit int) ([]*Entry, error) {
	q := `SELECT entry_id, event, entity_id, payload, created_at FROM event_journal`
	var args []any
	if entityID != "" {
		q += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	q += ` ORDER BY created_at, rowid`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: list journal: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var payload string
		var created int64
		if err := rows.Scan(&e.ID, &e.Event, &e.EntityID, &payload, &created); err != nil {
			return nil, fmt.Errorf("observability: scan journal: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than cutoff.
func (j *Journal) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM event_journal WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup journal: %w", err)
	}
	return res.RowsAffected()
}
