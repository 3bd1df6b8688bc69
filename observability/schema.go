// Package observability persists runtime signals next to the application
// data in SQLite: buffered metrics, an append-only event journal and process heartbeats.
//
// Writes are best-effort. A failing observability table is logged and never
// surfaces to the caller.
package observability

import "database/sql"

// Schema holds the DDL for the observability tables.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS event_journal (
    entry_id   TEXT PRIMARY KEY,
    event      TEXT NOT NULL,
    entity_id  TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_entity
    ON event_journal(entity_id, created_at);
CREATE INDEX IF NOT EXISTS idx_journal_created
    ON event_journal(created_at);

CREATE TABLE IF NOT EXISTS process_heartbeats (
    process    TEXT NOT NULL,
    hostname   TEXT NOT NULL,
    pid        INTEGER NOT NULL,
    at         INTEGER NOT NULL,
    goroutines INTEGER NOT NULL,
    heap_mb    REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_process
    ON process_heartbeats(process, at DESC);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
