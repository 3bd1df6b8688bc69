package store

// Schema is the local report store. conflict_data is '' unless the record
// is in conflict, and the CHECK keeps it that way.
const Schema = `
CREATE TABLE IF NOT EXISTS offline_reports (
	offline_id      TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	tags            TEXT NOT NULL DEFAULT '[]',
	latitude        REAL NOT NULL DEFAULT 0,
	longitude       REAL NOT NULL DEFAULT 0,
	timestamp       INTEGER NOT NULL DEFAULT 0,
	author          TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'draft'
		CHECK (status IN ('draft','pending','syncing','synced','conflict','error')),
	conflict_data   TEXT NOT NULL DEFAULT '',
	last_modified   INTEGER NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	edited_fields   TEXT NOT NULL DEFAULT '[]',
	remote_id       TEXT NOT NULL DEFAULT '',
	last_error      TEXT NOT NULL DEFAULT '',
	error_kind      TEXT NOT NULL DEFAULT '',
	resolution      TEXT NOT NULL DEFAULT '',
	ignored_remotes TEXT NOT NULL DEFAULT '[]',
	previous        TEXT NOT NULL DEFAULT '',
	CHECK ((status = 'conflict') = (conflict_data != ''))
);

CREATE INDEX IF NOT EXISTS idx_offline_reports_status ON offline_reports(status, last_modified);

CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`
