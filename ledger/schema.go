package ledger

// Schema is the ledger's SQLite schema.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_reports (
	id            TEXT PRIMARY KEY,
	offline_id    TEXT NOT NULL,
	title         TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	tags          TEXT NOT NULL DEFAULT '[]',
	latitude      REAL NOT NULL DEFAULT 0,
	longitude     REAL NOT NULL DEFAULT 0,
	timestamp     INTEGER NOT NULL DEFAULT 0,
	author        TEXT NOT NULL,
	supersedes    TEXT NOT NULL DEFAULT '',
	superseded_by TEXT NOT NULL DEFAULT '',
	signature     BLOB NOT NULL,
	created_at    INTEGER NOT NULL,
	UNIQUE (author, offline_id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_reports_created ON ledger_reports(created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_reports_live ON ledger_reports(superseded_by);
`
