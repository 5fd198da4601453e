// Package storage journals mirror runs in SQLite.
package storage

// SchemaV1 holds one row per mirror run.
const SchemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	domain TEXT NOT NULL,
	status TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT '',
	failed_phase TEXT NOT NULL DEFAULT '',
	target_path TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	request_json TEXT NOT NULL,
	progress_json TEXT,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_domain ON runs(domain);
CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

// SchemaV2 adds the per-run transition log.
const SchemaV2 = `
CREATE TABLE IF NOT EXISTS run_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	state TEXT NOT NULL,
	phase TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id);
`

// Migrations are applied in order on open.
var Migrations = []struct {
	Version int
	SQL     string
}{
	{Version: 1, SQL: SchemaV1},
	{Version: 2, SQL: SchemaV2},
}
