package sqlite

// Schema for the jobs table. The seq rowid provides the stable tie-break
// for equal (priority, created_at) pairs; timestamps are stored as Unix
// milliseconds UTC.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	type         TEXT    NOT NULL,
	priority     INTEGER NOT NULL,
	data         BLOB,
	state        TEXT    NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	started_at   INTEGER,
	completed_at INTEGER,
	failed_at    INTEGER,
	duration     INTEGER,
	progress     INTEGER,
	logs         TEXT    NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_jobs_fetch
	ON jobs (type, state, priority, created_at);

CREATE INDEX IF NOT EXISTS idx_jobs_state
	ON jobs (state, created_at);
`
