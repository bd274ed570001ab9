package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	id            TEXT PRIMARY KEY,
	message_id    TEXT NOT NULL,
	mode          TEXT NOT NULL,
	category      TEXT NOT NULL,
	confidence    REAL NOT NULL DEFAULT 0,
	method        TEXT NOT NULL DEFAULT '',
	action_kind    TEXT NOT NULL,
	action_target  TEXT NOT NULL DEFAULT '',
	replaces_label TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'applied', 'skipped', 'reverted')),
	reason        TEXT NOT NULL DEFAULT '',
	batch_id      TEXT NOT NULL DEFAULT '',
	sender        TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	processed_at  DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

-- One live record per (message, mode); history rows (skipped,
-- reverted) accumulate alongside.
CREATE UNIQUE INDEX IF NOT EXISTS ux_records_active
	ON records(message_id, mode) WHERE status IN ('pending', 'applied');

CREATE INDEX IF NOT EXISTS idx_records_message_id ON records(message_id);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
CREATE INDEX IF NOT EXISTS idx_records_processed_at ON records(processed_at);
CREATE INDEX IF NOT EXISTS idx_records_batch_id ON records(batch_id);

CREATE TABLE IF NOT EXISTS cursors (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS feedback (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	predicted  TEXT NOT NULL,
	actual     TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_feedback_message_id ON feedback(message_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
