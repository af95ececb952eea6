package store

type migration struct {
	version int
	sql     string
}

// migrations must be listed in ascending version order.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	user_json    TEXT NOT NULL DEFAULT '',
	account_id   TEXT NOT NULL DEFAULT '',
	auth_state   TEXT NOT NULL DEFAULT '',
	token_cache  BLOB,
	last_listing TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
