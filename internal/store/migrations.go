package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create bots",
		SQL: `
			CREATE TABLE bots (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				bot_name       TEXT NOT NULL,
				resource_name  TEXT NOT NULL,
				app_id         TEXT NOT NULL,
				object_id      TEXT NOT NULL,
				resource_id    TEXT NOT NULL DEFAULT '',
				endpoint       TEXT NOT NULL,
				created_at     TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE UNIQUE INDEX idx_bots_app_id ON bots (app_id);
			CREATE INDEX idx_bots_name ON bots (bot_name);
		`,
	},
	{
		Version: 2,
		Name:    "create provisioning failures",
		SQL: `
			CREATE TABLE provision_failures (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				bot_name     TEXT NOT NULL,
				step         TEXT NOT NULL,
				app_id       TEXT NOT NULL DEFAULT '',
				error        TEXT NOT NULL,
				rolled_back  INTEGER NOT NULL DEFAULT 0,
				created_at   TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_provision_failures_created ON provision_failures (created_at);
		`,
	},
}
