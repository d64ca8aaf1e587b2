package store

var pragmaStatements = []string{
	`PRAGMA journal_mode=WAL;`,
	`PRAGMA synchronous=NORMAL;`,
	`PRAGMA foreign_keys=ON;`,
	`PRAGMA busy_timeout=5000;`,
	`PRAGMA temp_store=MEMORY;`,
}

// migration moves the schema to version. Versions are applied in order and
// recorded in PRAGMA user_version.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{version: 1, statements: []string{`CREATE TABLE IF NOT EXISTS upstream_error_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		site TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL DEFAULT '',
		http_status INTEGER NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 1,
		retryable INTEGER NOT NULL DEFAULT 0,
		request_query TEXT NOT NULL DEFAULT '',
		response_headers TEXT NOT NULL DEFAULT '',
		response_body TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS danmaku_block_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL DEFAULT 'keyword',
		pattern TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kind, pattern)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_upstream_error_logs_created_at ON upstream_error_logs(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_upstream_error_logs_endpoint ON upstream_error_logs(endpoint);`,
	`CREATE INDEX IF NOT EXISTS idx_danmaku_block_rules_enabled ON danmaku_block_rules(enabled);`,
	}},
}

func latestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}
