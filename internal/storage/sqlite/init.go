package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	source_ref TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	progress_percent REAL NOT NULL DEFAULT 0,
	bytes_total INTEGER NOT NULL DEFAULT 0,
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	rate REAL NOT NULL DEFAULT 0,
	eta INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	produced_asset_id TEXT,
	media_kind TEXT NOT NULL,
	quality TEXT NOT NULL,
	title TEXT,
	uploader TEXT,
	thumbnail_url TEXT,
	duration_sec INTEGER NOT NULL DEFAULT 0,
	locked_by TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	object_key TEXT NOT NULL,
	media_kind TEXT NOT NULL,
	title TEXT,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
`

// InitDB opens the SQLite database at dbPath and creates the schema if it
// does not exist. WAL mode and a busy timeout keep concurrent workers from
// tripping over each other.
func InitDB(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return db, nil
}
