// Package cache implements the three local cache tiers: per-account
// session tokens, the activity metadata catalog, and the binary FIT file
// store. All tiers live under one configured cache directory and are
// constructed explicitly at run start so tests can inject ephemeral stores.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// OpenStore opens (creating if needed) the catalog database under dir and
// ensures the schema exists. The same database backs the activity catalog
// and the binary file side index.
func OpenStore(dir string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	path := filepath.Join(dir, "catalog.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS activities (
		account_id    TEXT NOT NULL,
		remote_id     TEXT NOT NULL,
		start_time    INTEGER NOT NULL,
		duration_s    INTEGER NOT NULL,
		activity_type TEXT NOT NULL,
		distance_m    REAL NOT NULL DEFAULT 0,
		fp_bucket     INTEGER NOT NULL,
		cached_at     INTEGER NOT NULL,
		PRIMARY KEY (account_id, remote_id)
	);

	CREATE INDEX IF NOT EXISTS idx_activities_fp
		ON activities(account_id, activity_type, fp_bucket);
	CREATE INDEX IF NOT EXISTS idx_activities_start
		ON activities(account_id, start_time);

	CREATE TABLE IF NOT EXISTS list_coverage (
		account_id  TEXT NOT NULL,
		range_start INTEGER NOT NULL,
		range_end   INTEGER NOT NULL,
		cached_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coverage_account
		ON list_coverage(account_id);

	CREATE TABLE IF NOT EXISTS file_index (
		account_id TEXT NOT NULL,
		remote_id  TEXT NOT NULL,
		path       TEXT NOT NULL,
		cached_at  INTEGER NOT NULL,
		PRIMARY KEY (account_id, remote_id)
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return nil
}
