package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`PRAGMA foreign_keys = ON;`,
	`PRAGMA busy_timeout = 5000;`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS activations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE ON UPDATE CASCADE,
		device_id TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS magic_requests (
		id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL,
		device_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','verified','expired')),
		expires_at INTEGER NOT NULL,
		used_at INTEGER,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS magic_requests_status_expires_idx ON magic_requests(status, expires_at);`,
	`CREATE TABLE IF NOT EXISTS licenses (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL DEFAULT '',
		license_key TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		customer_email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT '',
		seats_total INTEGER NOT NULL DEFAULT 1,
		seats_used INTEGER NOT NULL DEFAULT 0,
		valid_from INTEGER,
		valid_until INTEGER,
		features TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER,
		created_at INTEGER NOT NULL
	);`,
	`DROP INDEX IF EXISTS licenses_customer_email_idx;`,
	`CREATE INDEX IF NOT EXISTS licenses_customer_email_lower_idx ON licenses(lower(customer_email));`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		received_at INTEGER NOT NULL,
		event_name TEXT NOT NULL,
		payload BLOB NOT NULL,
		applied INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS applied_logical_keys (
		logical_key TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	);`,
}

// OpenSQLite opens (creating if needed) a SQLite database file and its schema.
// A single connection serialises writers and keeps per-connection pragmas.
func OpenSQLite(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)

	for _, q := range sqliteSchema {
		if _, err := d.ExecContext(context.Background(), q); err != nil {
			d.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return newSQLDB(d, dialect{name: "sqlite", isConflict: isSQLiteConflict}), nil
}

func isSQLiteConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Extended codes share the low byte with SQLITE_CONSTRAINT.
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
