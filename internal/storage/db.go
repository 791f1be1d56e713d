// Package storage persists chat messages and known peers in a local
// SQLite database. It is a collaborator of the signaling layer: the
// router records messages and drives delivery-status transitions, the
// presence controller mirrors roster changes.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database for one local profile.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "lanlink.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrency between the event loop and UI reads.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content     TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,
			status      TEXT NOT NULL DEFAULT 'sending',
			type        TEXT NOT NULL DEFAULT 'text'
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (sender_id, receiver_id, timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peers (
			session_id  TEXT PRIMARY KEY,
			device_id   TEXT DEFAULT '',
			device_name TEXT DEFAULT '',
			username    TEXT NOT NULL,
			ip          TEXT DEFAULT '',
			avatar_url  TEXT DEFAULT '',
			last_seen   INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create peers table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// ClearAll wipes all persisted messages and peers.
func (d *DB) ClearAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM messages; DELETE FROM peers;`)
	return err
}
