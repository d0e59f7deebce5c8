// Package db provides a centralized database connection and schema for presenced.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema.
// The parent directory is created if it does not exist.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// OpenInMemory opens a private in-memory database. Nothing survives Close.
func OpenInMemory() (*DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// KV store - last connection loss timestamps and other small values
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_store (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);
		CREATE INDEX IF NOT EXISTS idx_kv_bucket ON kv_store(bucket);
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv_store table: %w", err)
	}

	// Presence history - append-only transitions, one log per person name
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS presence_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			log TEXT NOT NULL,
			time INTEGER NOT NULL,
			status INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_log_id ON presence_history(log, id);
		CREATE INDEX IF NOT EXISTS idx_history_time ON presence_history(time);
	`)
	if err != nil {
		return fmt.Errorf("failed to create presence_history table: %w", err)
	}

	// History epoch - survives rotation of the bounded log
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS presence_history_meta (
			log TEXT PRIMARY KEY,
			initial_time INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create presence_history_meta table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
