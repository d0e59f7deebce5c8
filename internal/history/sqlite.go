package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps every person's history in the presence_history table.
type SQLiteStore struct {
	db         *sql.DB
	maxEntries int
}

// NewSQLiteStore creates a store using the provided database connection
func NewSQLiteStore(db *sql.DB, maxEntries int) *SQLiteStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &SQLiteStore{db: db, maxEntries: maxEntries}
}

// Log returns the history for the given name.
func (s *SQLiteStore) Log(name string) Log {
	return &SQLiteLog{db: s.db, name: name, maxEntries: s.maxEntries}
}

// DeleteOlderThan removes entries older than the specified duration (retention policy).
// Epochs are kept.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM presence_history WHERE time < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete history older than %s: %w", retention, err)
	}
	return result.RowsAffected()
}

// Clear removes all history and epochs.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM presence_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM presence_history_meta`); err != nil {
		return fmt.Errorf("clear history epochs: %w", err)
	}
	return nil
}

// SQLiteLog is one person's history.
type SQLiteLog struct {
	db         *sql.DB
	name       string
	maxEntries int
}

// Name returns the log key.
func (l *SQLiteLog) Name() string {
	return l.name
}

// Append adds an entry, records the epoch on first use and trims the
// log to its capacity, all in one transaction.
func (l *SQLiteLog) Append(ctx context.Context, e Entry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append history %s: %w", l.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO presence_history_meta (log, initial_time) VALUES (?, ?)
	`, l.name, e.Time); err != nil {
		return fmt.Errorf("append history %s: record epoch: %w", l.name, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO presence_history (log, time, status) VALUES (?, ?, ?)
	`, l.name, e.Time, int(e.Status)); err != nil {
		return fmt.Errorf("append history %s: %w", l.name, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM presence_history
		WHERE log = ? AND id NOT IN (
			SELECT id FROM presence_history WHERE log = ? ORDER BY id DESC LIMIT ?
		)
	`, l.name, l.name, l.maxEntries); err != nil {
		return fmt.Errorf("append history %s: rotate: %w", l.name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append history %s: commit: %w", l.name, err)
	}
	return nil
}

// InitialTime returns the epoch of this log.
func (l *SQLiteLog) InitialTime(ctx context.Context) (int64, bool, error) {
	var initial int64
	err := l.db.QueryRowContext(ctx, `
		SELECT initial_time FROM presence_history_meta WHERE log = ?
	`, l.name).Scan(&initial)

	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("history %s initial time: %w", l.name, err)
	}
	return initial, true, nil
}

// Entries returns the most recent entries, oldest first.
func (l *SQLiteLog) Entries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = l.maxEntries
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT time, status FROM (
			SELECT id, time, status FROM presence_history
			WHERE log = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, l.name, limit)
	if err != nil {
		return nil, fmt.Errorf("history %s entries: %w", l.name, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var status int
		if err := rows.Scan(&e.Time, &status); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Count returns the number of retained entries.
func (l *SQLiteLog) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM presence_history WHERE log = ?
	`, l.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history %s count: %w", l.name, err)
	}
	return n, nil
}
