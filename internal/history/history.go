// Package history provides the append-only, bounded log of presence
// transitions kept for every tracked person.
package history

import (
	"context"
	"time"
)

// Status is the recorded presence value of an entry.
type Status int

const (
	StatusPresent Status = 0
	StatusAbsent  Status = 1
)

// String returns "present" or "absent".
func (s Status) String() string {
	if s == StatusAbsent {
		return "absent"
	}
	return "present"
}

// StatusFor maps a presence flag to its recorded status.
func StatusFor(present bool) Status {
	if present {
		return StatusPresent
	}
	return StatusAbsent
}

// DefaultMaxEntries is the per-log capacity when none is configured.
const DefaultMaxEntries = 4032

// Entry is a single recorded transition.
type Entry struct {
	Time   int64  `json:"time"` // Unix seconds
	Status Status `json:"status"`
}

// Log is the transition history of one person. Entries are only ever
// pushed by the owning tracker; a Log never produces entries itself.
type Log interface {
	// Name returns the log key (the person's display name).
	Name() string

	// Append records an entry. The oldest entries are dropped once the
	// log exceeds its capacity.
	Append(ctx context.Context, e Entry) error

	// InitialTime returns the time of the first entry ever appended.
	// It does not move when old entries rotate out.
	InitialTime(ctx context.Context) (int64, bool, error)

	// Entries returns up to limit of the most recent entries, oldest
	// first. limit <= 0 returns everything retained.
	Entries(ctx context.Context, limit int) ([]Entry, error)

	// Count returns the number of retained entries.
	Count(ctx context.Context) (int, error)
}

// Store hands out per-person logs backed by the same storage.
type Store interface {
	Log(name string) Log

	// DeleteOlderThan drops entries older than retention across all logs.
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error)

	// Clear removes every entry and epoch.
	Clear(ctx context.Context) error
}
