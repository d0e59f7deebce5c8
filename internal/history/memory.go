package history

import (
	"context"
	"sync"
	"time"
)

// ring is a fixed-capacity buffer that overwrites its oldest item when full.
type ring[T any] struct {
	items []T
	head  int // next write position
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) push(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
}

// last returns up to n of the newest items, oldest first.
func (r *ring[T]) last(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, 0, n)
	start := (r.head - n + len(r.items)) % len(r.items)
	for i := 0; i < n; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}

// MemoryStore keeps histories in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	logs       map[string]*MemoryLog
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		logs:       make(map[string]*MemoryLog),
	}
}

// Log returns the history for the given name, creating it on first use.
func (s *MemoryStore) Log(name string) Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[name]; ok {
		return l
	}
	l := &MemoryLog{name: name, entries: newRing[Entry](s.maxEntries)}
	s.logs[name] = l
	return l
}

// DeleteOlderThan drops entries older than retention from every log.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, l := range s.logs {
		deleted += l.dropBefore(cutoff, s.maxEntries)
	}
	return deleted, nil
}

// Clear removes every entry and epoch.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.logs {
		l.mu.Lock()
		l.entries = newRing[Entry](s.maxEntries)
		l.initial = 0
		l.hasInitial = false
		l.mu.Unlock()
	}
	return nil
}

// MemoryLog is one person's in-memory history.
type MemoryLog struct {
	name       string
	mu         sync.RWMutex
	entries    *ring[Entry]
	initial    int64
	hasInitial bool
}

// Name returns the log key.
func (l *MemoryLog) Name() string {
	return l.name
}

// Append records an entry.
func (l *MemoryLog) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hasInitial {
		l.initial = e.Time
		l.hasInitial = true
	}
	l.entries.push(e)
	return nil
}

// InitialTime returns the epoch of this log.
func (l *MemoryLog) InitialTime(_ context.Context) (int64, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initial, l.hasInitial, nil
}

// Entries returns the most recent entries, oldest first.
func (l *MemoryLog) Entries(_ context.Context, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.last(limit), nil
}

// Count returns the number of retained entries.
func (l *MemoryLog) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries.size, nil
}

func (l *MemoryLog) dropBefore(cutoff int64, capacity int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := newRing[Entry](capacity)
	var dropped int64
	for _, e := range l.entries.last(0) {
		if e.Time < cutoff {
			dropped++
			continue
		}
		kept.push(e)
	}
	l.entries = kept
	return dropped
}
