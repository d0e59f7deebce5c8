// Package kv provides the key-value store used for durable presence
// bookkeeping, with SQLite persistence and an in-memory variant.
package kv

import (
	"encoding/json"
	"fmt"
)

// Bucket is the interface for key-value storage operations.
// All operations are synchronous; a successful Store is durable for
// persistent buckets by the time it returns.
type Bucket interface {
	// Name returns the bucket name.
	Name() string

	// IsPersistent returns true if the bucket is backed by SQLite.
	IsPersistent() bool

	// Store saves a value with the given key.
	// The value can be a string, number, boolean, or map.
	Store(key string, value any) error

	// Get retrieves a value by key.
	// Returns nil if the key doesn't exist.
	Get(key string) (any, error)

	// Exists returns true if the key exists.
	Exists(key string) (bool, error)

	// Delete removes a key from the bucket.
	// Returns true if the key existed.
	Delete(key string) (bool, error)

	// Keys returns all keys in the bucket.
	Keys() ([]string, error)

	// Clear removes all keys from the bucket.
	Clear() error
}

// GetInt64 reads an integer value. Values round-tripped through JSON
// come back as float64, in-memory values keep their Go type.
func GetInt64(b Bucket, key string) (int64, bool, error) {
	v, err := b.Get(key)
	if err != nil {
		return 0, false, err
	}

	switch n := v.(type) {
	case nil:
		return 0, false, nil
	case int64:
		return n, true, nil
	case int:
		return int64(n), true, nil
	case float64:
		return int64(n), true, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("value for %q is not an integer: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, false, fmt.Errorf("value for %q has type %T, want integer", key, v)
	}
}
