package cache

import "time"

// Entry is one stored cache record.
type Entry struct {
	Key       string
	Subject   string
	Kind      Kind
	Data      []byte
	ExpiresAt time.Time
}

// Store is the persistence backend for the temporal cache. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the entry if present and fresh. A missing or expired
	// entry returns (nil, nil).
	Get(key string) (*Entry, error)

	// GetStale returns the entry regardless of expiry, nil if absent.
	GetStale(key string) (*Entry, error)

	// Set upserts the entry.
	Set(entry Entry) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(keys ...string) error

	// KeysForSubject returns all stored keys for a subject.
	KeysForSubject(subject string) ([]string, error)

	// DeleteExpired removes every expired entry and reports how many.
	DeleteExpired() (int64, error)

	// Count returns the number of live (unexpired) entries, broken down
	// by kind.
	Count() (int64, map[Kind]int64, error)

	// Close releases backend resources.
	Close() error
}
