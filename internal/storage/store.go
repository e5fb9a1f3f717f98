package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Counters() CounterStore
	LockStamp() LockStampStore
	Sessions() SessionStore
}

// CounterStore persists the ledger's primitive state: balances, rates,
// mode names, and one-shot flags. Missing keys are reported as ErrNotFound
// so callers can substitute their defaults.
type CounterStore interface {
	GetFloat(ctx context.Context, key string) (float64, error)
	PutFloat(ctx context.Context, key string, value float64) error
	GetInt64(ctx context.Context, key string) (int64, error)
	PutInt64(ctx context.Context, key string, value int64) error
	GetString(ctx context.Context, key string) (string, error)
	PutString(ctx context.Context, key string, value string) error
	GetBool(ctx context.Context, key string) (bool, error)
	PutBool(ctx context.Context, key string, value bool) error
}

// LockStampStore holds the cross-instance overlay debounce stamp. CheckAndSet
// must be atomic: two racing service instances asking to present the overlay
// for the same target inside the window must get exactly one true.
type LockStampStore interface {
	// CheckAndSet reports whether a presentation for target is allowed at
	// now given the debounce window, and records the stamp when it is.
	// A different target always passes regardless of the window.
	CheckAndSet(ctx context.Context, target string, now time.Time, window time.Duration) (bool, error)
	Get(ctx context.Context) (*LockStamp, error)
}

// SessionStore persists completed usage sessions, one atomic record each.
type SessionStore interface {
	Put(ctx context.Context, record SessionRecord) error
	List(ctx context.Context, limit int) ([]SessionRecord, error)
	// Prune deletes the oldest records beyond keep. A keep of zero or
	// less is a no-op.
	Prune(ctx context.Context, keep int) error
}
