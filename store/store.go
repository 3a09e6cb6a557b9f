// Package store defines the durable key-value collaborator used for run
// checkpoints, delivery records, and the dead-letter queue, with in-memory,
// Redis, and SQL implementations.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is an opaque durable key-value interface. Put/Get manage single
// values; Append/GetAppended manage ordered logs under a key.
type Store interface {
	// Put stores a value under a key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error
	// Get retrieves the value stored under a key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Append adds a value to the ordered log under a key.
	Append(ctx context.Context, key string, value []byte) error
	// GetAppended returns the log under a key in append order. A key with
	// no appended values yields an empty slice, not an error.
	GetAppended(ctx context.Context, key string) ([][]byte, error)
	// Close releases any underlying resources.
	Close() error
}
