package store

import (
	"context"
	"errors"
	"time"
)

// Poll quantum for blocking gets. The Store has no notification primitive,
// so blocking reads poll at this interval.
const pollInterval = 100 * time.Millisecond

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the shared KV used by the controller, the workers, and the
// durable runtime. Implementations must provide atomic per-key writes.
type Store interface {
	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetWait polls for key until it appears or the timeout elapses.
	// A timeout <= 0 degenerates to a single Get.
	GetWait(ctx context.Context, key string, timeout time.Duration) ([]byte, error)

	// Extract returns the value under key and deletes it atomically with
	// respect to other extractors: at most one caller observes the value.
	Extract(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Removing a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// DeletePrefix removes all keys with the given prefix and reports how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Clear removes everything. Intended for test setup and preload.
	Clear(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
