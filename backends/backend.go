package backends

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store defines the interface for image cache storage backends.
//
// Implementations must be thread-safe. The caller (imagecache) guarantees that
// there is at most one in-flight fetch per key, but writes to the same key can
// still race with each other (a fetch racing a retry that landed late) and with
// Clear and SweepExpired, so implementations serialise same-key writes themselves.
type Store interface {
	// Get returns the stored entry for key. A missing or stale entry is a miss
	// (nil, false, nil). An I/O failure returns (nil, false, *StorageError);
	// callers treat it as a miss.
	Get(ctx context.Context, key Key) (entry *Entry, ok bool, err error)

	// Put stores data under key and records the current time as its
	// last-modified time. Any previous entry for key is replaced.
	Put(ctx context.Context, key Key, data []byte) (*Entry, error)

	// Remove deletes the entry for key. Removing a missing key is not an error.
	Remove(ctx context.Context, key Key) error

	// SweepExpired deletes every entry older than the expiration interval.
	// If ctx ends before the traversal finishes, the partial result is
	// returned together with the context's cause.
	SweepExpired(ctx context.Context) (SweepResult, error)

	// Clear removes all entries from the cache.
	Clear(ctx context.Context) error

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// Entry is a single cached object.
type Entry struct {
	Key     Key
	Data    []byte
	Size    int64
	ModTime time.Time
}

// SweepResult describes one run of SweepExpired.
type SweepResult struct {
	Scanned  int
	Removed  int
	Bytes    int64
	Failed   int
	Complete bool
	Duration time.Duration
}

// ErrSweepInProgress is returned by SweepExpired when another sweep holds the
// sweep lock for the same cache directory.
var ErrSweepInProgress = errors.New("sweep already in progress")

// StorageError is a disk I/O failure on read, write, delete or sweep.
type StorageError struct {
	Op  string
	Key Key
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key.Short(), e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
