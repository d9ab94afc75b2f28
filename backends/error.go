package backends

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Error wraps any Store and randomly returns errors based on a configured percentage.
// This is useful for testing that storage failures never reach callers.
type Error struct {
	store     Store
	errorRate float64 // Percentage of operations that should fail (0.0 to 1.0)

	rng   *rand.Rand
	rngMu sync.Mutex // Protects rng access (rand.Rand is not thread-safe)

	putErrors   atomic.Int64
	getErrors   atomic.Int64
	clearErrors atomic.Int64
}

var _ Store = (*Error)(nil)

// NewError creates a new error-injecting wrapper around an existing store.
// errorRate should be between 0.0 (no errors) and 1.0 (all operations fail).
func NewError(store Store, errorRate float64) *Error {
	if errorRate < 0.0 {
		errorRate = 0.0
	}
	if errorRate > 1.0 {
		errorRate = 1.0
	}

	return &Error{
		store:     store,
		errorRate: errorRate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// shouldError returns true if this operation should fail based on the error rate.
func (e *Error) shouldError() bool {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() < e.errorRate
}

func (e *Error) injected(op string, key Key) error {
	return &StorageError{
		Op:  op,
		Key: key,
		Err: fmt.Errorf("simulated %s error (error rate: %.2f%%)", op, e.errorRate*100),
	}
}

// Get retrieves an entry, potentially returning an error.
func (e *Error) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	if e.shouldError() {
		e.getErrors.Add(1)
		return nil, false, e.injected("read", key)
	}
	return e.store.Get(ctx, key)
}

// Put stores an entry, potentially returning an error.
func (e *Error) Put(ctx context.Context, key Key, data []byte) (*Entry, error) {
	if e.shouldError() {
		e.putErrors.Add(1)
		return nil, e.injected("write", key)
	}
	return e.store.Put(ctx, key, data)
}

// Remove is passed through unchanged.
func (e *Error) Remove(ctx context.Context, key Key) error {
	return e.store.Remove(ctx, key)
}

// SweepExpired is passed through unchanged.
func (e *Error) SweepExpired(ctx context.Context) (SweepResult, error) {
	return e.store.SweepExpired(ctx)
}

// Clear removes all entries, potentially returning an error.
func (e *Error) Clear(ctx context.Context) error {
	if e.shouldError() {
		e.clearErrors.Add(1)
		return e.injected("clear", "")
	}
	return e.store.Clear(ctx)
}

// Close closes the wrapped store.
func (e *Error) Close() error {
	return e.store.Close()
}

// GetStats returns the number of errors injected for each operation type.
func (e *Error) GetStats() (putErrors, getErrors, clearErrors int64) {
	return e.putErrors.Load(), e.getErrors.Load(), e.clearErrors.Load()
}
