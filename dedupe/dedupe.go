package dedupe

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
)

// Result holds the outcome of a deduplicated call.
type Result[T any] struct {
	Val T
	Err error
	// Shared reports whether the value was delivered to more than one caller.
	Shared bool
}

// Group is an interface for deduplicating concurrent requests.
// It ensures that only one execution is in-flight for a given key at a time.
type Group[T any] interface {
	// Do executes fn unless an execution for key is already in flight, in which
	// case the caller attaches to it. The result is delivered on the returned
	// channel exactly once. Do never blocks.
	Do(ctx context.Context, key string, fn func() (T, error)) <-chan Result[T]

	// DoFunc is like Do but delivers the result to deliver. Callers of one
	// execution are delivered to one at a time, in the order they attached.
	DoFunc(ctx context.Context, key string, fn func() (T, error), deliver func(Result[T]))
}

// PanicError is the error delivered when fn panics.
type PanicError struct {
	Key   string
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("dedupe: call for %q panicked: %v\n\n%s", p.Key, p.Value, p.Stack)
}

// Coalescer is a Group that shares one execution of fn between every caller
// that attaches to a key before the execution resolves. The registry lock is
// only held for bookkeeping; fn and the deliveries run outside of it.
//
// A caller whose context ends before resolution is withdrawn and receives the
// context error. The execution itself is never canceled by withdrawals: when
// every caller has gone away it keeps running to completion with nobody left
// to deliver to.
//
// The zero value is ready to use.
type Coalescer[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
}

type call[T any] struct {
	waiters  []*waiter[T]
	resolved bool
}

type waiter[T any] struct {
	deliver func(Result[T])
	stop    func() bool
}

var _ Group[int] = (*Coalescer[int])(nil)

// NewCoalescer creates a new Coalescer.
func NewCoalescer[T any]() *Coalescer[T] {
	return &Coalescer[T]{}
}

// Do implements Group.
func (c *Coalescer[T]) Do(ctx context.Context, key string, fn func() (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	c.DoFunc(ctx, key, fn, func(r Result[T]) { ch <- r })
	return ch
}

// DoFunc implements Group.
func (c *Coalescer[T]) DoFunc(ctx context.Context, key string, fn func() (T, error), deliver func(Result[T])) {
	if err := ctx.Err(); err != nil {
		go deliver(Result[T]{Err: err})
		return
	}

	w := &waiter[T]{deliver: deliver}

	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[string]*call[T])
	}
	cl, inFlight := c.calls[key]
	if !inFlight {
		cl = &call[T]{}
		c.calls[key] = cl
	}
	cl.waiters = append(cl.waiters, w)
	w.stop = context.AfterFunc(ctx, func() {
		c.withdraw(cl, w, context.Cause(ctx))
	})
	c.mu.Unlock()

	if !inFlight {
		go c.run(key, cl, fn)
	}
}

// Pending returns the number of callers waiting on the execution for key, or
// zero when nothing is in flight.
func (c *Coalescer[T]) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.calls[key]; ok {
		return len(cl.waiters)
	}
	return 0
}

// InFlight reports whether an execution for key is running, including one
// every caller has withdrawn from.
func (c *Coalescer[T]) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.calls[key]
	return ok
}

func (c *Coalescer[T]) run(key string, cl *call[T], fn func() (T, error)) {
	val, err := invoke(key, fn)

	// The call leaves the registry before anyone is notified, so a caller
	// arriving from here on starts a fresh execution.
	c.mu.Lock()
	cl.resolved = true
	if c.calls[key] == cl {
		delete(c.calls, key)
	}
	waiters := cl.waiters
	cl.waiters = nil
	shared := len(waiters) > 1
	c.mu.Unlock()

	for _, w := range waiters {
		w.stop()
		w.deliver(Result[T]{Val: val, Err: err, Shared: shared})
	}
}

func (c *Coalescer[T]) withdraw(cl *call[T], w *waiter[T], err error) {
	c.mu.Lock()
	if cl.resolved {
		c.mu.Unlock()
		return
	}
	i := slices.Index(cl.waiters, w)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	cl.waiters = slices.Delete(cl.waiters, i, i+1)
	c.mu.Unlock()

	w.deliver(Result[T]{Err: err})
}

func invoke[T any](key string, fn func() (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Key: key, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
