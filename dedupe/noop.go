package dedupe

import "context"

// NoOp is a Group implementation that performs no deduplication.
// Every call executes the function in its own goroutine. This is useful for
// testing or scenarios where deduplication is not needed.
type NoOp[T any] struct{}

var _ Group[int] = NoOp[int]{}

// NewNoOp creates a new NoOp group.
func NewNoOp[T any]() NoOp[T] {
	return NoOp[T]{}
}

// Do executes fn without any deduplication. Shared is always false.
func (n NoOp[T]) Do(ctx context.Context, key string, fn func() (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	n.DoFunc(ctx, key, fn, func(r Result[T]) { ch <- r })
	return ch
}

// DoFunc executes fn without any deduplication and hands the result to deliver.
func (n NoOp[T]) DoFunc(ctx context.Context, key string, fn func() (T, error), deliver func(Result[T])) {
	if err := ctx.Err(); err != nil {
		go deliver(Result[T]{Err: err})
		return
	}
	go func() {
		val, err := invoke(key, fn)
		deliver(Result[T]{Val: val, Err: err})
	}()
}
