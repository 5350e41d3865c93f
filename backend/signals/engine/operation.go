package engine

import (
	"context"
	"sync"

	"sigtree/backend/signals"
)

// ResultOrError is the outcome of an operation: a value, or the reason it failed.
type ResultOrError[T any] struct {
	Value  T
	Reason string
	ok     bool
}

// Success creates a successful outcome.
func Success[T any](v T) ResultOrError[T] {
	return ResultOrError[T]{Value: v, ok: true}
}

// Failure creates a failed outcome.
func Failure[T any](reason string) ResultOrError[T] {
	return ResultOrError[T]{Reason: reason}
}

// Successful reports whether the operation succeeded.
func (r ResultOrError[T]) Successful() bool {
	return r.ok
}

// ToResultOrError converts a command result.
func ToResultOrError(r signals.Result) ResultOrError[struct{}] {
	if rej, ok := r.(signals.Reject); ok {
		return Failure[struct{}](rej.Reason)
	}
	return Success(struct{}{})
}

// Operation is an eventually available outcome.
type Operation[T any] struct {
	done   chan struct{}
	once   sync.Once
	result ResultOrError[T]
}

// NewOperation creates an unresolved operation.
func NewOperation[T any]() *Operation[T] {
	return &Operation[T]{done: make(chan struct{})}
}

// Resolve sets the outcome. Only the first call has any effect.
func (op *Operation[T]) Resolve(r ResultOrError[T]) {
	op.once.Do(func() {
		op.result = r
		close(op.done)
	})
}

// Done is closed once the outcome is available.
func (op *Operation[T]) Done() <-chan struct{} {
	return op.done
}

// Result returns the outcome if it's already available.
func (op *Operation[T]) Result() (ResultOrError[T], bool) {
	select {
	case <-op.done:
		return op.result, true
	default:
		return ResultOrError[T]{}, false
	}
}

// Wait blocks until the outcome is available or the context is done.
func (op *Operation[T]) Wait(ctx context.Context) (ResultOrError[T], error) {
	select {
	case <-op.done:
		return op.result, nil
	case <-ctx.Done():
		return ResultOrError[T]{}, ctx.Err()
	}
}
