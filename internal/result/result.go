// Package result provides the success-or-error container used by every
// asynchronous completion in gattq.
package result

import (
	"context"
	"errors"
)

// ErrNilFailure replaces a nil error passed to Failure so that a failed
// Result always carries an error.
var ErrNilFailure = errors.New("failure without error")

// Result holds either a value or an error.
type Result[T any] struct {
	value T
	err   error
}

// Success wraps a value.
func Success[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Failure wraps an error.
func Failure[T any](err error) Result[T] {
	if err == nil {
		err = ErrNilFailure
	}
	return Result[T]{err: err}
}

// From builds a Result from the usual (value, error) pair.
func From[T any](v T, err error) Result[T] {
	if err != nil {
		return Failure[T](err)
	}
	return Success(v)
}

// Get returns the value and error, Go style.
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}

// Value returns the value, or the zero value on failure.
func (r Result[T]) Value() T {
	return r.value
}

// Err returns the failure error, nil on success.
func (r Result[T]) Err() error {
	return r.err
}

func (r Result[T]) IsSuccess() bool {
	return r.err == nil
}

func (r Result[T]) IsFailure() bool {
	return r.err != nil
}

// ValueOr returns the value on success and def on failure.
func (r Result[T]) ValueOr(def T) T {
	if r.err != nil {
		return def
	}
	return r.value
}

// Map transforms a successful value; failures pass through unchanged.
func Map[T, U any](r Result[T], f func(T) U) Result[U] {
	if r.err != nil {
		return Failure[U](r.err)
	}
	return Success(f(r.value))
}

// Await starts a callback-style operation and blocks until it completes or
// ctx is done. Only intended for command-line code; the library itself
// never blocks on a result.
func Await[T any](ctx context.Context, start func(complete func(Result[T]))) (T, error) {
	ch := make(chan Result[T], 1)
	start(func(r Result[T]) {
		select {
		case ch <- r:
		default:
		}
	})

	select {
	case r := <-ch:
		return r.Get()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
