// Package future provides a single-assignment completion handle. A Future is
// settled exactly once, either resolved with a value or rejected with an error;
// later attempts to settle it are ignored.
package future

import (
	"context"
	"sync/atomic"
)

type Future[T any] struct {
	done    chan struct{}
	settled atomic.Bool
	value   T
	err     error
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Failed returns a future already rejected with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. It reports whether this call settled it.
func (f *Future[T]) Resolve(v T) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.value = v
	close(f.done)
	return true
}

// Reject settles the future with err. It reports whether this call settled it.
func (f *Future[T]) Reject(err error) bool {
	if !f.settled.CompareAndSwap(false, true) {
		return false
	}
	f.err = err
	close(f.done)
	return true
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether Resolve or Reject has completed.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done. Abandoning a wait does
// not cancel the underlying operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Get blocks until the future settles.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// Then returns a future settled with fn applied to this future's value, or
// with this future's error.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	go func() {
		v, err := f.Get()
		if err != nil {
			out.Reject(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(u)
	}()
	return out
}
