// File: async/future.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poll-driven futures: a computation is polled until it reports a result,
// registering the task's waker whenever it has to park.

package async

// Poll is the outcome of one Future.Poll call.
type Poll[T any] struct {
	value T
	err   error
	ready bool
}

// Ready reports a successful result.
func Ready[T any](v T) Poll[T] { return Poll[T]{value: v, ready: true} }

// Fail reports a failed result.
func Fail[T any](err error) Poll[T] { return Poll[T]{err: err, ready: true} }

// Pending reports that the future parked and registered the context waker.
func Pending[T any]() Poll[T] { return Poll[T]{} }

// IsReady reports whether the future completed, successfully or not.
func (p Poll[T]) IsReady() bool { return p.ready }

// Value returns the result value; zero when pending or failed.
func (p Poll[T]) Value() T { return p.value }

// Err returns the failure, if any.
func (p Poll[T]) Err() error { return p.err }

// Result unpacks a ready poll.
func (p Poll[T]) Result() (T, error) { return p.value, p.err }

// Future is a resumable computation. Poll must not block: when it cannot make
// progress it arranges for cx.Waker() to be woken and returns Pending.
// A future must not be polled again after it returned a ready result.
type Future[T any] interface {
	Poll(cx *Context) Poll[T]
}

// FutureFunc adapts a function to Future.
type FutureFunc[T any] func(cx *Context) Poll[T]

func (f FutureFunc[T]) Poll(cx *Context) Poll[T] { return f(cx) }

// Value returns a future that is immediately ready with v.
func Value[T any](v T) Future[T] {
	return FutureFunc[T](func(*Context) Poll[T] { return Ready(v) })
}

// Error returns a future that immediately fails with err.
func Error[T any](err error) Future[T] {
	return FutureFunc[T](func(*Context) Poll[T] { return Fail[T](err) })
}

// Then chains next after fut; next runs once on fut's successful result.
func Then[T, U any](fut Future[T], next func(T) Future[U]) Future[U] {
	var second Future[U]
	return FutureFunc[U](func(cx *Context) Poll[U] {
		if second == nil {
			p := fut.Poll(cx)
			if !p.IsReady() {
				return Pending[U]()
			}
			if p.err != nil {
				return Fail[U](p.err)
			}
			second = next(p.value)
		}
		return second.Poll(cx)
	})
}

// Map transforms the result of fut.
func Map[T, U any](fut Future[T], fn func(T) (U, error)) Future[U] {
	return FutureFunc[U](func(cx *Context) Poll[U] {
		p := fut.Poll(cx)
		if !p.IsReady() {
			return Pending[U]()
		}
		if p.err != nil {
			return Fail[U](p.err)
		}
		v, err := fn(p.value)
		if err != nil {
			return Fail[U](err)
		}
		return Ready(v)
	})
}
