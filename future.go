package cocol

import (
	"context"
	"sync"
)

// Future is a single-settle completion handle: a read-only view of a value
// that will eventually be resolved with a value or rejected with an error,
// exactly once. It is the Go-idiomatic analogue of the promise type the
// design notes call for - any single-use future/promise suffices, as long
// as rejection, cancellation, and completion-with-value are distinguishable
// at consumption time (they are: all rejections are plain errors, tested
// with [errors.Is] against the sentinels in errors.go).
//
// Compared to the teacher's eventloop.promise (which fans a settled result
// out to an arbitrary number of ToChannel subscribers, because JS promises
// support arbitrarily many .then callers), a Future here has exactly one
// logical waiter - the call site that submitted the operation - so it is
// simplified to a single done channel rather than a subscriber list.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	onAbandon func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Done returns a channel that is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has already resolved or rejected.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx is done, whichever comes
// first. A context cancellation does not settle the future itself - it
// only stops this particular caller from waiting further.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// resolve settles the future with a success value. Only the first call has
// any effect, matching the "resolved/rejected exactly once" invariant
// shared by every promise/future in the teacher's eventloop package.
func (f *Future[T]) resolve(v T) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return
	default:
	}
	f.value = v
	close(f.done)
	f.mu.Unlock()
}

// reject settles the future with a failure. Only the first call (whether
// resolve or reject) has any effect.
func (f *Future[T]) reject(err error) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return
	default:
	}
	f.err = err
	close(f.done)
	f.mu.Unlock()
}

// result returns the settled value/error without blocking. Callers must
// check Settled first (or otherwise know the future has settled); it is
// used internally after the channel's own match loop has already confirmed
// completion under its own critical section.
func (f *Future[T]) result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// resultAny is the type-erased counterpart of result, used by the
// ExternalChoice driver's settler interface.
func (f *Future[T]) resultAny() (any, error) {
	return f.result()
}

// waitAny is the type-erased counterpart of Wait.
func (f *Future[T]) waitAny(ctx context.Context) (any, error) {
	return f.Wait(ctx)
}

// abandon rejects the future with [ErrCancelled] (a no-op if already
// settled) and runs the owner-supplied cleanup hook, if any - used by the
// context-aware Channel.Read/Write wrappers to evict a queued entry whose
// caller gave up via ctx cancellation rather than a channel-level deadline.
func (f *Future[T]) abandon() {
	f.reject(ErrCancelled)
	if f.onAbandon != nil {
		f.onAbandon()
	}
}

// settler is the type-erased view of a Future used by the ExternalChoice
// driver to race heterogeneous Read/Write requests together.
type settler interface {
	Done() <-chan struct{}
	waitAny(ctx context.Context) (any, error)
	abandon()
}
