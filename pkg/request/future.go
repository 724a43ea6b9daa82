package request

import (
	"context"
	"sync"
)

// Future is a single-use completion slot. Exactly one result or error is
// ever delivered to it; later completions are ignored.
type Future struct {
	once sync.Once
	done chan struct{}
	res  Result
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Rejected returns a future that has already failed with err.
func Rejected(err error) *Future {
	f := newFuture()
	f.complete(Result{}, err)
	return f
}

func (f *Future) complete(res Result, err error) bool {
	fired := false
	f.once.Do(func() {
		f.res = res
		f.err = err
		close(f.done)
		fired = true
	})
	return fired
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done. Abandoning the wait
// does not cancel the underlying request.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future) Result() (res Result, err error, ok bool) {
	select {
	case <-f.done:
		return f.res, f.err, true
	default:
		return Result{}, nil, false
	}
}

// Completed reports whether the future has completed.
func (f *Future) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
