package concurrency

import (
	"context"
	"sync"
)

// Future is the pending outcome of a submitted task. It is settled exactly
// once and can be read any number of times from any goroutine.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// settle records the outcome. Calls after the first have no effect.
func (f *Future[T]) settle(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done returns a channel that is closed once the Future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the outcome is available without blocking.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the Future is settled and returns the task's value and error.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// Await is like Get but gives up waiting when ctx is done, returning
// ctx.Err(). The task itself keeps running and still settles the Future.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// All returns a Future that succeeds with the values of futures in their
// original order once every one has succeeded, or fails with the first
// failure observed in completion order. Later outcomes are discarded.
func All[T any](futures ...*Future[T]) *Future[[]T] {
	return all(futures, nil)
}

// all implements All. onSettle, if set, runs just before the result settles.
func all[T any](futures []*Future[T], onSettle func(error)) *Future[[]T] {
	out := newFuture[[]T]()

	settle := func(values []T, err error) {
		if onSettle != nil {
			onSettle(err)
		}
		out.settle(values, err)
	}

	if len(futures) == 0 {
		settle([]T{}, nil)
		return out
	}

	type outcome struct {
		index int
		value T
		err   error
	}

	// Buffered so the per-future goroutines never block once the result has
	// been decided by an earlier failure.
	outcomes := make(chan outcome, len(futures))
	for i, f := range futures {
		go func(i int, f *Future[T]) {
			v, err := f.Get()
			outcomes <- outcome{index: i, value: v, err: err}
		}(i, f)
	}

	go func() {
		values := make([]T, len(futures))
		for range futures {
			o := <-outcomes
			if o.err != nil {
				settle(nil, o.err)
				return
			}
			values[o.index] = o.value
		}
		settle(values, nil)
	}()

	return out
}
