package concurrency

import (
	"sync/atomic"

	"github.com/vnykmshr/flowlimit/pkg/common/errors"
)

// Map submits one task per item, in input order, that applies mapper to the
// item. The returned Future succeeds with the mapped values in input order
// if every call succeeds.
//
// Map fails fast: once a mapper call fails, items whose task has not yet
// started resolve to the zero value without calling mapper, and the Future
// fails with the first failure observed. Those items still pass through the
// limiter and briefly take a slot each. Calls already running when the
// failure is observed run to completion and their results are discarded.
func Map[I, O any](l *Limiter, items []I, mapper func(I) (O, error)) *Future[[]O] {
	if mapper == nil {
		f := newFuture[[]O]()
		f.settle(nil, errors.NewValidationError("concurrency", "mapper", nil, "cannot be nil"))
		return f
	}

	var failed atomic.Bool

	futures := make([]*Future[O], len(items))
	for i, item := range items {
		futures[i] = Submit(l, func() (O, error) {
			if failed.Load() {
				l.currentObserver().Skipped()
				var zero O
				return zero, nil
			}

			v, err := call(func() (O, error) { return mapper(item) })
			if err != nil {
				failed.Store(true)
			}
			return v, err
		})
	}

	return all(futures, func(err error) {
		l.currentObserver().MapFinished(len(items), err)
	})
}
