package distributed

import (
	"context"
)

// Guard wraps task so that it holds a global slot of sem while it runs.
// The returned function has the shape expected by concurrency.Submit, so a
// task can be bounded by a local limiter and by the cluster at the same time:
//
//	f := concurrency.Submit(limiter, distributed.Guard(ctx, sem, task))
//
// The local slot is held while waiting for the global one. If the global
// slot cannot be acquired the task does not run and the acquisition error
// is returned. The slot is released even if task panics. A release failure
// is reported only when task succeeded.
func Guard[T any](ctx context.Context, sem Semaphore, task func() (T, error)) func() (T, error) {
	return func() (v T, err error) {
		if err = sem.Acquire(ctx); err != nil {
			return v, err
		}

		defer func() {
			// Release even if ctx was canceled while the task ran.
			if rerr := sem.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
				err = rerr
			}
		}()

		return task()
	}
}
