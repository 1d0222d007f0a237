/*
Package ratelimit provides concurrency budgets for Go applications.

This package offers two limiters that are usually combined:

  - concurrency: In-process limiter with a FIFO queue and typed futures
  - distributed: Redis-backed semaphore sharing a budget across processes

Local budget:

	limiter, _ := concurrency.NewLimiter(4) // at most 4 tasks in flight
	f := concurrency.Submit(limiter, func() (int, error) {
		return work(), nil
	})
	n, err := f.Get()

Tasks beyond the budget wait in submission order. Map applies a function
to a slice under the budget and stops starting new items after the first
failure.

Cluster-wide budget:

	sem, _ := distributed.NewSemaphore(cfg)
	f := concurrency.Submit(limiter, distributed.Guard(ctx, sem, task))

A guarded task holds a local slot and a global slot while it runs.
*/
package ratelimit
