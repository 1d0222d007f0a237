/*
Package concurrency provides a bounded-concurrency task limiter.

A Limiter caps how many tasks run at the same time. Tasks submitted while
the budget is exhausted wait in a FIFO queue; every time a running task
finishes, the task at the head of the queue takes the freed slot. Each
submission returns a Future that settles exactly once with the task's own
value and error.

Basic usage:

	limiter, err := concurrency.NewLimiter(4) // at most 4 tasks at once
	if err != nil {
		log.Fatal(err)
	}

	f := concurrency.Submit(limiter, func() (int, error) {
		return fetchSize(url)
	})

	size, err := f.Get()

A budget of 0 means no limit: every task starts immediately and
QueueDepth is always 0.

Bulk Map:

Map runs a function over a slice under the same budget and collects the
results in input order:

	sizes, err := concurrency.Map(limiter, urls, fetchSize).Get()

Map fails fast. After the first failure, items that have not started yet
resolve to the zero value without calling the function and the returned
Future fails with that first error. Calls already in flight finish on their
own and their results are discarded. Which failure is reported when several
calls fail together depends on completion order.

Queue Depth:

QueueDepth reports how many tasks are waiting for a slot. Producers can use
it to slow down when the queue grows:

	for item := range input {
		for limiter.QueueDepth() > 100 {
			time.Sleep(10 * time.Millisecond)
		}
		concurrency.Submit(limiter, process(item))
	}

Futures:

A Future can be read with Get, which blocks, or with Await, which stops
waiting when its context is done. Await never cancels the task: the task
keeps its slot until it returns. All combines futures the same way Map does.

Errors and Panics:

The limiter never interprets, retries, or logs task errors. A task that
panics settles its Future with a *PanicError carrying the recovered value
and stack trace, and its slot is released like any other finished task.

There are no timeouts and no cancellation. A task that never returns holds
its slot forever.

Metrics:

NewWithMetrics or Config.Metrics record submitted, completed, failed and
skipped tasks, queue depth, active tasks, queue wait and task duration in
Prometheus. See package metrics. A custom Observer can be plugged in through
Config.Observer instead.

Thread Safety:

All limiter state is guarded by a single mutex held only for bookkeeping,
never while a task runs. A Limiter may be shared by any number of goroutines.
*/
package concurrency
