package concurrency

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/vnykmshr/flowlimit/pkg/common/errors"
)

// PanicError is the failure delivered for a task that panicked.
type PanicError struct {
	// Value is the value passed to panic.
	Value interface{}

	// Stack is the stack trace of the panicking goroutine.
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v\nStack trace:\n%s", e.Value, e.Stack)
}

// Submit runs task under l and returns a Future settled with the task's
// value and error, exactly once.
//
// If a slot is free the task starts at once in its own goroutine; otherwise
// it is queued behind every task submitted before it. Submit never blocks.
// A panicking task settles its Future with a *PanicError.
func Submit[T any](l *Limiter, task func() (T, error)) *Future[T] {
	f := newFuture[T]()

	if task == nil {
		var zero T
		f.settle(zero, errors.NewValidationError("concurrency", "task", nil, "cannot be nil").
			WithHint("pass a function returning a value and an error"))
		return f
	}

	l.submit(&job{
		exec: func() (func(), error) {
			v, err := call(task)
			return func() { f.settle(v, err) }, err
		},
	})

	return f
}

// submit starts j if a slot is free, otherwise appends it to the queue.
func (l *Limiter) submit(j *job) {
	l.mu.Lock()
	l.observer.Submitted()

	if l.budget > 0 && l.outstanding >= l.budget {
		j.queuedAt = time.Now()
		l.queue = append(l.queue, j)
		l.observer.Queued(len(l.queue))
		l.mu.Unlock()
		return
	}

	l.outstanding++
	l.observer.Started(l.outstanding, len(l.queue), 0)
	l.mu.Unlock()

	go l.run(j)
}

// run executes j and then every job handed over by finish, so a goroutine
// keeps draining the queue for as long as it frees a slot someone is waiting for.
func (l *Limiter) run(j *job) {
	for j != nil {
		start := time.Now()
		deliver, err := j.exec()
		j = l.finish(time.Since(start), err)
		deliver()
	}
}

// finish releases a slot and, if the budget allows, takes the head of the
// queue and starts it in the freed slot. At most one job is dequeued.
func (l *Limiter) finish(elapsed time.Duration, err error) *job {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.outstanding--
	l.observer.Finished(l.outstanding, elapsed, err)

	if len(l.queue) == 0 || l.outstanding >= l.budget {
		return nil
	}

	next := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	if len(l.queue) == 0 {
		l.queue = nil
	}

	l.outstanding++
	l.observer.Started(l.outstanding, len(l.queue), time.Since(next.queuedAt))

	return next
}

// call invokes task, turning a panic into a *PanicError.
func call[T any](task func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()

	return task()
}
