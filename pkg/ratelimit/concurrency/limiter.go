package concurrency

import (
	"sync"
	"time"

	"github.com/vnykmshr/flowlimit/pkg/common/validation"
	"github.com/vnykmshr/flowlimit/pkg/metrics"
)

// Task is an untyped unit of work accepted by Limiter.Submit.
type Task func() (interface{}, error)

// Observer receives limiter lifecycle events.
//
// Queued, Started and Finished are called with the limiter's lock held, so
// implementations must be fast and must not call back into the limiter.
type Observer interface {
	// Submitted is called once per submitted task.
	Submitted()

	// Queued is called when a task is appended to the wait queue.
	Queued(depth int)

	// Started is called when a task takes a slot. waited is zero for tasks
	// that never queued.
	Started(outstanding, depth int, waited time.Duration)

	// Finished is called when a task has released its slot.
	Finished(outstanding int, elapsed time.Duration, err error)

	// Skipped is called for each map item short-circuited after a failure.
	Skipped()

	// MapFinished is called once a bulk map operation has settled.
	MapFinished(items int, err error)
}

// Config holds configuration options for creating a new Limiter.
type Config struct {
	// Concurrency is the maximum number of tasks running at once.
	// Zero means no limit.
	Concurrency int

	// Name identifies the limiter in metrics.
	Name string

	// Metrics enables Prometheus instrumentation when Metrics.Enabled is set.
	Metrics metrics.Config

	// Observer receives lifecycle events. It takes precedence over Metrics.
	Observer Observer
}

// Limiter runs tasks with at most a fixed number in flight. Tasks submitted
// while the budget is exhausted wait in a FIFO queue and start, one per
// finished task, in submission order.
//
// A Limiter is safe for concurrent use and must not be copied.
type Limiter struct {
	name   string
	budget int

	mu          sync.Mutex
	outstanding int
	queue       []*job
	observer    Observer
}

// job is a task waiting for, or holding, a slot. exec runs the task and
// returns the function that delivers its outcome to the caller.
type job struct {
	exec     func() (deliver func(), err error)
	queuedAt time.Time
}

// NewLimiter creates a limiter allowing concurrency tasks to run at once.
// A concurrency of 0 disables the limit. Negative values are rejected.
func NewLimiter(concurrency int) (*Limiter, error) {
	return NewWithConfig(Config{Concurrency: concurrency})
}

// NewWithConfig creates a limiter from config.
func NewWithConfig(config Config) (*Limiter, error) {
	if err := validation.ValidateNonNegativeInt("concurrency", "concurrency", config.Concurrency); err != nil {
		return nil, err
	}

	l := &Limiter{
		name:     config.Name,
		budget:   config.Concurrency,
		observer: nopObserver{},
	}

	switch {
	case config.Observer != nil:
		l.observer = config.Observer
	case config.Metrics.Enabled:
		if err := l.EnableMetrics(config.Metrics); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// Name returns the limiter name given in Config.
func (l *Limiter) Name() string {
	return l.name
}

// Budget returns the maximum number of concurrently running tasks, 0 if unlimited.
func (l *Limiter) Budget() int {
	return l.budget
}

// Unlimited reports whether the limiter runs every task immediately.
func (l *Limiter) Unlimited() bool {
	return l.budget == 0
}

// Outstanding returns the number of tasks currently running.
func (l *Limiter) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding
}

// QueueDepth returns the number of tasks waiting for a slot.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Submit runs task under the limiter and returns a Future for its outcome.
func (l *Limiter) Submit(task Task) *Future[interface{}] {
	return Submit[interface{}](l, task)
}

// Map runs mapper over items under the limiter. See the package-level Map.
func (l *Limiter) Map(items []interface{}, mapper func(interface{}) (interface{}, error)) *Future[[]interface{}] {
	return Map[interface{}, interface{}](l, items, mapper)
}

func (l *Limiter) currentObserver() Observer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observer
}

type nopObserver struct{}

func (nopObserver) Submitted()                         {}
func (nopObserver) Queued(int)                         {}
func (nopObserver) Started(int, int, time.Duration)    {}
func (nopObserver) Finished(int, time.Duration, error) {}
func (nopObserver) Skipped()                           {}
func (nopObserver) MapFinished(int, error)             {}
