package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	gferrors "github.com/vnykmshr/flowlimit/pkg/common/errors"
	"github.com/vnykmshr/flowlimit/pkg/metrics"
	"github.com/vnykmshr/flowlimit/pkg/ratelimit/concurrency"
)

// ErrSkipped is reported for a firing dropped because the previous run of
// the same job had not finished.
var ErrSkipped = errors.New("previous run still active")

// Task is a unit of work run by the scheduler.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts an ordinary function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute calls f(ctx).
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Entry describes a scheduled job.
type Entry struct {
	ID         string
	Expression string        // Empty for one-time and interval jobs
	Interval   time.Duration // Zero unless scheduled with ScheduleRepeating
	Next       time.Time     // Zero once a one-time job has fired
	Prev       time.Time
	Created    time.Time
	Runs       int64
	Running    bool
}

// Result is passed to Config.OnResult after every firing.
type Result struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Scheduler runs jobs at fixed times, at fixed intervals, or on cron
// expressions. Every run is submitted to a concurrency.Limiter, so scheduled
// work shares its budget and FIFO queue with everything else using it.
type Scheduler interface {
	// Basic scheduling
	Schedule(id string, task Task, runAt time.Time) error
	ScheduleAfter(id string, task Task, delay time.Duration) error
	ScheduleRepeating(id string, task Task, interval time.Duration) error

	// Cron scheduling
	ScheduleCron(id string, cronExpr string, task Task) error

	// Task management
	Cancel(id string) bool
	CancelAll()
	List() []Entry
	Next(id string) (time.Time, error)
	Trigger(id string) error

	// Lifecycle
	Start() error
	Stop() <-chan struct{}
}

// Config holds scheduler configuration.
type Config struct {
	// Name identifies the scheduler in metrics.
	Name string

	// Limiter runs every firing. Defaults to an unlimited limiter.
	Limiter *concurrency.Limiter

	// Location is used to evaluate cron expressions (default: time.Local).
	Location *time.Location

	// MaxTasks is the maximum number of scheduled jobs (default: 10000).
	MaxTasks int

	// AllowOverlap lets a job start while its previous run is still active.
	// By default such firings are skipped.
	AllowOverlap bool

	// Logger receives scheduling events. Defaults to cron.DiscardLogger.
	Logger cron.Logger

	// Metrics records runs and skips when set.
	Metrics *metrics.Registry

	// OnResult is called after every run and every skipped firing.
	OnResult func(Result)
}

// parser accepts standard five-field expressions, an optional leading
// seconds field, and descriptors such as @hourly or @every 5m.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCronExpression validates a cron expression without scheduling it.
func ValidateCronExpression(cronExpr string) error {
	if cronExpr == "" {
		return gferrors.NewValidationError("scheduler", "cron expression", cronExpr, "cannot be empty")
	}
	if _, err := parser.Parse(cronExpr); err != nil {
		return gferrors.NewValidationError("scheduler", "cron expression", cronExpr, err.Error()).
			WithHint("use five fields, six with seconds, or a descriptor like @hourly")
	}
	return nil
}

type job struct {
	id         string
	task       Task
	expression string
	interval   time.Duration
	once       bool
	runAt      time.Time
	schedule   cron.Schedule
	created    time.Time
	entryID    cron.EntryID

	running atomic.Bool
	runs    atomic.Int64
}

type scheduler struct {
	name         string
	limiter      *concurrency.Limiter
	location     *time.Location
	maxTasks     int
	allowOverlap bool
	logger       cron.Logger
	metrics      *metrics.Registry
	onResult     func(Result)

	cron *cron.Cron

	mu      sync.RWMutex
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a scheduler with default configuration.
func New() Scheduler {
	s, _ := NewWithConfig(Config{})
	return s
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(cfg Config) (Scheduler, error) {
	limiter := cfg.Limiter
	if limiter == nil {
		var err error
		if limiter, err = concurrency.NewLimiter(0); err != nil {
			return nil, err
		}
	}

	location := cfg.Location
	if location == nil {
		location = time.Local
	}

	maxTasks := cfg.MaxTasks
	if maxTasks < 0 {
		return nil, gferrors.NewValidationError("scheduler", "max tasks", maxTasks, "cannot be negative").
			WithHint("use 0 for the default of 10000")
	}
	if maxTasks == 0 {
		maxTasks = 10000
	}

	logger := cfg.Logger
	if logger == nil {
		logger = cron.DiscardLogger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &scheduler{
		name:         cfg.Name,
		limiter:      limiter,
		location:     location,
		maxTasks:     maxTasks,
		allowOverlap: cfg.AllowOverlap,
		logger:       logger,
		metrics:      cfg.Metrics,
		onResult:     cfg.OnResult,
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (s *scheduler) Schedule(id string, task Task, runAt time.Time) error {
	if runAt.IsZero() {
		return gferrors.NewValidationError("scheduler", "run time", runAt, "cannot be zero")
	}
	return s.add(&job{id: id, task: task, once: true, runAt: runAt}, &onceSchedule{at: runAt})
}

func (s *scheduler) ScheduleAfter(id string, task Task, delay time.Duration) error {
	return s.Schedule(id, task, time.Now().Add(delay))
}

func (s *scheduler) ScheduleRepeating(id string, task Task, interval time.Duration) error {
	if interval <= 0 {
		return gferrors.NewValidationError("scheduler", "interval", interval, "must be positive")
	}
	return s.add(&job{id: id, task: task, interval: interval}, intervalSchedule{interval: interval})
}

func (s *scheduler) ScheduleCron(id string, cronExpr string, task Task) error {
	if err := ValidateCronExpression(cronExpr); err != nil {
		return err
	}
	schedule, _ := parser.Parse(cronExpr)
	return s.add(&job{id: id, task: task, expression: cronExpr}, schedule)
}

// add validates j and registers it with the cron engine.
func (s *scheduler) add(j *job, schedule cron.Schedule) error {
	if j.id == "" {
		return gferrors.NewValidationError("scheduler", "task ID", j.id, "cannot be empty")
	}
	if len(j.id) > 255 {
		return gferrors.NewValidationError("scheduler", "task ID", j.id, "too long (max 255 characters)")
	}
	if j.task == nil {
		return gferrors.NewValidationError("scheduler", "task", nil, "cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.id]; exists {
		return gferrors.NewValidationError("scheduler", "task ID", j.id, "already exists").
			WithHint("use a different ID or cancel the existing task first")
	}

	if len(s.jobs) >= s.maxTasks {
		return fmt.Errorf("cannot schedule task: maximum number of tasks (%d) reached: %w",
			s.maxTasks, gferrors.ErrCapacityExceeded)
	}

	j.created = time.Now()
	j.schedule = schedule
	j.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { _ = s.fire(j) }))
	s.jobs[j.id] = j

	s.logger.Info("scheduled", "job", j.id)
	return nil
}

// fire submits one run of j to the limiter and waits for its outcome.
func (s *scheduler) fire(j *job) error {
	if j.once {
		s.Cancel(j.id)
	}

	if !s.allowOverlap && !j.running.CompareAndSwap(false, true) {
		s.logger.Info("skip", "job", j.id)
		if s.metrics != nil {
			s.metrics.SchedulerSkipped.WithLabelValues(s.name, j.id).Inc()
		}
		s.report(Result{ID: j.id, Started: time.Now(), Err: ErrSkipped})
		return ErrSkipped
	}
	if !s.allowOverlap {
		defer j.running.Store(false)
	}

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	started := time.Now()
	_, err := concurrency.Submit(s.limiter, func() (struct{}, error) {
		return struct{}{}, j.task.Execute(ctx)
	}).Get()
	elapsed := time.Since(started)

	j.runs.Add(1)

	result := "success"
	if err != nil {
		result = "failure"
		s.logger.Error(err, "run failed", "job", j.id, "duration", elapsed)
	} else {
		s.logger.Info("run finished", "job", j.id, "duration", elapsed)
	}
	if s.metrics != nil {
		s.metrics.SchedulerRuns.WithLabelValues(s.name, j.id, result).Inc()
	}

	s.report(Result{ID: j.id, Started: started, Duration: elapsed, Err: err})
	return err
}

func (s *scheduler) report(r Result) {
	if s.onResult != nil {
		s.onResult(r)
	}
}

func (s *scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, exists := s.jobs[id]; exists {
		s.cron.Remove(j.entryID)
		delete(s.jobs, id)
		return true
	}
	return false
}

func (s *scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, j := range s.jobs {
		s.cron.Remove(j.entryID)
		delete(s.jobs, id)
	}
}

func (s *scheduler) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cronEntries := s.cronEntries()
	entries := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		entries = append(entries, s.entry(j, cronEntries[j.entryID]))
	}

	// Sort by next run time
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].Next.Before(entries[k].Next)
	})

	return entries
}

func (s *scheduler) cronEntries() map[cron.EntryID]cron.Entry {
	all := s.cron.Entries()
	byID := make(map[cron.EntryID]cron.Entry, len(all))
	for _, e := range all {
		byID[e.ID] = e
	}
	return byID
}

// entry describes j. Before Start the engine has not computed next run
// times, so they are derived from the job's schedule.
func (s *scheduler) entry(j *job, e cron.Entry) Entry {
	next := e.Next
	if next.IsZero() {
		if j.once {
			next = j.runAt
		} else {
			next = j.schedule.Next(time.Now().In(s.location))
		}
	}
	return Entry{
		ID:         j.id,
		Expression: j.expression,
		Interval:   j.interval,
		Next:       next,
		Prev:       e.Prev,
		Created:    j.created,
		Runs:       j.runs.Load(),
		Running:    j.running.Load(),
	}
}

func (s *scheduler) Next(id string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[id]
	if !exists {
		return time.Time{}, fmt.Errorf("task with ID %q not found", id)
	}
	return s.entry(j, s.cron.Entry(j.entryID)).Next, nil
}

// Trigger runs the job now, in the calling goroutine, and returns its error.
// The overlap rule applies as for a scheduled firing.
func (s *scheduler) Trigger(id string) error {
	s.mu.RLock()
	j, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("task with ID %q not found", id)
	}
	return s.fire(j)
}

func (s *scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running, call Stop() first")
	}

	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.running = true
	s.cron.Start()

	s.logger.Info("start", "name", s.name)
	return nil
}

// Stop halts scheduling, cancels the context passed to running tasks and
// returns a channel closed once every run in progress has finished.
func (s *scheduler) Stop() <-chan struct{} {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	stopped := make(chan struct{})
	if !wasRunning {
		close(stopped)
		return stopped
	}

	done := s.cron.Stop()
	cancel()

	go func() {
		defer close(stopped)
		<-done.Done()
	}()

	return stopped
}

// onceSchedule fires a single time, at a fixed instant or immediately if
// that instant has already passed when the engine first asks.
type onceSchedule struct {
	at time.Time

	mu   sync.Mutex
	due  bool
	done bool
}

func (o *onceSchedule) Next(t time.Time) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.done:
		return time.Time{}
	case t.Before(o.at):
		o.due = true
		return o.at
	case o.due:
		// Asked again after the firing.
		o.done = true
		return time.Time{}
	default:
		o.due = true
		return t
	}
}

// intervalSchedule fires every interval, with sub-second precision.
type intervalSchedule struct {
	interval time.Duration
}

func (i intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(i.interval)
}
