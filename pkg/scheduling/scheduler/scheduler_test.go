package scheduler

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"

	"github.com/vnykmshr/flowlimit/internal/testutil"
	gferrors "github.com/vnykmshr/flowlimit/pkg/common/errors"
	"github.com/vnykmshr/flowlimit/pkg/metrics"
	"github.com/vnykmshr/flowlimit/pkg/ratelimit/concurrency"
)

func newTestScheduler(t *testing.T, cfg Config) Scheduler {
	t.Helper()
	s, err := NewWithConfig(cfg)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { <-s.Stop() })
	return s
}

func counting(counter *int32) Task {
	return TaskFunc(func(_ context.Context) error {
		atomic.AddInt32(counter, 1)
		return nil
	})
}

func TestScheduler_BasicScheduling(t *testing.T) {
	s := newTestScheduler(t, Config{})
	testutil.AssertNoError(t, s.Start())

	var executed int32
	task := counting(&executed)

	// Test immediate scheduling
	testutil.AssertNoError(t, s.Schedule("test1", task, time.Now()))

	// Test delayed scheduling
	testutil.AssertNoError(t, s.ScheduleAfter("test2", task, 50*time.Millisecond))

	// Wait for both tasks to execute
	testutil.WaitForInt32(t, &executed, 2, time.Second)

	// One-time jobs are removed once they fire and never run again.
	testutil.AssertEventually(t, func() bool { return len(s.List()) == 0 })
	time.Sleep(50 * time.Millisecond)
	testutil.AssertEqual(t, atomic.LoadInt32(&executed), int32(2))
}

func TestScheduler_ScheduledBeforeStart(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var executed int32
	testutil.AssertNoError(t, s.Schedule("past", counting(&executed), time.Now().Add(-time.Minute)))
	testutil.AssertNoError(t, s.Start())

	testutil.WaitForInt32(t, &executed, 1, time.Second)
}

func TestScheduler_RepeatingTask(t *testing.T) {
	s := newTestScheduler(t, Config{})
	testutil.AssertNoError(t, s.Start())

	var executed int32
	testutil.AssertNoError(t, s.ScheduleRepeating("repeat", counting(&executed), 20*time.Millisecond))

	testutil.Eventually(t, func() bool {
		return atomic.LoadInt32(&executed) >= 3
	}, time.Second, 10*time.Millisecond)
}

func TestScheduler_CronScheduling(t *testing.T) {
	s := newTestScheduler(t, Config{})
	testutil.AssertNoError(t, s.Start())

	var executed int32
	// Schedule to run every second
	testutil.AssertNoError(t, s.ScheduleCron("cron", "* * * * * *", counting(&executed)))

	testutil.Eventually(t, func() bool {
		return atomic.LoadInt32(&executed) >= 1
	}, 2500*time.Millisecond, 20*time.Millisecond)
}

func TestScheduler_Validation(t *testing.T) {
	s := newTestScheduler(t, Config{MaxTasks: 2})
	var n int32
	task := counting(&n)

	testutil.AssertNoError(t, s.ScheduleAfter("existing", task, time.Hour))

	tests := []struct {
		name string
		call func() error
	}{
		{"empty id", func() error { return s.ScheduleAfter("", task, time.Hour) }},
		{"long id", func() error { return s.ScheduleAfter(strings.Repeat("x", 256), task, time.Hour) }},
		{"nil task", func() error { return s.ScheduleAfter("nil", nil, time.Hour) }},
		{"zero time", func() error { return s.Schedule("zero", task, time.Time{}) }},
		{"zero interval", func() error { return s.ScheduleRepeating("interval", task, 0) }},
		{"empty cron", func() error { return s.ScheduleCron("cron", "", task) }},
		{"bad cron", func() error { return s.ScheduleCron("cron", "61 * * * *", task) }},
		{"duplicate", func() error { return s.ScheduleAfter("existing", task, time.Hour) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !gferrors.IsValidationError(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	testutil.AssertNoError(t, s.ScheduleAfter("second", task, time.Hour))
	err := s.ScheduleAfter("third", task, time.Hour)
	if !errors.Is(err, gferrors.ErrCapacityExceeded) {
		t.Fatalf("got %v, want ErrCapacityExceeded", err)
	}
}

func TestNewWithConfigNegativeMaxTasks(t *testing.T) {
	_, err := NewWithConfig(Config{MaxTasks: -1})
	if !gferrors.IsValidationError(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestScheduler_Cancel(t *testing.T) {
	s := newTestScheduler(t, Config{})
	testutil.AssertNoError(t, s.Start())

	var executed int32
	testutil.AssertNoError(t, s.ScheduleAfter("cancel-me", counting(&executed), 50*time.Millisecond))

	testutil.AssertEqual(t, s.Cancel("cancel-me"), true)
	testutil.AssertEqual(t, s.Cancel("cancel-me"), false)
	testutil.AssertEqual(t, s.Cancel("unknown"), false)

	time.Sleep(100 * time.Millisecond)
	testutil.AssertEqual(t, atomic.LoadInt32(&executed), int32(0))

	testutil.AssertNoError(t, s.ScheduleRepeating("a", counting(&executed), time.Hour))
	testutil.AssertNoError(t, s.ScheduleCron("b", "@daily", counting(&executed)))
	s.CancelAll()
	testutil.AssertEqual(t, len(s.List()), 0)
}

func TestScheduler_ListAndNext(t *testing.T) {
	s := newTestScheduler(t, Config{Location: time.UTC})
	var n int32

	testutil.AssertNoError(t, s.ScheduleRepeating("hourly", counting(&n), time.Hour))
	testutil.AssertNoError(t, s.ScheduleAfter("soon", counting(&n), time.Minute))
	testutil.AssertNoError(t, s.ScheduleCron("yearly", "@yearly", counting(&n)))

	entries := s.List()
	testutil.AssertEqual(t, len(entries), 3)
	testutil.AssertEqual(t, entries[0].ID, "soon")
	testutil.AssertEqual(t, entries[1].ID, "hourly")
	testutil.AssertEqual(t, entries[1].Interval, time.Hour)
	testutil.AssertEqual(t, entries[2].ID, "yearly")
	testutil.AssertEqual(t, entries[2].Expression, "@yearly")

	next, err := s.Next("yearly")
	testutil.AssertNoError(t, err)
	if next.Month() != time.January || next.Day() != 1 || !next.After(time.Now()) {
		t.Errorf("unexpected next run %v for @yearly", next)
	}

	// Next run times are the same once the engine is running.
	testutil.AssertNoError(t, s.Start())
	running, err := s.Next("yearly")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, running.Equal(next), true)

	_, err = s.Next("missing")
	testutil.AssertError(t, err)
}

func TestScheduler_SharesLimiterBudget(t *testing.T) {
	limiter, err := concurrency.NewLimiter(1)
	testutil.AssertNoError(t, err)
	s := newTestScheduler(t, Config{Limiter: limiter})

	gate := make(chan struct{})
	blocker := concurrency.Submit(limiter, func() (int, error) {
		<-gate
		return 0, nil
	})

	started := testutil.NewCallbackTracker()
	testutil.AssertNoError(t, s.ScheduleRepeating("job", TaskFunc(func(context.Context) error {
		started.Mark()
		return nil
	}), time.Hour))

	done := make(chan error, 1)
	go func() { done <- s.Trigger("job") }()

	// The run waits in the limiter queue behind the blocker.
	testutil.AssertEventually(t, func() bool { return limiter.QueueDepth() == 1 })
	started.AssertNotCalled(t)

	close(gate)
	_, _ = blocker.Get()
	testutil.AssertNoError(t, <-done)
	started.AssertCalled(t)
}

func TestScheduler_SkipIfStillRunning(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	var skipped int32
	s := newTestScheduler(t, Config{
		Name:    "skip",
		Metrics: reg,
		OnResult: func(r Result) {
			if errors.Is(r.Err, ErrSkipped) {
				atomic.AddInt32(&skipped, 1)
			}
		},
	})

	gate := make(chan struct{})
	var running int32
	testutil.AssertNoError(t, s.ScheduleRepeating("slow", TaskFunc(func(context.Context) error {
		atomic.AddInt32(&running, 1)
		<-gate
		return nil
	}), time.Hour))

	done := make(chan error, 1)
	go func() { done <- s.Trigger("slow") }()
	testutil.WaitForInt32(t, &running, 1, time.Second)

	err := s.Trigger("slow")
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("got %v, want ErrSkipped", err)
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&skipped), int32(1))
	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.SchedulerSkipped.WithLabelValues("skip", "slow")), 1.0)

	entries := s.List()
	testutil.AssertEqual(t, entries[0].Running, true)

	close(gate)
	testutil.AssertNoError(t, <-done)

	// The job can run again once the previous run finished.
	testutil.AssertNoError(t, s.Trigger("slow"))
	testutil.AssertEqual(t, atomic.LoadInt32(&running), int32(2))
}

func TestScheduler_AllowOverlap(t *testing.T) {
	s := newTestScheduler(t, Config{AllowOverlap: true})

	gate := make(chan struct{})
	var running int32
	testutil.AssertNoError(t, s.ScheduleRepeating("overlap", TaskFunc(func(context.Context) error {
		atomic.AddInt32(&running, 1)
		<-gate
		return nil
	}), time.Hour))

	done := make(chan error, 2)
	go func() { done <- s.Trigger("overlap") }()
	go func() { done <- s.Trigger("overlap") }()

	testutil.WaitForInt32(t, &running, 2, time.Second)
	close(gate)
	testutil.AssertNoError(t, <-done)
	testutil.AssertNoError(t, <-done)
}

func TestScheduler_ResultsAndMetrics(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	results := make(chan Result, 2)
	s := newTestScheduler(t, Config{
		Name:     "results",
		Metrics:  reg,
		OnResult: func(r Result) { results <- r },
	})

	errJob := errors.New("job failed")
	testutil.AssertNoError(t, s.ScheduleRepeating("ok", TaskFunc(func(context.Context) error { return nil }), time.Hour))
	testutil.AssertNoError(t, s.ScheduleRepeating("bad", TaskFunc(func(context.Context) error { return errJob }), time.Hour))

	testutil.AssertNoError(t, s.Trigger("ok"))
	if err := s.Trigger("bad"); !errors.Is(err, errJob) {
		t.Fatalf("got %v, want %v", err, errJob)
	}

	r := <-results
	testutil.AssertEqual(t, r.ID, "ok")
	testutil.AssertNoError(t, r.Err)
	r = <-results
	testutil.AssertEqual(t, r.ID, "bad")
	testutil.AssertEqual(t, r.Err, errJob)

	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.SchedulerRuns.WithLabelValues("results", "ok", "success")), 1.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.SchedulerRuns.WithLabelValues("results", "bad", "failure")), 1.0)

	entries := s.List()
	for _, e := range entries {
		testutil.AssertEqual(t, e.Runs, int64(1))
	}
}

func TestScheduler_PanickingTask(t *testing.T) {
	s := newTestScheduler(t, Config{})
	testutil.AssertNoError(t, s.ScheduleRepeating("panic", TaskFunc(func(context.Context) error {
		panic("boom")
	}), time.Hour))

	err := s.Trigger("panic")
	var perr *concurrency.PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *concurrency.PanicError, got %v", err)
	}
}

func TestScheduler_StopCancelsRunningTasks(t *testing.T) {
	s, err := NewWithConfig(Config{})
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, s.Start())

	var started, canceled int32
	testutil.AssertNoError(t, s.Schedule("wait", TaskFunc(func(ctx context.Context) error {
		atomic.AddInt32(&started, 1)
		<-ctx.Done()
		atomic.AddInt32(&canceled, 1)
		return ctx.Err()
	}), time.Now()))

	testutil.WaitForInt32(t, &started, 1, time.Second)

	select {
	case <-s.Stop():
	case <-time.After(testutil.TestTimeout):
		t.Fatal("Stop did not complete")
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&canceled), int32(1))

	// Stopping again is a no-op.
	<-s.Stop()
}

func TestScheduler_StartTwice(t *testing.T) {
	s := newTestScheduler(t, Config{})
	testutil.AssertNoError(t, s.Start())
	testutil.AssertError(t, s.Start())

	<-s.Stop()
	testutil.AssertNoError(t, s.Start())
}

func TestScheduler_Logger(t *testing.T) {
	w := testutil.NewMockWriter()
	logger := cron.VerbosePrintfLogger(log.New(w, "", 0))
	s := newTestScheduler(t, Config{Logger: logger})

	testutil.AssertNoError(t, s.ScheduleRepeating("logged", TaskFunc(func(context.Context) error { return nil }), time.Hour))
	testutil.AssertNoError(t, s.Trigger("logged"))

	out := w.String()
	for _, want := range []string{"scheduled", "run finished", "job=logged"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateCronExpression(t *testing.T) {
	tests := []struct {
		expr  string
		valid bool
	}{
		{"*/5 * * * *", true},
		{"0 30 9 * * 1-5", true},
		{"@hourly", true},
		{"@every 1h30m", true},
		{"", false},
		{"* * *", false},
		{"60 * * * *", false},
		{"@sometimes", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := ValidateCronExpression(tt.expr)
			if tt.valid {
				testutil.AssertNoError(t, err)
			} else {
				testutil.AssertError(t, err)
			}
		})
	}
}

func TestPackageDocParses(t *testing.T) {
	testutil.AssertPackageDoc(t, "doc.go")
}
