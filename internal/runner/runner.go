// Package runner executes the jobs of a job file as external commands under
// a shared concurrency budget.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	gfcontext "github.com/vnykmshr/flowlimit/pkg/common/context"
	gferrors "github.com/vnykmshr/flowlimit/pkg/common/errors"
	"github.com/vnykmshr/flowlimit/pkg/ratelimit/concurrency"
	"github.com/vnykmshr/flowlimit/pkg/ratelimit/distributed"
	"github.com/vnykmshr/flowlimit/pkg/scheduling/scheduler"
)

// ErrorCode is the code attached to every job failure.
const ErrorCode = "EJOB"

// killGrace bounds how long a killed job may keep its output pipes open.
const killGrace = time.Second

// Outcome describes one finished job.
type Outcome struct {
	Job      string
	ExitCode int
	Attempts int
	Duration time.Duration
}

// Report summarizes a Run.
type Report struct {
	Outcomes  []Outcome
	Succeeded int
	Failed    int
}

// Options configures a Runner.
type Options struct {
	// Limiter bounds how many jobs run at once. Required.
	Limiter *concurrency.Limiter

	// Semaphore adds a cluster-wide budget when set.
	Semaphore distributed.Semaphore

	// Logger receives job events. Defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger

	// Output receives the combined output of every job, one prefixed line
	// at a time. Defaults to os.Stdout.
	Output io.Writer
}

// Runner runs jobs through a concurrency.Limiter.
type Runner struct {
	limiter *concurrency.Limiter
	sem     distributed.Semaphore
	log     logrus.FieldLogger

	outMu sync.Mutex
	out   io.Writer
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Limiter == nil {
		return nil, gferrors.NewValidationError("runner", "limiter", nil, "cannot be nil").
			WithHint("create one with concurrency.NewLimiter")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	return &Runner{
		limiter: opts.Limiter,
		sem:     opts.Semaphore,
		log:     logger,
		out:     out,
	}, nil
}

// Run executes jobs under the limiter.
//
// With failFast the jobs go through concurrency.Map: after the first failure
// jobs that have not started are skipped and the error is returned as soon
// as it is observed. The report then counts the jobs that had finished by
// that point; jobs still running are not included. Otherwise every job runs
// and the returned error reports how many failed.
func (r *Runner) Run(ctx context.Context, jobs []Job, failFast bool) (Report, error) {
	r.log.WithFields(logrus.Fields{
		"jobs":      len(jobs),
		"budget":    r.limiter.Budget(),
		"fail_fast": failFast,
	}).Info("starting jobs")

	if failFast {
		return r.runFailFast(ctx, jobs)
	}
	return r.runAll(ctx, jobs)
}

func (r *Runner) runFailFast(ctx context.Context, jobs []Job) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)

	outcomes, err := concurrency.Map(r.limiter, jobs, func(job Job) (Outcome, error) {
		outcome, err := r.guard(ctx, job)()

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Failed++
		} else {
			report.Succeeded++
			report.Outcomes = append(report.Outcomes, outcome)
		}
		return outcome, err
	}).Get()

	mu.Lock()
	defer mu.Unlock()

	if err != nil {
		r.log.WithError(err).WithFields(fieldsOf(err)).WithFields(logrus.Fields{
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
		}).Error("stopped after first failure")
		return snapshot(report), err
	}

	report.Outcomes = outcomes
	return snapshot(report), nil
}

// snapshot copies report so that jobs still running after a fail-fast stop
// cannot change the caller's copy.
func snapshot(report Report) Report {
	report.Outcomes = append([]Outcome(nil), report.Outcomes...)
	return report
}

func (r *Runner) runAll(ctx context.Context, jobs []Job) (Report, error) {
	futures := make([]*concurrency.Future[Outcome], len(jobs))
	for i, job := range jobs {
		futures[i] = concurrency.Submit(r.limiter, r.guard(ctx, job))
	}

	var report Report
	var failed []string
	for i, f := range futures {
		outcome, err := f.Get()
		if err != nil {
			report.Failed++
			failed = append(failed, jobs[i].Name)
			continue
		}
		report.Succeeded++
		report.Outcomes = append(report.Outcomes, outcome)
	}

	if report.Failed > 0 {
		return report, fmt.Errorf("%d of %d jobs failed: %s",
			report.Failed, len(jobs), strings.Join(failed, ", "))
	}
	return report, nil
}

// guard returns the task running job, holding a global slot when a
// semaphore is configured.
func (r *Runner) guard(ctx context.Context, job Job) func() (Outcome, error) {
	task := func() (Outcome, error) {
		return r.RunJob(ctx, job)
	}
	if r.sem == nil {
		return task
	}
	return distributed.Guard(ctx, r.sem, task)
}

// Task adapts job for the cron scheduler.
func (r *Runner) Task(job Job) scheduler.Task {
	return scheduler.TaskFunc(func(ctx context.Context) error {
		if r.sem != nil {
			_, err := distributed.Guard(ctx, r.sem, func() (Outcome, error) {
				return r.RunJob(ctx, job)
			})()
			return err
		}
		_, err := r.RunJob(ctx, job)
		return err
	})
}

// RunJob runs job in the calling goroutine, retrying failed attempts with
// exponential backoff. A failure is annotated with ErrorCode and the job
// name, exit code and attempt count.
func (r *Runner) RunJob(ctx context.Context, job Job) (Outcome, error) {
	log := r.log.WithField("job", job.Name)
	start := time.Now()
	outcome := Outcome{Job: job.Name}

	var lastErr error
	delay := job.RetryDelay

	for attempt := 1; attempt <= job.Retries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return outcome, r.annotate(ctx.Err(), job, outcome, false)
			}
			delay *= 2
		}

		outcome.Attempts = attempt
		log.WithFields(logrus.Fields{
			"attempt":     attempt,
			"queue_depth": r.limiter.QueueDepth(),
		}).Debug("job started")

		exitCode, timedOut, err := r.exec(ctx, job)
		outcome.ExitCode = exitCode
		if err == nil {
			outcome.Duration = time.Since(start)
			log.WithFields(logrus.Fields{
				"attempt":  attempt,
				"duration": outcome.Duration,
			}).Info("job succeeded")
			return outcome, nil
		}

		lastErr = r.annotate(err, job, outcome, timedOut)
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":   attempt,
			"exit_code": exitCode,
			"timed_out": timedOut,
		}).Warn("job attempt failed")
	}

	outcome.Duration = time.Since(start)
	log.WithError(lastErr).WithFields(fieldsOf(lastErr)).Error("job failed")
	return outcome, lastErr
}

// exec runs one attempt of job and returns its exit code, -1 when the
// process did not exit normally.
func (r *Runner) exec(ctx context.Context, job Job) (int, bool, error) {
	ctx, cancel := gfcontext.WithTimeoutOrCancel(ctx, job.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, job.Command, job.Args...)
	cmd.Dir = job.Dir
	cmd.WaitDelay = killGrace
	if len(job.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range job.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	r.writeOutput(job.Name, output.Bytes())

	if err == nil {
		return 0, false, nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if gfcontext.IsTimedOut(ctx) {
		return exitCode, true, fmt.Errorf("%w: killed after %s", gferrors.ErrTimeout, job.Timeout)
	}
	return exitCode, false, err
}

func (r *Runner) annotate(err error, job Job, outcome Outcome, timedOut bool) error {
	fields := map[string]interface{}{
		"job":       job.Name,
		"exit_code": outcome.ExitCode,
		"attempts":  outcome.Attempts,
	}
	if timedOut {
		fields["timed_out"] = true
	}

	annotated, aerr := gferrors.Annotate(err, ErrorCode, fields)
	if aerr != nil {
		return err
	}
	return annotated
}

// writeOutput copies job output to the runner's writer, prefixing each line
// with the job name so interleaved jobs stay readable.
func (r *Runner) writeOutput(name string, data []byte) {
	if len(data) == 0 {
		return
	}

	var buf bytes.Buffer
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		buf.WriteString("[" + name + "] " + line)
		if !strings.HasSuffix(line, "\n") {
			buf.WriteByte('\n')
		}
	}

	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = r.out.Write(buf.Bytes())
}

// fieldsOf turns the annotation fields of err into logrus fields.
func fieldsOf(err error) logrus.Fields {
	fields := logrus.Fields{}
	for k, v := range gferrors.Fields(err) {
		fields[k] = v
	}
	return fields
}
