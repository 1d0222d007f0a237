// Package scheduler runs jobs at fixed times, at fixed intervals, or on cron
// expressions, with every run going through a concurrency.Limiter.
//
// Basic Usage:
//
//	limiter, _ := concurrency.NewLimiter(4)
//	s, err := scheduler.NewWithConfig(scheduler.Config{Limiter: limiter})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := s.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer func() { <-s.Stop() }()
//
//	task := scheduler.TaskFunc(func(ctx context.Context) error {
//		return backup(ctx)
//	})
//
//	// Schedule a one-time task
//	s.ScheduleAfter("warmup", task, time.Minute)
//
//	// Schedule a repeating task
//	s.ScheduleRepeating("heartbeat", task, 30*time.Second)
//
//	// Cron-style scheduling
//	s.ScheduleCron("backup", "0 2 * * *", task)
//
// Cron Expressions:
//
// Expressions have five fields (minute hour day-of-month month day-of-week)
// or six with a leading seconds field. Descriptors are accepted too:
//
//	"0 */2 * * *"      every 2 hours
//	"30 14 * * 1-5"    2:30 PM on weekdays
//	"*/10 * * * * *"   every 10 seconds
//	"@daily"           every day at midnight
//	"@every 90s"       every 90 seconds
//
// ValidateCronExpression checks an expression without scheduling it.
//
// Sharing a Limiter:
//
// A firing does not run its task directly: it submits it to the configured
// limiter and waits for the outcome. Scheduled runs therefore count against
// the same budget as any other work submitted to that limiter and queue behind
// it in FIFO order when the budget is exhausted.
//
// Overlapping Runs:
//
// If a job fires while its previous run is still queued or running, the new
// firing is skipped and reported with ErrSkipped. Set Config.AllowOverlap to
// let runs of the same job overlap.
//
// Monitoring:
//
// Config.OnResult is called after every firing with the job ID, start time,
// duration and error. Config.Metrics counts runs by outcome and skipped
// firings. Config.Logger accepts any cron.Logger, for example one built with
// cron.VerbosePrintfLogger around a logrus logger.
//
// Stopping:
//
// Stop halts scheduling, cancels the context passed to running tasks and
// returns a channel that is closed once every run in progress has finished.
package scheduler
