/*
Package scheduling provides time-based execution on top of a concurrency
budget.

  - scheduler: One-time, interval and cron jobs whose firings run through a
    concurrency.Limiter

Every firing is submitted to the scheduler's limiter, so scheduled work
waits in the same FIFO queue as everything else using that limiter:

	limiter, _ := concurrency.NewLimiter(2)
	s, _ := scheduler.NewWithConfig(scheduler.Config{Limiter: limiter})
	defer func() { <-s.Stop() }()

	s.ScheduleCron("report", "0 9 * * MON-FRI", task) // Weekdays at 9 AM
	s.ScheduleRepeating("poll", task, 30*time.Second)
	s.Start()

A firing is skipped while the previous run of the same job is still active
unless Config.AllowOverlap is set.
*/
package scheduling
