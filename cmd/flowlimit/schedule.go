package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/vnykmshr/flowlimit/internal/runner"
	gfcontext "github.com/vnykmshr/flowlimit/pkg/common/context"
	"github.com/vnykmshr/flowlimit/pkg/metrics"
	"github.com/vnykmshr/flowlimit/pkg/scheduling/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run jobs on their cron schedules until interrupted",
	Long: `schedule keeps running and fires every job that has a schedule field.
A firing is skipped while the previous run of the same job is still active.
All firings share the concurrency budget.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		jobs := a.cfg.Scheduled()
		if len(jobs) == 0 {
			return errors.New("no job in " + flags.file + " has a schedule")
		}

		cfg := scheduler.Config{
			Name:    "jobs",
			Limiter: a.limiter,
			Logger:  runner.CronLogger(a.log),
		}
		if a.cfg.Metrics.Addr != "" {
			cfg.Metrics = metrics.DefaultRegistry
		}

		s, err := scheduler.NewWithConfig(cfg)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if err := s.ScheduleCron(job.Name, job.Schedule, a.runner.Task(job)); err != nil {
				return err
			}
		}

		ctx, cancel := gfcontext.WithShutdownSignals(cmd.Context())
		defer cancel()

		if err := s.Start(); err != nil {
			return err
		}
		for _, e := range s.List() {
			a.log.WithField("job", e.ID).WithField("next", e.Next).Info("job scheduled")
		}

		<-ctx.Done()
		a.log.Info("shutting down, waiting for running jobs")
		<-s.Stop()
		return nil
	},
}
