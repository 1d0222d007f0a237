package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	gfcontext "github.com/vnykmshr/flowlimit/pkg/common/context"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every job in the job file once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := gfcontext.WithShutdownSignals(cmd.Context())
		defer cancel()

		report, err := a.runner.Run(ctx, a.cfg.Jobs, a.cfg.FailFast)
		a.log.WithFields(logrus.Fields{
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
		}).Info("jobs finished")
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&flags.failFast, "fail-fast", false, "Stop starting jobs after the first failure (overrides the job file)")
}
