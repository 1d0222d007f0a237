/*
Package flowlimit bounds how much concurrent work a Go program starts.

Rate Limiting (pkg/ratelimit):
  - concurrency: Limiter with a fixed budget, FIFO queue, typed futures and fail-fast Map
  - distributed: Cluster-wide budget stored in Redis

Task Scheduling (pkg/scheduling):
  - scheduler: Cron and interval jobs executed through a Limiter

Common (pkg/common):
  - errors: Validation and operation errors, Annotate for attaching a code and fields
  - context: Timeouts and shutdown signals
  - validation: Configuration checks

Metrics (pkg/metrics): Prometheus collectors for all of the above.

Example usage:

	import (
		"github.com/vnykmshr/flowlimit/pkg/ratelimit/concurrency"
	)

	limiter, _ := concurrency.NewLimiter(3) // at most 3 tasks at once

	results, err := concurrency.Map(limiter, urls, fetch).Get()

The flowlimit command (cmd/flowlimit) runs the jobs of a YAML file under a
budget, once or on cron schedules.
*/
package flowlimit
