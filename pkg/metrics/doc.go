/*
Package metrics provides Prometheus instrumentation for flowlimit components.

All metrics are created through a Registry, which binds them to a Prometheus
registerer. Components either use DefaultRegistry (bound to
prometheus.DefaultRegisterer) or a Registry built from a Config so tests and
embedders can isolate their metrics.

# Quick Start

	limiter, err := concurrency.NewWithMetrics(8, "uploads")
	if err != nil {
		log.Fatal(err)
	}

	http.Handle("/metrics", promhttp.Handler())
	log.Fatal(http.ListenAndServe(":9090", nil))

# Custom Registry

	reg := prometheus.NewRegistry()
	limiter, err := concurrency.NewWithConfig(concurrency.Config{
		Concurrency: 4,
		Name:        "thumbnails",
		Metrics: metrics.Config{
			Enabled:   true,
			Registry:  reg,
			Namespace: "myapp",
		},
	})

# Available Metrics

Limiter (label limiter_name):
  - flowlimit_concurrency_budget: configured budget, 0 when unlimited
  - flowlimit_concurrency_active: tasks currently running
  - flowlimit_concurrency_waiting: tasks queued for a slot
  - flowlimit_concurrency_tasks_submitted_total
  - flowlimit_concurrency_tasks_completed_total
  - flowlimit_concurrency_tasks_failed_total
  - flowlimit_concurrency_tasks_skipped_total: map items short-circuited after a failure
  - flowlimit_concurrency_task_duration_seconds
  - flowlimit_concurrency_queue_wait_seconds
  - flowlimit_concurrency_map_calls_total
  - flowlimit_concurrency_map_failures_total

Scheduler (labels scheduler_name, job):
  - flowlimit_scheduler_runs_total{result="success|failure"}
  - flowlimit_scheduler_skipped_total

Distributed semaphore (labels semaphore, result):
  - flowlimit_distributed_acquire_total{result="acquired|denied|error"}

Metric updates are cheap gauge/counter operations and never block the
component that records them.
*/
package metrics
