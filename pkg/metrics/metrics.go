// Package metrics provides Prometheus instrumentation for flowlimit components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances for flowlimit components.
type Registry struct {
	// Limiter Metrics
	ConcurrencyBudget  *prometheus.GaugeVec
	ConcurrencyActive  *prometheus.GaugeVec
	ConcurrencyWaiting *prometheus.GaugeVec
	TasksSubmitted     *prometheus.CounterVec
	TasksCompleted     *prometheus.CounterVec
	TasksFailed        *prometheus.CounterVec
	TasksSkipped       *prometheus.CounterVec
	TaskDuration       *prometheus.HistogramVec
	QueueWait          *prometheus.HistogramVec
	MapCalls           *prometheus.CounterVec
	MapFailures        *prometheus.CounterVec

	// Scheduling Metrics
	SchedulerRuns    *prometheus.CounterVec
	SchedulerSkipped *prometheus.CounterVec

	// Distributed Metrics
	DistributedAcquire *prometheus.CounterVec
}

// DefaultRegistry is the default metrics registry used by flowlimit components.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer
// and the default namespace.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return NewRegistryWithConfig(Config{Registry: reg})
}

// NewRegistryWithConfig creates a metrics registry honoring the namespace and
// constant labels of config. A nil Registry uses prometheus.DefaultRegisterer.
func NewRegistryWithConfig(config Config) *Registry {
	reg := config.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := config.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	labels := config.Labels

	factory := promauto.With(reg)

	return &Registry{
		ConcurrencyBudget: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "budget",
				Help:        "Configured concurrency budget (0 means unlimited)",
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		ConcurrencyActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "active",
				Help:        "Number of tasks currently running",
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		ConcurrencyWaiting: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "waiting",
				Help:        "Number of tasks queued for a concurrency slot",
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		TasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "tasks_submitted_total",
				Help:        "Total number of tasks submitted",
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "tasks_completed_total",
				Help:        "Total number of tasks that finished successfully",
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		TasksFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "tasks_failed_total",
				Help:        "Total number of tasks that finished with an error",
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		TasksSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "tasks_skipped_total",
				Help:        "Total number of map items skipped after an earlier failure",
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "task_duration_seconds",
				Help:        "Time spent running tasks",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		QueueWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "queue_wait_seconds",
				Help:        "Time tasks spent queued before starting",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		MapCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "map_calls_total",
				Help:        "Total number of bulk map operations completed",
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		MapFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "concurrency",
				Name:        "map_failures_total",
				Help:        "Total number of bulk map operations that failed",
				ConstLabels: labels,
			},
			[]string{"limiter_name"},
		),

		SchedulerRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "scheduler",
				Name:        "runs_total",
				Help:        "Total number of scheduled job runs by outcome",
				ConstLabels: labels,
			},
			[]string{"scheduler_name", "job", "result"},
		),

		SchedulerSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "scheduler",
				Name:        "skipped_total",
				Help:        "Total number of firings skipped because the previous run was still active",
				ConstLabels: labels,
			},
			[]string{"scheduler_name", "job"},
		),

		DistributedAcquire: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   "distributed",
				Name:        "acquire_total",
				Help:        "Total number of global slot acquisition attempts by result",
				ConstLabels: labels,
			},
			[]string{"semaphore", "result"},
		),
	}
}
