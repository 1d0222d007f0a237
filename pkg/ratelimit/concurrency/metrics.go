package concurrency

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnykmshr/flowlimit/pkg/metrics"
)

// NewWithMetrics creates a limiter with metrics enabled.
func NewWithMetrics(concurrency int, name string) (*Limiter, error) {
	// Use a separate registry for each metrics-enabled component to avoid conflicts
	registry := prometheus.NewRegistry()

	return NewWithConfig(Config{
		Concurrency: concurrency,
		Name:        name,
		Metrics: metrics.Config{
			Enabled:  true,
			Registry: registry,
		},
	})
}

// metricsObserver records limiter events in a metrics.Registry.
type metricsObserver struct {
	name     string
	registry *metrics.Registry
}

// NewMetricsObserver returns an Observer recording events for the limiter
// called name in registry.
func NewMetricsObserver(name string, registry *metrics.Registry) Observer {
	return &metricsObserver{name: name, registry: registry}
}

func (mo *metricsObserver) Submitted() {
	mo.registry.TasksSubmitted.WithLabelValues(mo.name).Inc()
}

func (mo *metricsObserver) Queued(depth int) {
	mo.registry.ConcurrencyWaiting.WithLabelValues(mo.name).Set(float64(depth))
}

func (mo *metricsObserver) Started(outstanding, depth int, waited time.Duration) {
	mo.registry.ConcurrencyActive.WithLabelValues(mo.name).Set(float64(outstanding))
	mo.registry.ConcurrencyWaiting.WithLabelValues(mo.name).Set(float64(depth))
	mo.registry.QueueWait.WithLabelValues(mo.name).Observe(waited.Seconds())
}

func (mo *metricsObserver) Finished(outstanding int, elapsed time.Duration, err error) {
	mo.registry.ConcurrencyActive.WithLabelValues(mo.name).Set(float64(outstanding))
	mo.registry.TaskDuration.WithLabelValues(mo.name).Observe(elapsed.Seconds())
	if err != nil {
		mo.registry.TasksFailed.WithLabelValues(mo.name).Inc()
	} else {
		mo.registry.TasksCompleted.WithLabelValues(mo.name).Inc()
	}
}

func (mo *metricsObserver) Skipped() {
	mo.registry.TasksSkipped.WithLabelValues(mo.name).Inc()
}

func (mo *metricsObserver) MapFinished(_ int, err error) {
	mo.registry.MapCalls.WithLabelValues(mo.name).Inc()
	if err != nil {
		mo.registry.MapFailures.WithLabelValues(mo.name).Inc()
	}
}

// EnableMetrics starts recording limiter metrics in the registry described
// by config. A nil config.Registry uses metrics.DefaultRegistry.
func (l *Limiter) EnableMetrics(config metrics.Config) error {
	if !config.Enabled {
		l.DisableMetrics()
		return nil
	}

	registry := metrics.DefaultRegistry
	if config.Registry != nil {
		registry = metrics.NewRegistryWithConfig(config)
	}

	registry.ConcurrencyBudget.WithLabelValues(l.name).Set(float64(l.budget))

	l.mu.Lock()
	defer l.mu.Unlock()

	l.observer = NewMetricsObserver(l.name, registry)
	registry.ConcurrencyActive.WithLabelValues(l.name).Set(float64(l.outstanding))
	registry.ConcurrencyWaiting.WithLabelValues(l.name).Set(float64(len(l.queue)))

	return nil
}

// DisableMetrics stops recording limiter metrics.
func (l *Limiter) DisableMetrics() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.observer.(*metricsObserver); ok {
		l.observer = nopObserver{}
	}
}

// MetricsEnabled returns true if metrics are currently recorded.
func (l *Limiter) MetricsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.observer.(*metricsObserver)
	return ok
}

// Metrics returns the registry metrics are recorded in, or nil if disabled.
func (l *Limiter) Metrics() *metrics.Registry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mo, ok := l.observer.(*metricsObserver); ok {
		return mo.registry
	}
	return nil
}

var _ metrics.Instrumentable = (*Limiter)(nil)
