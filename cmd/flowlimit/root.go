package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vnykmshr/flowlimit/internal/runner"
	"github.com/vnykmshr/flowlimit/pkg/metrics"
	"github.com/vnykmshr/flowlimit/pkg/ratelimit/concurrency"
	"github.com/vnykmshr/flowlimit/pkg/ratelimit/distributed"
)

var flags struct {
	file        string
	concurrency int
	failFast    bool
	logLevel    string
	logFormat   string
	metricsAddr string
	redisAddr   string
	redisKey    string
	globalLimit int
}

var rootCmd = &cobra.Command{
	Use:   "flowlimit",
	Short: "Run commands under a shared concurrency budget",
	Long: `flowlimit runs the jobs of a YAML job file with at most --concurrency
of them in flight. Jobs beyond the budget wait in a FIFO queue. With
--redis-addr the budget is also enforced across every flowlimit process
sharing the same key.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()

	pf.StringVarP(&flags.file, "file", "f", "jobs.yaml", "Job file to load")
	pf.IntVarP(&flags.concurrency, "concurrency", "c", 0, "Local concurrency budget, 0 = unlimited (overrides the job file)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: text or json")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	pf.StringVar(&flags.redisAddr, "redis-addr", "", "Redis address enabling a cluster-wide budget")
	pf.StringVar(&flags.redisKey, "redis-key", "", "Redis key of the cluster-wide budget")
	pf.IntVar(&flags.globalLimit, "global-limit", 0, "Cluster-wide budget shared through Redis")

	rootCmd.AddCommand(runCmd, scheduleCmd)
}

// app holds everything a command needs, built from the job file and flags.
type app struct {
	cfg     runner.Config
	log     *logrus.Logger
	limiter *concurrency.Limiter
	runner  *runner.Runner

	sem     distributed.Semaphore
	server  *http.Server
	cleanup []func()
}

// setup loads the job file, applies flag overrides and wires the limiter,
// the optional Redis semaphore and the optional metrics endpoint.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := runner.LoadConfig(flags.file)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("concurrency") {
		cfg.Concurrency = flags.concurrency
	}
	if changed("fail-fast") {
		cfg.FailFast = flags.failFast
	}
	if changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = flags.logFormat
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if changed("redis-addr") {
		cfg.Redis.Addr = flags.redisAddr
	}
	if changed("redis-key") {
		cfg.Redis.Key = flags.redisKey
	}
	if changed("global-limit") {
		cfg.Redis.Limit = flags.globalLimit
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := runner.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger}

	a.limiter, err = concurrency.NewWithConfig(concurrency.Config{
		Concurrency: cfg.Concurrency,
		Name:        "jobs",
		Metrics:     metrics.Config{Enabled: cfg.Metrics.Addr != ""},
	})
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		a.cleanup = append(a.cleanup, func() { _ = client.Close() })

		semCfg := distributed.DefaultConfig()
		semCfg.Redis = client
		semCfg.Key = cfg.Redis.Key
		semCfg.Limit = cfg.Redis.Limit
		if cfg.Metrics.Addr != "" {
			semCfg.Metrics = metrics.DefaultRegistry
		}

		a.sem, err = distributed.NewSemaphore(semCfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() {
			if err := a.sem.Close(); err != nil {
				logger.WithError(err).Warn("closing semaphore")
			}
		})
		logger.WithFields(logrus.Fields{
			"redis": cfg.Redis.Addr,
			"key":   cfg.Redis.Key,
			"limit": cfg.Redis.Limit,
		}).Info("cluster-wide budget enabled")
	}

	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr)
	}

	a.runner, err = runner.New(runner.Options{
		Limiter:   a.limiter,
		Semaphore: a.sem,
		Logger:    logger,
		Output:    os.Stdout,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("metrics server stopped")
		}
	}()
	a.log.WithField("addr", addr).Info("serving metrics")

	a.cleanup = append(a.cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	})
}

// close runs cleanups in reverse order.
func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
