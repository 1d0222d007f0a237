package runner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	gferrors "github.com/vnykmshr/flowlimit/pkg/common/errors"
	"github.com/vnykmshr/flowlimit/pkg/common/validation"
	"github.com/vnykmshr/flowlimit/pkg/scheduling/scheduler"
)

// Config is the content of a job file.
type Config struct {
	// Concurrency is the local budget shared by every job (0 = unlimited)
	Concurrency int `yaml:"concurrency"`

	// FailFast stops starting new jobs after the first failure
	FailFast bool `yaml:"fail_fast"`

	// Logging
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`

	// Metrics
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	// Redis enables a cluster-wide budget when Addr is set
	Redis struct {
		Addr  string `yaml:"addr"`
		Key   string `yaml:"key"`
		Limit int    `yaml:"limit"`
	} `yaml:"redis"`

	Jobs []Job `yaml:"jobs"`
}

// Job is one command to run.
type Job struct {
	Name       string            `yaml:"name"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	Dir        string            `yaml:"dir"`
	Timeout    time.Duration     `yaml:"timeout"`
	Retries    int               `yaml:"retries"`
	RetryDelay time.Duration     `yaml:"retry_delay"`
	Schedule   string            `yaml:"schedule"`
}

// DefaultConfig returns the configuration used for fields a job file omits.
func DefaultConfig() Config {
	cfg := Config{
		Concurrency: 4,
	}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Redis.Key = "flowlimit:jobs"
	cfg.Redis.Limit = 8
	return cfg
}

// LoadConfig reads a job file over DefaultConfig and validates it.
func LoadConfig(filePath string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", filePath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", filePath, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	for i := range cfg.Jobs {
		if cfg.Jobs[i].RetryDelay == 0 {
			cfg.Jobs[i].RetryDelay = 100 * time.Millisecond
		}
	}

	return cfg, nil
}

// Validate checks the budget and every job.
func (c Config) Validate() error {
	if err := validation.ValidateNonNegativeInt("runner", "concurrency", c.Concurrency); err != nil {
		return err
	}
	if c.Redis.Addr != "" {
		if err := validation.ValidatePositive("runner", "redis.limit", c.Redis.Limit); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)

		if err := validation.ValidateNotEmpty("runner", field+".name", job.Name); err != nil {
			return err
		}
		if seen[job.Name] {
			return gferrors.NewValidationError("runner", field+".name", job.Name, "duplicate job name").
				WithHint("job names must be unique")
		}
		seen[job.Name] = true

		if err := validation.ValidateNotEmpty("runner", field+".command", job.Command); err != nil {
			return err
		}
		if err := validation.ValidateNonNegativeInt("runner", field+".retries", job.Retries); err != nil {
			return err
		}
		if job.Timeout < 0 {
			return gferrors.NewValidationError("runner", field+".timeout", job.Timeout, "cannot be negative")
		}
		if job.Schedule != "" {
			if err := scheduler.ValidateCronExpression(job.Schedule); err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
		}
	}

	return nil
}

// Scheduled returns the jobs that have a schedule.
func (c Config) Scheduled() []Job {
	var jobs []Job
	for _, job := range c.Jobs {
		if job.Schedule != "" {
			jobs = append(jobs, job)
		}
	}
	return jobs
}
