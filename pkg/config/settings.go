package config

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxorio/wtp/pkg/core/concurrency"
)

// Duration is a time.Duration read from text. It accepts Go duration
// strings ("1m30s"), bare integers as milliseconds and "forever". A bare -1
// also means forever.
type Duration time.Duration

// Forever disables a timeout
const Forever = Duration(concurrency.RunForever)

func (d Duration) String() string {
	if d == Forever {
		return "forever"
	}
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	switch {
	case strings.EqualFold(s, "forever"):
		*d = Forever
		return nil
	case s == "":
		*d = 0
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		switch {
		case ms == -1:
			*d = Forever
		case ms < 0:
			return fmt.Errorf("negative duration %q, use \"forever\" or -1 to disable the timeout", s)
		default:
			*d = Duration(time.Duration(ms) * time.Millisecond)
		}
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML accepts numbers as well as strings
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalJSON accepts numbers as well as strings
func (d *Duration) UnmarshalJSON(data []byte) error {
	return d.UnmarshalText(bytes.Trim(data, `"`))
}

// Config is the configuration of a worker pool process
type Config struct {
	Executor ExecutorSection `yaml:"executor" json:"executor"`
	Log      LogSection      `yaml:"log" json:"log"`
	Metrics  MetricsSection  `yaml:"metrics" json:"metrics"`
	Tracing  TracingSection  `yaml:"tracing" json:"tracing"`
}

// ExecutorSection configures the queue executor and its worker pool
type ExecutorSection struct {
	Name                  string   `yaml:"name" json:"name"`
	Workers               int      `yaml:"workers" json:"workers"`
	QueueSize             int      `yaml:"queue_size" json:"queue_size"`
	BatchSize             int      `yaml:"batch_size" json:"batch_size"`
	MinItemsPerWorker     int      `yaml:"min_items_per_worker" json:"min_items_per_worker"`
	WorkerIdleTimeout     Duration `yaml:"worker_idle_timeout" json:"worker_idle_timeout"`
	ShutdownTimeout       Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	ActionShutdownTimeout Duration `yaml:"action_shutdown_timeout" json:"action_shutdown_timeout"`
	RateLimit             float64  `yaml:"rate_limit" json:"rate_limit"`
	RateBurst             int      `yaml:"rate_burst" json:"rate_burst"`
}

// LogSection configures logrus
type LogSection struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsSection configures the Prometheus endpoint
type MetricsSection struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// TracingSection configures span export
type TracingSection struct {
	Exporter    string  `yaml:"exporter" json:"exporter"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	ZipkinURL   string  `yaml:"zipkin_url" json:"zipkin_url"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// Default returns a configuration with the executor defaults
func Default() Config {
	def := concurrency.DefaultExecutorConfig()
	return Config{
		Executor: ExecutorSection{
			Name:                  def.Name,
			Workers:               def.Workers,
			QueueSize:             def.QueueSize,
			BatchSize:             def.BatchSize,
			MinItemsPerWorker:     def.MinItemsPerWorker,
			WorkerIdleTimeout:     Duration(def.WorkerIdleTimeout),
			ShutdownTimeout:       Duration(def.ShutdownTimeout),
			ActionShutdownTimeout: Duration(def.ActionShutdownTimeout),
			RateBurst:             1,
		},
		Log: LogSection{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsSection{
			Addr: ":9108",
			Path: "/metrics",
		},
		Tracing: TracingSection{
			Exporter:    "none",
			ServiceName: "logworker",
			ZipkinURL:   "http://localhost:9411/api/v2/spans",
			SampleRatio: 1,
		},
	}
}

// LoadConfig starts from Default, then applies the file at path (if any)
// and the environment, and validates the result
func LoadConfig(path, envPrefix string) (Config, error) {
	cfg := Default()
	if err := LoadWithEnv(path, envPrefix, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pool cannot work with
func (c *Config) Validate() error {
	return Validate(c,
		Required("executor.name", "executor.workers", "executor.queue_size"),
		Length("executor.name", 1, 64),
		IntRange("executor.workers", 1, concurrency.MaxWorkerThreads),
		IntRange("executor.queue_size", 1, math.MaxInt32),
		IntRange("executor.batch_size", 1, 1<<16),
		IntRange("executor.min_items_per_worker", 1, math.MaxInt32),
		Timeout("executor.worker_idle_timeout"),
		Timeout("executor.shutdown_timeout"),
		Timeout("executor.action_shutdown_timeout"),
		FloatRange("executor.rate_limit", 0, math.MaxFloat64),
		OneOf("log.level", "debug", "info", "warn", "warning", "error"),
		OneOf("log.format", "text", "json"),
		OneOf("tracing.exporter", "none", "stdout", "zipkin"),
		FloatRange("tracing.sample_ratio", 0, 1),
		ValidatorFunc(func(interface{}) error {
			if c.Metrics.Enabled && c.Metrics.Addr == "" {
				return fmt.Errorf("metrics.addr is required when metrics are enabled")
			}
			if c.Tracing.Exporter == "zipkin" && c.Tracing.ZipkinURL == "" {
				return fmt.Errorf("tracing.zipkin_url is required for the zipkin exporter")
			}
			return nil
		}),
	)
}

// ExecutorConfig maps the executor section onto concurrency.ExecutorConfig.
// Logger and Observer are left for the caller.
func (c *Config) ExecutorConfig() concurrency.ExecutorConfig {
	e := c.Executor
	return concurrency.ExecutorConfig{
		Name:                  e.Name,
		Workers:               e.Workers,
		QueueSize:             e.QueueSize,
		BatchSize:             e.BatchSize,
		MinItemsPerWorker:     e.MinItemsPerWorker,
		WorkerIdleTimeout:     time.Duration(e.WorkerIdleTimeout),
		ShutdownTimeout:       time.Duration(e.ShutdownTimeout),
		ActionShutdownTimeout: time.Duration(e.ActionShutdownTimeout),
		RateLimit:             e.RateLimit,
		RateBurst:             e.RateBurst,
	}
}
