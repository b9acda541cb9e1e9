package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the collector and the CLI.
// It is safe to read concurrently once loaded; do not modify after handing
// it to a collector.
type Config struct {
	Collector     Collector     `json:"collector" yaml:"collector"`
	Observability Observability `json:"observability" yaml:"observability"`
	Logging       Logging       `json:"logging" yaml:"logging"`
	Stress        Stress        `json:"stress" yaml:"stress"`
}

// Collector controls the cycle collector itself
type Collector struct {
	// Disabled bypasses cycle collection entirely, leaving plain reference
	// counting as the only reclamation path.
	Disabled bool `json:"disabled" yaml:"disabled"`

	// AssertInvariants panics on internal contract violations instead of
	// logging and recording them.
	AssertInvariants bool `json:"assert_invariants" yaml:"assert_invariants"`

	// RetryJitter bounds the random pause added after waiting out a lock
	// conflict, so two rolled-back scans do not retry in lockstep.
	RetryJitter time.Duration `json:"retry_jitter" yaml:"retry_jitter"`

	// MaxAttempts caps visit attempts per scan; 0 means unlimited. A scan
	// that runs out of attempts is abandoned and retried by the next trigger.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// Observability toggles metrics and tracing
type Observability struct {
	MetricsEnabled bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	TracingEnabled bool   `json:"tracing_enabled" yaml:"tracing_enabled"`
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter"` // none or stdout
	MetricsAddr    string `json:"metrics_addr" yaml:"metrics_addr"`
}

// Logging configures the slog handler built by the CLI
type Logging struct {
	Level string `json:"level" yaml:"level"`
}

// Stress configures the concurrent mutator workload
type Stress struct {
	Workers   int   `json:"workers" yaml:"workers"`
	Rounds    int   `json:"rounds" yaml:"rounds"`
	GraphSize int   `json:"graph_size" yaml:"graph_size"`
	Seed      int64 `json:"seed" yaml:"seed"`

	// RoundsPerSecond throttles all workers together; 0 means unthrottled.
	RoundsPerSecond float64 `json:"rounds_per_second" yaml:"rounds_per_second"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Collector: Collector{
			Disabled:         false,
			AssertInvariants: false,
			RetryJitter:      50 * time.Microsecond,
			MaxAttempts:      0,
		},
		Observability: Observability{
			MetricsEnabled: true,
			TracingEnabled: false,
			TraceExporter:  "none",
			MetricsAddr:    "",
		},
		Logging: Logging{
			Level: "info",
		},
		Stress: Stress{
			Workers:   8,
			Rounds:    200,
			GraphSize: 12,
			Seed:      1,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges
func (c Config) Validate() error {
	if c.Collector.RetryJitter < 0 {
		return fmt.Errorf("collector.retry_jitter must not be negative, got %s", c.Collector.RetryJitter)
	}
	if c.Collector.MaxAttempts < 0 {
		return fmt.Errorf("collector.max_attempts must not be negative, got %d", c.Collector.MaxAttempts)
	}
	switch c.Observability.TraceExporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("observability.trace_exporter %q is not one of none, stdout", c.Observability.TraceExporter)
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	if c.Stress.Workers < 1 {
		return fmt.Errorf("stress.workers must be at least 1, got %d", c.Stress.Workers)
	}
	if c.Stress.GraphSize < 2 {
		return fmt.Errorf("stress.graph_size must be at least 2, got %d", c.Stress.GraphSize)
	}
	if c.Stress.RoundsPerSecond < 0 {
		return fmt.Errorf("stress.rounds_per_second must not be negative, got %g", c.Stress.RoundsPerSecond)
	}
	if c.Stress.Rounds < 0 {
		return fmt.Errorf("stress.rounds must not be negative, got %d", c.Stress.Rounds)
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog.Level
func (l Logging) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", l.Level)
}
