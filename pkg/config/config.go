// Package config holds the tunables of the collectors, the logger and the
// benchmark command.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default automatic-collection thresholds. A pass runs once this many
// allocations are buffered as candidate roots.
const (
	DefaultUnsyncThreshold = 1024
	DefaultSharedThreshold = 4096
)

// Config is the top-level configuration file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Unsync    CollectorConfig `yaml:"unsync"`
	Shared    CollectorConfig `yaml:"shared"`
	Bench     BenchConfig     `yaml:"bench"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	// Format is text or json.
	Format string `yaml:"format" validate:"oneof=text json"`
}

// TelemetryConfig configures pkg/telemetry.
type TelemetryConfig struct {
	// TraceExporter is none or stdout.
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout"`
	// MetricsAddr, when set, serves Prometheus metrics at /metrics.
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// CollectorConfig configures one collector.
type CollectorConfig struct {
	// Threshold is the buffered-root count that triggers an automatic pass.
	// Zero disables automatic passes; Collect still works.
	Threshold int `yaml:"threshold" validate:"gte=0"`

	// MaxTraceNodes bounds the allocations a single pass may visit. A pass
	// that would exceed it is deferred. Zero means unbounded.
	MaxTraceNodes int `yaml:"max_trace_nodes" validate:"gte=0"`

	// Logger receives pass logs. Nil means slog.Default().
	Logger *slog.Logger `yaml:"-" validate:"-"`
}

// BenchConfig configures the benchmark command.
type BenchConfig struct {
	Ops     int    `yaml:"ops" validate:"gt=0"`
	Threads []int  `yaml:"threads" validate:"min=1,dive,gt=0"`
	Seed    uint64 `yaml:"seed"`
	// Pool is the number of handles each worker keeps alive at a time.
	Pool int `yaml:"pool" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{TraceExporter: "none"},
		Unsync: CollectorConfig{
			Threshold: DefaultUnsyncThreshold,
		},
		Shared: CollectorConfig{
			Threshold: DefaultSharedThreshold,
		},
		Bench: BenchConfig{
			Ops:     100000,
			Threads: []int{1, 2, 4, 8},
			Seed:    1,
			Pool:    64,
		},
	}
}

var validate = validator.New()

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// LoggerOr returns the configured logger or fallback.
func (c CollectorConfig) LoggerOr(fallback *slog.Logger) *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return fallback
}
