// Package config holds all configuration types and loading logic for
// Archipelago. Config structure never shrinks — fields are only added, never
// renamed or removed.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/archipelago/internal/types"
)

// Config is the root configuration for an Archipelago process.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Router  RouterConfig  `yaml:"router"`
	Pacing  PacingConfig  `yaml:"pacing"`
	Export  ExportConfig  `yaml:"export"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Hot-reloadable.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// SlogLevel parses Level into its slog value.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch l.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", l.Level)
	}
}

// RouterConfig sets the per-isle defaults applied when registration passes no
// overrides. The policy fields hold the string forms; types.Parse* turns
// them into policies after Validate has vetted them.
type RouterConfig struct {
	DefaultCapacity  int    `yaml:"default_capacity"`
	DefaultOverflow  string `yaml:"default_overflow"`  // block | fail | drop
	DefaultUnhandled string `yaml:"default_unhandled"` // ignore | fail
	DefaultFailure   string `yaml:"default_failure"`   // fail_fast | restart
}

// PacingConfig rate-limits producers that opt into pacing.
type PacingConfig struct {
	// Rate is messages per second.
	Rate float64 `yaml:"rate"`
	// Burst allows temporary spikes above Rate.
	Burst int `yaml:"burst"`
}

// ExportConfig controls the bbolt audit-log export sink.
type ExportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Interval is a duration string, e.g. "2s".
	Interval string `yaml:"interval"`
	Batch    int    `yaml:"batch"`
}

// FlushInterval parses Interval.
func (e ExportConfig) FlushInterval() (time.Duration, error) {
	d, err := time.ParseDuration(e.Interval)
	if err != nil {
		return 0, fmt.Errorf("export.interval: %w", err)
	}
	return d, nil
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Router: RouterConfig{
			DefaultCapacity:  1024,
			DefaultOverflow:  "block",
			DefaultUnhandled: "ignore",
			DefaultFailure:   "fail_fast",
		},
		Pacing: PacingConfig{
			Rate:  5,
			Burst: 1,
		},
		Export: ExportConfig{
			Enabled:  true,
			Path:     "./audit.db",
			Interval: "2s",
			Batch:    512,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	ARCH_LOG_LEVEL    — sets log.level
//	ARCH_EXPORT_PATH  — sets export.path and enables the export sink
//	ARCH_METRICS_ADDR — sets metrics.addr and enables metrics
//	ARCH_PACING_RATE  — sets pacing.rate
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ARCH_EXPORT_PATH"); v != "" {
		cfg.Export.Path = v
		cfg.Export.Enabled = true
	}
	if v := os.Getenv("ARCH_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("ARCH_PACING_RATE"); v != "" {
		var rate float64
		if _, err := fmt.Sscanf(v, "%g", &rate); err == nil && rate > 0 {
			cfg.Pacing.Rate = rate
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.New(`log.format must be "text" or "json"`)
	}

	if c.Router.DefaultCapacity < 0 {
		return errors.New("router.default_capacity must be >= 0 (0 means unbounded)")
	}
	if _, err := types.ParseOverflowPolicy(c.Router.DefaultOverflow); err != nil {
		return fmt.Errorf("router.default_overflow: %w", err)
	}
	if _, err := types.ParseUnhandledPolicy(c.Router.DefaultUnhandled); err != nil {
		return fmt.Errorf("router.default_unhandled: %w", err)
	}
	if _, err := types.ParseFailurePolicy(c.Router.DefaultFailure); err != nil {
		return fmt.Errorf("router.default_failure: %w", err)
	}

	if c.Pacing.Rate <= 0 {
		return errors.New("pacing.rate must be > 0")
	}
	if c.Pacing.Burst < 1 {
		return errors.New("pacing.burst must be at least 1")
	}

	if c.Export.Enabled {
		if c.Export.Path == "" {
			return errors.New("export.path must not be empty when export is enabled")
		}
		d, err := c.Export.FlushInterval()
		if err != nil {
			return err
		}
		if d <= 0 {
			return errors.New("export.interval must be positive")
		}
		if c.Export.Batch < 1 {
			return errors.New("export.batch must be at least 1")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr must not be empty when metrics are enabled")
	}
	return nil
}
