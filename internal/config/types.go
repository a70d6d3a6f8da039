package config

import (
	"fmt"
	"strings"
	"time"

	"batchmd/internal/batch/engine"
)

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Batch controls the conversion engine.
	Batch BatchConfig `json:"batch"`

	// Filter is applied to every submitted file (watcher and rescan).
	Filter FilterConfig `json:"filter"`

	// Watch enables filesystem-driven submission.
	Watch WatchConfig `json:"watch"`

	// Schedule enables periodic rescans of the watch roots.
	Schedule ScheduleConfig `json:"schedule"`

	Converter ConverterConfig `json:"converter"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Progress *ProgressConfig `json:"progress,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BatchConfig controls the conversion engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - max_retries: 3
//   - retry_base: "1s"
//   - default_timeout: "0s" (disabled)
//   - dedup: "batch"
//   - priority: "normal"
type BatchConfig struct {
	Workers    int `json:"workers,omitempty"`
	MaxRetries int `json:"max_retries,omitempty"`

	RetryBase      string `json:"retry_base,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// Dedup is "batch", "controller" or "off".
	Dedup string `json:"dedup,omitempty"`

	// Priority is the default for submitted files: "low", "normal",
	// "high" or "urgent".
	Priority string `json:"priority,omitempty"`

	// OutputDir receives the converted markdown (<name>.md per input).
	OutputDir string `json:"output_dir,omitempty"`
}

// FilterConfig mirrors the engine's filter criteria in serializable form.
type FilterConfig struct {
	Extensions []string `json:"extensions,omitempty"`

	MinSize int64 `json:"min_size,omitempty"`
	MaxSize int64 `json:"max_size,omitempty"`

	// MinModified/MaxModified are RFC 3339 timestamps.
	MinModified string `json:"min_modified,omitempty"`
	MaxModified string `json:"max_modified,omitempty"`

	NamePattern     string   `json:"name_pattern,omitempty"`
	ExcludePaths    []string `json:"exclude_paths,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
}

// WatchConfig controls filesystem-driven submission.
type WatchConfig struct {
	Enabled bool     `json:"enabled"`
	Roots   []string `json:"roots,omitempty"`

	// Settle is how long a file must stay quiet before submission, so
	// half-written files are not picked up. Default "500ms".
	Settle string `json:"settle,omitempty"`

	// RescanOnStart walks the roots once at startup.
	RescanOnStart bool `json:"rescan_on_start,omitempty"`
}

// ScheduleConfig controls periodic rescans.
//
// Spec accepts the same grammar as the scheduler: "cron:<expr>",
// "interval:<duration>", a bare duration, or a daily "HH:MM".
type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// ConverterConfig selects how conversions run.
//
// Mode "exec" runs Command in-process workers via os/exec; mode "process"
// gives each conversion its own child process pool. Command uses {input} and
// {output} placeholders.
type ConverterConfig struct {
	Mode    string   `json:"mode,omitempty"`
	Command []string `json:"command"`
}

// StorageConfig controls the optional task-history store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./batchmd_history" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ProgressConfig controls the rate-limited batch.progress publisher.
type ProgressConfig struct {
	Enabled bool `json:"enabled"`
	// MaxPerSec caps progress events. Default 2.
	MaxPerSec float64 `json:"max_per_sec,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	if _, err := c.SubmitPriority(); err != nil {
		return err
	}
	if _, err := c.Filter.Compile(); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if c.Watch.Enabled && len(c.Watch.Roots) == 0 {
		return fmt.Errorf("watch.enabled requires watch.roots")
	}
	if _, err := ParseDurationField("watch.settle", c.Watch.Settle); err != nil {
		return err
	}
	if c.Schedule.Enabled && strings.TrimSpace(c.Schedule.Spec) == "" {
		return fmt.Errorf("schedule.enabled requires schedule.spec")
	}
	switch strings.ToLower(strings.TrimSpace(c.Converter.Mode)) {
	case "", "exec", "process":
	default:
		return fmt.Errorf("converter.mode: unknown mode %q", c.Converter.Mode)
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}
	return nil
}

// EngineConfig maps the batch section onto the engine's config.
func (c *Config) EngineConfig() (engine.Config, error) {
	retryBase, err := ParseDurationField("batch.retry_base", c.Batch.RetryBase)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := ParseDurationField("batch.default_timeout", c.Batch.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}

	var dedup engine.DedupScope
	switch strings.ToLower(strings.TrimSpace(c.Batch.Dedup)) {
	case "", "batch":
		dedup = engine.DedupBatch
	case "controller":
		dedup = engine.DedupController
	case "off", "none":
		dedup = engine.DedupOff
	default:
		return engine.Config{}, fmt.Errorf("batch.dedup: unknown scope %q", c.Batch.Dedup)
	}

	return engine.Config{
		Workers:           c.Batch.Workers,
		DefaultMaxRetries: c.Batch.MaxRetries,
		RetryBase:         retryBase,
		DefaultTimeout:    timeout,
		Dedup:             dedup,
	}, nil
}

// SubmitPriority parses the default submission priority.
func (c *Config) SubmitPriority() (engine.Priority, error) {
	p, err := engine.ParsePriority(c.Batch.Priority)
	if err != nil {
		return p, fmt.Errorf("batch.priority: %w", err)
	}
	return p, nil
}

// Compile turns the serializable filter into the engine's compiled form.
// A fully zero filter compiles to nil (match everything).
func (f FilterConfig) Compile() (*engine.FileFilter, error) {
	zero := len(f.Extensions) == 0 && f.MinSize == 0 && f.MaxSize == 0 &&
		f.MinModified == "" && f.MaxModified == "" && f.NamePattern == "" &&
		len(f.ExcludePaths) == 0 && len(f.ExcludePatterns) == 0
	if zero {
		return nil, nil
	}

	ec := engine.FilterConfig{
		Extensions:      f.Extensions,
		MinSize:         f.MinSize,
		MaxSize:         f.MaxSize,
		NamePattern:     f.NamePattern,
		ExcludePaths:    f.ExcludePaths,
		ExcludePatterns: f.ExcludePatterns,
	}

	var err error
	if ec.MinModified, err = parseTimeField("filter.min_modified", f.MinModified); err != nil {
		return nil, err
	}
	if ec.MaxModified, err = parseTimeField("filter.max_modified", f.MaxModified); err != nil {
		return nil, err
	}
	return engine.NewFileFilter(ec)
}

func parseTimeField(path, raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid timestamp %q: %w", path, raw, err)
	}
	return t, nil
}
