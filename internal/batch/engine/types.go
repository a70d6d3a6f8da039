package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Priority orders dispatch ahead of the FIFO tie-break.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a config string to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether a task in this status will never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// Task is a single file-conversion work item.
//
// Tasks are owned by the controller: external callers receive copies and all
// mutations happen under the controller's lock, terminal ones only on the
// result path.
type Task struct {
	ID         string
	InputPath  string
	OutputPath string
	Priority   Priority
	Status     Status

	RetryCount int
	MaxRetries int

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Fingerprint is the content hash used for duplicate detection
	// (zero when dedup is disabled or hashing failed).
	Fingerprint uint64

	// Result and Error are set exactly once, on the terminal transition.
	Result string
	Error  string

	timeout time.Duration

	// cancelWanted marks a task whose cancellation was requested between
	// dequeue and executor hand-off. Guarded by the controller lock.
	cancelWanted bool
}

// Result is what a conversion function produces.
//
// Content, when non-empty, is written to the task's OutputPath by the result
// path; converters that write their output themselves leave it empty.
type Result struct {
	Content string
}

// ConvertFunc performs one conversion. It must be safe to call concurrently
// from multiple workers. outputPath may be empty.
type ConvertFunc func(ctx context.Context, inputPath, outputPath string) (Result, error)

// DedupScope controls how long duplicate fingerprints are remembered.
type DedupScope int

const (
	// DedupBatch dedupes within a single AddFiles call (default).
	DedupBatch DedupScope = iota
	// DedupController dedupes across the controller's lifetime.
	DedupController
	// DedupOff disables duplicate detection.
	DedupOff
)

// Config controls the batch controller.
type Config struct {
	// Workers bounds concurrent conversions. Defaults to 4.
	Workers int

	// DefaultMaxRetries is used when a submission does not override it.
	DefaultMaxRetries int

	// RetryBase is the unit for the exponential backoff (delay = base * 2^n).
	// Defaults to one second; tests shrink it.
	RetryBase time.Duration

	// DefaultTimeout bounds a single conversion attempt. 0 disables.
	DefaultTimeout time.Duration

	Dedup DedupScope
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	return c
}

// SubmitOptions shape a single AddFiles/AddTask call.
type SubmitOptions struct {
	Filter     *FileFilter
	Priority   Priority
	OutputDir  string
	MaxRetries int
	Timeout    time.Duration
}

func (o SubmitOptions) withDefaults(cfg Config) SubmitOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = cfg.DefaultMaxRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = cfg.DefaultTimeout
	}
	return o
}

// outputFor derives the output path for an input when an output directory is
// configured: <dir>/<name>.md.
func (o SubmitOptions) outputFor(inputPath string) string {
	if o.OutputDir == "" {
		return ""
	}
	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	return filepath.Join(o.OutputDir, strings.TrimSuffix(base, ext)+".md")
}

// TaskEvent is the payload carried on task lifecycle bus events.
type TaskEvent struct {
	ID        string        `json:"id"`
	InputPath string        `json:"input_path"`
	Status    Status        `json:"status"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`

	// ErrorKind is "retryable" or "permanent" on failure events.
	ErrorKind string `json:"error_kind,omitempty"`
}

// BatchStatistics is a point-in-time view derived from the counters
// maintained on the serialized result path.
type BatchStatistics struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Skipped    int `json:"skipped"`
	Retries    int `json:"retries"`

	// SuccessRate is completed / (completed + failed) * 100, 0 when neither.
	SuccessRate float64 `json:"success_rate"`

	// Speed is completed tasks per second since Start.
	Speed float64 `json:"speed"`

	// ETA is pending / Speed. Valid only when ETAKnown.
	ETA      time.Duration `json:"eta"`
	ETAKnown bool          `json:"eta_known"`

	// Progress is the share of submitted tasks that reached a terminal state.
	Progress float64 `json:"progress"`

	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`

	// WorkTime is the summed wall time of finished conversion attempts.
	WorkTime time.Duration `json:"work_time"`
}
