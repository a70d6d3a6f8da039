package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	ErrStopped        = errors.New("batch controller stopped")
	ErrNotIdle        = errors.New("batch controller already started")
	ErrNotRunning     = errors.New("batch controller not running")
	ErrExecutorClosed = errors.New("executor shut down")
)

// Sentinel classifications for conversion errors. Converters wrap their
// failures with these (or with NoRetry/Retryable) so the engine can decide
// whether a retry is worth scheduling.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrResourceBusy      = errors.New("resource busy")
)

// NoRetry marks an error as non-retryable.
//
// Converters wrap validation errors or other permanent failures with NoRetry
// so the engine won't waste attempts on them.
//
// Example:
//
//	return engine.Result{}, engine.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// Retryable marks an error as transient regardless of the default
// classification.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return fmt.Sprintf("retryable: %v", e.err) }
func (e retryableError) Unwrap() error { return e.err }

// isRetryable classifies a conversion error.
//
// Explicit wrappers win; otherwise permission/not-exist/malformed-input
// failures are permanent and everything else (timeouts, lock conflicts,
// unclassified I/O trouble) is considered transient, matching how the
// converter boundary behaves in practice.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nr noRetryError
	if errors.As(err, &nr) {
		return false
	}
	var re retryableError
	if errors.As(err, &re) {
		return true
	}
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, os.ErrPermission),
		errors.Is(err, os.ErrNotExist):
		return false
	case errors.Is(err, ErrResourceBusy),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return true
	default:
		return true
	}
}

// errorKind is the classification string carried on failure events.
func errorKind(err error) string {
	if isRetryable(err) {
		return "retryable"
	}
	return "permanent"
}
