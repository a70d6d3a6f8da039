package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is what the executor reports back for one dispatched task.
type Outcome struct {
	TaskID    string
	Result    Result
	Err       error
	Cancelled bool
	StartedAt time.Time
	Duration  time.Duration
}

// Handle allows best-effort cancellation of an in-flight conversion.
type Handle interface {
	// Cancel requests the conversion to stop. Returns false when the work
	// already finished. Cooperative: a conversion that ignores its context
	// may still run to completion.
	Cancel() bool
}

// Executor is the pluggable bounded-concurrency backend.
//
// Submit blocks until a worker slot is free, which is the engine's natural
// backpressure: at most the configured number of conversions run at once.
// The completion callback fires exactly once per accepted task.
type Executor interface {
	Submit(ctx context.Context, t Task, fn ConvertFunc, complete func(Outcome)) (Handle, error)
	Shutdown(ctx context.Context, drain bool) error
}

type runFunc func(ctx context.Context, t Task, fn ConvertFunc) (Result, error)

// PoolExecutor runs conversions on a bounded pool of goroutines.
//
// NewPool covers both I/O-bound and CPU-bound in-process conversion
// functions (goroutines subsume the thread/async split of other runtimes).
// NewProcessPool trades per-task process spawn cost for fault isolation and
// hard cancellation: each conversion is an external command killed via its
// context.
type PoolExecutor struct {
	permits chan struct{}
	run     runFunc

	rootCtx   context.Context
	cancelAll context.CancelFunc

	closeOnce sync.Once
	closedCh  chan struct{}
	wg        sync.WaitGroup
}

// NewPool returns a goroutine-pool executor with the given concurrency bound.
func NewPool(workers int) *PoolExecutor {
	return newPoolExecutor(workers, func(ctx context.Context, t Task, fn ConvertFunc) (Result, error) {
		if fn == nil {
			return Result{}, NoRetry(errors.New("no conversion function configured"))
		}
		return fn(ctx, t.InputPath, t.OutputPath)
	})
}

// NewProcessPool returns an executor that runs each conversion as a child
// process built from the command template (see ExecConvert). The injected
// in-process conversion function is ignored.
func NewProcessPool(workers int, command []string) *PoolExecutor {
	ec := ExecConvert(command)
	return newPoolExecutor(workers, func(ctx context.Context, t Task, _ ConvertFunc) (Result, error) {
		return ec(ctx, t.InputPath, t.OutputPath)
	})
}

func newPoolExecutor(workers int, run runFunc) *PoolExecutor {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &PoolExecutor{
		permits:   make(chan struct{}, workers),
		run:       run,
		rootCtx:   ctx,
		cancelAll: cancel,
		closedCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.permits <- struct{}{}
	}
	return p
}

func (p *PoolExecutor) Submit(ctx context.Context, t Task, fn ConvertFunc, complete func(Outcome)) (Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	// Fast-exit check so a shut-down executor wins over a free permit.
	select {
	case <-p.closedCh:
		return nil, ErrExecutorClosed
	default:
	}

	select {
	case <-p.closedCh:
		return nil, ErrExecutorClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.permits:
	}

	runCtx, cancel := context.WithCancel(p.rootCtx)
	h := &poolHandle{cancel: cancel}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { p.permits <- struct{}{} }()

		start := time.Now()
		attemptCtx := runCtx
		var timeoutCancel context.CancelFunc
		if t.timeout > 0 {
			attemptCtx, timeoutCancel = context.WithTimeout(runCtx, t.timeout)
		}

		res, err := runRecovered(p.run, attemptCtx, t, fn)

		if timeoutCancel != nil {
			timeoutCancel()
		}
		h.done.Store(true)

		o := Outcome{
			TaskID:    t.ID,
			Result:    res,
			Err:       err,
			StartedAt: start,
			Duration:  time.Since(start),
		}
		// A failed attempt whose pool-level context was canceled means the
		// unit was stopped by Cancel()/Shutdown, not by a timeout.
		if err != nil && errors.Is(runCtx.Err(), context.Canceled) {
			o.Cancelled = true
		}
		cancel()
		complete(o)
	}()

	return h, nil
}

// Shutdown stops accepting work. With drain, in-flight conversions run to
// completion; without, their contexts are canceled. Blocks until every
// completion callback has fired or ctx expires.
func (p *PoolExecutor) Shutdown(ctx context.Context, drain bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.closeOnce.Do(func() { close(p.closedCh) })
	if !drain {
		p.cancelAll()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type poolHandle struct {
	cancel context.CancelFunc
	done   atomic.Bool
}

func (h *poolHandle) Cancel() bool {
	if h.done.Load() {
		return false
	}
	h.cancel()
	return true
}

// runRecovered guards against converter panics: one bad file must never take
// down a worker or the controller.
func runRecovered(run runFunc, ctx context.Context, t Task, fn ConvertFunc) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return run(ctx, t, fn)
}

// ExecConvert builds a ConvertFunc that runs an external command per file.
// Occurrences of {input} and {output} in the template are substituted.
// When no output path is set, the command's stdout becomes the result
// content; otherwise the command is expected to write the output itself.
func ExecConvert(command []string) ConvertFunc {
	return func(ctx context.Context, inputPath, outputPath string) (Result, error) {
		if len(command) == 0 {
			return Result{}, NoRetry(errors.New("empty converter command"))
		}
		argv := make([]string, 0, len(command))
		for _, a := range command {
			a = strings.ReplaceAll(a, "{input}", inputPath)
			a = strings.ReplaceAll(a, "{output}", outputPath)
			argv = append(argv, a)
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return Result{}, fmt.Errorf("converter: %w: %s", err, msg)
			}
			return Result{}, fmt.Errorf("converter: %w", err)
		}

		if outputPath == "" {
			return Result{Content: stdout.String()}, nil
		}
		return Result{}, nil
	}
}
