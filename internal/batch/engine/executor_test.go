package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsConversion(t *testing.T) {
	t.Parallel()

	p := NewPool(2)
	defer p.Shutdown(context.Background(), true)

	got := make(chan Outcome, 1)
	fn := func(ctx context.Context, in, out string) (Result, error) {
		return Result{Content: "converted:" + in}, nil
	}
	_, err := p.Submit(context.Background(), Task{ID: "t1", InputPath: "a.pdf"}, fn, func(o Outcome) { got <- o })
	if err != nil {
		t.Fatal(err)
	}

	select {
	case o := <-got:
		if o.Err != nil || o.Cancelled {
			t.Fatalf("outcome: %+v", o)
		}
		if o.Result.Content != "converted:a.pdf" {
			t.Fatalf("content = %q", o.Result.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("completion never fired")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := NewPool(1)
	defer p.Shutdown(context.Background(), true)

	var inflight, peak atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context, in, out string) (Result, error) {
		cur := inflight.Add(1)
		if cur > peak.Load() {
			peak.Store(cur)
		}
		<-release
		inflight.Add(-1)
		return Result{}, nil
	}

	done := make(chan Outcome, 2)
	complete := func(o Outcome) { done <- o }

	if _, err := p.Submit(context.Background(), Task{ID: "1"}, fn, complete); err != nil {
		t.Fatal(err)
	}

	// Second submit must block on the single permit.
	submitted := make(chan struct{})
	go func() {
		if _, err := p.Submit(context.Background(), Task{ID: "2"}, fn, complete); err != nil {
			t.Error(err)
		}
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	<-done
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestHandleCancelStopsConversion(t *testing.T) {
	t.Parallel()

	p := NewPool(1)
	defer p.Shutdown(context.Background(), true)

	started := make(chan struct{})
	fn := func(ctx context.Context, in, out string) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}

	got := make(chan Outcome, 1)
	h, err := p.Submit(context.Background(), Task{ID: "t1"}, fn, func(o Outcome) { got <- o })
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if !h.Cancel() {
		t.Fatal("cancel of running task should report true")
	}

	select {
	case o := <-got:
		if !o.Cancelled {
			t.Fatalf("outcome not marked cancelled: %+v", o)
		}
	case <-time.After(time.Second):
		t.Fatal("completion never fired")
	}
}

func TestPoolTaskTimeout(t *testing.T) {
	t.Parallel()

	p := NewPool(1)
	defer p.Shutdown(context.Background(), true)

	fn := func(ctx context.Context, in, out string) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}

	got := make(chan Outcome, 1)
	task := Task{ID: "t1", timeout: 10 * time.Millisecond}
	if _, err := p.Submit(context.Background(), task, fn, func(o Outcome) { got <- o }); err != nil {
		t.Fatal(err)
	}

	select {
	case o := <-got:
		if o.Cancelled {
			t.Fatal("timeout must not be reported as cancellation")
		}
		if !errors.Is(o.Err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", o.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("completion never fired")
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	t.Parallel()

	p := NewPool(1)
	defer p.Shutdown(context.Background(), true)

	fn := func(ctx context.Context, in, out string) (Result, error) {
		panic("converter exploded")
	}

	got := make(chan Outcome, 1)
	if _, err := p.Submit(context.Background(), Task{ID: "t1"}, fn, func(o Outcome) { got <- o }); err != nil {
		t.Fatal(err)
	}

	select {
	case o := <-got:
		if o.Err == nil {
			t.Fatal("panic should surface as an error outcome")
		}
	case <-time.After(time.Second):
		t.Fatal("completion never fired")
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	t.Parallel()

	p := NewPool(1)
	if err := p.Shutdown(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	_, err := p.Submit(context.Background(), Task{ID: "t1"}, nil, func(Outcome) {})
	if !errors.Is(err, ErrExecutorClosed) {
		t.Fatalf("err = %v, want ErrExecutorClosed", err)
	}
}

func TestShutdownNoDrainCancelsInflight(t *testing.T) {
	t.Parallel()

	p := NewPool(1)

	started := make(chan struct{})
	fn := func(ctx context.Context, in, out string) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}

	got := make(chan Outcome, 1)
	if _, err := p.Submit(context.Background(), Task{ID: "t1"}, fn, func(o Outcome) { got <- o }); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := p.Shutdown(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	select {
	case o := <-got:
		if !o.Cancelled {
			t.Fatalf("outcome should be cancelled, got %+v", o)
		}
	default:
		t.Fatal("completion must fire before Shutdown returns")
	}
}

func TestExecConvertMissingCommand(t *testing.T) {
	t.Parallel()

	fn := ExecConvert(nil)
	_, err := fn(context.Background(), "in", "out")
	if !IsNoRetry(err) {
		t.Fatalf("empty command should be a permanent failure, got %v", err)
	}
}
