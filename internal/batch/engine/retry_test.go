package engine

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestRetryDelayDoubles(t *testing.T) {
	t.Parallel()

	r := newRetryManager(time.Second)
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tc := range tests {
		if got := r.Delay(tc.retry); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	r := newRetryManager(time.Millisecond)

	tests := []struct {
		name string
		task *Task
		err  error
		want bool
	}{
		{"transient with budget", &Task{RetryCount: 0, MaxRetries: 3}, errors.New("boom"), true},
		{"budget exhausted", &Task{RetryCount: 3, MaxRetries: 3}, errors.New("boom"), false},
		{"no-retry wrapper", &Task{MaxRetries: 3}, NoRetry(errors.New("bad input")), false},
		{"invalid input sentinel", &Task{MaxRetries: 3}, ErrInvalidInput, false},
		{"unsupported format", &Task{MaxRetries: 3}, ErrUnsupportedFormat, false},
		{"permission denied", &Task{MaxRetries: 3}, os.ErrPermission, false},
		{"resource busy", &Task{MaxRetries: 3}, ErrResourceBusy, true},
		{"retryable wrapper wins", &Task{MaxRetries: 3}, Retryable(ErrInvalidInput), true},
		{"nil error", &Task{MaxRetries: 3}, nil, false},
	}
	for _, tc := range tests {
		if got := r.ShouldRetry(tc.task, tc.err); got != tc.want {
			t.Fatalf("%s: ShouldRetry = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestScheduleFiresRequeue(t *testing.T) {
	t.Parallel()

	r := newRetryManager(time.Millisecond)
	task := &Task{ID: "t1", RetryCount: 1, MaxRetries: 3}

	fired := make(chan *Task, 1)
	r.Schedule(task, func(t *Task) { fired <- t })

	select {
	case got := <-fired:
		if got.ID != "t1" {
			t.Fatalf("requeue got %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("retry timer never fired")
	}
	if r.Pending() != 0 {
		t.Fatalf("pending after fire: %d", r.Pending())
	}
}

func TestCancelStopsPendingRetry(t *testing.T) {
	t.Parallel()

	r := newRetryManager(time.Hour)
	task := &Task{ID: "t1", RetryCount: 1, MaxRetries: 3}
	r.Schedule(task, func(*Task) { t.Error("requeue fired after cancel") })

	if got := r.Cancel("t1"); got == nil || got.ID != "t1" {
		t.Fatalf("cancel returned %v", got)
	}
	if got := r.Cancel("t1"); got != nil {
		t.Fatal("second cancel should return nil")
	}
	if r.Pending() != 0 {
		t.Fatalf("pending after cancel: %d", r.Pending())
	}
}

func TestCancelAllReturnsWaitingTasks(t *testing.T) {
	t.Parallel()

	r := newRetryManager(time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		r.Schedule(&Task{ID: id, RetryCount: 1, MaxRetries: 3}, func(*Task) {})
	}
	got := r.CancelAll()
	if len(got) != 3 {
		t.Fatalf("cancel-all returned %d tasks, want 3", len(got))
	}
	if r.Pending() != 0 {
		t.Fatalf("pending after cancel-all: %d", r.Pending())
	}
}
