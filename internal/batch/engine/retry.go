package engine

import (
	"sync"
	"time"
)

// retryManager owns the backoff timers for tasks waiting to re-enter the
// queue. All timers are tracked so a stop or cancel-all can reclaim the
// waiting tasks instead of leaving them in limbo.
type retryManager struct {
	base time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	tasks  map[string]*Task
}

func newRetryManager(base time.Duration) *retryManager {
	if base <= 0 {
		base = time.Second
	}
	return &retryManager{
		base:   base,
		timers: make(map[string]*time.Timer),
		tasks:  make(map[string]*Task),
	}
}

// ShouldRetry decides whether a failed attempt earns another one: the error
// must be transient and the task must have attempts left.
func (r *retryManager) ShouldRetry(t *Task, err error) bool {
	if t == nil || err == nil {
		return false
	}
	if t.RetryCount >= t.MaxRetries {
		return false
	}
	return isRetryable(err)
}

// Delay returns the backoff before the given retry: base doubled per attempt
// (retry 1 waits 2x base, retry 2 waits 4x, ...).
func (r *retryManager) Delay(retry int) time.Duration {
	d := r.base
	for i := 0; i < retry; i++ {
		d *= 2
	}
	return d
}

// Schedule arms a timer that calls requeue after the backoff for the task's
// current retry count. A second Schedule for the same task replaces the
// pending timer.
func (r *retryManager) Schedule(t *Task, requeue func(*Task)) {
	delay := r.Delay(t.RetryCount)

	r.mu.Lock()
	if old, ok := r.timers[t.ID]; ok {
		old.Stop()
	}
	r.tasks[t.ID] = t
	r.timers[t.ID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, t.ID)
		delete(r.tasks, t.ID)
		r.mu.Unlock()
		requeue(t)
	})
	r.mu.Unlock()
}

// Cancel stops a pending retry and returns the task it was holding, or nil
// when no retry was pending (or the timer already fired).
func (r *retryManager) Cancel(id string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	timer, ok := r.timers[id]
	if !ok {
		return nil
	}
	delete(r.timers, id)
	t := r.tasks[id]
	delete(r.tasks, id)
	if !timer.Stop() {
		// Timer fired concurrently; its callback wins the task.
		return nil
	}
	return t
}

// CancelAll stops every pending retry and returns the tasks that were
// waiting.
func (r *retryManager) CancelAll() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.timers))
	for id, timer := range r.timers {
		t := r.tasks[id]
		delete(r.timers, id)
		delete(r.tasks, id)
		if timer.Stop() && t != nil {
			out = append(out, t)
		}
	}
	return out
}

// Pending reports how many retries are currently waiting on a timer.
func (r *retryManager) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
