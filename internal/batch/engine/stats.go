package engine

import (
	"sync"
	"time"
)

// statsTracker keeps the running counters behind BatchStatistics.
//
// Transitions are driven by the controller's single result loop (plus
// enqueue-side bookkeeping), so the counters always describe a consistent
// snapshot of the task table.
type statsTracker struct {
	mu sync.Mutex

	total      int
	pending    int
	processing int
	completed  int
	failed     int
	cancelled  int
	skipped    int
	retries    int

	startedAt time.Time

	// workSeconds accumulates wall time of finished attempts, kept for
	// diagnostics alongside the wall-clock throughput.
	workSeconds float64
}

func newStatsTracker() *statsTracker { return &statsTracker{} }

func (s *statsTracker) markStarted(now time.Time) {
	s.mu.Lock()
	if s.startedAt.IsZero() {
		s.startedAt = now
	}
	s.mu.Unlock()
}

func (s *statsTracker) onEnqueued() {
	s.mu.Lock()
	s.total++
	s.pending++
	s.mu.Unlock()
}

func (s *statsTracker) onSkipped() {
	s.mu.Lock()
	s.total++
	s.skipped++
	s.mu.Unlock()
}

func (s *statsTracker) onDispatched() {
	s.mu.Lock()
	s.pending--
	s.processing++
	s.mu.Unlock()
}

func (s *statsTracker) onRetryScheduled() {
	s.mu.Lock()
	s.processing--
	s.pending++
	s.retries++
	s.mu.Unlock()
}

// onTerminal moves a task from its current bucket into a terminal one.
// from is the task's status at the moment the outcome landed (Pending for
// tasks pulled out of the queue or a retry wait, Processing for in-flight
// ones).
func (s *statsTracker) onTerminal(from, to Status, workDuration time.Duration) {
	s.mu.Lock()
	switch from {
	case StatusPending:
		s.pending--
	case StatusProcessing:
		s.processing--
	}
	switch to {
	case StatusCompleted:
		s.completed++
	case StatusFailed:
		s.failed++
	case StatusCancelled:
		s.cancelled++
	case StatusSkipped:
		s.skipped++
	}
	if workDuration > 0 {
		s.workSeconds += workDuration.Seconds()
	}
	s.mu.Unlock()
}

// Snapshot derives the full statistics view from the counters.
func (s *statsTracker) Snapshot(now time.Time) BatchStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := BatchStatistics{
		Total:      s.total,
		Pending:    s.pending,
		Processing: s.processing,
		Completed:  s.completed,
		Failed:     s.failed,
		Cancelled:  s.cancelled,
		Skipped:    s.skipped,
		Retries:    s.retries,
		StartedAt:  s.startedAt,
		WorkTime:   time.Duration(s.workSeconds * float64(time.Second)),
	}

	if done := s.completed + s.failed; done > 0 {
		st.SuccessRate = float64(s.completed) / float64(done) * 100
	}

	finished := s.completed + s.failed + s.cancelled + s.skipped
	if s.total > 0 {
		st.Progress = float64(finished) / float64(s.total) * 100
	}

	if !s.startedAt.IsZero() {
		st.Elapsed = now.Sub(s.startedAt)
	}

	// Throughput counts completions only; failures and cancellations say
	// nothing about how fast the remaining work will go. ETA needs signal.
	if st.Elapsed > 0 && s.completed > 0 {
		st.Speed = float64(s.completed) / st.Elapsed.Seconds()
		if st.Speed > 0 && s.pending > 0 {
			st.ETA = time.Duration(float64(s.pending) / st.Speed * float64(time.Second))
			st.ETAKnown = true
		}
	}

	return st
}
