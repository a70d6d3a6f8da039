package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"batchmd/internal/eventbus"
	"batchmd/internal/runtime/supervisor"
	logx "batchmd/pkg/logx"
)

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Controller owns the batch: the task table, the pending queue, the retry
// timers and the executor hand-off.
//
// Concurrency model: the table and state live behind one mutex; the dispatch
// loop is the only reader of the queue and the only goroutine that moves
// tasks into Processing; terminal transitions go through finalize, which is
// idempotent, so the result loop and the cancel/stop paths cannot double-count.
type Controller struct {
	cfg  Config
	fn   ConvertFunc
	exec Executor
	log  logx.Logger
	bus  eventbus.Bus

	queue *taskQueue
	retry *retryManager
	stats *statsTracker
	dedup *DuplicateDetector

	mu      sync.RWMutex
	state   State
	tasks   map[string]*Task
	order   []string
	handles map[string]Handle

	// stopDrain records which flavor of Stop is in progress; it decides how
	// retry-waiting tasks are finalized.
	stopDrain bool

	sup     *supervisor.Supervisor
	results chan Outcome

	// resMu guards resultsOpen. Sends happen under the read lock, so Stop can
	// flip the flag and close the channel only once no sender is in flight.
	// After the flip, late completions (converters that outlived the Stop
	// deadline) settle their task directly instead of touching the channel.
	resMu       sync.RWMutex
	resultsOpen bool

	dispatchDone chan struct{}
	resultDone   chan struct{}
	stoppedCh    chan struct{}
}

// New builds a controller. A nil executor defaults to an in-process goroutine
// pool sized by cfg.Workers; a nil bus gets a private one so publish sites
// never nil-check.
func New(cfg Config, fn ConvertFunc, exec Executor, log logx.Logger, bus eventbus.Bus) *Controller {
	cfg = cfg.withDefaults()
	if exec == nil {
		exec = NewPool(cfg.Workers)
	}
	if bus == nil {
		bus = eventbus.New()
	}
	c := &Controller{
		cfg:          cfg,
		fn:           fn,
		exec:         exec,
		log:          log.With(logx.String("component", "batch")),
		bus:          bus,
		queue:        newTaskQueue(),
		retry:        newRetryManager(cfg.RetryBase),
		stats:        newStatsTracker(),
		tasks:        make(map[string]*Task),
		handles:      make(map[string]Handle),
		results:      make(chan Outcome, cfg.Workers*2),
		resultsOpen:  true,
		dispatchDone: make(chan struct{}),
		resultDone:   make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
	if cfg.Dedup == DedupController {
		c.dedup = NewDuplicateDetector()
	}
	return c
}

// AddFiles filters, fingerprints and enqueues a set of input files.
//
// Returned IDs cover every task that entered the table, including duplicates
// (which land directly in StatusSkipped). Files rejected by the filter are
// silently dropped. Fingerprinting errors are logged and the file is treated
// as unique.
func (c *Controller) AddFiles(paths []string, opt SubmitOptions) ([]string, error) {
	c.mu.RLock()
	stopped := c.state == StateStopped
	c.mu.RUnlock()
	if stopped {
		return nil, ErrStopped
	}

	opt = opt.withDefaults(c.cfg)

	var detector *DuplicateDetector
	switch c.cfg.Dedup {
	case DedupBatch:
		detector = NewDuplicateDetector()
	case DedupController:
		detector = c.dedup
	}

	type candidate struct {
		path  string
		fp    uint64
		hasFP bool
	}

	// Filter and hash outside the lock; both touch the filesystem.
	cands := make([]candidate, 0, len(paths))
	for _, p := range paths {
		if opt.Filter != nil && !opt.Filter.MatchesPath(p) {
			continue
		}
		cand := candidate{path: p}
		if detector != nil {
			fp, err := detector.Fingerprint(p)
			if err != nil {
				c.log.Warn("fingerprint failed, treating file as unique",
					logx.String("path", p), logx.Err(err))
			} else {
				cand.fp = fp
				cand.hasFP = true
			}
		}
		cands = append(cands, cand)
	}

	now := time.Now()
	ids := make([]string, 0, len(cands))
	var skippedEvents []TaskEvent
	var pushFailed []*Task

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	for _, cand := range cands {
		t := &Task{
			ID:         uuid.NewString(),
			InputPath:  cand.path,
			OutputPath: opt.outputFor(cand.path),
			Priority:   opt.Priority,
			Status:     StatusPending,
			MaxRetries: opt.MaxRetries,
			CreatedAt:  now,
			timeout:    opt.Timeout,
		}
		if cand.hasFP {
			t.Fingerprint = cand.fp
		}

		if cand.hasFP && detector.Seen(cand.fp) {
			t.Status = StatusSkipped
			t.CompletedAt = now
			t.Error = "duplicate content"
			c.tasks[t.ID] = t
			c.order = append(c.order, t.ID)
			c.stats.onSkipped()
			ids = append(ids, t.ID)
			skippedEvents = append(skippedEvents, TaskEvent{
				ID:        t.ID,
				InputPath: t.InputPath,
				Status:    StatusSkipped,
				Error:     t.Error,
			})
			continue
		}

		c.tasks[t.ID] = t
		c.order = append(c.order, t.ID)
		c.stats.onEnqueued()
		if !c.queue.Push(t) {
			// Stop raced us; the task never ran.
			pushFailed = append(pushFailed, t)
		}
		ids = append(ids, t.ID)
	}
	c.mu.Unlock()

	for _, t := range pushFailed {
		c.finalize(t, StatusCancelled, Outcome{TaskID: t.ID})
	}
	for _, ev := range skippedEvents {
		c.publish(eventbus.TaskSkipped, ev)
	}
	if len(ids) > 0 {
		c.log.Debug("files enqueued",
			logx.Int("submitted", len(paths)),
			logx.Int("accepted", len(ids)),
			logx.Int("skipped", len(skippedEvents)))
	}
	return ids, nil
}

// AddTask enqueues a single file. Returns an empty ID when the filter
// rejected the file.
func (c *Controller) AddTask(path string, opt SubmitOptions) (string, error) {
	ids, err := c.AddFiles([]string{path}, opt)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// Start launches the dispatch and result loops. Cancelling ctx triggers a
// non-draining stop. Start can be called once; a stopped controller cannot be
// restarted.
func (c *Controller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return ErrStopped
	case StateRunning, StatePaused:
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.state = StateRunning
	c.mu.Unlock()

	c.stats.markStarted(time.Now())

	c.sup = supervisor.New(context.Background(), supervisor.WithLogger(c.log))
	c.sup.Go0("batch-dispatch", c.dispatchLoop)
	c.sup.Go0("batch-results", c.resultLoop)

	// Not under the supervisor: this goroutine may itself call Stop, which
	// waits for the supervisor.
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop(context.Background(), false)
		case <-c.stoppedCh:
		}
	}()

	c.log.Info("batch controller started",
		logx.Int("workers", c.cfg.Workers),
		logx.Duration("retry_base", c.cfg.RetryBase))
	return nil
}

// Pause closes the dispatch gate. In-flight conversions finish; queued tasks
// wait. Idempotent while paused.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StatePaused:
		return nil
	case StateRunning:
	case StateStopped:
		return ErrStopped
	default:
		return ErrNotRunning
	}
	c.state = StatePaused
	c.queue.SetPaused(true)
	c.log.Info("batch paused")
	return nil
}

// Resume reopens the dispatch gate.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning:
		return nil
	case StatePaused:
	case StateStopped:
		return ErrStopped
	default:
		return ErrNotRunning
	}
	c.state = StateRunning
	c.queue.SetPaused(false)
	c.log.Info("batch resumed")
	return nil
}

// CancelTask cancels one task. Queued and retry-waiting tasks become
// Cancelled immediately; for in-flight tasks cancellation is cooperative and
// the terminal state arrives through the result path. Returns false when the
// task is unknown or already terminal.
func (c *Controller) CancelTask(id string) bool {
	c.mu.Lock()
	t := c.tasks[id]
	if t == nil || t.Status.Terminal() {
		c.mu.Unlock()
		return false
	}
	t.cancelWanted = true
	h := c.handles[id]
	status := t.Status
	c.mu.Unlock()

	switch status {
	case StatusPending:
		if qt := c.queue.Remove(id); qt != nil {
			c.finalize(qt, StatusCancelled, Outcome{TaskID: id})
			return true
		}
		if rt := c.retry.Cancel(id); rt != nil {
			c.finalize(rt, StatusCancelled, Outcome{TaskID: id})
			return true
		}
		// In the dispatch hand-off window; cancelWanted is honored there.
		return true
	case StatusProcessing:
		if h != nil {
			h.Cancel()
		}
		return true
	default:
		return false
	}
}

// CancelAll cancels everything that has not finished: queued and
// retry-waiting tasks become Cancelled now, in-flight ones get their contexts
// canceled and finalize through the result path. Returns the number of tasks
// cancelled synchronously.
func (c *Controller) CancelAll() int {
	n := 0
	for _, t := range c.queue.DrainPending() {
		c.finalize(t, StatusCancelled, Outcome{TaskID: t.ID})
		n++
	}
	for _, t := range c.retry.CancelAll() {
		c.finalize(t, StatusCancelled, Outcome{TaskID: t.ID})
		n++
	}

	c.mu.Lock()
	hs := make([]Handle, 0, len(c.handles))
	for id, h := range c.handles {
		if t := c.tasks[id]; t != nil {
			t.cancelWanted = true
		}
		hs = append(hs, h)
	}
	// Tasks caught between dequeue and executor hand-off.
	for _, t := range c.tasks {
		if !t.Status.Terminal() {
			t.cancelWanted = true
		}
	}
	c.mu.Unlock()

	for _, h := range hs {
		h.Cancel()
	}
	c.log.Info("cancel-all requested", logx.Int("cancelled_waiting", n), logx.Int("inflight", len(hs)))
	return n
}

// Stop shuts the controller down. With drain, queued tasks are still
// dispatched and in-flight conversions finish; without, queued tasks become
// Cancelled and in-flight contexts are canceled. Retry-waiting tasks finalize
// as Failed (drain) or Cancelled (no drain). Idempotent; concurrent callers
// block until the first stop completes.
func (c *Controller) Stop(ctx context.Context, drain bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		select {
		case <-c.stoppedCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateIdle:
		c.state = StateStopped
		c.mu.Unlock()
		close(c.stoppedCh)
		return nil
	}
	c.state = StateStopped
	c.stopDrain = drain
	c.mu.Unlock()

	c.log.Info("batch controller stopping", logx.Bool("drain", drain))

	rest := c.queue.Close(drain)
	for _, t := range rest {
		c.finalize(t, StatusCancelled, Outcome{TaskID: t.ID})
	}

	if !drain {
		// Unblock a dispatch loop waiting on a worker permit.
		c.sup.Cancel()
	}
	<-c.dispatchDone

	shutdownErr := c.exec.Shutdown(ctx, drain)

	for _, t := range c.retry.CancelAll() {
		if drain {
			c.finalize(t, StatusFailed, Outcome{TaskID: t.ID, Err: errors.New(t.Error)})
		} else {
			c.finalize(t, StatusCancelled, Outcome{TaskID: t.ID})
		}
	}

	// No sender holds the read lock past this point, so the close is safe
	// even when Shutdown timed out with conversions still running.
	c.resMu.Lock()
	c.resultsOpen = false
	c.resMu.Unlock()
	close(c.results)
	<-c.resultDone

	close(c.stoppedCh)
	c.sup.Cancel()
	_ = c.sup.Wait(ctx)

	c.log.Info("batch controller stopped", logx.Err(shutdownErr))
	return shutdownErr
}

// GetTask returns a copy of a task.
func (c *Controller) GetTask(id string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ListTasks returns copies of all tasks in submission order, optionally
// narrowed to the given statuses.
func (c *Controller) ListTasks(statuses ...Status) []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Task, 0, len(c.order))
	for _, id := range c.order {
		t, ok := c.tasks[id]
		if !ok {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, t.Status) {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// Statistics returns the current counters and derived rates.
func (c *Controller) Statistics() BatchStatistics {
	return c.stats.Snapshot(time.Now())
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ---- internals ----

// dispatchLoop pulls pending tasks and hands them to the executor. It is the
// only goroutine that moves tasks into Processing.
func (c *Controller) dispatchLoop(ctx context.Context) {
	defer close(c.dispatchDone)
	for {
		t, ok := c.queue.Pop()
		if !ok {
			return
		}

		c.mu.Lock()
		if t.Status != StatusPending {
			c.mu.Unlock()
			continue
		}
		if t.cancelWanted {
			c.mu.Unlock()
			c.finalize(t, StatusCancelled, Outcome{TaskID: t.ID})
			continue
		}
		t.Status = StatusProcessing
		t.StartedAt = time.Now()
		snapshot := *t
		ev := TaskEvent{
			ID:        t.ID,
			InputPath: t.InputPath,
			Status:    StatusProcessing,
			Attempts:  t.RetryCount,
		}
		c.stats.onDispatched()
		c.mu.Unlock()

		c.publish(eventbus.TaskStarted, ev)

		h, err := c.exec.Submit(ctx, snapshot, c.fn, c.complete)
		if err != nil {
			// Stop raced the hand-off; the attempt never ran.
			c.finalize(t, StatusCancelled, Outcome{TaskID: t.ID, Err: err})
			continue
		}

		c.mu.Lock()
		if t.cancelWanted {
			c.mu.Unlock()
			h.Cancel()
			continue
		}
		c.handles[t.ID] = h
		c.mu.Unlock()
	}
}

// complete is the executor callback; it feeds the serialized result loop.
// Once Stop has torn the loop down, a straggler conversion (one that ignored
// its context past the Stop deadline) settles its task here instead, so a
// late completion can never crash the controller.
func (c *Controller) complete(o Outcome) {
	c.resMu.RLock()
	if c.resultsOpen {
		c.results <- o
		c.resMu.RUnlock()
		return
	}
	c.resMu.RUnlock()
	c.handleOutcome(o)
}

func (c *Controller) resultLoop(context.Context) {
	defer close(c.resultDone)
	for o := range c.results {
		c.handleOutcome(o)
	}
}

// handleOutcome applies the retry policy to one executor outcome and settles
// the task.
func (c *Controller) handleOutcome(o Outcome) {
	c.mu.Lock()
	t := c.tasks[o.TaskID]
	if t == nil || t.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	delete(c.handles, o.TaskID)
	stopped := c.state == StateStopped
	cancelWanted := t.cancelWanted
	c.mu.Unlock()

	switch {
	case o.Err == nil && !o.Cancelled:
		if t.OutputPath != "" && o.Result.Content != "" {
			if werr := c.writeOutput(t.OutputPath, o.Result.Content); werr != nil {
				o.Err = fmt.Errorf("write output: %w", werr)
				c.finalize(t, StatusFailed, o)
				return
			}
		}
		c.finalize(t, StatusCompleted, o)

	case o.Cancelled:
		c.finalize(t, StatusCancelled, o)

	default:
		if !stopped && !cancelWanted && c.retry.ShouldRetry(t, o.Err) {
			c.scheduleRetry(t, o)
			return
		}
		c.finalize(t, StatusFailed, o)
	}
}

func (c *Controller) scheduleRetry(t *Task, o Outcome) {
	c.mu.Lock()
	t.RetryCount++
	t.Status = StatusPending
	t.Error = o.Err.Error()
	attempt := t.RetryCount
	c.stats.onRetryScheduled()
	c.mu.Unlock()

	delay := c.retry.Delay(attempt)
	c.publish(eventbus.TaskRetrying, TaskEvent{
		ID:        t.ID,
		InputPath: t.InputPath,
		Status:    StatusPending,
		Attempts:  attempt,
		Duration:  o.Duration,
		Error:     t.Error,
		ErrorKind: errorKind(o.Err),
	})
	c.log.Warn("task failed, retry scheduled",
		logx.String("task", t.ID),
		logx.String("path", t.InputPath),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.Err(o.Err))

	c.retry.Schedule(t, c.requeue)
}

// requeue is the retry-timer callback: it pushes the task back unless the
// controller stopped or the task was cancelled while waiting.
func (c *Controller) requeue(t *Task) {
	c.mu.Lock()
	if t.Status != StatusPending {
		c.mu.Unlock()
		return
	}
	if t.cancelWanted {
		c.mu.Unlock()
		c.finalize(t, StatusCancelled, Outcome{TaskID: t.ID})
		return
	}
	stopped := c.state == StateStopped
	drain := c.stopDrain
	c.mu.Unlock()

	if stopped || !c.queue.Push(t) {
		if stopped && drain {
			c.finalize(t, StatusFailed, Outcome{TaskID: t.ID, Err: errors.New(t.Error)})
		} else {
			c.finalize(t, StatusCancelled, Outcome{TaskID: t.ID})
		}
	}
}

// finalize performs the terminal transition. Idempotent: the first caller
// wins, later outcomes for the same task are dropped.
func (c *Controller) finalize(t *Task, status Status, o Outcome) {
	c.mu.Lock()
	if t.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	from := t.Status
	t.Status = status
	t.CompletedAt = time.Now()
	delete(c.handles, t.ID)

	switch status {
	case StatusCompleted:
		if t.OutputPath != "" {
			t.Result = t.OutputPath
		} else {
			t.Result = o.Result.Content
		}
	case StatusFailed, StatusCancelled:
		if o.Err != nil {
			t.Error = o.Err.Error()
		}
	}

	ev := TaskEvent{
		ID:        t.ID,
		InputPath: t.InputPath,
		Status:    status,
		Attempts:  t.RetryCount,
		Duration:  o.Duration,
		Error:     t.Error,
	}
	if status == StatusFailed && o.Err != nil {
		ev.ErrorKind = errorKind(o.Err)
	}
	// Counters move in the same critical section as the status flip, so a
	// concurrent Statistics call never sees them disagree.
	c.stats.onTerminal(from, status, o.Duration)
	c.mu.Unlock()

	switch status {
	case StatusCompleted:
		c.publish(eventbus.TaskCompleted, ev)
		c.log.Debug("task completed",
			logx.String("task", t.ID),
			logx.String("path", t.InputPath),
			logx.Duration("took", o.Duration))
	case StatusFailed:
		c.publish(eventbus.TaskFailed, ev)
		c.log.Error("task failed",
			logx.String("task", t.ID),
			logx.String("path", t.InputPath),
			logx.Int("attempts", ev.Attempts),
			logx.Err(o.Err))
	case StatusCancelled:
		c.publish(eventbus.TaskCancelled, ev)
	}
}

func (c *Controller) writeOutput(path, content string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (c *Controller) publish(typ string, data any) {
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
