package engine

import (
	"testing"
	"time"
)

func pushTask(t *testing.T, q *taskQueue, id string, p Priority) *Task {
	t.Helper()
	task := &Task{ID: id, Priority: p, Status: StatusPending, CreatedAt: time.Now()}
	if !q.Push(task) {
		t.Fatalf("push %s: queue closed", id)
	}
	return task
}

func TestQueuePriorityOrder(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	pushTask(t, q, "a", PriorityNormal)
	pushTask(t, q, "b", PriorityUrgent)
	pushTask(t, q, "c", PriorityLow)
	pushTask(t, q, "d", PriorityHigh)

	want := []string{"b", "d", "a", "c"}
	for _, id := range want {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("pop: queue closed early")
		}
		if got.ID != id {
			t.Fatalf("pop order: got %s, want %s", got.ID, id)
		}
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	now := time.Now()
	for _, id := range []string{"1", "2", "3"} {
		// Identical CreatedAt forces the sequence tie-break.
		if !q.Push(&Task{ID: id, Priority: PriorityNormal, CreatedAt: now}) {
			t.Fatalf("push %s failed", id)
		}
	}
	for _, want := range []string{"1", "2", "3"} {
		got, _ := q.Pop()
		if got.ID != want {
			t.Fatalf("fifo order: got %s, want %s", got.ID, want)
		}
	}
}

func TestQueueRetryKeepsOriginalAge(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	old := &Task{ID: "old", Priority: PriorityNormal, CreatedAt: time.Now().Add(-time.Minute)}
	pushTask(t, q, "young", PriorityNormal)
	if !q.Push(old) {
		t.Fatal("push old failed")
	}

	got, _ := q.Pop()
	if got.ID != "old" {
		t.Fatalf("older task should dispatch first, got %s", got.ID)
	}
}

func TestQueuePauseGate(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	q.SetPaused(true)
	pushTask(t, q, "a", PriorityNormal)

	popped := make(chan string, 1)
	go func() {
		task, ok := q.Pop()
		if ok {
			popped <- task.ID
		}
	}()

	select {
	case id := <-popped:
		t.Fatalf("pop returned %s while paused", id)
	case <-time.After(50 * time.Millisecond):
	}

	q.SetPaused(false)
	select {
	case id := <-popped:
		if id != "a" {
			t.Fatalf("got %s, want a", id)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not resume after unpause")
	}
}

func TestQueueCloseDrain(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	pushTask(t, q, "a", PriorityNormal)
	pushTask(t, q, "b", PriorityNormal)

	rest := q.Close(true)
	if len(rest) != 0 {
		t.Fatalf("drain close returned %d tasks, want 0", len(rest))
	}

	// Remaining items stay poppable until empty, then Pop reports closed.
	for _, want := range []string{"a", "b"} {
		got, ok := q.Pop()
		if !ok || got.ID != want {
			t.Fatalf("pop after drain close: got %v/%v, want %s", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop on empty closed queue should report closed")
	}
	if q.Push(&Task{ID: "late"}) {
		t.Fatal("push on closed queue should fail")
	}
}

func TestQueueCloseNoDrain(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	pushTask(t, q, "a", PriorityNormal)
	pushTask(t, q, "b", PriorityUrgent)

	rest := q.Close(false)
	if len(rest) != 2 {
		t.Fatalf("close returned %d tasks, want 2", len(rest))
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop after hard close should report closed")
	}
}

func TestQueueRemove(t *testing.T) {
	t.Parallel()

	q := newTaskQueue()
	pushTask(t, q, "a", PriorityNormal)
	pushTask(t, q, "b", PriorityNormal)

	if got := q.Remove("b"); got == nil || got.ID != "b" {
		t.Fatalf("remove b: got %v", got)
	}
	if got := q.Remove("nope"); got != nil {
		t.Fatalf("remove unknown: got %v", got)
	}
	if q.Len() != 1 {
		t.Fatalf("len after remove: got %d, want 1", q.Len())
	}
}
