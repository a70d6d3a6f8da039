package engine

import (
	"container/heap"
	"sync"
)

// taskQueue is the pending-task priority queue.
//
// Ordering: priority descending, then CreatedAt ascending, then enqueue
// sequence (a retried task keeps its original CreatedAt, so it re-enters
// ahead of younger tasks of the same priority).
//
// Pop blocks (no polling) until a task is available and the queue is not
// paused, or the queue is closed. Close(drain=true) lets Pop hand out the
// remaining items first; Close(drain=false) returns them to the caller.
type taskQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items  queueHeap
	seq    uint64
	paused bool
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a task. Returns false when the queue is closed.
func (q *taskQueue) Push(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.seq++
	heap.Push(&q.items, queueItem{t: t, seq: q.seq})
	q.cond.Signal()
	return true
}

// Pop blocks until a task is available (and the gate is open) or the queue is
// closed and empty. The pause gate is ignored once the queue is closing so a
// draining shutdown cannot hang on a paused controller.
func (q *taskQueue) Pop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.items.Len() > 0 && (!q.paused || q.closed) {
			it := heap.Pop(&q.items).(queueItem)
			return it.t, true
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Remove takes a specific task out of the queue, if still pending there.
func (q *taskQueue) Remove(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].t.ID == id {
			it := heap.Remove(&q.items, i).(queueItem)
			return it.t
		}
	}
	return nil
}

// DrainPending removes and returns every queued task.
func (q *taskQueue) DrainPending() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, q.items.Len())
	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(queueItem)
		out = append(out, it.t)
	}
	return out
}

// SetPaused opens or closes the dispatch gate.
func (q *taskQueue) SetPaused(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Close stops the queue. With drain, queued items remain poppable until the
// queue empties; without, the remainder is returned for the caller to
// finalize.
func (q *taskQueue) Close(drain bool) []*Task {
	q.mu.Lock()
	q.closed = true
	var rest []*Task
	if !drain {
		rest = make([]*Task, 0, q.items.Len())
		for q.items.Len() > 0 {
			it := heap.Pop(&q.items).(queueItem)
			rest = append(rest, it.t)
		}
	}
	q.mu.Unlock()
	q.cond.Broadcast()
	return rest
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type queueItem struct {
	t   *Task
	seq uint64
}

type queueHeap []queueItem

func (h queueHeap) Len() int { return len(h) }

func (h queueHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.t.Priority != b.t.Priority {
		return a.t.Priority > b.t.Priority
	}
	if !a.t.CreatedAt.Equal(b.t.CreatedAt) {
		return a.t.CreatedAt.Before(b.t.CreatedAt)
	}
	return a.seq < b.seq
}

func (h queueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *queueHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *queueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = queueItem{}
	*h = old[:n-1]
	return it
}
