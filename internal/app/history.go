package app

import (
	"context"
	"time"

	"batchmd/internal/batch/engine"
	"batchmd/internal/eventbus"
	"batchmd/internal/storage"
	logx "batchmd/pkg/logx"
)

// historySink persists every terminal task event to the history store.
type historySink struct {
	store storage.Store
	ctrl  *engine.Controller
	bus   eventbus.Bus
	log   logx.Logger
}

func newHistorySink(store storage.Store, ctrl *engine.Controller, bus eventbus.Bus, log logx.Logger) *historySink {
	return &historySink{
		store: store,
		ctrl:  ctrl,
		bus:   bus,
		log:   log.With(logx.String("component", "history")),
	}
}

func (h *historySink) run(ctx context.Context) {
	events, unsub := h.bus.Subscribe(256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			// Drain what is already buffered before exiting so a graceful
			// stop doesn't lose the last batch of records.
			for {
				select {
				case e := <-events:
					h.record(e)
				default:
					return
				}
			}
		case e := <-events:
			h.record(e)
		}
	}
}

func (h *historySink) record(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskCompleted, eventbus.TaskFailed, eventbus.TaskCancelled, eventbus.TaskSkipped:
	default:
		return
	}
	te, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}

	rec := storage.TaskRecord{
		ID:         te.ID,
		InputPath:  te.InputPath,
		Status:     string(te.Status),
		RetryCount: te.Attempts,
		Error:      te.Error,
		TookMS:     te.Duration.Milliseconds(),
	}
	// The event payload is intentionally small; pull the rest off the task
	// table.
	if t, ok := h.ctrl.GetTask(te.ID); ok {
		rec.OutputPath = t.OutputPath
		rec.Priority = t.Priority.String()
		rec.CreatedAt = t.CreatedAt
		rec.CompletedAt = t.CompletedAt
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = e.Time
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.store.AppendTask(ctx, rec); err != nil {
		h.log.Warn("history append failed", logx.String("task", te.ID), logx.Err(err))
	}
}
