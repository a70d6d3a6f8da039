package app

import (
	"context"

	"golang.org/x/time/rate"

	"batchmd/internal/batch/engine"
	"batchmd/internal/eventbus"
)

// progressNotifier republishes batch statistics on the bus whenever tasks
// move, rate-limited so a fast batch doesn't flood subscribers.
type progressNotifier struct {
	ctrl    *engine.Controller
	bus     eventbus.Bus
	limiter *rate.Limiter
}

func newProgressNotifier(ctrl *engine.Controller, bus eventbus.Bus, maxPerSec float64) *progressNotifier {
	return &progressNotifier{
		ctrl:    ctrl,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(maxPerSec), 1),
	}
}

func (p *progressNotifier) run(ctx context.Context) {
	events, unsub := p.bus.Subscribe(128)
	defer unsub()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			if dirty {
				p.publish()
			}
			return
		case e := <-events:
			switch e.Type {
			case eventbus.TaskStarted, eventbus.TaskCompleted, eventbus.TaskFailed,
				eventbus.TaskCancelled, eventbus.TaskSkipped, eventbus.TaskRetrying:
			default:
				continue
			}
			if !p.limiter.Allow() {
				dirty = true
				continue
			}
			dirty = false
			p.publish()
		}
	}
}

func (p *progressNotifier) publish() {
	p.bus.Publish(eventbus.Event{
		Type: eventbus.BatchProgress,
		Data: p.ctrl.Statistics(),
	})
}
