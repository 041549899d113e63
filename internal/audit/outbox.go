package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"caregrid.org/internal/obs"
)

// Dispatcher drains the outbox into the ledger on a fixed tick. It runs as a
// separate unit of work from the operations that enqueued the events, which
// is what lets audit facts survive rollback of their triggering operation.
type Dispatcher struct {
	outbox Outbox
	ledger Ledger
	tick   time.Duration
	batch  int
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(outbox Outbox, ledger Ledger, tick time.Duration, batch int) *Dispatcher {
	if tick <= 0 {
		tick = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Dispatcher{outbox: outbox, ledger: ledger, tick: tick, batch: batch}
}

// Run dispatches until the context is cancelled. A final flush happens on the
// way out so shutdown does not strand enqueued events.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := d.Flush(flushCtx); err != nil {
				obs.Logger().Error("audit: final flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := d.Flush(ctx); err != nil {
				obs.Logger().Error("audit: dispatch failed", zap.Error(err))
			}
		}
	}
}

// Flush moves at most one batch of pending events into the ledger and returns
// how many were dispatched.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	pending, err := d.outbox.PullPending(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	obs.SetOutboxDepth(len(pending))
	if len(pending) == 0 {
		return 0, nil
	}

	done := make([]string, 0, len(pending))
	for _, e := range pending {
		if err := d.ledger.Append(ctx, e); err != nil {
			// Leave the event in the outbox; it is retried next tick.
			obs.Logger().Error("audit: append failed",
				zap.String("event_id", e.ID),
				zap.Error(err))
			continue
		}
		done = append(done, e.ID)
	}
	if len(done) > 0 {
		if err := d.outbox.MarkDispatched(ctx, done); err != nil {
			return len(done), err
		}
	}
	obs.CountDispatched(len(done))
	obs.SetOutboxDepth(len(pending) - len(done))
	return len(done), nil
}
