package app

import (
	"context"
	"time"

	"timertrigger/internal/eventbus"
	"timertrigger/internal/storage"
	"timertrigger/internal/trigger"
	logx "timertrigger/pkg/logx"
)

// recordTicks appends every finished or failed tick to st until ctx is done,
// then drains what is already queued.
func recordTicks(ctx context.Context, st storage.Store, events <-chan eventbus.Event, log logx.Logger) {
	write := func(e eventbus.Event) {
		rec, ok := tickRecord(e)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := st.AppendTick(wctx, rec); err != nil {
			log.Warn("tick history append failed", logx.Component(rec.Component), logx.Err(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					write(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			write(e)
		}
	}
}

func tickRecord(e eventbus.Event) (storage.TickRecord, bool) {
	if e.Type != eventbus.TypeTickFinished && e.Type != eventbus.TypeTickFailed {
		return storage.TickRecord{}, false
	}
	ev, ok := e.Data.(trigger.TickEvent)
	if !ok {
		return storage.TickRecord{}, false
	}
	return storage.TickRecord{
		ID:         ev.ID,
		Component:  ev.Component,
		Seq:        ev.Seq,
		StartedAt:  ev.StartedAt,
		FinishedAt: ev.FinishedAt,
		TookMS:     ev.Duration().Milliseconds(),
		OK:         ev.OK(),
		Output:     ev.Output,
		Error:      ev.Error,
	}, true
}
