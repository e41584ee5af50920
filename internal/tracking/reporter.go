package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/observability"
	"github.com/example/rider-agent/internal/realtime"
)

type LocationSink interface {
	UpdateLocation(ctx context.Context, s models.LocationSample) error
}

type Emitter interface {
	Emit(ctx context.Context, typ string, payload any) error
}

// Mirror copies samples to a downstream feed.
type Mirror interface {
	Publish(ctx context.Context, orderID string, s models.LocationSample) error
}

// Assignments is the view of the lifecycle coordinator the reporter needs.
type Assignments interface {
	Assignment() (models.Assignment, bool)
	UpdatePosition(ctx context.Context, pos models.Coord)
}

// Reporter samples the rider's position on a fixed cadence and sends each
// fix to the counterparty over the realtime channel and to the backend.
// Delivery is best-effort: failures are logged and never retried. Only the
// fix and the channel emit run on the tick; persisting, mirroring and
// rerouting each run with at most one call in flight, and a tick that finds
// one still busy skips it.
type Reporter struct {
	Locator     Locator
	Backend     LocationSink
	Channel     Emitter
	Mirror      Mirror
	Assignments Assignments
	Interval    time.Duration

	log *slog.Logger

	inflight                      sync.WaitGroup
	persisting, mirroring, moving atomic.Bool
}

func NewReporter(loc Locator, sink LocationSink, ch Emitter, asg Assignments, interval time.Duration, log *slog.Logger) *Reporter {
	return &Reporter{Locator: loc, Backend: sink, Channel: ch, Assignments: asg, Interval: interval, log: logging.Component(log, "tracking")}
}

// Run ticks at a fixed rate until ctx is done. A failed tick never delays
// or stops the next one.
func (r *Reporter) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	defer r.wait()
	for {
		if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			r.log.Debug("location_tick_skipped", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Tick acquires one fix, emits it and hands the slower writes off the tick.
func (r *Reporter) Tick(ctx context.Context) error {
	fix, err := r.Locator.Fix(ctx)
	if err != nil {
		observability.LocationTicks.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("acquire fix: %w", err)
	}

	var a models.Assignment
	held := false
	if r.Assignments != nil {
		a, held = r.Assignments.Assignment()
	}
	if held && a.CounterpartyID != "" && r.Channel != nil {
		ping := realtime.LocationPing{Latitude: fix.Lat, Longitude: fix.Lon, Heading: fix.Heading, CounterpartyID: a.CounterpartyID}
		if err := r.Channel.Emit(ctx, realtime.EventRiderLocation, ping); err != nil {
			r.log.Warn("location_emit_failed", "order_id", a.ID, "err", err)
		}
	}
	r.offTick(ctx, &r.persisting, "persist", func(ctx context.Context) {
		result := "ok"
		if err := r.Backend.UpdateLocation(ctx, fix); err != nil {
			result = "persist_failed"
			r.log.Warn("location_persist_failed", "err", err)
		}
		observability.LocationTicks.WithLabelValues(result).Inc()
	})
	if r.Mirror != nil {
		orderID := a.ID
		r.offTick(ctx, &r.mirroring, "mirror", func(ctx context.Context) {
			if err := r.Mirror.Publish(ctx, orderID, fix); err != nil {
				r.log.Warn("location_mirror_failed", "err", err)
			}
		})
	}
	if r.Assignments != nil {
		r.offTick(ctx, &r.moving, "reroute", func(ctx context.Context) {
			r.Assignments.UpdatePosition(ctx, fix.Coord())
		})
	}
	return nil
}

func (r *Reporter) offTick(ctx context.Context, busy *atomic.Bool, name string, fn func(context.Context)) {
	if !busy.CompareAndSwap(false, true) {
		observability.LocationTicks.WithLabelValues(name + "_busy").Inc()
		r.log.Debug("location_work_skipped", "work", name)
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer busy.Store(false)
		fn(ctx)
	}()
}

// wait blocks until off-tick work started by earlier ticks has finished.
func (r *Reporter) wait() { r.inflight.Wait() }
