package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/oplock"
	"github.com/example/trip-dispatch/internal/storage"
)

const sweepBatch = 100

// HeartbeatReaper is the principal defense against a driver's app dying
// mid-trip: it frees the slot of any assigned driver that stopped
// heartbeating and hands the trip back to requested (or expired once the
// reassign budget is spent), then nudges the standby queue.
type HeartbeatReaper struct {
	Trips    storage.TripStore
	Drivers  storage.DriverStore
	Dispatch *dispatch.Service
	Live     notify.LiveChannel
	Locks    oplock.Locker
	Logger   *slog.Logger

	Stale        time.Duration // silence after the last heartbeat
	Grace        time.Duration // silence after acceptance with no heartbeat ever
	MaxReassigns int
	Interval     time.Duration

	Clock func() time.Time
}

func (r *HeartbeatReaper) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *HeartbeatReaper) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.Logger.Error("heartbeat sweep failed", "error", err)
			} else if n > 0 {
				r.Logger.Info("heartbeat sweep", "reverted", n)
			}
		}
	}
}

// Sweep runs one pass and returns how many trips it reclaimed.
func (r *HeartbeatReaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	trips, err := r.Trips.StaleActive(ctx, now.Add(-r.Stale), now.Add(-r.Grace), sweepBatch)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, t := range trips {
		// time-boxed claim so two reaper instances never double-process
		got, err := r.Locks.TryAcquire(ctx, "reap:hb:"+t.ID, r.Interval)
		if err != nil || !got {
			continue
		}

		to := models.StatusRequested
		if t.Reassigns >= r.MaxReassigns {
			to = models.StatusExpired
		}

		driverID := t.DriverID
		ok, err := r.Trips.RevertAssignment(ctx, t.ID, driverID, to, now)
		if err != nil {
			r.Logger.Error("revert failed", "trip_id", t.ID, "error", err)
			continue
		}
		if !ok {
			// driver came back or the trip moved on; nothing to repair
			continue
		}

		// Free the slot in the same pass; the conditional release is a no-op
		// if the slot already points elsewhere.
		if released, err := r.Drivers.ReleaseDriver(ctx, driverID, t.ID); err != nil || !released {
			r.Logger.Warn("slot release after revert", "trip_id", t.ID, "driver_id", driverID, "error", err)
		}

		reclaimed++
		observability.TripsReverted.Inc()
		r.Logger.Info("silent driver reclaimed", "trip_id", t.ID, "driver_id", driverID, "to", to)

		if to == models.StatusExpired {
			observability.TripsExpired.Inc()
			r.Dispatch.RetireOffers(ctx, t.ID, "", notify.EventTripExpired)
			_ = r.Live.Send(t.RiderID, notify.EventTripExpired, map[string]string{"trip_id": t.ID})
			continue
		}

		_ = r.Live.Send(t.RiderID, notify.EventTripReverted, map[string]string{"trip_id": t.ID})
		if _, promoted, err := r.Dispatch.Reassign(ctx, t.ID); err != nil {
			r.Logger.Warn("standby reassign failed", "trip_id", t.ID, "error", err)
		} else if !promoted {
			r.Logger.Info("standby exhausted", "trip_id", t.ID)
		}
	}
	return reclaimed, nil
}
