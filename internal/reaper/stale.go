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

// StaleRequestReaper bounds how long a rider waits when nobody accepts:
// requested trips older than the deadline either get one more standby
// promotion or expire.
type StaleRequestReaper struct {
	Trips    storage.TripStore
	Dispatch *dispatch.Service
	Live     notify.LiveChannel
	Locks    oplock.Locker
	Logger   *slog.Logger

	RequestTTL time.Duration
	Interval   time.Duration

	Clock func() time.Time
}

func (r *StaleRequestReaper) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *StaleRequestReaper) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.Logger.Error("stale-request sweep failed", "error", err)
			} else if n > 0 {
				r.Logger.Info("stale-request sweep", "expired", n)
			}
		}
	}
}

// Sweep runs one pass and returns how many trips it expired.
func (r *StaleRequestReaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	trips, err := r.Trips.RequestedBefore(ctx, now.Add(-r.RequestTTL), sweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, t := range trips {
		got, err := r.Locks.TryAcquire(ctx, "reap:stale:"+t.ID, r.Interval)
		if err != nil || !got {
			continue
		}

		// Advance bookings are not stale until their scheduled time passes.
		if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
			continue
		}

		// A trip with standby left gets one more chance before expiring.
		if hasPendingStandby(t) {
			if _, promoted, err := r.Dispatch.PromoteNext(ctx, t.ID); err == nil && promoted {
				continue
			}
		}

		ok, err := r.Trips.ExpireRequested(ctx, t.ID, now)
		if err != nil {
			r.Logger.Error("expire failed", "trip_id", t.ID, "error", err)
			continue
		}
		if !ok {
			// claimed in the meantime; the accept won the race
			continue
		}

		expired++
		observability.TripsExpired.Inc()
		// any driver still holding the offer is told it is dead
		r.Dispatch.RetireOffers(ctx, t.ID, "", notify.EventTripExpired)
		_ = r.Live.Send(t.RiderID, notify.EventTripExpired, map[string]string{"trip_id": t.ID})
		r.Logger.Info("trip expired", "trip_id", t.ID, "age", now.Sub(t.CreatedAt).String())
	}
	return expired, nil
}

func hasPendingStandby(t *models.Trip) bool {
	for i := t.StandbyCursor; i < len(t.Standby); i++ {
		if t.Standby[i].Status == models.StandbyPending {
			return true
		}
	}
	return false
}
