package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/oplock"
	"github.com/example/trip-dispatch/internal/storage"
)

// ConsistencySweep detects drivers whose assignment slot disagrees with the
// trip store (busy with no matching active trip) and heals them by clearing
// the slot. Anomalies come from crashes between the two claim phases; they
// are repaired, never silently left inconsistent.
type ConsistencySweep struct {
	Trips   storage.TripStore
	Drivers storage.DriverStore
	Locks   oplock.Locker
	Logger  *slog.Logger

	Interval time.Duration
}

func (r *ConsistencySweep) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.Logger.Error("consistency sweep failed", "error", err)
			} else if n > 0 {
				r.Logger.Warn("consistency sweep healed anomalies", "count", n)
			}
		}
	}
}

// Sweep runs one pass and returns how many slots it healed.
func (r *ConsistencySweep) Sweep(ctx context.Context) (int, error) {
	drivers, err := r.Drivers.BusyDrivers(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}

	healed := 0
	for _, d := range drivers {
		got, err := r.Locks.TryAcquire(ctx, "reap:slot:"+d.ID, r.Interval)
		if err != nil || !got {
			continue
		}

		broken := false
		if d.CurrentTripID == "" {
			// busy flag with no trip reference
			broken = true
		} else {
			t, err := r.Trips.GetTrip(ctx, d.CurrentTripID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				broken = true
			case err != nil:
				continue
			case !t.Status.Active() || t.DriverID != d.ID:
				broken = true
			}
		}
		if !broken {
			continue
		}

		if err := r.Drivers.ClearSlot(ctx, d.ID); err != nil {
			r.Logger.Error("slot heal failed", "driver_id", d.ID, "error", err)
			continue
		}
		healed++
		observability.AnomaliesHealed.Inc()
		r.Logger.Warn("healed driver slot", "driver_id", d.ID, "trip_id", d.CurrentTripID)
	}
	return healed, nil
}
