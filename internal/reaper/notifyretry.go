package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/oplock"
	"github.com/example/trip-dispatch/internal/storage"
)

// NotifyRetryJob resends the "you have a driver" confirmation to riders whose
// channel was down at claim time. At-least-once: the attempt counter is
// bumped whether or not the send looked successful, and clients must treat
// duplicate confirmations as idempotent.
type NotifyRetryJob struct {
	Trips  storage.TripStore
	Live   notify.LiveChannel
	Locks  oplock.Locker
	Logger *slog.Logger

	Backoff     time.Duration
	MaxAttempts int
	Interval    time.Duration

	Clock func() time.Time
}

func (r *NotifyRetryJob) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *NotifyRetryJob) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.Logger.Error("notify retry sweep failed", "error", err)
			} else if n > 0 {
				r.Logger.Info("notify retry sweep", "resent", n)
			}
		}
	}
}

// Sweep runs one pass and returns how many confirmations it resent.
func (r *NotifyRetryJob) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	trips, err := r.Trips.PendingRiderNotify(ctx, now.Add(-r.Backoff), r.MaxAttempts, sweepBatch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, t := range trips {
		got, err := r.Locks.TryAcquire(ctx, "reap:notify:"+t.ID, r.Interval)
		if err != nil || !got {
			continue
		}

		serr := r.Live.Send(t.RiderID, notify.EventTripAssigned, map[string]any{
			"trip_id":   t.ID,
			"driver_id": t.DriverID,
			"ride_code": t.RideCode,
		})
		if err := r.Trips.RecordNotifyAttempt(ctx, t.ID, serr == nil, now); err != nil {
			r.Logger.Warn("notify bookkeeping failed", "trip_id", t.ID, "error", err)
			continue
		}
		sent++
		observability.NotifyRetries.Inc()
		if serr != nil {
			r.Logger.Info("rider still unreachable", "trip_id", t.ID, "attempts", t.NotifyAttempts+1)
		}
	}
	return sent, nil
}
