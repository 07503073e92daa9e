package dispatch

import (
	"context"
	"errors"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// Accept is the race-safe claim. At most one of N concurrent callers
// transitions the trip out of requested; every loser gets a definitive
// rejection, never silence.
//
// Two conditional updates, in order:
//
//  1. trip: requested -> assigned, guarded on status. Zero rows means a
//     rival already claimed it: trip_taken.
//  2. driver slot: free -> busy, guarded on busy=false. Zero rows means the
//     driver was concurrently claimed by a different trip; the trip claim
//     from step 1 MUST be rolled back before returning driver_busy. The
//     trip-claim and the slot-claim are separate records and must never be
//     left disagreeing.
//
// Only after both claims hold do we generate side effects: rider
// confirmation and trip_taken to the losing candidates.
func (s *Service) Accept(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	if _, err := s.Drivers.GetDriver(ctx, driverID); errors.Is(err, storage.ErrNotFound) {
		observability.AcceptsTotal.WithLabelValues("unknown_driver").Inc()
		return nil, ErrUnauthorized
	} else if err != nil {
		return nil, err
	}

	code := newRideCode()
	now := s.now()

	claimed, err := s.Trips.ClaimTrip(ctx, tripID, driverID, code, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if _, gerr := s.Trips.GetTrip(ctx, tripID); errors.Is(gerr, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		observability.AcceptsTotal.WithLabelValues("trip_taken").Inc()
		return nil, ErrTripTaken
	}

	slotHeld, err := s.Drivers.ClaimDriver(ctx, driverID, tripID)
	if err != nil || !slotHeld {
		// Roll back the trip claim so the two records cannot disagree. If
		// the rollback itself fails the heartbeat reaper will repair the
		// orphaned assignment, but we still refuse the accept.
		if reverted, rerr := s.Trips.ReleaseClaim(ctx, tripID, driverID); rerr != nil || !reverted {
			s.Logger.Error("accept rollback failed", "trip_id", tripID, "driver_id", driverID, "error", rerr)
		}
		if err != nil {
			return nil, err
		}
		observability.AcceptsTotal.WithLabelValues("driver_busy").Inc()
		return nil, ErrDriverBusy
	}

	observability.AcceptsTotal.WithLabelValues("success").Inc()

	trip, err := s.Trips.GetTrip(ctx, tripID)
	if err != nil {
		// claim stands; only the snapshot read failed
		s.Logger.Error("post-accept read failed", "trip_id", tripID, "error", err)
		trip = &models.Trip{ID: tripID, DriverID: driverID, Status: models.StatusAssigned}
	}

	// Rider confirmation: live channel if present, else the retry job picks
	// it up from the unnotified flag.
	s.notifyRider(ctx, trip.RiderID, notify.EventTripAssigned, map[string]any{
		"trip_id":   tripID,
		"driver_id": driverID,
		"ride_code": code,
	}, tripID, true)

	// Losers are told definitively.
	s.RetireOffers(ctx, tripID, driverID, notify.EventTripTaken)

	s.Logger.Info("trip accepted", "trip_id", tripID, "driver_id", driverID)
	return trip, nil
}
