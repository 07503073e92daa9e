package dispatch

import (
	"context"
	"errors"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// PromoteNext pops the next pending standby entry and issues a direct offer
// to that single driver, bypassing a full broadcast. No-op if the trip is no
// longer requested. The cursor only ever moves forward: a promoted entry is
// never retried, and drivers who already hold an open offer are skipped.
// Returns the promoted driver id, or ok=false when the queue is exhausted.
func (s *Service) PromoteNext(ctx context.Context, tripID string) (string, bool, error) {
	for {
		driverID, ok, err := s.Trips.PromoteStandby(ctx, tripID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", false, ErrNotFound
			}
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
		if s.Broadcaster.HasOffer(tripID, driverID) {
			continue
		}

		trip, err := s.Trips.GetTrip(ctx, tripID)
		if err != nil {
			return "", false, err
		}
		d, err := s.Drivers.GetDriver(ctx, driverID)
		if err != nil {
			// driver record vanished; entry is consumed, move on
			continue
		}

		dist := geo.Haversine(trip.Pickup.Lat, trip.Pickup.Lon, d.Loc.Lat, d.Loc.Lon)
		// cursor has advanced; delivery outcome does not roll it back
		s.Broadcaster.OfferOne(ctx, trip, d, dist)
		observability.StandbyPromotions.Inc()
		s.Logger.Info("standby promoted", "trip_id", tripID, "driver_id", driverID)
		return driverID, true, nil
	}
}

// Reassign is the convenience hook invoked when an assigned driver vanished
// and the trip was returned to requested.
func (s *Service) Reassign(ctx context.Context, tripID string) (string, bool, error) {
	return s.PromoteNext(ctx, tripID)
}
