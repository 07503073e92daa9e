package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/oplock"
	"github.com/example/trip-dispatch/internal/selector"
	"github.com/example/trip-dispatch/internal/settlement"
	"github.com/example/trip-dispatch/internal/storage"
)

// settleLockTTL bounds how long a completed trip is protected against a
// duplicate settlement emit.
const settleLockTTL = 10 * time.Minute

// Service is the trip dispatch engine: creation, the race-safe acceptance
// claim, driver-side lifecycle transitions, cancellation and standby
// promotion. All cross-request coordination goes through the stores'
// conditional updates; the service never holds a lock across I/O.
type Service struct {
	Trips       storage.TripStore
	Drivers     storage.DriverStore
	Selector    *selector.Selector
	Broadcaster *Broadcaster
	Live        notify.LiveChannel
	Settle      settlement.Settlement
	Locks       oplock.Locker
	Logger      *slog.Logger

	// ArrivalProximityM gates start (vs pickup) and complete (vs drop).
	ArrivalProximityM float64
	StandbySize       int

	Clock func() time.Time
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

type CreateTripRequest struct {
	RiderID      string              `json:"rider_id"`
	Type         models.TripType     `json:"type"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Pickup       models.Point        `json:"pickup"`
	Drop         models.Point        `json:"drop"`
	Fare         float64             `json:"fare"`
	ScheduledAt  *time.Time          `json:"scheduled_at,omitempty"`
}

func validCoord(c models.Coord) bool {
	if c.Lat == 0 && c.Lon == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// CreateTrip validates the request, persists the trip, computes the
// candidate set, seeds the standby queue and fans the offer out. Returns the
// trip and the candidate count.
func (s *Service) CreateTrip(ctx context.Context, req CreateTripRequest) (*models.Trip, int, error) {
	switch {
	case req.RiderID == "":
		return nil, 0, &ValidationError{Field: "rider_id", Msg: "required"}
	case !req.Type.Valid():
		return nil, 0, &ValidationError{Field: "type", Msg: "unknown trip type"}
	case !req.VehicleClass.Valid():
		return nil, 0, &ValidationError{Field: "vehicle_class", Msg: "unknown vehicle class"}
	case !validCoord(req.Pickup.Coord):
		return nil, 0, &ValidationError{Field: "pickup", Msg: "missing or out-of-range coordinates"}
	case !validCoord(req.Drop.Coord):
		return nil, 0, &ValidationError{Field: "drop", Msg: "missing or out-of-range coordinates"}
	case req.Fare <= 0:
		return nil, 0, &ValidationError{Field: "fare", Msg: "must be positive"}
	}

	now := s.now()
	trip := &models.Trip{
		ID:           newID(),
		RiderID:      req.RiderID,
		Type:         req.Type,
		VehicleClass: req.VehicleClass,
		Pickup:       req.Pickup,
		Drop:         req.Drop,
		Fare:         req.Fare,
		Status:       models.StatusRequested,
		ScheduledAt:  req.ScheduledAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	cands, err := s.Selector.Candidates(ctx, trip)
	if err != nil {
		return nil, 0, err
	}

	// Every candidate also lands on the standby queue so a later promotion
	// can re-try the ordering after the primary round fails.
	n := len(cands)
	if s.StandbySize > 0 && n > s.StandbySize {
		n = s.StandbySize
	}
	for _, c := range cands[:n] {
		trip.Standby = append(trip.Standby, models.StandbyEntry{DriverID: c.Driver.ID, Status: models.StandbyPending})
	}

	if err := s.Trips.CreateTrip(ctx, trip); err != nil {
		return nil, 0, err
	}
	observability.TripsCreated.Inc()

	// Fare hold is best-effort at request time; the wallet side reconciles.
	if err := s.Settle.TripRequested(ctx, trip.ID, trip.Fare); err != nil {
		s.Logger.Warn("settlement hold failed", "trip_id", trip.ID, "error", err)
	}

	// Empty candidate set is not an error: the trip stays requested and the
	// stale-request reaper bounds how long the rider waits.
	s.Broadcaster.Broadcast(ctx, trip, cands)

	s.Logger.Info("trip created", "trip_id", trip.ID, "type", trip.Type, "candidates", len(cands))
	return trip, len(cands), nil
}

// MarkEnRoute transitions assigned -> en_route_to_pickup.
func (s *Service) MarkEnRoute(ctx context.Context, tripID, driverID string) error {
	ok, err := s.Trips.MarkEnRoute(ctx, tripID, driverID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return s.classify(ctx, tripID, driverID)
	}
	return nil
}

// MarkArrived transitions en_route_to_pickup -> arrived_at_pickup.
func (s *Service) MarkArrived(ctx context.Context, tripID, driverID string) error {
	ok, err := s.Trips.MarkArrived(ctx, tripID, driverID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return s.classify(ctx, tripID, driverID)
	}
	return nil
}

// StartTrip checks the ride code and pickup proximity, then transitions
// arrived_at_pickup -> in_progress.
func (s *Service) StartTrip(ctx context.Context, tripID, driverID, code string, at models.Coord) error {
	t, err := s.Trips.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if t.DriverID != driverID {
		return ErrUnauthorized
	}
	if t.RideCode == "" || t.RideCode != code {
		return ErrInvalidCode
	}
	if d := geo.Haversine(at.Lat, at.Lon, t.Pickup.Lat, t.Pickup.Lon); d > s.ArrivalProximityM {
		return &TooFarError{DistanceM: d, LimitM: s.ArrivalProximityM}
	}

	ok, err := s.Trips.StartTrip(ctx, tripID, driverID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return s.classify(ctx, tripID, driverID)
	}
	return nil
}

// CompleteTrip checks drop proximity, transitions in_progress -> completed,
// frees the driver slot and emits the completion to settlement exactly once.
func (s *Service) CompleteTrip(ctx context.Context, tripID, driverID string, at models.Coord) error {
	t, err := s.Trips.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if t.DriverID != driverID {
		if t.Status == models.StatusCompleted {
			// repeat call after the slot was freed
			return ErrConflict
		}
		return ErrUnauthorized
	}
	if d := geo.Haversine(at.Lat, at.Lon, t.Drop.Lat, t.Drop.Lon); d > s.ArrivalProximityM {
		return &TooFarError{DistanceM: d, LimitM: s.ArrivalProximityM}
	}

	ok, err := s.Trips.CompleteTrip(ctx, tripID, driverID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return s.classify(ctx, tripID, driverID)
	}

	if released, err := s.Drivers.ReleaseDriver(ctx, driverID, tripID); err != nil || !released {
		s.Logger.Warn("driver slot release failed", "trip_id", tripID, "driver_id", driverID, "error", err)
	}

	s.emitSettlement(ctx, t, driverID)
	s.notifyRider(ctx, t.RiderID, notify.EventTripCompleted, nil, tripID, false)

	s.Logger.Info("trip completed", "trip_id", tripID, "driver_id", driverID)
	return nil
}

// emitSettlement reports the completed trip to the settlement collaborator,
// guarded by an op-lock so the external call cannot fire twice.
func (s *Service) emitSettlement(ctx context.Context, t *models.Trip, driverID string) {
	got, err := s.Locks.TryAcquire(ctx, "settle:"+t.ID, settleLockTTL)
	if err != nil {
		s.Logger.Error("settlement lock failed", "trip_id", t.ID, "error", err)
		return
	}
	if !got {
		return
	}
	if err := s.Settle.TripCompleted(ctx, t.ID, driverID, t.Fare); err != nil {
		s.Logger.Error("settlement emit failed", "trip_id", t.ID, "error", err)
	}
}

// Cancel moves a non-terminal trip to cancelled on behalf of the rider or
// the assigned driver, freeing the driver slot if one was held.
func (s *Service) Cancel(ctx context.Context, tripID, callerID string) error {
	prevDriver, ok, err := s.Trips.CancelTrip(ctx, tripID, callerID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		t, gerr := s.Trips.GetTrip(ctx, tripID)
		if errors.Is(gerr, storage.ErrNotFound) {
			return ErrNotFound
		}
		if gerr != nil {
			return gerr
		}
		if t.Status.Terminal() {
			return ErrConflict
		}
		return ErrUnauthorized
	}

	if prevDriver != "" {
		if released, rerr := s.Drivers.ReleaseDriver(ctx, prevDriver, tripID); rerr != nil || !released {
			s.Logger.Warn("driver slot release failed", "trip_id", tripID, "driver_id", prevDriver, "error", rerr)
		}
		if prevDriver != callerID {
			s.notifyDriver(ctx, prevDriver, tripID, notify.EventTripCancelled)
		}
	}
	if t, gerr := s.Trips.GetTrip(ctx, tripID); gerr == nil && t.RiderID != callerID {
		s.notifyRider(ctx, t.RiderID, notify.EventTripCancelled, nil, tripID, false)
	}

	s.RetireOffers(ctx, tripID, callerID, notify.EventTripCancelled)

	if err := s.Settle.TripCancelled(ctx, tripID); err != nil {
		s.Logger.Warn("settlement cancel failed", "trip_id", tripID, "error", err)
	}

	s.Logger.Info("trip cancelled", "trip_id", tripID, "by", callerID)
	return nil
}

// Heartbeat stamps driver liveness on an active trip, refreshing the driver
// location when one is supplied.
func (s *Service) Heartbeat(ctx context.Context, tripID, driverID string, at *models.Coord, seq int64) error {
	ok, err := s.Trips.Heartbeat(ctx, tripID, driverID, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return s.classify(ctx, tripID, driverID)
	}
	if at != nil {
		if _, err := s.Drivers.UpdateLocation(ctx, driverID, *at, seq, s.now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.Logger.Warn("heartbeat location update failed", "driver_id", driverID, "error", err)
		}
	}
	return nil
}

func (s *Service) ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	t, err := s.Trips.ActiveTripForDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *Service) ActiveTripForRider(ctx context.Context, riderID string) (*models.Trip, error) {
	t, err := s.Trips.ActiveTripForRider(ctx, riderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// RetireOffers tells every driver still holding an open offer (minus
// exclude) that the trip is gone, then drops the offer bookkeeping. Every
// path that takes a trip out of the offer pool must end up here: accept and
// cancel directly, the reapers when they expire a trip. Skipping it leaks
// the in-process offer set for the life of the dispatcher.
func (s *Service) RetireOffers(ctx context.Context, tripID, exclude, event string) {
	for _, id := range s.Broadcaster.Offered(tripID, exclude) {
		s.notifyDriver(ctx, id, tripID, event)
	}
	s.Broadcaster.Forget(tripID)
}

// classify turns a failed guard into the caller-visible rejection.
func (s *Service) classify(ctx context.Context, tripID, driverID string) error {
	t, err := s.Trips.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if t.DriverID != driverID {
		return ErrUnauthorized
	}
	return ErrConflict
}

// notifyRider confirms a trip event on the rider's live channel. When
// markAssigned is set a failed send leaves the trip flagged for the
// notification retry job instead of failing the transition.
func (s *Service) notifyRider(ctx context.Context, riderID, event string, payload any, tripID string, markAssigned bool) {
	if payload == nil {
		payload = map[string]string{"trip_id": tripID}
	}
	err := s.Live.Send(riderID, event, payload)
	if !markAssigned {
		if err != nil {
			s.Logger.Info("rider notify skipped", "trip_id", tripID, "rider_id", riderID, "event", event)
		}
		return
	}
	now := s.now()
	if err != nil {
		if rerr := s.Trips.RecordNotifyAttempt(ctx, tripID, false, now); rerr != nil {
			s.Logger.Warn("notify bookkeeping failed", "trip_id", tripID, "error", rerr)
		}
		return
	}
	if merr := s.Trips.MarkRiderNotified(ctx, tripID, now); merr != nil {
		s.Logger.Warn("notify bookkeeping failed", "trip_id", tripID, "error", merr)
	}
}

func (s *Service) notifyDriver(ctx context.Context, driverID, tripID, event string) {
	if err := s.Live.Send(driverID, event, map[string]string{"trip_id": tripID}); err == nil {
		return
	}
	d, err := s.Drivers.GetDriver(ctx, driverID)
	if err != nil || d.PushToken == "" {
		return
	}
	res := s.Broadcaster.Push.Send(ctx, d.PushToken, "Trip update", event, map[string]string{"trip_id": tripID, "event": event})
	if res == notify.InvalidTarget {
		_ = s.Drivers.ClearPushToken(ctx, driverID)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

// newRideCode returns the 4-digit verification code shown to the rider and
// entered by the driver before ride start.
func newRideCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "0000"
	}
	return fmt.Sprintf("%04d", n.Int64())
}
