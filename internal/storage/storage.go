package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

var ErrNotFound = errors.New("record not found")

// TripStore is the authoritative trip state machine. Every transition is a
// conditional update: the bool result reports whether the guard matched, and
// a false result is how contention surfaces. Callers never read-then-write.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)

	// ClaimTrip performs requested -> assigned iff the trip is still
	// unclaimed. This is the first half of the acceptance two-phase claim.
	ClaimTrip(ctx context.Context, tripID, driverID, rideCode string, now time.Time) (bool, error)

	// ReleaseClaim reverts assigned -> requested iff driverID still holds the
	// claim. Used only for arbiter rollback when the driver-slot claim fails.
	ReleaseClaim(ctx context.Context, tripID, driverID string) (bool, error)

	MarkEnRoute(ctx context.Context, tripID, driverID string, now time.Time) (bool, error)
	MarkArrived(ctx context.Context, tripID, driverID string, now time.Time) (bool, error)
	StartTrip(ctx context.Context, tripID, driverID string, now time.Time) (bool, error)
	CompleteTrip(ctx context.Context, tripID, driverID string, now time.Time) (bool, error)

	// CancelTrip moves any non-terminal trip to cancelled iff callerID is the
	// rider or the assigned driver. Returns the driver id that held the trip
	// so the caller can free the slot.
	CancelTrip(ctx context.Context, tripID, callerID string, now time.Time) (prevDriver string, ok bool, err error)

	// ExpireRequested performs requested -> expired (stale-request reaper).
	ExpireRequested(ctx context.Context, tripID string, now time.Time) (bool, error)

	// RevertAssignment clears a silent driver off an active trip, moving it
	// to `to` (requested or expired) and bumping the reassign counter.
	RevertAssignment(ctx context.Context, tripID, driverID string, to models.TripStatus, now time.Time) (bool, error)

	Heartbeat(ctx context.Context, tripID, driverID string, now time.Time) (bool, error)

	SetStandby(ctx context.Context, tripID string, entries []models.StandbyEntry) error

	// PromoteStandby pops the next pending standby entry iff the trip is
	// still requested, marking it promoted and advancing the cursor. The
	// cursor only moves forward.
	PromoteStandby(ctx context.Context, tripID string) (driverID string, ok bool, err error)

	MarkRiderNotified(ctx context.Context, tripID string, now time.Time) error
	RecordNotifyAttempt(ctx context.Context, tripID string, delivered bool, now time.Time) error

	ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error)
	ActiveTripForRider(ctx context.Context, riderID string) (*models.Trip, error)

	// RequestedBefore lists requested trips created before cutoff.
	RequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Trip, error)
	// StaleActive lists active trips whose driver went silent: never
	// heartbeated and accepted before graceCutoff, or last heartbeat before
	// hbCutoff.
	StaleActive(ctx context.Context, hbCutoff, graceCutoff time.Time, limit int) ([]*models.Trip, error)
	// PendingRiderNotify lists assigned trips whose rider still awaits the
	// assignment confirmation.
	PendingRiderNotify(ctx context.Context, attemptBefore time.Time, maxAttempts, limit int) ([]*models.Trip, error)
}

// DriverStore owns driver records including the assignment slot. The slot is
// mutated only through ClaimDriver/ReleaseDriver/ClearSlot so busy and
// currentTripID cannot drift apart.
type DriverStore interface {
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)

	SetOnline(ctx context.Context, id string, online bool) error
	ClearPushToken(ctx context.Context, id string) error

	// UpdateLocation applies a location report iff seq is newer than the
	// stored sequence, rejecting out-of-order reports.
	UpdateLocation(ctx context.Context, id string, loc models.Coord, seq int64, now time.Time) (bool, error)

	// ClaimDriver marks the driver busy on tripID iff the slot is free.
	// Second half of the acceptance two-phase claim.
	ClaimDriver(ctx context.Context, driverID, tripID string) (bool, error)

	// ReleaseDriver frees the slot iff it is held by tripID.
	ReleaseDriver(ctx context.Context, driverID, tripID string) (bool, error)

	// ClearSlot unconditionally frees the slot. Consistency sweep only.
	ClearSlot(ctx context.Context, driverID string) error

	// AvailableByClass lists drivers of the class with a free slot that are
	// accepting work. onlineOnly=false is the advance-booking relaxation.
	AvailableByClass(ctx context.Context, class models.VehicleClass, onlineOnly bool) ([]*models.Driver, error)

	// BusyDrivers lists drivers holding a slot, for the consistency sweep.
	BusyDrivers(ctx context.Context, limit int) ([]*models.Driver, error)
}
