package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/selector"
	"github.com/example/trip-dispatch/internal/storage"
)

// Broadcaster fans a trip offer out to candidate drivers. Offers are
// fire-and-forget: the race is resolved entirely by the acceptance arbiter.
// It remembers which drivers were offered each trip so the winner's
// confirmation can tell the losers, and so standby promotion does not
// re-offer a driver who already holds the offer.
type Broadcaster struct {
	Live    notify.LiveChannel
	Push    notify.PushChannel
	Drivers storage.DriverStore
	Logger  *slog.Logger

	mu     sync.Mutex
	offers map[string]map[string]struct{} // trip id -> offered driver ids
}

func NewBroadcaster(live notify.LiveChannel, push notify.PushChannel, drivers storage.DriverStore, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		Live:    live,
		Push:    push,
		Drivers: drivers,
		Logger:  logger,
		offers:  make(map[string]map[string]struct{}),
	}
}

// Broadcast delivers the offer to every candidate. Unreachable drivers are
// skipped and logged, never fatal.
func (b *Broadcaster) Broadcast(ctx context.Context, trip *models.Trip, cands []selector.Candidate) {
	for _, c := range cands {
		b.OfferOne(ctx, trip, c.Driver, c.DistanceM)
	}
}

// OfferOne delivers a single offer, preferring the live channel and falling
// back to push. The driver is recorded as offered regardless of outcome.
func (b *Broadcaster) OfferOne(ctx context.Context, trip *models.Trip, d *models.Driver, distanceM float64) {
	b.record(trip.ID, d.ID)

	offer := models.TripOffer{
		TripID:       trip.ID,
		Type:         trip.Type,
		VehicleClass: trip.VehicleClass,
		Pickup:       trip.Pickup,
		Drop:         trip.Drop,
		Fare:         trip.Fare,
		DistanceM:    distanceM,
	}

	if b.Live.Connected(d.ID) {
		if err := b.Live.Send(d.ID, notify.EventTripOffer, offer); err == nil {
			observability.OffersSent.WithLabelValues("live").Inc()
			return
		}
		// connection died mid-send; fall through to push
	}

	if d.PushToken == "" {
		observability.OffersSkipped.Inc()
		b.Logger.Info("candidate unreachable", "trip_id", trip.ID, "driver_id", d.ID)
		return
	}

	res := b.Push.Send(ctx, d.PushToken, "New trip request",
		fmt.Sprintf("Pickup: %s", trip.Pickup.Address),
		map[string]string{"trip_id": trip.ID, "type": string(trip.Type)})
	switch res {
	case notify.Delivered:
		observability.OffersSent.WithLabelValues("push").Inc()
	case notify.InvalidTarget:
		// dead token; drop it so we stop trying
		if err := b.Drivers.ClearPushToken(ctx, d.ID); err != nil {
			b.Logger.Warn("clear push token failed", "driver_id", d.ID, "error", err)
		}
		observability.OffersSkipped.Inc()
	default:
		observability.OffersSkipped.Inc()
		b.Logger.Warn("push offer failed", "trip_id", trip.ID, "driver_id", d.ID, "result", res.String())
	}
}

func (b *Broadcaster) record(tripID, driverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.offers[tripID]
	if !ok {
		set = make(map[string]struct{})
		b.offers[tripID] = set
	}
	set[driverID] = struct{}{}
}

// HasOffer reports whether the driver was already offered this trip.
func (b *Broadcaster) HasOffer(tripID, driverID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.offers[tripID][driverID]
	return ok
}

// Offered returns every driver offered the trip, minus exclude.
func (b *Broadcaster) Offered(tripID, exclude string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for id := range b.offers[tripID] {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// Forget drops the offer bookkeeping once the trip leaves `requested`.
func (b *Broadcaster) Forget(tripID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.offers, tripID)
}
