package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/oplock"
	"github.com/example/trip-dispatch/internal/selector"
	"github.com/example/trip-dispatch/internal/storage"
)

// --- fakes ---

type liveEvent struct {
	User    string
	Event   string
	Payload any
}

type fakeLive struct {
	mu     sync.Mutex
	events []liveEvent
	down   map[string]bool
}

func newFakeLive() *fakeLive { return &fakeLive{down: make(map[string]bool)} }

func (f *fakeLive) Send(userID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[userID] {
		return errors.New("no live session")
	}
	f.events = append(f.events, liveEvent{User: userID, Event: event, Payload: payload})
	return nil
}

func (f *fakeLive) Connected(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down[userID]
}

func (f *fakeLive) count(user, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.User == user && e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeLive) last(user, event string) (liveEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].User == user && f.events[i].Event == event {
			return f.events[i], true
		}
	}
	return liveEvent{}, false
}

type fakePush struct {
	mu     sync.Mutex
	sent   []string // tokens
	result notify.Result
}

func (f *fakePush) Send(ctx context.Context, token, title, body string, data map[string]string) notify.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, token)
	return f.result
}

type fakeSettle struct {
	mu        sync.Mutex
	requested []string
	completed []string
	cancelled []string
}

func (f *fakeSettle) TripRequested(ctx context.Context, tripID string, fare float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, tripID)
	return nil
}

func (f *fakeSettle) TripCompleted(ctx context.Context, tripID, driverID string, fare float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, tripID)
	return nil
}

func (f *fakeSettle) TripCancelled(ctx context.Context, tripID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, tripID)
	return nil
}

// --- harness ---

type env struct {
	store  *storage.MemoryStore
	live   *fakeLive
	push   *fakePush
	settle *fakeSettle
	svc    *Service
}

func newEnv() *env {
	store := storage.NewMemoryStore()
	live := newFakeLive()
	push := &fakePush{result: notify.Delivered}
	settle := &fakeSettle{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bc := NewBroadcaster(live, push, store, logger)
	svc := &Service{
		Trips:       store,
		Drivers:     store,
		Selector:    &selector.Selector{Drivers: store, Radii: selector.Radii{LocalM: 5000, ParcelM: 5000, IntercityM: 15000}, Limit: 8},
		Broadcaster: bc,
		Live:        live,
		Settle:      settle,
		Locks:       oplock.NewMemoryLocker(),
		Logger:      logger,

		ArrivalProximityM: 150,
		StandbySize:       5,
	}
	return &env{store: store, live: live, push: push, settle: settle, svc: svc}
}

func (e *env) seedDriver(t *testing.T, id string, lat, lon float64) {
	t.Helper()
	err := e.store.UpsertDriver(context.Background(), &models.Driver{
		ID:            id,
		VehicleClass:  models.VehicleCar,
		Online:        true,
		AcceptingWork: true,
		Loc:           models.Coord{Lat: lat, Lon: lon},
		LastSeen:      time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func validRequest() CreateTripRequest {
	return CreateTripRequest{
		RiderID:      "rider-1",
		Type:         models.TripLocal,
		VehicleClass: models.VehicleCar,
		Pickup:       models.Point{Coord: models.Coord{Lat: 12.97, Lon: 77.59}, Address: "MG Road"},
		Drop:         models.Point{Coord: models.Coord{Lat: 12.99, Lon: 77.60}, Address: "Indiranagar"},
		Fare:         180,
	}
}

// --- creation ---

func TestCreateTrip_RejectsBadInput(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateTripRequest)
	}{
		{"missing rider", func(r *CreateTripRequest) { r.RiderID = "" }},
		{"bad type", func(r *CreateTripRequest) { r.Type = "teleport" }},
		{"bad class", func(r *CreateTripRequest) { r.VehicleClass = "rocket" }},
		{"zero pickup", func(r *CreateTripRequest) { r.Pickup.Coord = models.Coord{} }},
		{"lat out of range", func(r *CreateTripRequest) { r.Drop.Lat = 91 }},
		{"free ride", func(r *CreateTripRequest) { r.Fare = 0 }},
	}
	for _, tc := range cases {
		req := validRequest()
		tc.mutate(&req)
		_, _, err := e.svc.CreateTrip(ctx, req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestCreateTrip_SeedsStandbyAndOffersCandidates(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1", 12.971, 77.59)
	e.seedDriver(t, "d2", 12.975, 77.59)
	e.seedDriver(t, "d3", 13.5, 77.59) // outside radius

	trip, n, err := e.svc.CreateTrip(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("candidates=%d, want 2", n)
	}
	if len(trip.Standby) != 2 || trip.Standby[0].DriverID != "d1" {
		t.Fatalf("standby not seeded nearest-first: %+v", trip.Standby)
	}
	if e.live.count("d1", notify.EventTripOffer) != 1 || e.live.count("d2", notify.EventTripOffer) != 1 {
		t.Fatal("candidates did not receive offers")
	}
	if e.live.count("d3", notify.EventTripOffer) != 0 {
		t.Fatal("out-of-radius driver was offered")
	}
}

func TestCreateTrip_NoCandidatesIsNotAnError(t *testing.T) {
	e := newEnv()
	trip, n, err := e.svc.CreateTrip(context.Background(), validRequest())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || trip.Status != models.StatusRequested {
		t.Fatalf("n=%d status=%s", n, trip.Status)
	}
	if len(e.settle.requested) != 1 {
		t.Fatal("fare hold not requested")
	}
}

// --- acceptance ---

func TestAccept_AtMostOneWinner(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	const drivers = 8
	ids := make([]string, drivers)
	for i := range ids {
		ids[i] = string(rune('a' + i))
		e.seedDriver(t, ids[i], 12.971, 77.59)
	}

	trip, _, err := e.svc.CreateTrip(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]error, drivers)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, results[i] = e.svc.Accept(ctx, trip.ID, id)
		}(i, id)
	}
	wg.Wait()

	wins, taken := 0, 0
	winner := ""
	for i, err := range results {
		switch {
		case err == nil:
			wins++
			winner = ids[i]
		case errors.Is(err, ErrTripTaken):
			taken++
		default:
			t.Fatalf("unexpected error for %s: %v", ids[i], err)
		}
	}
	if wins != 1 || taken != drivers-1 {
		t.Fatalf("wins=%d taken=%d", wins, taken)
	}

	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusAssigned || got.DriverID != winner {
		t.Fatalf("trip state: %+v, winner=%s", got, winner)
	}
	d, _ := e.store.GetDriver(ctx, winner)
	if !d.Busy || d.CurrentTripID != trip.ID {
		t.Fatalf("winner slot not held: %+v", d)
	}
	for _, id := range ids {
		if id == winner {
			continue
		}
		d, _ := e.store.GetDriver(ctx, id)
		if d.Busy {
			t.Fatalf("loser %s left busy", id)
		}
	}
}

func TestAccept_DriverBusyRollsBackTripClaim(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1", 12.971, 77.59)
	e.seedDriver(t, "d2", 12.972, 77.59)

	trip, _, err := e.svc.CreateTrip(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}

	// d1 is committed elsewhere before the accept lands
	if ok, _ := e.store.ClaimDriver(ctx, "d1", "other-trip"); !ok {
		t.Fatal("pre-claim failed")
	}
	if _, err := e.svc.Accept(ctx, trip.ID, "d1"); !errors.Is(err, ErrDriverBusy) {
		t.Fatalf("expected driver_busy, got %v", err)
	}

	// the rolled-back trip must still be claimable
	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusRequested || got.DriverID != "" {
		t.Fatalf("rollback left residue: %+v", got)
	}
	if _, err := e.svc.Accept(ctx, trip.ID, "d2"); err != nil {
		t.Fatalf("second accept after rollback: %v", err)
	}
}

func TestAccept_UnknownDriverAndMissingTrip(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1", 12.971, 77.59)

	if _, err := e.svc.Accept(ctx, "no-such-trip", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	trip, _, _ := e.svc.CreateTrip(ctx, validRequest())
	if _, err := e.svc.Accept(ctx, trip.ID, "ghost"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestAccept_NotifiesRiderAndLosers(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1", 12.971, 77.59)
	e.seedDriver(t, "d2", 12.972, 77.59)

	trip, _, _ := e.svc.CreateTrip(ctx, validRequest())
	if _, err := e.svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	ev, ok := e.live.last("rider-1", notify.EventTripAssigned)
	if !ok {
		t.Fatal("rider confirmation missing")
	}
	payload, _ := ev.Payload.(map[string]any)
	code, _ := payload["ride_code"].(string)
	if len(code) != 4 {
		t.Fatalf("ride code missing from confirmation: %v", ev.Payload)
	}
	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.RideCode != code {
		t.Fatal("confirmation code does not match the stored code")
	}
	if !got.RiderNotified {
		t.Fatal("rider_notified not set after delivered confirmation")
	}

	if e.live.count("d2", notify.EventTripTaken) != 1 {
		t.Fatal("losing candidate was not told trip_taken")
	}
	if e.live.count("d1", notify.EventTripTaken) != 0 {
		t.Fatal("winner must not receive trip_taken")
	}
}

func TestAccept_RiderOfflineLeavesRetryFlag(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1", 12.971, 77.59)

	trip, _, _ := e.svc.CreateTrip(ctx, validRequest())
	e.live.down["rider-1"] = true

	if _, err := e.svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.RiderNotified {
		t.Fatal("rider_notified must stay false when the channel is down")
	}
	if got.NotifyAttempts != 1 {
		t.Fatalf("notify_attempts=%d, want 1", got.NotifyAttempts)
	}
}

// --- lifecycle ---

func (e *env) acceptedTrip(t *testing.T) *models.Trip {
	t.Helper()
	ctx := context.Background()
	e.seedDriver(t, "d1", 12.971, 77.59)
	trip, _, err := e.svc.CreateTrip(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.svc.Accept(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestStartTrip_RejectsWrongCode(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	trip := e.acceptedTrip(t)
	_ = e.svc.MarkEnRoute(ctx, trip.ID, "d1")
	_ = e.svc.MarkArrived(ctx, trip.ID, "d1")

	at := models.Coord{Lat: 12.97, Lon: 77.59}
	err := e.svc.StartTrip(ctx, trip.ID, "d1", "0000x", at)
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected invalid_code, got %v", err)
	}
	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusArrived {
		t.Fatalf("failed start must not move the trip: %s", got.Status)
	}
}

func TestStartTrip_RejectsWhenFarFromPickup(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	trip := e.acceptedTrip(t)
	_ = e.svc.MarkEnRoute(ctx, trip.ID, "d1")
	_ = e.svc.MarkArrived(ctx, trip.ID, "d1")

	stored, _ := e.store.GetTrip(ctx, trip.ID)
	err := e.svc.StartTrip(ctx, trip.ID, "d1", stored.RideCode, models.Coord{Lat: 12.99, Lon: 77.59})
	var far *TooFarError
	if !errors.As(err, &far) {
		t.Fatalf("expected too_far, got %v", err)
	}
	if far.DistanceM <= far.LimitM {
		t.Fatalf("distance %f not beyond limit %f", far.DistanceM, far.LimitM)
	}
}

func TestLifecycle_HappyPathCompletesAndSettlesOnce(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	trip := e.acceptedTrip(t)

	if err := e.svc.MarkEnRoute(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.MarkArrived(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	stored, _ := e.store.GetTrip(ctx, trip.ID)
	if err := e.svc.StartTrip(ctx, trip.ID, "d1", stored.RideCode, models.Coord{Lat: 12.9701, Lon: 77.59}); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.CompleteTrip(ctx, trip.ID, "d1", models.Coord{Lat: 12.99, Lon: 77.60}); err != nil {
		t.Fatal(err)
	}

	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status=%s", got.Status)
	}
	d, _ := e.store.GetDriver(ctx, "d1")
	if d.Busy || d.CurrentTripID != "" {
		t.Fatalf("slot not freed: %+v", d)
	}
	if e.live.count("rider-1", notify.EventTripCompleted) != 1 {
		t.Fatal("rider completion event missing")
	}

	// the repeat call is rejected and must not settle again
	if err := e.svc.CompleteTrip(ctx, trip.ID, "d1", models.Coord{Lat: 12.99, Lon: 77.60}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on repeat complete, got %v", err)
	}
	if len(e.settle.completed) != 1 {
		t.Fatalf("settlement emitted %d times", len(e.settle.completed))
	}
}

func TestMarkEnRoute_WrongDriverIsUnauthorized(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	trip := e.acceptedTrip(t)
	e.seedDriver(t, "d2", 12.972, 77.59)

	if err := e.svc.MarkEnRoute(ctx, trip.ID, "d2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

// --- cancellation ---

func TestCancel_ByRiderFreesDriverAndNotifies(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	trip := e.acceptedTrip(t)

	if err := e.svc.Cancel(ctx, trip.ID, "rider-1"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusCancelled || got.CancelledBy != "rider-1" {
		t.Fatalf("cancel state: %+v", got)
	}
	d, _ := e.store.GetDriver(ctx, "d1")
	if d.Busy {
		t.Fatal("slot not freed on cancel")
	}
	if e.live.count("d1", notify.EventTripCancelled) != 1 {
		t.Fatal("assigned driver not told about the cancel")
	}
	if len(e.settle.cancelled) != 1 {
		t.Fatal("settlement cancel not emitted")
	}
}

func TestCancel_ByStrangerIsRejected(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	trip := e.acceptedTrip(t)

	if err := e.svc.Cancel(ctx, trip.ID, "stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := e.svc.Cancel(ctx, "nope", "rider-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancel_TerminalTripIsConflict(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	trip := e.acceptedTrip(t)
	_ = e.svc.Cancel(ctx, trip.ID, "rider-1")

	if err := e.svc.Cancel(ctx, trip.ID, "rider-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCancel_RequestedTripTellsOfferedDrivers(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1", 12.971, 77.59)
	e.seedDriver(t, "d2", 12.972, 77.59)

	trip, _, _ := e.svc.CreateTrip(ctx, validRequest())
	if err := e.svc.Cancel(ctx, trip.ID, "rider-1"); err != nil {
		t.Fatal(err)
	}
	if e.live.count("d1", notify.EventTripCancelled) != 1 || e.live.count("d2", notify.EventTripCancelled) != 1 {
		t.Fatal("open offers not revoked")
	}
}

// --- standby ---

func TestPromoteNext_SkipsDriversHoldingTheOffer(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1", 12.971, 77.59)

	trip, _, _ := e.svc.CreateTrip(ctx, validRequest())

	// d2 joined the standby queue without an open offer
	e.seedDriver(t, "d2", 12.972, 77.59)
	_ = e.store.SetStandby(ctx, trip.ID, []models.StandbyEntry{
		{DriverID: "d1", Status: models.StandbyPending},
		{DriverID: "d2", Status: models.StandbyPending},
	})

	id, ok, err := e.svc.PromoteNext(ctx, trip.ID)
	if err != nil || !ok {
		t.Fatalf("promote: ok=%v err=%v", ok, err)
	}
	// d1 already holds the broadcast offer, so d2 is the promotion
	if id != "d2" {
		t.Fatalf("promoted %s, want d2", id)
	}
	if e.live.count("d2", notify.EventTripOffer) != 1 {
		t.Fatal("promoted driver did not receive the offer")
	}

	if _, ok, _ := e.svc.PromoteNext(ctx, trip.ID); ok {
		t.Fatal("exhausted standby must report ok=false")
	}
}

func TestHeartbeat_StampsLivenessAndLocation(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	trip := e.acceptedTrip(t)

	at := models.Coord{Lat: 12.98, Lon: 77.595}
	if err := e.svc.Heartbeat(ctx, trip.ID, "d1", &at, 10); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.LastHeartbeat == nil {
		t.Fatal("heartbeat not stamped")
	}
	d, _ := e.store.GetDriver(ctx, "d1")
	if d.Loc != at || d.LocSeq != 10 {
		t.Fatalf("location not refreshed: %+v", d)
	}

	if err := e.svc.Heartbeat(ctx, trip.ID, "ghost", nil, 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
