package reaper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/oplock"
	"github.com/example/trip-dispatch/internal/selector"
	"github.com/example/trip-dispatch/internal/settlement"
	"github.com/example/trip-dispatch/internal/storage"
)

type fakeLive struct {
	mu     sync.Mutex
	events map[string][]string // user -> events
}

func newFakeLive() *fakeLive { return &fakeLive{events: make(map[string][]string)} }

func (f *fakeLive) Send(userID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[userID] = append(f.events[userID], event)
	return nil
}

func (f *fakeLive) Connected(userID string) bool { return true }

func (f *fakeLive) count(user, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events[user] {
		if e == event {
			n++
		}
	}
	return n
}

type nopPush struct{}

func (nopPush) Send(ctx context.Context, token, title, body string, data map[string]string) notify.Result {
	return notify.TransientFailure
}

type env struct {
	store *storage.MemoryStore
	live  *fakeLive
	locks oplock.Locker
	svc   *dispatch.Service
}

func newEnv() *env {
	store := storage.NewMemoryStore()
	live := newFakeLive()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := oplock.NewMemoryLocker()

	svc := &dispatch.Service{
		Trips:       store,
		Drivers:     store,
		Selector:    &selector.Selector{Drivers: store, Radii: selector.Radii{LocalM: 5000}, Limit: 8},
		Broadcaster: dispatch.NewBroadcaster(live, nopPush{}, store, logger),
		Live:        live,
		Settle:      settlement.Nop{},
		Locks:       locks,
		Logger:      logger,

		ArrivalProximityM: 150,
		StandbySize:       5,
	}
	return &env{store: store, live: live, locks: locks, svc: svc}
}

func (e *env) seedDriver(t *testing.T, id string) {
	t.Helper()
	err := e.store.UpsertDriver(context.Background(), &models.Driver{
		ID:            id,
		VehicleClass:  models.VehicleCar,
		Online:        true,
		AcceptingWork: true,
		Loc:           models.Coord{Lat: 12.971, Lon: 77.59},
		LastSeen:      time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *env) createTrip(t *testing.T) *models.Trip {
	t.Helper()
	trip, _, err := e.svc.CreateTrip(context.Background(), dispatch.CreateTripRequest{
		RiderID:      "rider-1",
		Type:         models.TripLocal,
		VehicleClass: models.VehicleCar,
		Pickup:       models.Point{Coord: models.Coord{Lat: 12.97, Lon: 77.59}},
		Drop:         models.Point{Coord: models.Coord{Lat: 12.99, Lon: 77.60}},
		Fare:         180,
	})
	if err != nil {
		t.Fatal(err)
	}
	return trip
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHeartbeatReaper_ReclaimsSilentDriver(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1")
	e.seedDriver(t, "d2")

	trip := e.createTrip(t)
	if _, err := e.svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	// no heartbeat ever arrives; move past the grace window
	now := time.Now().Add(10 * time.Minute)
	r := &HeartbeatReaper{
		Trips:        e.store,
		Drivers:      e.store,
		Dispatch:     e.svc,
		Live:         e.live,
		Locks:        e.locks,
		Logger:       discard(),
		Stale:        2 * time.Minute,
		Grace:        5 * time.Minute,
		MaxReassigns: 3,
		Interval:     30 * time.Second,
		Clock:        func() time.Time { return now },
	}

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reclaimed=%d, want 1", n)
	}

	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusRequested || got.DriverID != "" || got.Reassigns != 1 {
		t.Fatalf("revert state: %+v", got)
	}
	d, _ := e.store.GetDriver(ctx, "d1")
	if d.Busy || d.CurrentTripID != "" {
		t.Fatalf("slot not freed: %+v", d)
	}
	if e.live.count("rider-1", notify.EventTripReverted) != 1 {
		t.Fatal("rider not told about the revert")
	}
	// the standby queue was nudged: the next pending entry holds a fresh offer
	if got.StandbyCursor == 0 {
		t.Fatal("standby promotion did not run")
	}
}

func TestHeartbeatReaper_ExpiresAfterReassignBudget(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1")
	trip := e.createTrip(t)

	// burn the reassign budget
	base := time.Now()
	for i := 0; i < 3; i++ {
		if ok, _ := e.store.ClaimTrip(ctx, trip.ID, "d1", "1234", base); !ok {
			t.Fatal("claim failed")
		}
		if ok, _ := e.store.RevertAssignment(ctx, trip.ID, "d1", models.StatusRequested, base); !ok {
			t.Fatal("revert failed")
		}
	}
	if _, err := e.svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	// a second driver still holds an un-answered offer for the trip
	e.seedDriver(t, "d2")
	d2, _ := e.store.GetDriver(ctx, "d2")
	e.svc.Broadcaster.OfferOne(ctx, trip, d2, 0)

	now := base.Add(10 * time.Minute)
	r := &HeartbeatReaper{
		Trips:        e.store,
		Drivers:      e.store,
		Dispatch:     e.svc,
		Live:         e.live,
		Locks:        e.locks,
		Logger:       discard(),
		Stale:        2 * time.Minute,
		Grace:        5 * time.Minute,
		MaxReassigns: 3,
		Interval:     30 * time.Second,
		Clock:        func() time.Time { return now },
	}
	if _, err := r.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusExpired {
		t.Fatalf("status=%s, want expired", got.Status)
	}
	if e.live.count("rider-1", notify.EventTripExpired) != 1 {
		t.Fatal("rider not told about the expiry")
	}
	d, _ := e.store.GetDriver(ctx, "d1")
	if d.Busy {
		t.Fatal("slot not freed on expiry")
	}
	if e.svc.Broadcaster.HasOffer(trip.ID, "d2") {
		t.Fatal("offer bookkeeping survived the expiry")
	}
	if e.live.count("d2", notify.EventTripExpired) != 1 {
		t.Fatal("offer holder not told the trip is gone")
	}
}

func TestHeartbeatReaper_LeavesHealthyTripsAlone(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1")
	trip := e.createTrip(t)
	if _, err := e.svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if ok, _ := e.store.Heartbeat(ctx, trip.ID, "d1", now); !ok {
		t.Fatal("heartbeat failed")
	}

	r := &HeartbeatReaper{
		Trips: e.store, Drivers: e.store, Dispatch: e.svc, Live: e.live,
		Locks: e.locks, Logger: discard(),
		Stale: 2 * time.Minute, Grace: 5 * time.Minute, MaxReassigns: 3,
		Interval: 30 * time.Second,
		Clock:    func() time.Time { return now.Add(time.Minute) },
	}
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reclaimed=%d, want 0", n)
	}
	got, _ := e.store.GetTrip(ctx, trip.ID)
	if got.Status != models.StatusAssigned || got.DriverID != "d1" {
		t.Fatalf("healthy trip disturbed: %+v", got)
	}
}

func TestStaleRequestReaper_ExpiresAbandonedRequests(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	old := time.Now().Add(-20 * time.Minute)
	trip := &models.Trip{
		ID: "old-trip", RiderID: "rider-1",
		Type: models.TripLocal, VehicleClass: models.VehicleCar,
		Status: models.StatusRequested, CreatedAt: old, UpdatedAt: old,
	}
	if err := e.store.CreateTrip(ctx, trip); err != nil {
		t.Fatal(err)
	}

	r := &StaleRequestReaper{
		Trips: e.store, Dispatch: e.svc, Live: e.live,
		Locks: e.locks, Logger: discard(),
		RequestTTL: 10 * time.Minute, Interval: time.Minute,
	}
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired=%d, want 1", n)
	}
	got, _ := e.store.GetTrip(ctx, "old-trip")
	if got.Status != models.StatusExpired {
		t.Fatalf("status=%s", got.Status)
	}
	if e.live.count("rider-1", notify.EventTripExpired) != 1 {
		t.Fatal("rider not told about the expiry")
	}
}

func TestStaleRequestReaper_RetiresOpenOffers(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1")

	// trip created through the service so the broadcast records the offer
	old := time.Now().Add(-20 * time.Minute)
	e.svc.Clock = func() time.Time { return old }
	trip := e.createTrip(t)
	e.svc.Clock = nil
	if !e.svc.Broadcaster.HasOffer(trip.ID, "d1") {
		t.Fatal("offer not recorded at creation")
	}

	r := &StaleRequestReaper{
		Trips: e.store, Dispatch: e.svc, Live: e.live,
		Locks: e.locks, Logger: discard(),
		RequestTTL: 10 * time.Minute, Interval: time.Minute,
	}
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired=%d, want 1", n)
	}
	if e.svc.Broadcaster.HasOffer(trip.ID, "d1") {
		t.Fatal("offer bookkeeping survived the expiry")
	}
	if e.live.count("d1", notify.EventTripExpired) != 1 {
		t.Fatal("offer holder not told the trip is gone")
	}
}

func TestStaleRequestReaper_StandbyGetsOneMoreChance(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "d1")

	old := time.Now().Add(-20 * time.Minute)
	trip := &models.Trip{
		ID: "t-standby", RiderID: "rider-1",
		Type: models.TripLocal, VehicleClass: models.VehicleCar,
		Pickup:  models.Point{Coord: models.Coord{Lat: 12.97, Lon: 77.59}},
		Status:  models.StatusRequested,
		Standby: []models.StandbyEntry{{DriverID: "d1", Status: models.StandbyPending}},
		CreatedAt: old, UpdatedAt: old,
	}
	if err := e.store.CreateTrip(ctx, trip); err != nil {
		t.Fatal(err)
	}

	r := &StaleRequestReaper{
		Trips: e.store, Dispatch: e.svc, Live: e.live,
		Locks: e.locks, Logger: discard(),
		RequestTTL: 10 * time.Minute, Interval: time.Minute,
	}
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expired=%d, want 0 while standby remains", n)
	}
	got, _ := e.store.GetTrip(ctx, "t-standby")
	if got.Status != models.StatusRequested {
		t.Fatalf("status=%s", got.Status)
	}
	if e.live.count("d1", notify.EventTripOffer) != 1 {
		t.Fatal("standby driver not offered")
	}
}

func TestStaleRequestReaper_SkipsFutureAdvanceBookings(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	old := time.Now().Add(-20 * time.Minute)
	at := time.Now().Add(6 * time.Hour)
	trip := &models.Trip{
		ID: "t-advance", RiderID: "rider-1",
		Type: models.TripIntercity, VehicleClass: models.VehicleCar,
		Status: models.StatusRequested, ScheduledAt: &at,
		CreatedAt: old, UpdatedAt: old,
	}
	if err := e.store.CreateTrip(ctx, trip); err != nil {
		t.Fatal(err)
	}

	r := &StaleRequestReaper{
		Trips: e.store, Dispatch: e.svc, Live: e.live,
		Locks: e.locks, Logger: discard(),
		RequestTTL: 10 * time.Minute, Interval: time.Minute,
	}
	if n, _ := r.Sweep(ctx); n != 0 {
		t.Fatalf("expired=%d, want 0", n)
	}
	got, _ := e.store.GetTrip(ctx, "t-advance")
	if got.Status != models.StatusRequested {
		t.Fatalf("advance booking expired early: %s", got.Status)
	}
}

func TestNotifyRetryJob_ResendsUntilDelivered(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	now := time.Now()
	trip := &models.Trip{
		ID: "t-notify", RiderID: "rider-1",
		Type: models.TripLocal, VehicleClass: models.VehicleCar,
		Status: models.StatusRequested, CreatedAt: now, UpdatedAt: now,
	}
	_ = e.store.CreateTrip(ctx, trip)
	if ok, _ := e.store.ClaimTrip(ctx, "t-notify", "d1", "4321", now); !ok {
		t.Fatal("claim failed")
	}
	// the original confirmation failed a while ago
	_ = e.store.RecordNotifyAttempt(ctx, "t-notify", false, now.Add(-5*time.Minute))

	r := &NotifyRetryJob{
		Trips: e.store, Live: e.live, Locks: e.locks, Logger: discard(),
		Backoff: time.Minute, MaxAttempts: 5, Interval: time.Minute,
		Clock: func() time.Time { return now },
	}
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("resent=%d, want 1", n)
	}
	if e.live.count("rider-1", notify.EventTripAssigned) != 1 {
		t.Fatal("confirmation not resent")
	}
	got, _ := e.store.GetTrip(ctx, "t-notify")
	if !got.RiderNotified || got.NotifyAttempts != 2 {
		t.Fatalf("bookkeeping: notified=%v attempts=%d", got.RiderNotified, got.NotifyAttempts)
	}
}

func TestNotifyRetryJob_GivesUpAtMaxAttempts(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	now := time.Now()
	trip := &models.Trip{
		ID: "t-capped", RiderID: "rider-1",
		Type: models.TripLocal, VehicleClass: models.VehicleCar,
		Status: models.StatusRequested, CreatedAt: now, UpdatedAt: now,
	}
	_ = e.store.CreateTrip(ctx, trip)
	_, _ = e.store.ClaimTrip(ctx, "t-capped", "d1", "4321", now)
	for i := 0; i < 5; i++ {
		_ = e.store.RecordNotifyAttempt(ctx, "t-capped", false, now.Add(-5*time.Minute))
	}

	r := &NotifyRetryJob{
		Trips: e.store, Live: e.live, Locks: e.locks, Logger: discard(),
		Backoff: time.Minute, MaxAttempts: 5, Interval: time.Minute,
		Clock: func() time.Time { return now },
	}
	if n, _ := r.Sweep(ctx); n != 0 {
		t.Fatalf("resent=%d, want 0 past the attempt cap", n)
	}
}

func TestConsistencySweep_HealsOrphanedSlots(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	e.seedDriver(t, "orphan")
	e.seedDriver(t, "dangling")
	e.seedDriver(t, "healthy")

	// busy with no trip reference at all: crash between the two claim phases
	if ok, _ := e.store.ClaimDriver(ctx, "orphan", "vanished-trip"); !ok {
		t.Fatal("claim failed")
	}
	// busy pointing at a trip that completed without releasing the slot
	now := time.Now()
	done := &models.Trip{
		ID: "t-done", RiderID: "rider-1",
		Type: models.TripLocal, VehicleClass: models.VehicleCar,
		Status: models.StatusRequested, CreatedAt: now, UpdatedAt: now,
	}
	_ = e.store.CreateTrip(ctx, done)
	_, _ = e.store.ClaimTrip(ctx, "t-done", "dangling", "1111", now)
	_, _ = e.store.ClaimDriver(ctx, "dangling", "t-done")
	_, _ = e.store.MarkEnRoute(ctx, "t-done", "dangling", now)
	_, _ = e.store.MarkArrived(ctx, "t-done", "dangling", now)
	_, _ = e.store.StartTrip(ctx, "t-done", "dangling", now)
	_, _ = e.store.CompleteTrip(ctx, "t-done", "dangling", now)

	// a correct busy driver must be left alone
	live := &models.Trip{
		ID: "t-live", RiderID: "rider-2",
		Type: models.TripLocal, VehicleClass: models.VehicleCar,
		Status: models.StatusRequested, CreatedAt: now, UpdatedAt: now,
	}
	_ = e.store.CreateTrip(ctx, live)
	_, _ = e.store.ClaimTrip(ctx, "t-live", "healthy", "2222", now)
	_, _ = e.store.ClaimDriver(ctx, "healthy", "t-live")

	r := &ConsistencySweep{
		Trips: e.store, Drivers: e.store, Locks: e.locks, Logger: discard(),
		Interval: time.Minute,
	}
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("healed=%d, want 2", n)
	}
	for _, id := range []string{"orphan", "dangling"} {
		d, _ := e.store.GetDriver(ctx, id)
		if d.Busy || d.CurrentTripID != "" {
			t.Fatalf("%s not healed: %+v", id, d)
		}
	}
	d, _ := e.store.GetDriver(ctx, "healthy")
	if !d.Busy || d.CurrentTripID != "t-live" {
		t.Fatalf("healthy slot disturbed: %+v", d)
	}
}
