package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// MemoryStore implements TripStore and DriverStore with the same guard
// semantics as the Postgres store. Used in tests and redis/pg-less runs.
type MemoryStore struct {
	mu      sync.RWMutex
	trips   map[string]*models.Trip
	drivers map[string]*models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:   make(map[string]*models.Trip),
		drivers: make(map[string]*models.Driver),
	}
}

func copyTrip(t *models.Trip) *models.Trip {
	c := *t
	if t.Standby != nil {
		c.Standby = make([]models.StandbyEntry, len(t.Standby))
		copy(c.Standby, t.Standby)
	}
	return &c
}

func copyDriver(d *models.Driver) *models.Driver {
	c := *d
	return &c
}

// --- TripStore ---

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = copyTrip(t)
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTrip(t), nil
}

func (m *MemoryStore) ClaimTrip(ctx context.Context, tripID, driverID, rideCode string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.Status != models.StatusRequested || t.DriverID != "" {
		return false, nil
	}
	t.Status = models.StatusAssigned
	t.DriverID = driverID
	t.RideCode = rideCode
	at := now
	t.AcceptedAt = &at
	t.LastHeartbeat = nil
	t.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ReleaseClaim(ctx context.Context, tripID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.Status != models.StatusAssigned || t.DriverID != driverID {
		return false, nil
	}
	t.Status = models.StatusRequested
	t.DriverID = ""
	t.RideCode = ""
	t.AcceptedAt = nil
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) transition(tripID, driverID string, from, to models.TripStatus, now time.Time, stamp func(*models.Trip)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.Status != from || t.DriverID != driverID {
		return false, nil
	}
	t.Status = to
	hb := now
	t.LastHeartbeat = &hb
	t.UpdatedAt = now
	if stamp != nil {
		stamp(t)
	}
	return true, nil
}

func (m *MemoryStore) MarkEnRoute(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	return m.transition(tripID, driverID, models.StatusAssigned, models.StatusEnRoute, now, nil)
}

func (m *MemoryStore) MarkArrived(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	return m.transition(tripID, driverID, models.StatusEnRoute, models.StatusArrived, now, nil)
}

func (m *MemoryStore) StartTrip(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	return m.transition(tripID, driverID, models.StatusArrived, models.StatusInProgress, now, func(t *models.Trip) {
		at := now
		t.StartedAt = &at
	})
}

func (m *MemoryStore) CompleteTrip(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	return m.transition(tripID, driverID, models.StatusInProgress, models.StatusCompleted, now, func(t *models.Trip) {
		at := now
		t.CompletedAt = &at
	})
}

func (m *MemoryStore) CancelTrip(ctx context.Context, tripID, callerID string, now time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.Status.Terminal() {
		return "", false, nil
	}
	if t.RiderID != callerID && (t.DriverID == "" || t.DriverID != callerID) {
		return "", false, nil
	}
	prev := t.DriverID
	t.Status = models.StatusCancelled
	t.DriverID = ""
	at := now
	t.CancelledAt = &at
	t.CancelledBy = callerID
	t.UpdatedAt = now
	return prev, true, nil
}

func (m *MemoryStore) ExpireRequested(ctx context.Context, tripID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || t.Status != models.StatusRequested {
		return false, nil
	}
	t.Status = models.StatusExpired
	t.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) RevertAssignment(ctx context.Context, tripID, driverID string, to models.TripStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || !t.Status.Active() || t.DriverID != driverID {
		return false, nil
	}
	t.Status = to
	t.DriverID = ""
	t.RideCode = ""
	t.AcceptedAt = nil
	t.LastHeartbeat = nil
	t.RiderNotified = false
	t.Reassigns++
	t.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok || !t.Status.Active() || t.DriverID != driverID {
		return false, nil
	}
	hb := now
	t.LastHeartbeat = &hb
	t.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) SetStandby(ctx context.Context, tripID string, entries []models.StandbyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	t.Standby = make([]models.StandbyEntry, len(entries))
	copy(t.Standby, entries)
	t.StandbyCursor = 0
	return nil
}

func (m *MemoryStore) PromoteStandby(ctx context.Context, tripID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return "", false, ErrNotFound
	}
	if t.Status != models.StatusRequested {
		return "", false, nil
	}
	for t.StandbyCursor < len(t.Standby) {
		e := &t.Standby[t.StandbyCursor]
		t.StandbyCursor++
		if e.Status != models.StandbyPending {
			continue
		}
		e.Status = models.StandbyPromoted
		return e.DriverID, true, nil
	}
	return "", false, nil
}

func (m *MemoryStore) MarkRiderNotified(ctx context.Context, tripID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	t.RiderNotified = true
	at := now
	t.LastNotifyAt = &at
	return nil
}

func (m *MemoryStore) RecordNotifyAttempt(ctx context.Context, tripID string, delivered bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	t.NotifyAttempts++
	at := now
	t.LastNotifyAt = &at
	if delivered {
		t.RiderNotified = true
	}
	return nil
}

func (m *MemoryStore) ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.Status.Active() && t.DriverID == driverID {
			return copyTrip(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ActiveTripForRider(ctx context.Context, riderID string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.RiderID == riderID && !t.Status.Terminal() {
			return copyTrip(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) RequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if t.Status == models.StatusRequested && t.CreatedAt.Before(cutoff) {
			out = append(out, copyTrip(t))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) StaleActive(ctx context.Context, hbCutoff, graceCutoff time.Time, limit int) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if !t.Status.Active() {
			continue
		}
		stale := false
		if t.LastHeartbeat == nil {
			stale = t.AcceptedAt != nil && t.AcceptedAt.Before(graceCutoff)
		} else {
			stale = t.LastHeartbeat.Before(hbCutoff)
		}
		if stale {
			out = append(out, copyTrip(t))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) PendingRiderNotify(ctx context.Context, attemptBefore time.Time, maxAttempts, limit int) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if t.Status != models.StatusAssigned || t.RiderNotified || t.NotifyAttempts >= maxAttempts {
			continue
		}
		if t.LastNotifyAt != nil && !t.LastNotifyAt.Before(attemptBefore) {
			continue
		}
		out = append(out, copyTrip(t))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- DriverStore ---

func (m *MemoryStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = copyDriver(d)
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDriver(d), nil
}

func (m *MemoryStore) SetOnline(ctx context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Online = online
	if online {
		d.AcceptingWork = true
	}
	d.LastSeen = time.Now()
	return nil
}

func (m *MemoryStore) ClearPushToken(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.PushToken = ""
	return nil
}

func (m *MemoryStore) UpdateLocation(ctx context.Context, id string, loc models.Coord, seq int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return false, ErrNotFound
	}
	if seq <= d.LocSeq {
		return false, nil
	}
	d.Loc = loc
	d.LocSeq = seq
	d.LastSeen = now
	return true, nil
}

func (m *MemoryStore) ClaimDriver(ctx context.Context, driverID, tripID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return false, ErrNotFound
	}
	if d.Busy || d.CurrentTripID != "" {
		return false, nil
	}
	d.Busy = true
	d.CurrentTripID = tripID
	return true, nil
}

func (m *MemoryStore) ReleaseDriver(ctx context.Context, driverID, tripID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return false, nil
	}
	if d.CurrentTripID != tripID {
		return false, nil
	}
	d.Busy = false
	d.CurrentTripID = ""
	return true, nil
}

func (m *MemoryStore) ClearSlot(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return ErrNotFound
	}
	d.Busy = false
	d.CurrentTripID = ""
	return nil
}

func (m *MemoryStore) AvailableByClass(ctx context.Context, class models.VehicleClass, onlineOnly bool) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, d := range m.drivers {
		if d.VehicleClass != class || !d.Available() {
			continue
		}
		if onlineOnly && !d.Online {
			continue
		}
		out = append(out, copyDriver(d))
	}
	return out, nil
}

func (m *MemoryStore) BusyDrivers(ctx context.Context, limit int) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, d := range m.drivers {
		if d.Busy || d.CurrentTripID != "" {
			out = append(out, copyDriver(d))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
