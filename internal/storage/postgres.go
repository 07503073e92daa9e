package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

// PostgresStore implements TripStore and DriverStore on plain database/sql.
// Every transition is a single conditional UPDATE checked via RowsAffected;
// the handful of operations that need an old value or a cursor walk take a
// row lock inside a transaction instead.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

const tripColumns = `id, rider_id, COALESCE(driver_id,''), type, vehicle_class,
	pickup_lat, pickup_lon, pickup_address, drop_lat, drop_lon, drop_address,
	fare, status, ride_code, standby_cursor, reassigns,
	scheduled_at, accepted_at, started_at, completed_at, cancelled_at, cancelled_by,
	last_heartbeat, rider_notified, notify_attempts, last_notify_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	t := &models.Trip{}
	err := row.Scan(&t.ID, &t.RiderID, &t.DriverID, &t.Type, &t.VehicleClass,
		&t.Pickup.Lat, &t.Pickup.Lon, &t.Pickup.Address, &t.Drop.Lat, &t.Drop.Lon, &t.Drop.Address,
		&t.Fare, &t.Status, &t.RideCode, &t.StandbyCursor, &t.Reassigns,
		&t.ScheduledAt, &t.AcceptedAt, &t.StartedAt, &t.CompletedAt, &t.CancelledAt, &t.CancelledBy,
		&t.LastHeartbeat, &t.RiderNotified, &t.NotifyAttempts, &t.LastNotifyAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- TripStore ---

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(
		id, rider_id, driver_id, type, vehicle_class,
		pickup_lat, pickup_lon, pickup_address, drop_lat, drop_lon, drop_address,
		fare, status, ride_code, standby_cursor, reassigns,
		scheduled_at, rider_notified, notify_attempts, created_at, updated_at)
		VALUES($1,$2,NULL,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'',0,0,$13,FALSE,0,$14,$14)`,
		t.ID, t.RiderID, t.Type, t.VehicleClass,
		t.Pickup.Lat, t.Pickup.Lon, t.Pickup.Address, t.Drop.Lat, t.Drop.Lon, t.Drop.Address,
		t.Fare, t.Status, t.ScheduledAt, t.CreatedAt)
	if err != nil {
		return err
	}
	if len(t.Standby) > 0 {
		return p.SetStandby(ctx, t.ID, t.Standby)
	}
	return nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, status FROM trip_standby WHERE trip_id=$1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e models.StandbyEntry
		if err := rows.Scan(&e.DriverID, &e.Status); err != nil {
			return nil, err
		}
		t.Standby = append(t.Standby, e)
	}
	return t, rows.Err()
}

func (p *PostgresStore) ClaimTrip(ctx context.Context, tripID, driverID, rideCode string, now time.Time) (bool, error) {
	return affected(p.db.ExecContext(ctx,
		`UPDATE trips SET status=$3, driver_id=$2, ride_code=$4, accepted_at=$5, last_heartbeat=NULL, updated_at=$5
		 WHERE id=$1 AND status=$6 AND driver_id IS NULL`,
		tripID, driverID, models.StatusAssigned, rideCode, now, models.StatusRequested))
}

func (p *PostgresStore) ReleaseClaim(ctx context.Context, tripID, driverID string) (bool, error) {
	return affected(p.db.ExecContext(ctx,
		`UPDATE trips SET status=$3, driver_id=NULL, ride_code='', accepted_at=NULL, updated_at=NOW()
		 WHERE id=$1 AND status=$4 AND driver_id=$2`,
		tripID, driverID, models.StatusRequested, models.StatusAssigned))
}

func (p *PostgresStore) transition(ctx context.Context, tripID, driverID string, from, to models.TripStatus, now time.Time, extra string) (bool, error) {
	return affected(p.db.ExecContext(ctx,
		`UPDATE trips SET status=$4, last_heartbeat=$5, updated_at=$5`+extra+`
		 WHERE id=$1 AND status=$3 AND driver_id=$2`,
		tripID, driverID, from, to, now))
}

func (p *PostgresStore) MarkEnRoute(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	return p.transition(ctx, tripID, driverID, models.StatusAssigned, models.StatusEnRoute, now, ``)
}

func (p *PostgresStore) MarkArrived(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	return p.transition(ctx, tripID, driverID, models.StatusEnRoute, models.StatusArrived, now, ``)
}

func (p *PostgresStore) StartTrip(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	return p.transition(ctx, tripID, driverID, models.StatusArrived, models.StatusInProgress, now, `, started_at=$5`)
}

func (p *PostgresStore) CompleteTrip(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	return p.transition(ctx, tripID, driverID, models.StatusInProgress, models.StatusCompleted, now, `, completed_at=$5`)
}

func (p *PostgresStore) CancelTrip(ctx context.Context, tripID, callerID string, now time.Time) (string, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var status models.TripStatus
	var riderID string
	var driverID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, rider_id, driver_id FROM trips WHERE id=$1 FOR UPDATE`, tripID).
		Scan(&status, &riderID, &driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if status.Terminal() {
		return "", false, nil
	}
	if riderID != callerID && (!driverID.Valid || driverID.String != callerID) {
		return "", false, nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE trips SET status=$2, driver_id=NULL, cancelled_at=$3, cancelled_by=$4, updated_at=$3 WHERE id=$1`,
		tripID, models.StatusCancelled, now, callerID)
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return driverID.String, true, nil
}

func (p *PostgresStore) ExpireRequested(ctx context.Context, tripID string, now time.Time) (bool, error) {
	return affected(p.db.ExecContext(ctx,
		`UPDATE trips SET status=$2, updated_at=$3 WHERE id=$1 AND status=$4`,
		tripID, models.StatusExpired, now, models.StatusRequested))
}

func (p *PostgresStore) RevertAssignment(ctx context.Context, tripID, driverID string, to models.TripStatus, now time.Time) (bool, error) {
	return affected(p.db.ExecContext(ctx,
		`UPDATE trips SET status=$3, driver_id=NULL, ride_code='', accepted_at=NULL, last_heartbeat=NULL,
			rider_notified=FALSE, reassigns=reassigns+1, updated_at=$4
		 WHERE id=$1 AND driver_id=$2 AND status IN ($5,$6,$7,$8)`,
		tripID, driverID, to, now,
		models.StatusAssigned, models.StatusEnRoute, models.StatusArrived, models.StatusInProgress))
}

func (p *PostgresStore) Heartbeat(ctx context.Context, tripID, driverID string, now time.Time) (bool, error) {
	return affected(p.db.ExecContext(ctx,
		`UPDATE trips SET last_heartbeat=$3, updated_at=$3
		 WHERE id=$1 AND driver_id=$2 AND status IN ($4,$5,$6,$7)`,
		tripID, driverID, now,
		models.StatusAssigned, models.StatusEnRoute, models.StatusArrived, models.StatusInProgress))
}

func (p *PostgresStore) SetStandby(ctx context.Context, tripID string, entries []models.StandbyEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM trip_standby WHERE trip_id=$1`, tripID); err != nil {
		return err
	}
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trip_standby(trip_id, position, driver_id, status) VALUES($1,$2,$3,$4)`,
			tripID, i, e.DriverID, e.Status); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE trips SET standby_cursor=0 WHERE id=$1`, tripID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) PromoteStandby(ctx context.Context, tripID string) (string, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var status models.TripStatus
	var cursor int
	err = tx.QueryRowContext(ctx, `SELECT status, standby_cursor FROM trips WHERE id=$1 FOR UPDATE`, tripID).
		Scan(&status, &cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, err
	}
	if status != models.StatusRequested {
		return "", false, nil
	}

	var pos int
	var driverID string
	err = tx.QueryRowContext(ctx,
		`SELECT position, driver_id FROM trip_standby
		 WHERE trip_id=$1 AND position >= $2 AND status=$3 ORDER BY position LIMIT 1`,
		tripID, cursor, models.StandbyPending).Scan(&pos, &driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trip_standby SET status=$3 WHERE trip_id=$1 AND position=$2`,
		tripID, pos, models.StandbyPromoted); err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trips SET standby_cursor=$2 WHERE id=$1`, tripID, pos+1); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return driverID, true, nil
}

func (p *PostgresStore) MarkRiderNotified(ctx context.Context, tripID string, now time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE trips SET rider_notified=TRUE, last_notify_at=$2 WHERE id=$1`, tripID, now)
	return err
}

func (p *PostgresStore) RecordNotifyAttempt(ctx context.Context, tripID string, delivered bool, now time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE trips SET notify_attempts=notify_attempts+1, last_notify_at=$2, rider_notified=(rider_notified OR $3)
		 WHERE id=$1`, tripID, now, delivered)
	return err
}

func (p *PostgresStore) ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE driver_id=$1 AND status IN ($2,$3,$4,$5) LIMIT 1`,
		driverID, models.StatusAssigned, models.StatusEnRoute, models.StatusArrived, models.StatusInProgress))
}

func (p *PostgresStore) ActiveTripForRider(ctx context.Context, riderID string) (*models.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE rider_id=$1 AND status NOT IN ($2,$3,$4)
		 ORDER BY created_at DESC LIMIT 1`,
		riderID, models.StatusCompleted, models.StatusCancelled, models.StatusExpired))
}

func (p *PostgresStore) queryTrips(ctx context.Context, q string, args ...any) ([]*models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Trip, error) {
	return p.queryTrips(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE status=$1 AND created_at < $2 ORDER BY created_at LIMIT $3`,
		models.StatusRequested, cutoff, limit)
}

func (p *PostgresStore) StaleActive(ctx context.Context, hbCutoff, graceCutoff time.Time, limit int) ([]*models.Trip, error) {
	return p.queryTrips(ctx,
		`SELECT `+tripColumns+` FROM trips
		 WHERE status IN ($1,$2,$3,$4)
		   AND ((last_heartbeat IS NULL AND accepted_at < $5) OR last_heartbeat < $6)
		 ORDER BY updated_at LIMIT $7`,
		models.StatusAssigned, models.StatusEnRoute, models.StatusArrived, models.StatusInProgress,
		graceCutoff, hbCutoff, limit)
}

func (p *PostgresStore) PendingRiderNotify(ctx context.Context, attemptBefore time.Time, maxAttempts, limit int) ([]*models.Trip, error) {
	return p.queryTrips(ctx,
		`SELECT `+tripColumns+` FROM trips
		 WHERE status=$1 AND rider_notified=FALSE AND notify_attempts < $2
		   AND (last_notify_at IS NULL OR last_notify_at < $3)
		 ORDER BY accepted_at LIMIT $4`,
		models.StatusAssigned, maxAttempts, attemptBefore, limit)
}

// --- DriverStore ---

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(
		id, vehicle_class, online, accepting_work, push_token, lat, lon, loc_seq, busy, current_trip_id, last_seen)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			vehicle_class=EXCLUDED.vehicle_class, online=EXCLUDED.online,
			accepting_work=EXCLUDED.accepting_work, push_token=EXCLUDED.push_token,
			last_seen=EXCLUDED.last_seen`,
		d.ID, d.VehicleClass, d.Online, d.AcceptingWork, d.PushToken,
		d.Loc.Lat, d.Loc.Lon, d.LocSeq, d.Busy, d.CurrentTripID, d.LastSeen)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d := &models.Driver{}
	err := p.db.QueryRowContext(ctx,
		`SELECT id, vehicle_class, online, accepting_work, push_token, lat, lon, loc_seq, busy, current_trip_id, last_seen
		 FROM drivers WHERE id=$1`, id).
		Scan(&d.ID, &d.VehicleClass, &d.Online, &d.AcceptingWork, &d.PushToken,
			&d.Loc.Lat, &d.Loc.Lon, &d.LocSeq, &d.Busy, &d.CurrentTripID, &d.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) SetOnline(ctx context.Context, id string, online bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET online=$2, accepting_work=(accepting_work OR $2), last_seen=NOW() WHERE id=$1`, id, online)
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ClearPushToken(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE drivers SET push_token='' WHERE id=$1`, id)
	return err
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, id string, loc models.Coord, seq int64, now time.Time) (bool, error) {
	return affected(p.db.ExecContext(ctx,
		`UPDATE drivers SET lat=$2, lon=$3, loc_seq=$4, last_seen=$5 WHERE id=$1 AND loc_seq < $4`,
		id, loc.Lat, loc.Lon, seq, now))
}

func (p *PostgresStore) ClaimDriver(ctx context.Context, driverID, tripID string) (bool, error) {
	return affected(p.db.ExecContext(ctx,
		`UPDATE drivers SET busy=TRUE, current_trip_id=$2 WHERE id=$1 AND busy=FALSE AND current_trip_id=''`,
		driverID, tripID))
}

func (p *PostgresStore) ReleaseDriver(ctx context.Context, driverID, tripID string) (bool, error) {
	return affected(p.db.ExecContext(ctx,
		`UPDATE drivers SET busy=FALSE, current_trip_id='' WHERE id=$1 AND current_trip_id=$2`,
		driverID, tripID))
}

func (p *PostgresStore) ClearSlot(ctx context.Context, driverID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET busy=FALSE, current_trip_id='' WHERE id=$1`, driverID)
	return err
}

func (p *PostgresStore) AvailableByClass(ctx context.Context, class models.VehicleClass, onlineOnly bool) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, vehicle_class, online, accepting_work, push_token, lat, lon, loc_seq, busy, current_trip_id, last_seen
		 FROM drivers
		 WHERE vehicle_class=$1 AND accepting_work=TRUE AND busy=FALSE AND current_trip_id=''
		   AND (online=TRUE OR $2=FALSE)`,
		class, onlineOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d := &models.Driver{}
		if err := rows.Scan(&d.ID, &d.VehicleClass, &d.Online, &d.AcceptingWork, &d.PushToken,
			&d.Loc.Lat, &d.Loc.Lon, &d.LocSeq, &d.Busy, &d.CurrentTripID, &d.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) BusyDrivers(ctx context.Context, limit int) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, vehicle_class, online, accepting_work, push_token, lat, lon, loc_seq, busy, current_trip_id, last_seen
		 FROM drivers WHERE busy=TRUE OR current_trip_id<>'' LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d := &models.Driver{}
		if err := rows.Scan(&d.ID, &d.VehicleClass, &d.Online, &d.AcceptingWork, &d.PushToken,
			&d.Loc.Lat, &d.Loc.Lon, &d.LocSeq, &d.Busy, &d.CurrentTripID, &d.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
