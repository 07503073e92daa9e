package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Point is a coordinate plus the human-readable label shown in apps.
type Point struct {
	Coord
	Address string `json:"address"`
}

type TripType string

const (
	TripLocal     TripType = "local"
	TripParcel    TripType = "parcel"
	TripIntercity TripType = "intercity"
)

func (t TripType) Valid() bool {
	switch t {
	case TripLocal, TripParcel, TripIntercity:
		return true
	}
	return false
}

type VehicleClass string

const (
	VehicleBike VehicleClass = "bike"
	VehicleAuto VehicleClass = "auto"
	VehicleCar  VehicleClass = "car"
	VehicleVan  VehicleClass = "van"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleBike, VehicleAuto, VehicleCar, VehicleVan:
		return true
	}
	return false
}

type TripStatus string

const (
	StatusRequested  TripStatus = "requested"
	StatusAssigned   TripStatus = "assigned"
	StatusEnRoute    TripStatus = "en_route_to_pickup"
	StatusArrived    TripStatus = "arrived_at_pickup"
	StatusInProgress TripStatus = "in_progress"
	StatusCompleted  TripStatus = "completed"
	StatusCancelled  TripStatus = "cancelled"
	StatusExpired    TripStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Assigned reports whether the status implies a non-empty DriverID.
func (s TripStatus) Assigned() bool {
	switch s {
	case StatusAssigned, StatusEnRoute, StatusArrived, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Active covers the statuses the heartbeat reaper watches: a driver is
// committed to the trip and expected to keep signalling liveness.
func (s TripStatus) Active() bool {
	switch s {
	case StatusAssigned, StatusEnRoute, StatusArrived, StatusInProgress:
		return true
	}
	return false
}

type StandbyStatus string

const (
	StandbyPending  StandbyStatus = "pending"
	StandbyPromoted StandbyStatus = "promoted"
	StandbyRejected StandbyStatus = "rejected"
)

// StandbyEntry is one fallback candidate on a trip's standby queue.
type StandbyEntry struct {
	DriverID string        `json:"driver_id"`
	Status   StandbyStatus `json:"status"`
}

type Trip struct {
	ID           string       `json:"id"`
	RiderID      string       `json:"rider_id"`
	DriverID     string       `json:"driver_id,omitempty"`
	Type         TripType     `json:"type"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Pickup       Point        `json:"pickup"`
	Drop         Point        `json:"drop"`
	Fare         float64      `json:"fare"`
	Status       TripStatus   `json:"status"`

	// RideCode is generated at acceptance and checked before ride start.
	RideCode string `json:"-"`

	Standby       []StandbyEntry `json:"standby,omitempty"`
	StandbyCursor int            `json:"standby_cursor"`
	Reassigns     int            `json:"reassigns"`

	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy   string     `json:"cancelled_by,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	RiderNotified  bool       `json:"rider_notified"`
	NotifyAttempts int        `json:"notify_attempts"`
	LastNotifyAt   *time.Time `json:"last_notify_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Driver struct {
	ID            string       `json:"id"`
	VehicleClass  VehicleClass `json:"vehicle_class"`
	Online        bool         `json:"online"`
	AcceptingWork bool         `json:"accepting_work"`
	PushToken     string       `json:"push_token,omitempty"`

	Loc    Coord `json:"loc"`
	LocSeq int64 `json:"loc_seq"`

	// Assignment slot. Busy must agree with CurrentTripID; the stores only
	// expose conditional claim/release so normal operation cannot drift.
	Busy          bool   `json:"busy"`
	CurrentTripID string `json:"current_trip_id,omitempty"`

	LastSeen time.Time `json:"last_seen"`
}

// Available reports whether the driver may be offered new work.
func (d *Driver) Available() bool {
	return d.AcceptingWork && !d.Busy && d.CurrentTripID == ""
}

// TripOffer is the payload fanned out to candidate drivers.
type TripOffer struct {
	TripID       string       `json:"trip_id"`
	Type         TripType     `json:"type"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Pickup       Point        `json:"pickup"`
	Drop         Point        `json:"drop"`
	Fare         float64      `json:"fare"`
	DistanceM    float64      `json:"distance_m"`
}

// LocationUpdate is the message shape on the driver-locations topic.
type LocationUpdate struct {
	DriverID     string       `json:"driver_id"`
	Loc          Coord        `json:"loc"`
	Seq          int64        `json:"seq"`
	Online       bool         `json:"online"`
	VehicleClass VehicleClass `json:"vehicle_class,omitempty"`
}
