package selector

import (
	"context"
	"sort"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

// Candidate is an eligible driver with its distance to the pickup point.
type Candidate struct {
	Driver    *models.Driver
	DistanceM float64
}

// Radii holds the per-trip-type search radii in meters.
type Radii struct {
	LocalM     float64
	ParcelM    float64
	IntercityM float64
}

// Selector computes the ordered candidate set for a trip. Pure read: no side
// effects on drivers or trips.
type Selector struct {
	Drivers storage.DriverStore
	Geo     geo.Index // optional pre-filter; nil means full registry scan
	Radii   Radii
	Limit   int
}

func (s *Selector) radius(t models.TripType) float64 {
	switch t {
	case models.TripParcel:
		return s.Radii.ParcelM
	case models.TripIntercity:
		return s.Radii.IntercityM
	default:
		return s.Radii.LocalM
	}
}

// Candidates returns drivers that match the vehicle class, have a free
// assignment slot, are within the type radius of pickup, ordered by ascending
// distance. Advance intercity bookings (scheduled in the future) relax the
// online requirement since the driver may come online later.
func (s *Selector) Candidates(ctx context.Context, trip *models.Trip) ([]Candidate, error) {
	onlineOnly := true
	if trip.Type == models.TripIntercity && trip.ScheduledAt != nil {
		onlineOnly = false
	}

	drivers, err := s.Drivers.AvailableByClass(ctx, trip.VehicleClass, onlineOnly)
	if err != nil {
		return nil, err
	}

	radius := s.radius(trip.Type)

	// The geo index bounds the scan when configured; availability is always
	// re-checked against the registry since the index may lag. Advance
	// bookings scan the registry directly because offline drivers are not
	// in the index.
	var inIndex map[string]float64
	if s.Geo != nil && onlineOnly {
		near := s.Geo.Nearby(trip.Pickup.Lat, trip.Pickup.Lon, radius, 0)
		inIndex = make(map[string]float64, len(near))
		for _, c := range near {
			inIndex[c.DriverID] = c.DistanceM
		}
	}

	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		var dist float64
		if inIndex != nil {
			var ok bool
			if dist, ok = inIndex[d.ID]; !ok {
				continue
			}
		} else {
			dist = geo.Haversine(trip.Pickup.Lat, trip.Pickup.Lon, d.Loc.Lat, d.Loc.Lon)
		}
		if dist > radius {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceM: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	if s.Limit > 0 && len(out) > s.Limit {
		out = out[:s.Limit]
	}
	return out, nil
}
