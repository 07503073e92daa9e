package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Candidate is a driver id with its distance from the query point.
type Candidate struct {
	DriverID  string
	DistanceM float64
}

// Index is the location pre-filter consulted by the candidate selector.
// It is advisory: the driver registry remains the source of truth for
// availability, the index only bounds how many records we look at.
type Index interface {
	Upsert(id string, loc models.Coord)
	Remove(id string)
	Nearby(lat, lon, radiusM float64, limit int) []Candidate
}

type MemoryIndex struct {
	mu   sync.RWMutex
	locs map[string]entry
}

type entry struct {
	loc     models.Coord
	updated time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{locs: make(map[string]entry)}
}

func (g *MemoryIndex) Upsert(id string, loc models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locs[id] = entry{loc: loc, updated: time.Now()}
}

func (g *MemoryIndex) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locs, id)
}

// naive scan; in prod use geo-hash or H3
func (g *MemoryIndex) Nearby(lat, lon, radiusM float64, limit int) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, limit)
	for id, e := range g.locs {
		d := Haversine(lat, lon, e.loc.Lat, e.loc.Lon)
		if d > radiusM {
			continue
		}
		out = append(out, Candidate{DriverID: id, DistanceM: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
