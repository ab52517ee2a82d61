package geo

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Position is one ambulance's last-known location.
type Position struct {
	AmbulanceID string       `json:"ambulance_id"`
	Loc         models.Point `json:"loc"`
	Updated     time.Time    `json:"updated"`
}

// Geo is the minimal interface required by the matcher and handlers.
type Geo interface {
	// Nearby returns positions ordered by ascending distance from the query
	// point. limit <= 0 returns every known position. Entries with unusable
	// coordinates are skipped rather than failing the query.
	Nearby(lat, lon float64, limit int) []Position
	Upsert(p Position)
	Remove(ambulanceID string)
}

// Index is an in-memory Geo. Reads work on an immutable snapshot so location
// writers never block proximity queries.
type Index struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[map[string]Position]
}

func NewIndex() *Index {
	idx := &Index{}
	m := make(map[string]Position)
	idx.snap.Store(&m)
	return idx
}

func (g *Index) Upsert(p Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	cur := *g.snap.Load()
	next := make(map[string]Position, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[p.AmbulanceID] = p
	g.snap.Store(&next)
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := *g.snap.Load()
	if _, ok := cur[id]; !ok {
		return
	}
	next := make(map[string]Position, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	g.snap.Store(&next)
}

func (g *Index) Nearby(lat, lon float64, limit int) []Position {
	snap := *g.snap.Load()
	type pair struct {
		p    Position
		dist float64
	}
	arr := make([]pair, 0, len(snap))
	for _, p := range snap {
		if !p.Loc.Valid() {
			continue
		}
		arr = append(arr, pair{p, Haversine(lat, lon, p.Loc.Lat, p.Loc.Lon)})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].p.AmbulanceID < arr[j].p.AmbulanceID
	})
	n := len(arr)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Position, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
