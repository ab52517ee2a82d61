// Package matcher ranks AVAILABLE ambulances for a request location. It is
// strictly read-only: binding the chosen candidate is the acceptance flow's
// job, so a match query can be repeated (and cached) freely.
package matcher

import (
	"fmt"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

// Fleet is the slice of the registry the matcher reads.
type Fleet interface {
	Get(ambulanceID string) (*models.Ambulance, error)
}

type Service struct {
	Geo      geo.Geo
	Fleet    Fleet
	SpeedMps float64    // assumed average speed; DefaultSpeedMps when zero
	TopN     int        // cap on returned candidates; 0 means no cap
	ETA      eta.Client // optional routing engine

	// Cache memoizes recent rankings keyed by rounded location. Entries
	// expire quickly; matching stays correct without it.
	Cache *gocache.Cache
}

// NewService builds a matcher with a short-lived result cache.
func NewService(g geo.Geo, fleet Fleet, speedMps float64, topN int) *Service {
	return &Service{
		Geo:      g,
		Fleet:    fleet,
		SpeedMps: speedMps,
		TopN:     topN,
		Cache:    gocache.New(2*time.Second, time.Minute),
	}
}

// Match returns candidates ordered by ascending ETA, ties broken by distance,
// then by id for determinism. providers restricts the candidate set to the
// given provider ids; empty means any. An empty result is not an error.
func (s *Service) Match(loc models.Point, providers []string) ([]models.Candidate, error) {
	start := time.Now()
	defer func() {
		observability.MatchesTotal.Inc()
		observability.MatchLatency.Observe(time.Since(start).Seconds())
	}()

	key := cacheKey(loc, providers)
	if s.Cache != nil {
		if v, ok := s.Cache.Get(key); ok {
			return v.([]models.Candidate), nil
		}
	}

	allowed := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		allowed[p] = struct{}{}
	}

	positions := s.Geo.Nearby(loc.Lat, loc.Lon, 0)
	cands := make([]models.Candidate, 0, len(positions))
	for _, p := range positions {
		a, err := s.Fleet.Get(p.AmbulanceID)
		if err != nil {
			// stale geo entry for an unknown ambulance; skip it
			continue
		}
		if a.Status != models.StatusAvailable || a.Retired {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[a.ProviderID]; !ok {
				continue
			}
		}
		dist := geo.Haversine(loc.Lat, loc.Lon, p.Loc.Lat, p.Loc.Lon)
		seconds := 0.0
		if s.ETA != nil {
			if v, err := s.ETA.EstimateSeconds(p.Loc, loc); err == nil {
				seconds = v
			}
		}
		if seconds == 0 {
			seconds = eta.EstimateSeconds(p.Loc, loc, s.SpeedMps)
		}
		cands = append(cands, models.Candidate{
			AmbulanceID: a.ID,
			ETAMinutes:  eta.Minutes(seconds),
			DistanceM:   dist,
		})
	}

	Rank(cands)
	if s.TopN > 0 && len(cands) > s.TopN {
		cands = cands[:s.TopN]
	}
	if s.Cache != nil {
		s.Cache.SetDefault(key, cands)
	}
	return cands, nil
}

// Rank sorts candidates ascending by ETA, then distance, then id.
func Rank(cands []models.Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].ETAMinutes != cands[j].ETAMinutes {
			return cands[i].ETAMinutes < cands[j].ETAMinutes
		}
		if cands[i].DistanceM != cands[j].DistanceM {
			return cands[i].DistanceM < cands[j].DistanceM
		}
		return cands[i].AmbulanceID < cands[j].AmbulanceID
	})
}

func cacheKey(loc models.Point, providers []string) string {
	key := fmt.Sprintf("%.5f,%.5f", loc.Lat, loc.Lon)
	for _, p := range providers {
		key += "|" + p
	}
	return key
}
