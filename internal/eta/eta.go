package eta

import (
	"math"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// DefaultSpeedMps is the assumed urban average (~30 km/h) used when no
// routing engine is configured.
const DefaultSpeedMps = 8.33

// Client is the optional routing-engine interface used to refine ETAs.
type Client interface {
	EstimateSeconds(from, to models.Point) (float64, error)
}

// EstimateSeconds derives a straight-line ETA: great-circle distance over an
// assumed average speed. It deliberately knows nothing about the road
// network.
func EstimateSeconds(from, to models.Point, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return d / speedMps
}

// Minutes rounds seconds up to whole minutes, the granularity exposed to
// clients.
func Minutes(seconds float64) int {
	return int(math.Ceil(seconds / 60))
}
