package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestHaversine(t *testing.T) {
	// 0.01 degrees of latitude is roughly 1.11 km
	d := Haversine(0, 0, 0.01, 0)
	require.InDelta(t, 1112, d, 5)

	require.Equal(t, 0.0, Haversine(12.5, 77.6, 12.5, 77.6))
}

func TestIndexNearbyOrdering(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Position{AmbulanceID: "far", Loc: models.Point{Lat: 0, Lon: 0.05}})
	idx.Upsert(Position{AmbulanceID: "near", Loc: models.Point{Lat: 0, Lon: 0.01}})
	idx.Upsert(Position{AmbulanceID: "mid", Loc: models.Point{Lat: 0, Lon: 0.02}})

	got := idx.Nearby(0, 0, 0)
	require.Len(t, got, 3)
	require.Equal(t, "near", got[0].AmbulanceID)
	require.Equal(t, "mid", got[1].AmbulanceID)
	require.Equal(t, "far", got[2].AmbulanceID)
}

func TestIndexNearbyLimit(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Position{AmbulanceID: "a", Loc: models.Point{Lat: 0, Lon: 0.01}})
	idx.Upsert(Position{AmbulanceID: "b", Loc: models.Point{Lat: 0, Lon: 0.02}})

	got := idx.Nearby(0, 0, 1)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].AmbulanceID)
}

func TestIndexNearbySkipsInvalid(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Position{AmbulanceID: "ok", Loc: models.Point{Lat: 1, Lon: 1}})
	idx.Upsert(Position{AmbulanceID: "nan", Loc: models.Point{Lat: math.NaN(), Lon: 0}})

	got := idx.Nearby(0, 0, 0)
	require.Len(t, got, 1)
	require.Equal(t, "ok", got[0].AmbulanceID)
}

func TestIndexRemove(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Position{AmbulanceID: "a", Loc: models.Point{Lat: 1, Lon: 1}})
	idx.Remove("a")
	idx.Remove("missing") // no-op
	require.Empty(t, idx.Nearby(0, 0, 0))
}

func TestIndexUpsertReplaces(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(Position{AmbulanceID: "a", Loc: models.Point{Lat: 0, Lon: 0.05}})
	idx.Upsert(Position{AmbulanceID: "a", Loc: models.Point{Lat: 0, Lon: 0.01}})

	got := idx.Nearby(0, 0, 0)
	require.Len(t, got, 1)
	require.InDelta(t, 0.01, got[0].Loc.Lon, 1e-9)
}
