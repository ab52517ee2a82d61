package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastMeta map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastMeta = values
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	u := &models.LocationUpdate{AmbulanceID: "a1", ProviderID: "p1", Location: models.Point{Lat: 1, Lon: 2}}
	start := time.Now()
	err := updateRedisWithRetry(context.Background(), f, "ambulances_geo", u, 3, 10*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, f.geoCalls, 2)
	require.GreaterOrEqual(t, f.hCalls, 2)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "expected at least one backoff")
	require.Equal(t, "p1", f.lastMeta["provider_id"])
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	u := &models.LocationUpdate{AmbulanceID: "a1", Location: models.Point{Lat: 1, Lon: 2}}
	err := updateRedisWithRetry(context.Background(), f, "ambulances_geo", u, 3, 5*time.Millisecond)
	require.Error(t, err)
}
