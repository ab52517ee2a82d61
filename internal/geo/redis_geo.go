package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Positions land here both
// from the API process and from the Kafka consumer, so several instances can
// share one fleet view.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(p Position) {
	if !p.Loc.Valid() {
		return
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.AmbulanceID,
	}).Result()
	_ = r.client.HSet(r.ctx, metaKey(p.AmbulanceID), map[string]interface{}{
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(id string) {
	_ = r.client.ZRem(r.ctx, r.key, id).Err()
	_ = r.client.Del(r.ctx, metaKey(id)).Err()
}

func (r *RedisGeo) Nearby(lat, lon float64, limit int) []Position {
	q := &redis.GeoRadiusQuery{Radius: 50000, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, q).Result()
	if err != nil {
		return nil
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		p := Position{AmbulanceID: g.Name, Loc: models.Point{Lat: g.Latitude, Lon: g.Longitude}}
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					p.Updated = ts
				}
			}
		}
		out = append(out, p)
	}
	return out
}

func metaKey(id string) string { return "ambulance:meta:" + id }
