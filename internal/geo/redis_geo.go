package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-escort/internal/models"
)

// RedisGeo mirrors driver positions into a Redis GEO set plus a metadata
// hash per driver. It is a read model; the registry stays authoritative.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) AddPosition(ctx context.Context, driverID string, c models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: driverID}).Err()
}

func (r *RedisGeo) SetMeta(ctx context.Context, driverID string, values map[string]any) error {
	return r.client.HSet(ctx, metaKey(driverID), values).Err()
}

func (r *RedisGeo) Upsert(ctx context.Context, ev models.LocationEvent) error {
	if err := r.AddPosition(ctx, ev.DriverID, ev.Loc); err != nil {
		return err
	}
	return r.SetMeta(ctx, ev.DriverID, MetaFields(ev))
}

// Nearby returns mirrored drivers within radius meters, nearest first.
func (r *RedisGeo) Nearby(ctx context.Context, c models.Coord, radius float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, c.Lon, c.Lat, &redis.GeoRadiusQuery{
		Radius: radius, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Lat: g.Latitude, Lon: g.Longitude}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		d.Available = m["available"] == "true"
		d.CurrentRideID = m["current_ride_id"]
		if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
			d.LastUpdated = ts
		}
		out = append(out, d)
	}
	return out, nil
}

// MetaFields is the hash written next to each GEO member.
func MetaFields(ev models.LocationEvent) map[string]any {
	return map[string]any{
		"available":       strconv.FormatBool(ev.Available),
		"current_ride_id": ev.CurrentRideID,
		"updated":         ev.At.UTC().Format(time.RFC3339),
	}
}

func metaKey(id string) string { return "driver:meta:" + id }
