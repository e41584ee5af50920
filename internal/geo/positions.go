package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-agent/internal/ingest"
)

const (
	DefaultKey = "riders_geo"
	metaPrefix = "rider:meta:"
)

// Updater is the subset of Redis operations the position store needs.
type Updater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	GeoSearch(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error)
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) GeoSearch(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) ([]redis.GeoLocation, error) {
	return r.c.GeoSearchLocation(ctx, key, q).Result()
}

// Positions keeps the last known position of each rider in a Redis GEO set
// plus a metadata hash per rider.
type Positions struct {
	rc       Updater
	key      string
	attempts int
	delay    time.Duration
}

func NewPositions(rc *redis.Client, key string) *Positions {
	return newPositions(&redisAdapter{c: rc}, key)
}

func newPositions(u Updater, key string) *Positions {
	if key == "" {
		key = DefaultKey
	}
	return &Positions{rc: u, key: key, attempts: 3, delay: 200 * time.Millisecond}
}

// Upsert writes one location record, retrying each step with a doubling
// delay.
func (p *Positions) Upsert(ctx context.Context, rec ingest.LocationRecord) error {
	if rec.RiderID == "" {
		return fmt.Errorf("upsert position: missing rider id")
	}
	loc := &redis.GeoLocation{Longitude: rec.Lon, Latitude: rec.Lat, Name: rec.RiderID}
	meta := map[string]interface{}{
		"order_id": rec.OrderID,
		"updated":  rec.CapturedAt.UTC().Format(time.RFC3339),
	}
	if rec.Heading != nil {
		meta["heading"] = strconv.FormatFloat(*rec.Heading, 'f', 1, 64)
	}
	if err := p.retry(ctx, func() error { return p.rc.GeoAdd(ctx, p.key, loc) }); err != nil {
		return fmt.Errorf("geoadd %s: %w", rec.RiderID, err)
	}
	if err := p.retry(ctx, func() error { return p.rc.HSet(ctx, metaPrefix+rec.RiderID, meta) }); err != nil {
		return fmt.Errorf("hset %s: %w", rec.RiderID, err)
	}
	return nil
}

func (p *Positions) retry(ctx context.Context, op func() error) error {
	delay := p.delay
	var err error
	for i := 0; i < p.attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == p.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Nearby lists riders within radiusMeters of a point, nearest first.
func (p *Positions) Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]redis.GeoLocation, error) {
	return p.rc.GeoSearch(ctx, p.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	})
}
