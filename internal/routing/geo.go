package routing

import (
	"math"
	"time"

	"github.com/example/rider-agent/internal/models"
)

// Haversine distance in meters
func Haversine(a, b models.Coord) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Straight is the naive estimate used when the routing provider is down:
// great-circle distance over a fixed city speed.
func Straight(from, to models.Coord, speedMps float64) models.RouteEstimate {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h
	}
	d := Haversine(from, to)
	return models.RouteEstimate{
		From:            from,
		To:              to,
		Polyline:        []models.Coord{from, to},
		DistanceMeters:  d,
		DurationSeconds: d / speedMps,
		ComputedAt:      time.Now(),
		Fallback:        true,
	}
}
