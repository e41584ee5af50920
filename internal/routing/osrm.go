package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/twpayne/go-polyline"

	"github.com/example/rider-agent/internal/models"
)

// ErrDegenerateRoute is returned when the provider answers with a zero length
// route, which happens when both endpoints are the same or too close.
var ErrDegenerateRoute = errors.New("routing: degenerate route")

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: timeout}}
}

// Route queries /route/v1/driving with full overview and decodes the polyline.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return models.RouteEstimate{}, fmt.Errorf("osrm request: %w", err)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.RouteEstimate{}, fmt.Errorf("osrm call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.RouteEstimate{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Geometry string  `json:"geometry"`
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteEstimate{}, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.RouteEstimate{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	if r.Distance == 0 || r.Duration == 0 {
		return models.RouteEstimate{}, ErrDegenerateRoute
	}
	coords, _, err := polyline.DecodeCoords([]byte(r.Geometry))
	if err != nil {
		return models.RouteEstimate{}, fmt.Errorf("osrm polyline: %w", err)
	}
	line := make([]models.Coord, 0, len(coords))
	for _, c := range coords {
		line = append(line, models.Coord{Lat: c[0], Lon: c[1]})
	}
	return models.RouteEstimate{
		From:            from,
		To:              to,
		Polyline:        line,
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
		ComputedAt:      time.Now(),
	}, nil
}
