package backend

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/example/rider-agent/internal/models"
)

// Order families as the backend names them.
const (
	orderOfFoody = "Foody"
	orderOfCyr   = "Cyr"
)

func collection(k models.Kind) string {
	if k == models.KindTransport {
		return "cyrOrder"
	}
	return "foodyOrder"
}

func statusField(k models.Kind) string {
	if k == models.KindTransport {
		return "rideStatus"
	}
	return "orderStatus"
}

type point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p point) coord() models.Coord { return models.Coord{Lat: p.Latitude, Lon: p.Longitude} }

type orderDTO struct {
	ID           string            `json:"_id"`
	OrderOf      string            `json:"orderOf"`
	UserID       string            `json:"userId"`
	OTP          models.FlexString `json:"otp"`
	RiderEarning float64           `json:"riderEarning"`
	Pickup       point             `json:"pickupLocation"`
	Dropoff      point             `json:"dropoffLocation"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

// KindOf maps the backend's orderOf to a Kind.
func KindOf(orderOf string) (models.Kind, bool) {
	switch orderOf {
	case orderOfFoody:
		return models.KindDelivery, true
	case orderOfCyr:
		return models.KindTransport, true
	default:
		return "", false
	}
}

func (o orderDTO) offer() (models.Offer, bool) {
	kind, ok := KindOf(o.OrderOf)
	if !ok || o.ID == "" {
		return models.Offer{}, false
	}
	return models.Offer{
		ID:             o.ID,
		Kind:           kind,
		Pickup:         o.Pickup.coord(),
		Dropoff:        o.Dropoff.coord(),
		OTP:            string(o.OTP),
		Earning:        o.RiderEarning,
		CounterpartyID: o.UserID,
		ExpiresAt:      o.ExpiresAt,
	}, true
}

// FetchOffers returns the offer queue. Orders of unknown families are dropped.
func (c *Client) FetchOffers(ctx context.Context) ([]models.Offer, error) {
	var out struct {
		Data []orderDTO `json:"data"`
	}
	if err := c.do(ctx, "fetch_offers", "GET", "/api/v1/riders/fetchAccept-Reject", nil, &out); err != nil {
		return nil, err
	}
	offers := make([]models.Offer, 0, len(out.Data))
	for _, d := range out.Data {
		if o, ok := d.offer(); ok {
			offers = append(offers, o)
		}
	}
	return offers, nil
}

// AcceptOrder asks the backend to assign the order to this rider. A lost
// race is reported as ErrClaimed.
func (c *Client) AcceptOrder(ctx context.Context, kind models.Kind, id string) error {
	body := map[string]any{"orderOf": orderOf(kind)}
	return c.do(ctx, "accept_order", "POST", "/api/v1/riders/orders/"+url.PathEscape(id)+"/accept", body, nil)
}

func (c *Client) RejectOrder(ctx context.Context, kind models.Kind, id string) error {
	body := map[string]any{"orderOf": orderOf(kind)}
	return c.do(ctx, "reject_order", "POST", "/api/v1/riders/orders/"+url.PathEscape(id)+"/reject", body, nil)
}

// UpdateStage stores the human readable status text shown to the requester.
func (c *Client) UpdateStage(ctx context.Context, kind models.Kind, id, text string) error {
	body := map[string]any{statusField(kind): text}
	return c.do(ctx, "update_stage", "PUT", "/api/v1/"+collection(kind)+"/order-update/"+url.PathEscape(id), body, nil)
}

// FinalizeOrder marks the order delivered and credits the earning.
func (c *Client) FinalizeOrder(ctx context.Context, kind models.Kind, id, otp string, earning float64) error {
	body := map[string]any{statusField(kind): "Delivered", "riderEarning": earning, "otp": otp}
	return c.do(ctx, "finalize_order", "PUT", "/api/v1/"+collection(kind)+"/order/"+url.PathEscape(id), body, nil)
}

// FetchOrder returns the backend's authoritative view of an order.
func (c *Client) FetchOrder(ctx context.Context, kind models.Kind, id string) (models.OrderStatus, error) {
	var out struct {
		Data struct {
			ID          string `json:"_id"`
			RiderID     string `json:"riderId"`
			OrderStatus string `json:"orderStatus"`
			RideStatus  string `json:"rideStatus"`
			Cancelled   bool   `json:"cancelled"`
		} `json:"data"`
	}
	if err := c.do(ctx, "fetch_order", "GET", "/api/v1/"+collection(kind)+"/order/"+url.PathEscape(id), nil, &out); err != nil {
		return models.OrderStatus{}, err
	}
	text := out.Data.OrderStatus
	if kind == models.KindTransport {
		text = out.Data.RideStatus
	}
	return models.OrderStatus{
		ID:        out.Data.ID,
		RiderID:   out.Data.RiderID,
		Status:    text,
		StageText: text,
		Cancelled: out.Data.Cancelled || strings.EqualFold(text, "Cancelled"),
	}, nil
}

// UpdateLocation persists the rider's last known position.
func (c *Client) UpdateLocation(ctx context.Context, s models.LocationSample) error {
	body := map[string]any{"latitude": s.Lat, "longitude": s.Lon}
	return c.do(ctx, "update_location", "POST", "/api/v1/riders/update-rider-location", body, nil)
}

// RefreshToken implements session.Refresher.
func (c *Client) RefreshToken(ctx context.Context, token string) (string, error) {
	var out struct {
		Data struct {
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	}
	if err := c.do(ctx, "refresh_token", "POST", "/api/v1/riders/refresh-token", map[string]string{"refreshToken": token}, &out); err != nil {
		return "", err
	}
	if out.Data.AccessToken == "" {
		return "", &NetworkError{Op: "refresh_token", Err: ErrUnauthorized}
	}
	return out.Data.AccessToken, nil
}

// ToggleAvailability flips the rider's online flag on the backend.
func (c *Client) ToggleAvailability(ctx context.Context, online bool) error {
	return c.do(ctx, "toggle_availability", "POST", "/api/v1/riders/toggle-availability", map[string]bool{"availableStatus": online}, nil)
}

// FetchEarnings returns the backend's earnings history for the rider.
func (c *Client) FetchEarnings(ctx context.Context) ([]models.Earning, error) {
	var out struct {
		Data []struct {
			OrderID   string  `json:"orderId"`
			OrderOf   string  `json:"orderOf"`
			Amount    float64 `json:"riderEarning"`
			CreatedAt string  `json:"createdAt"`
		} `json:"data"`
	}
	if err := c.do(ctx, "fetch_earnings", "GET", "/api/v1/riders/earnings", nil, &out); err != nil {
		return nil, err
	}
	res := make([]models.Earning, 0, len(out.Data))
	for _, e := range out.Data {
		kind, _ := KindOf(e.OrderOf)
		at, _ := time.Parse(time.RFC3339, e.CreatedAt)
		res = append(res, models.Earning{OrderID: e.OrderID, Kind: kind, Amount: e.Amount, RecordedAt: at})
	}
	return res, nil
}

func orderOf(k models.Kind) string {
	if k == models.KindTransport {
		return orderOfCyr
	}
	return orderOfFoody
}
