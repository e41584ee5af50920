package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/rider-agent/internal/models"
)

// Event names on the shared channel.
const (
	EventOrderOffered     = "order-offered"
	EventRideOffered      = "ride-offered"
	EventClaimedElsewhere = "order-claimed-elsewhere"

	EventRiderLocation = "rider-location"
	EventOrderAccepted = "order-accepted"
	EventOrderRejected = "order-rejected"
)

var ErrUnknownEvent = errors.New("realtime: unknown event type")

// Envelope is the JSON frame exchanged on the socket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is one decoded inbound message. The concrete types are OfferEvent
// and ClaimedEvent.
type Event interface {
	eventType() string
}

type OfferEvent struct {
	Offer models.Offer
}

func (OfferEvent) eventType() string { return EventOrderOffered }

type ClaimedEvent struct {
	OrderID string
	RiderID string
}

func (ClaimedEvent) eventType() string { return EventClaimedElsewhere }

type offerPayload struct {
	OrderID      string            `json:"orderId"`
	UserID       string            `json:"userId"`
	OTP          models.FlexString `json:"otp"`
	RiderEarning float64           `json:"riderEarning"`
	Pickup       models.Coord      `json:"pickupLocation"`
	Dropoff      models.Coord      `json:"dropoffLocation"`
	ExpiresAt    time.Time         `json:"expiresAt"`
}

type claimedPayload struct {
	OrderID string `json:"orderId"`
	RiderID string `json:"riderId"`
}

// Decode turns a raw frame into a typed event.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case EventOrderOffered, EventRideOffered:
		var p offerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.OrderID == "" {
			return nil, fmt.Errorf("decode %s: missing orderId", env.Type)
		}
		kind := models.KindDelivery
		if env.Type == EventRideOffered {
			kind = models.KindTransport
		}
		return OfferEvent{Offer: models.Offer{
			ID:             p.OrderID,
			Kind:           kind,
			Pickup:         p.Pickup,
			Dropoff:        p.Dropoff,
			OTP:            string(p.OTP),
			Earning:        p.RiderEarning,
			CounterpartyID: p.UserID,
			ExpiresAt:      p.ExpiresAt,
		}}, nil
	case EventClaimedElsewhere:
		var p claimedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ClaimedEvent{OrderID: p.OrderID, RiderID: p.RiderID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// LocationPing is the outbound rider-location payload.
type LocationPing struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	Heading        *float64 `json:"heading"`
	CounterpartyID string   `json:"counterpartyId"`
}

// Decision is the outbound order-accepted / order-rejected payload.
type Decision struct {
	OrderID        string      `json:"orderId"`
	OrderOf        models.Kind `json:"kind"`
	RiderID        string      `json:"riderId"`
	RiderName      string      `json:"riderName,omitempty"`
	CounterpartyID string      `json:"userId"`
	OTP            string      `json:"otp,omitempty"`
	RiderEarning   float64     `json:"riderEarning"`
}
