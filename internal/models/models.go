package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// IsZero reports whether c was never set. The rider app treats (0,0) as
// "no fix yet".
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Kind selects the stage sequence an assignment runs through.
type Kind string

const (
	KindDelivery  Kind = "Delivery"
	KindTransport Kind = "Transport"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindDelivery, KindTransport:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// Stage is a milestone within an assignment. Values are ordered: a larger
// value is always later in the lifecycle.
type Stage int

const (
	StageEnRouteToPickup Stage = iota + 1
	StageAtPickup
	StagePassengerOnboard
	StageEnRouteToDropoff
	StageCompleted
)

var stageNames = map[Stage]string{
	StageEnRouteToPickup:  "EnRouteToPickup",
	StageAtPickup:         "AtPickup",
	StagePassengerOnboard: "PassengerOnboard",
	StageEnRouteToDropoff: "EnRouteToDropoff",
	StageCompleted:        "Completed",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "Unknown"
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Stage) UnmarshalText(b []byte) error {
	for st, name := range stageNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", b)
}

// Sequence returns the fixed stage order for a kind.
func (k Kind) Sequence() []Stage {
	if k == KindTransport {
		return []Stage{StageEnRouteToPickup, StagePassengerOnboard, StageEnRouteToDropoff, StageCompleted}
	}
	return []Stage{StageEnRouteToPickup, StageAtPickup, StageEnRouteToDropoff, StageCompleted}
}

// Next returns the stage following s for kind k, or false when s is terminal
// or not part of k's sequence.
func (k Kind) Next(s Stage) (Stage, bool) {
	seq := k.Sequence()
	for i, st := range seq {
		if st == s && i+1 < len(seq) {
			return seq[i+1], true
		}
	}
	return 0, false
}

// PickupMilestone is the rider-confirmed stage that ends the pickup leg.
func (k Kind) PickupMilestone() Stage {
	if k == KindTransport {
		return StagePassengerOnboard
	}
	return StageAtPickup
}

// Offer is a proposed assignment pushed (or polled) before acceptance.
type Offer struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Pickup         Coord     `json:"pickup"`
	Dropoff        Coord     `json:"dropoff"`
	OTP            string    `json:"otp"`
	Earning        float64   `json:"earning"`
	CounterpartyID string    `json:"counterparty_id"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Expired reports whether the offer carried an expiry that has passed.
func (o Offer) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Assignment is the rider's currently held unit of work.
type Assignment struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Pickup         Coord     `json:"pickup"`
	Dropoff        Coord     `json:"dropoff"`
	Stage          Stage     `json:"stage"`
	OTP            string    `json:"-"`
	Earning        float64   `json:"earning"`
	CounterpartyID string    `json:"counterparty_id"`
	AcceptedAt     time.Time `json:"accepted_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	// PendingSync is set while the backend has not acknowledged the latest
	// stage update.
	PendingSync bool `json:"pending_sync"`
}

// Leg is the endpoint the rider is currently heading to.
func (a Assignment) Leg() Coord {
	if a.Stage >= a.Kind.PickupMilestone() {
		return a.Dropoff
	}
	return a.Pickup
}

// LocationSample is one position fix.
type LocationSample struct {
	Lat        float64   `json:"latitude"`
	Lon        float64   `json:"longitude"`
	Heading    *float64  `json:"heading,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

// RouteEstimate is advisory only.
type RouteEstimate struct {
	From            Coord     `json:"from"`
	To              Coord     `json:"to"`
	Polyline        []Coord   `json:"polyline"`
	DistanceMeters  float64   `json:"distance_meters"`
	DurationSeconds float64   `json:"duration_seconds"`
	ComputedAt      time.Time `json:"computed_at"`
	Fallback        bool      `json:"fallback,omitempty"`
}

// Completion is the acknowledgment surfaced after a successful OTP handoff.
type Completion struct {
	OrderID     string    `json:"order_id"`
	Kind        Kind      `json:"kind"`
	Earning     float64   `json:"earning"`
	CompletedAt time.Time `json:"completed_at"`
}

// Earning is one ledger line.
type Earning struct {
	OrderID    string    `json:"order_id"`
	RiderID    string    `json:"rider_id"`
	Kind       Kind      `json:"kind"`
	Amount     float64   `json:"amount"`
	RecordedAt time.Time `json:"recorded_at"`
}

// OrderStatus is the backend's authoritative view of an order.
type OrderStatus struct {
	ID        string `json:"id"`
	RiderID   string `json:"rider_id"`
	Status    string `json:"status"`
	Cancelled bool   `json:"cancelled"`
	// StageText is the last status text the backend stored for the order.
	StageText string `json:"stage_text"`
}

// FlexString decodes from either a JSON string or a JSON number. OTP codes
// arrive in both shapes depending on the endpoint.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// Notice types surfaced to the rider's UI.
const (
	NoticeOffer     = "offer"
	NoticeConflict  = "conflict"
	NoticeCancelled = "cancelled"
	NoticeCompleted = "completed"
	NoticeError     = "error"
)

// Notice is a rider-facing message (toast, inline error, acknowledgment).
type Notice struct {
	Type    string    `json:"type"`
	OrderID string    `json:"order_id,omitempty"`
	Message string    `json:"message"`
	Earning float64   `json:"earning,omitempty"`
	Offer   *Offer    `json:"offer,omitempty"`
	At      time.Time `json:"at"`
}
