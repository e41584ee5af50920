package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-agent/internal/models"
)

// LocationRecord is the message value written for every reported sample.
type LocationRecord struct {
	RiderID    string    `json:"rider_id"`
	OrderID    string    `json:"order_id,omitempty"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Heading    *float64  `json:"heading,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror copies location samples onto a topic for downstream tracking.
type KafkaMirror struct {
	writer  messageWriter
	riderID string
	timeout time.Duration
}

func NewKafkaMirror(brokers []string, topic, riderID string) *KafkaMirror {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaMirror{writer: w, riderID: riderID, timeout: 2 * time.Second}
}

// Publish writes one sample keyed by rider so a partition keeps order.
func (k *KafkaMirror) Publish(ctx context.Context, orderID string, s models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(LocationRecord{RiderID: k.riderID, OrderID: orderID, Lat: s.Lat, Lon: s.Lon, Heading: s.Heading, CapturedAt: s.CapturedAt})
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(k.riderID), Value: b}); err != nil {
		return fmt.Errorf("publish location: %w", err)
	}
	return nil
}

func (k *KafkaMirror) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
