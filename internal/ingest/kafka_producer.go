// Package ingest publishes realtime facts (location samples, finished
// pairings) to Kafka for the marketplace's analytics and persistence
// consumers. Everything is fire and forget from the gateway's view.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/provider-matching/internal/models"
)

type Producer struct {
	locations *kafka.Writer
	bookings  *kafka.Writer
}

// NewProducer wires writers for the two topics. A nil *Producer is valid
// and drops everything, so callers never branch on configuration.
func NewProducer(brokers []string, locationTopic, bookingTopic string) *Producer {
	return &Producer{
		locations: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    locationTopic,
			Balancer: &kafka.LeastBytes{},
		},
		bookings: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    bookingTopic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

type locationSample struct {
	ProviderID string    `json:"provider_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	At         time.Time `json:"at"`
}

// PublishLocation emits one provider position sample.
func (p *Producer) PublishLocation(providerID string, loc models.Coord) error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(locationSample{ProviderID: providerID, Lat: loc.Lat, Lng: loc.Lng, At: time.Now().UTC()})
	return p.locations.WriteMessages(ctx, kafka.Message{Key: []byte(providerID), Value: b})
}

// BookingEvent records a pairing that reached a terminal state. The
// booking service persists these; this process keeps nothing.
type BookingEvent struct {
	SessionID  string               `json:"session_id"`
	CustomerID string               `json:"customer_id"`
	ProviderID string               `json:"provider_id"`
	ServiceID  string               `json:"service_id"`
	Status     models.SessionStatus `json:"status"`
	Quote      *models.PriceQuote   `json:"quote,omitempty"`
	EndedAt    time.Time            `json:"ended_at"`
}

func (p *Producer) PublishBooking(ev BookingEvent) error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return p.bookings.WriteMessages(ctx, kafka.Message{Key: []byte(ev.SessionID), Value: b})
}

func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	if err := p.locations.Close(); err != nil {
		return err
	}
	return p.bookings.Close()
}
