package gateway

import (
	"encoding/json"

	"github.com/example/provider-matching/internal/models"
)

// Inbound event names. Every client frame is {"event": ..., "data": ...};
// the handshake token travels in the upgrade request, never as an event.
const (
	evProviderLocation     = "provider:location"
	evProviderAvailability = "provider:availability"
	evCustomerLocation     = "customer:location"
	evProvidersNearby      = "providers:nearby"
	evServiceRequest       = "service:request"
	evServiceResponse      = "service:response"
	evMessageSend          = "message:send"
	evQuoteRequest         = "quote:request"
	evPairComplete         = "pair:complete"
	evPairCancel           = "pair:cancel"
)

// Outbound-only event names (relay and pairing events live in the pairing
// package).
const (
	evServiceRequestSent = "service:request:sent"
	evProvidersActive    = "providers:active"
	evQuoteResult        = "quote:result"
)

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p locationPayload) coord() models.Coord {
	return models.Coord{Lat: p.Latitude, Lng: p.Longitude}
}

type availabilityPayload struct {
	IsAvailable bool `json:"isAvailable"`
}

type nearbyPayload struct {
	ServiceID string     `json:"serviceId"`
	Location  [2]float64 `json:"location"` // [lat, lng]
}

type serviceRequestPayload struct {
	ProviderID string     `json:"providerId"`
	ServiceID  string     `json:"serviceId"`
	Location   [2]float64 `json:"location"`
}

// forwardedRequest is what the target provider receives.
type forwardedRequest struct {
	SessionID    string             `json:"sessionId"`
	CustomerID   string             `json:"customerId"`
	CustomerName string             `json:"customerName"`
	ServiceID    string             `json:"serviceId"`
	Location     [2]float64         `json:"location"`
	Quote        *models.PriceQuote `json:"quote,omitempty"`
}

type serviceResponsePayload struct {
	CustomerID string `json:"customerId"`
	Accepted   bool   `json:"accepted"`
}

type serviceResponseOut struct {
	ProviderID string `json:"providerId"`
	Accepted   bool   `json:"accepted"`
}

type messagePayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type quoteRequestPayload struct {
	ProviderID string     `json:"providerId"`
	ServiceID  string     `json:"serviceId"`
	Location   [2]float64 `json:"location"`
}

type quoteResult struct {
	models.PriceQuote
	EtaSeconds float64 `json:"etaSeconds"`
	Arrived    bool    `json:"arrived"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type nearbyCandidate struct {
	ProviderID  string     `json:"providerId"`
	DistanceKm  float64    `json:"distanceKm"`
	Rating      float64    `json:"rating"`
	Coordinates [2]float64 `json:"coordinates"`
}

// activeProvidersPayload mirrors the broadcast shape clients already
// consume: a sequence of [providerId, {coordinates: [lat, lng]}] pairs.
func activeProvidersPayload(entries []models.ProviderPresence) [][]any {
	out := make([][]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, []any{
			e.ProviderID,
			map[string]any{"coordinates": [2]float64{e.Loc.Lat, e.Loc.Lng}},
		})
	}
	return out
}

// errorChannel maps an inbound event to the channel its failures are
// reported on. message:send predates the convention and keeps its name.
func errorChannel(event string) string {
	if event == evMessageSend {
		return "message:error"
	}
	return event + ":error"
}
