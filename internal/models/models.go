package models

import "time"

// Role distinguishes the two sides of the marketplace.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// Principal is an authenticated actor. The auth collaborator issues the
// id/role pair; nothing in this process creates or stores credentials.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ProviderPresence is the latest known position and availability of a
// connected provider. An entry existing at all means the provider accepts
// matching consideration; Available=false keeps the entry but removes it
// from match results.
type ProviderPresence struct {
	ProviderID string    `json:"provider_id"`
	Loc        Coord     `json:"loc"`
	Available  bool      `json:"available"`
	Updated    time.Time `json:"updated"`
}

// ServiceRequest is a customer's outstanding ask. At most one per customer;
// a newer request supersedes the old one.
type ServiceRequest struct {
	CustomerID string    `json:"customer_id"`
	ServiceID  string    `json:"service_id"`
	Loc        Coord     `json:"loc"`
	CreatedAt  time.Time `json:"created_at"`
}

// Candidate is one ranked match result.
type Candidate struct {
	ProviderID string  `json:"provider_id"`
	Loc        Coord   `json:"loc"`
	DistanceKm float64 `json:"distance_km"`
	Rating     float64 `json:"rating"`
}

// SessionStatus is the pairing lifecycle state.
type SessionStatus string

const (
	SessionRequested SessionStatus = "requested"
	SessionAccepted  SessionStatus = "accepted"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// validTransitions is the pairing state machine. Terminal states have no
// outgoing edges; cancel is reachable from every live state.
var validTransitions = map[SessionStatus][]SessionStatus{
	SessionRequested: {SessionAccepted, SessionCancelled},
	SessionAccepted:  {SessionActive, SessionCancelled},
	SessionActive:    {SessionCompleted, SessionCancelled},
}

// CanTransitionTo reports whether moving from s to next is a legal step.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PriceQuote is the derived price breakdown for one customer/provider pair.
// Monetary fields are rounded to 2 decimal places, DistanceKm to 1.
type PriceQuote struct {
	BasePrice         float64 `json:"base_price"`
	DistanceKm        float64 `json:"distance_km"`
	DistanceSurcharge float64 `json:"distance_surcharge"`
	ServiceFee        float64 `json:"service_fee"`
	Total             float64 `json:"total"`
}
