package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "provider_matching", Name: "connections_active", Help: "Currently connected principals"})
	PairingsActive    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "provider_matching", Name: "pairings_active", Help: "Live pairing sessions"})
	MatchesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "provider_matching", Name: "matches_total", Help: "Match queries answered"})
	QuotesTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "provider_matching", Name: "quotes_total", Help: "Price quotes computed"})
	RelaysTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "provider_matching", Name: "relays_total", Help: "Location and message frames relayed between paired parties"})

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "provider_matching", Name: "events_total", Help: "Inbound socket events by name and outcome"},
		[]string{"event", "outcome"},
	)
)
