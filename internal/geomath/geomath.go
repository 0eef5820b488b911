// Package geomath contains the pure geographic and pricing calculations:
// great-circle distance, linear travel-time estimates, and the progressive
// distance-surcharge price model. Everything here is deterministic.
package geomath

import (
	"fmt"
	"math"
	"time"

	"github.com/example/provider-matching/internal/models"
)

const (
	earthRadiusKm = 6371.0

	// DefaultSpeedKmh is the average travel speed assumed by TravelTime.
	DefaultSpeedKmh = 30.0

	// ArrivalThresholdKm is the distance below which the provider is
	// reported as arrived rather than given a travel estimate.
	ArrivalThresholdKm = 0.1

	// DefaultRatePerKm and DefaultServiceFeePct are the standard pricing
	// knobs; Quote accepts overrides for both.
	DefaultRatePerKm     = 2.5
	DefaultServiceFeePct = 5.0

	freeRadiusKm    = 3.0
	premiumCutoffKm = 10.0
	premiumFactor   = 1.5
)

// HaversineKm returns the great-circle distance between a and b in
// kilometers. Symmetric, and zero when a == b.
func HaversineKm(a, b models.Coord) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180.0 }

// ValidCoord reports whether c is a finite point on the globe.
func ValidCoord(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// TravelTime estimates how long covering distanceKm takes at speedKmh
// using a plain linear model. speedKmh <= 0 falls back to DefaultSpeedKmh.
func TravelTime(distanceKm, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	hours := distanceKm / speedKmh
	return time.Duration(hours * float64(time.Hour))
}

// Arrived reports whether the parties are close enough to stop estimating.
func Arrived(distanceKm float64) bool {
	return distanceKm < ArrivalThresholdKm
}

// Quote computes the price breakdown for a job at the customer's location
// served by a provider at theirs. The surcharge is progressive: the first
// 3 km are free, 3-10 km bill at ratePerKm, and everything past 10 km at
// 1.5x ratePerKm. ratePerKm/serviceFeePct <= 0 use the defaults.
//
// The distance is rounded to one decimal before banding, and all monetary
// amounts to two, so equal inputs always yield an identical quote.
func Quote(basePrice float64, customer, provider models.Coord, ratePerKm, serviceFeePct float64) (models.PriceQuote, error) {
	if !ValidCoord(customer) {
		return models.PriceQuote{}, fmt.Errorf("customer %v: %w", customer, models.ErrInvalidCoordinates)
	}
	if !ValidCoord(provider) {
		return models.PriceQuote{}, fmt.Errorf("provider %v: %w", provider, models.ErrInvalidCoordinates)
	}
	if ratePerKm <= 0 {
		ratePerKm = DefaultRatePerKm
	}
	if serviceFeePct <= 0 {
		serviceFeePct = DefaultServiceFeePct
	}

	distanceKm := round1(HaversineKm(customer, provider))

	var surcharge float64
	if distanceKm > freeRadiusKm {
		surcharge = (math.Min(distanceKm, premiumCutoffKm) - freeRadiusKm) * ratePerKm
		if distanceKm > premiumCutoffKm {
			surcharge += (distanceKm - premiumCutoffKm) * ratePerKm * premiumFactor
		}
	}
	surcharge = round2(surcharge)

	fee := round2(basePrice * serviceFeePct / 100)

	return models.PriceQuote{
		BasePrice:         basePrice,
		DistanceKm:        distanceKm,
		DistanceSurcharge: surcharge,
		ServiceFee:        fee,
		Total:             round2(basePrice + surcharge + fee),
	}, nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
