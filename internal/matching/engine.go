// Package matching turns a customer's service request into a ranked list
// of nearby available providers. Read-only: it never mutates the stores it
// queries.
package matching

import (
	"context"
	"sort"

	"github.com/example/provider-matching/internal/models"
)

// Locations is the slice of the location store the engine needs.
type Locations interface {
	FindWithin(ctx context.Context, center models.Coord, radiusKm float64, serviceID string) ([]models.Candidate, error)
}

// Ratings supplies provider ratings for tie-breaking. Backed by the
// external profile collaborator; lookups are best effort.
type Ratings interface {
	Rating(ctx context.Context, providerID string) (float64, error)
}

const DefaultRadiusKm = 10.0

type Engine struct {
	Locations Locations
	Ratings   Ratings
	RadiusKm  float64
}

// Match ranks candidates for the request: ascending distance, ties broken
// by higher rating and then by provider id so equal inputs always produce
// the same order. An empty result is not an error; the caller decides how
// to present "no providers nearby".
func (e *Engine) Match(ctx context.Context, req models.ServiceRequest) ([]models.Candidate, error) {
	radius := e.RadiusKm
	if radius <= 0 {
		radius = DefaultRadiusKm
	}
	cands, err := e.Locations.FindWithin(ctx, req.Loc, radius, req.ServiceID)
	if err != nil {
		return nil, err
	}
	if e.Ratings != nil {
		for i := range cands {
			if r, err := e.Ratings.Rating(ctx, cands[i].ProviderID); err == nil {
				cands[i].Rating = r
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.ProviderID < b.ProviderID
	})
	return cands, nil
}
