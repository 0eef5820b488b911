// Package locations tracks the latest reported position and availability
// of every provider accepting work. It is the read model for matching.
package locations

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/provider-matching/internal/geomath"
	"github.com/example/provider-matching/internal/models"
)

// Catalog answers which services a provider offers. Owned by the external
// catalog collaborator; the store only consults it.
type Catalog interface {
	OffersService(ctx context.Context, providerID, serviceID string) (bool, error)
}

// Store is the provider location index used by matching and the gateway.
type Store interface {
	// Upsert records a fresh position and marks the provider available.
	Upsert(ctx context.Context, providerID string, loc models.Coord) error
	// SetAvailability flags the provider in or out of match consideration.
	// The entry is retained either way; only disconnect removes it.
	SetAvailability(ctx context.Context, providerID string, available bool) error
	Remove(ctx context.Context, providerID string) error
	// Get returns the provider's entry whether or not it is currently
	// visible to matching.
	Get(ctx context.Context, providerID string) (models.ProviderPresence, error)
	// FindWithin returns available, non-stale providers inside radiusKm of
	// center, ascending by distance. serviceID == "" skips the catalog
	// filter.
	FindWithin(ctx context.Context, center models.Coord, radiusKm float64, serviceID string) ([]models.Candidate, error)
	// Snapshot lists the providers currently visible to customers.
	Snapshot(ctx context.Context) ([]models.ProviderPresence, error)
}

// MemoryStore is the default single-process implementation: a mutex-guarded
// map with a linear proximity scan, fine at the scale of one city's
// providers.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]models.ProviderPresence
	staleAfter time.Duration
	catalog    Catalog
	now        func() time.Time
}

// NewMemoryStore builds a store that distrusts locations older than
// staleAfter (0 disables the staleness filter). catalog may be nil.
func NewMemoryStore(staleAfter time.Duration, catalog Catalog) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]models.ProviderPresence),
		staleAfter: staleAfter,
		catalog:    catalog,
		now:        time.Now,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, providerID string, loc models.Coord) error {
	if !geomath.ValidCoord(loc) {
		return models.ErrInvalidCoordinates
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[providerID] = models.ProviderPresence{
		ProviderID: providerID,
		Loc:        loc,
		Available:  true,
		Updated:    s.now(),
	}
	return nil
}

func (s *MemoryStore) SetAvailability(_ context.Context, providerID string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[providerID]
	if !ok {
		return models.ErrNotFound
	}
	e.Available = available
	s.entries[providerID] = e
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, providerID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, providerID string) (models.ProviderPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[providerID]
	if !ok {
		return models.ProviderPresence{}, models.ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) FindWithin(ctx context.Context, center models.Coord, radiusKm float64, serviceID string) ([]models.Candidate, error) {
	if !geomath.ValidCoord(center) {
		return nil, models.ErrInvalidCoordinates
	}
	visible := s.visible()

	out := make([]models.Candidate, 0, len(visible))
	for _, e := range visible {
		dist := geomath.HaversineKm(center, e.Loc)
		if dist > radiusKm {
			continue
		}
		if serviceID != "" && s.catalog != nil {
			offers, err := s.catalog.OffersService(ctx, e.ProviderID, serviceID)
			if err != nil || !offers {
				continue
			}
		}
		out = append(out, models.Candidate{ProviderID: e.ProviderID, Loc: e.Loc, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) ([]models.ProviderPresence, error) {
	entries := s.visible()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ProviderID < entries[j].ProviderID })
	return entries, nil
}

// visible copies out the available, non-stale entries so scans read a
// consistent snapshot without holding the lock during catalog calls.
func (s *MemoryStore) visible() []models.ProviderPresence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Time{}
	if s.staleAfter > 0 {
		cutoff = s.now().Add(-s.staleAfter)
	}
	out := make([]models.ProviderPresence, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Available {
			continue
		}
		if !cutoff.IsZero() && e.Updated.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}
