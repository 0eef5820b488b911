// Package directory adapts the external profile/catalog service: display
// names, offered services, ratings, and base prices. This process only
// reads; ownership of the data stays with the marketplace's CRUD side.
package directory

import (
	"context"
	"sync"

	"github.com/example/provider-matching/internal/models"
)

type Directory interface {
	// Name returns the display name attached to forwarded requests and
	// chat messages.
	Name(ctx context.Context, principalID string) (string, error)
	OffersService(ctx context.Context, providerID, serviceID string) (bool, error)
	Rating(ctx context.Context, providerID string) (float64, error)
	// ServiceBasePrice is the catalog price the quote engine starts from.
	ServiceBasePrice(ctx context.Context, serviceID string) (float64, error)
}

// Memory is the in-process implementation used in tests and local runs.
type Memory struct {
	mu       sync.RWMutex
	names    map[string]string
	services map[string]map[string]bool // providerID -> serviceID set
	ratings  map[string]float64
	prices   map[string]float64
}

func NewMemory() *Memory {
	return &Memory{
		names:    make(map[string]string),
		services: make(map[string]map[string]bool),
		ratings:  make(map[string]float64),
		prices:   make(map[string]float64),
	}
}

func (m *Memory) AddPrincipal(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[id] = name
}

func (m *Memory) AddProvider(id, name string, rating float64, serviceIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[id] = name
	m.ratings[id] = rating
	set := make(map[string]bool, len(serviceIDs))
	for _, s := range serviceIDs {
		set[s] = true
	}
	m.services[id] = set
}

func (m *Memory) AddService(serviceID string, basePrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[serviceID] = basePrice
}

func (m *Memory) Name(_ context.Context, principalID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.names[principalID]
	if !ok {
		return "", models.ErrNotFound
	}
	return name, nil
}

func (m *Memory) OffersService(_ context.Context, providerID, serviceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.services[providerID][serviceID], nil
}

func (m *Memory) Rating(_ context.Context, providerID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ratings[providerID], nil
}

func (m *Memory) ServiceBasePrice(_ context.Context, serviceID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[serviceID]
	if !ok {
		return 0, models.ErrNotFound
	}
	return price, nil
}
