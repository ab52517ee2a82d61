package storage

import (
	"sort"
	"sync"

	"github.com/example/ambulance-dispatch/internal/models"
)

// MemoryStore keeps all records behind a single RWMutex. Mutations land as
// value copies, so a batch handed to Apply becomes visible to readers in one
// step.
type MemoryStore struct {
	mu         sync.RWMutex
	ambulances map[string]models.Ambulance
	trips      map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ambulances: make(map[string]models.Ambulance),
		trips:      make(map[string]models.Trip),
	}
}

func (m *MemoryStore) PutAmbulance(a *models.Ambulance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ambulances[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetAmbulance(id string) (*models.Ambulance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.ambulances[id]
	if !ok {
		return nil, nil
	}
	cp := a
	return &cp, nil
}

func (m *MemoryStore) ListAmbulances(providerID string) ([]models.Ambulance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ambulance, 0, len(m.ambulances))
	for _, a := range m.ambulances {
		if providerID != "" && a.ProviderID != providerID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PutTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTrip(id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, nil
	}
	cp := t
	return &cp, nil
}

func (m *MemoryStore) ListTrips(f TripFilter) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0, len(m.trips))
	for _, t := range m.trips {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ProviderID != "" && t.ProviderID != f.ProviderID {
			continue
		}
		if f.RequesterID != "" && t.RequesterID != f.RequesterID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestTime.Before(out[j].RequestTime) })
	return out, nil
}

func (m *MemoryStore) ActiveTripsForAmbulance(ambulanceID string) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.AmbulanceID == ambulanceID && !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Apply(ambulances []*models.Ambulance, trips []*models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range ambulances {
		m.ambulances[a.ID] = *a
	}
	for _, t := range trips {
		m.trips[t.ID] = *t
	}
	return nil
}
