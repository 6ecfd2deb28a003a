package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-negotiation/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store defines persistence for rides, offers and trips. Implementations
// must be safe for concurrent use; the negotiation services layer their own
// per-ride locking on top for multi-record invariants.
type Store interface {
	SaveRide(r models.RideRequest) error
	GetRide(id string) (models.RideRequest, error)
	UpdateRide(r models.RideRequest) error
	// RidesInStatus returns rides currently in any of the given states.
	RidesInStatus(statuses ...models.RideStatus) ([]models.RideRequest, error)

	SaveOffer(o models.HagglingOffer) error
	UpdateOffer(o models.HagglingOffer) error
	GetOffer(id string) (models.HagglingOffer, error)
	// OfferByPair returns the single offer for a (ride, provider) pair.
	OfferByPair(rideID, providerID string) (models.HagglingOffer, error)
	OffersByRide(rideID string) ([]models.HagglingOffer, error)

	SaveTrip(t models.Trip) error
	GetTrip(id string) (models.Trip, error)
	UpdateTrip(t models.Trip) error
	// TripsByUser returns trips where the user is requester or provider,
	// newest first.
	TripsByUser(userID string, limit, offset int) ([]models.Trip, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]models.RideRequest
	offers map[string]models.HagglingOffer
	trips  map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[string]models.RideRequest),
		offers: make(map[string]models.HagglingOffer),
		trips:  make(map[string]models.Trip),
	}
}

func (m *MemoryStore) SaveRide(r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(id string) (models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.RideRequest{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) UpdateRide(r models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) RidesInStatus(statuses ...models.RideStatus) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RideRequest
	for _, r := range m.rides {
		for _, s := range statuses {
			if r.Status == s {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveOffer(o models.HagglingOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o
	return nil
}

func (m *MemoryStore) UpdateOffer(o models.HagglingOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; !ok {
		return ErrNotFound
	}
	m.offers[o.ID] = o
	return nil
}

func (m *MemoryStore) GetOffer(id string) (models.HagglingOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.HagglingOffer{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) OfferByPair(rideID, providerID string) (models.HagglingOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.offers {
		if o.RideRequestID == rideID && o.ProviderID == providerID {
			return o, nil
		}
	}
	return models.HagglingOffer{}, ErrNotFound
}

func (m *MemoryStore) OffersByRide(rideID string) ([]models.HagglingOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.HagglingOffer
	for _, o := range m.offers {
		if o.RideRequestID == rideID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveTrip(t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTrip(id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) UpdateTrip(t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return ErrNotFound
	}
	m.trips[t.ID] = t
	return nil
}

func (m *MemoryStore) TripsByUser(userID string, limit, offset int) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.RequesterID == userID || t.ProviderID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
