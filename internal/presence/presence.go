// Package presence tracks each online provider's last known location and
// availability, and answers radius queries for candidate discovery.
package presence

import (
	"sync"
	"time"

	"github.com/example/ride-negotiation/internal/geo"
	"github.com/example/ride-negotiation/internal/models"
)

// Registry is the minimal surface required by the lifecycle manager and the
// realtime gateway. Updates are best-effort, last-write-wins.
type Registry interface {
	Upsert(p models.Presence)
	SetOnline(providerID string)
	SetOffline(providerID string)
	Remove(providerID string)
	Get(providerID string) (models.Presence, bool)
	// Nearby returns online, approved providers within radiusMeters of at,
	// ordered ascending by distance and truncated to limit.
	Nearby(at models.Point, radiusMeters float64, limit int) []models.Presence
}

// Index is the in-process implementation: a mutex-guarded map with a linear
// scan. Fine for a single node; the Redis registry covers everything else.
type Index struct {
	mu        sync.RWMutex
	providers map[string]models.Presence

	// MaxAge, when > 0, excludes entries older than it from Nearby.
	MaxAge time.Duration
}

func NewIndex() *Index {
	return &Index{providers: make(map[string]models.Presence)}
}

func (x *Index) Upsert(p models.Presence) {
	x.mu.Lock()
	defer x.mu.Unlock()
	p.Updated = time.Now()
	if prev, ok := x.providers[p.ProviderID]; ok {
		// location updates do not reset availability flags
		if !p.Online {
			p.Online = prev.Online
		}
		if !p.Approved {
			p.Approved = prev.Approved
		}
	}
	x.providers[p.ProviderID] = p
}

func (x *Index) SetOnline(providerID string)  { x.setOnline(providerID, true) }
func (x *Index) SetOffline(providerID string) { x.setOnline(providerID, false) }

func (x *Index) setOnline(providerID string, online bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	p, ok := x.providers[providerID]
	if !ok {
		p = models.Presence{ProviderID: providerID}
	}
	p.Online = online
	p.Updated = time.Now()
	x.providers[providerID] = p
}

func (x *Index) Remove(providerID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.providers, providerID)
}

func (x *Index) Get(providerID string) (models.Presence, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.providers[providerID]
	return p, ok
}

func (x *Index) Nearby(at models.Point, radiusMeters float64, limit int) []models.Presence {
	x.mu.RLock()
	defer x.mu.RUnlock()
	type pair struct {
		p    models.Presence
		dist float64
	}
	arr := make([]pair, 0, len(x.providers))
	now := time.Now()
	for _, p := range x.providers {
		if !p.Online || !p.Approved {
			continue
		}
		if x.MaxAge > 0 && now.Sub(p.Updated) > x.MaxAge {
			continue
		}
		dist := geo.DistanceMeters(at, p.Loc)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Presence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out
}
