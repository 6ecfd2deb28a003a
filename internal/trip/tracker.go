// Package trip owns the post-acceptance state machine and the live location
// relay that follows a matched ride to completion.
package trip

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-negotiation/internal/eta"
	"github.com/example/ride-negotiation/internal/fanout"
	"github.com/example/ride-negotiation/internal/faults"
	"github.com/example/ride-negotiation/internal/locks"
	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
	"github.com/example/ride-negotiation/internal/storage"
)

// Settlement is the payment hook invoked around a trip's lifetime. Calls are
// best-effort: failures are logged and never block a status transition,
// settlement being an external concern.
type Settlement interface {
	Hold(ctx context.Context, t models.Trip) error
	Capture(ctx context.Context, t models.Trip) error
	Release(ctx context.Context, t models.Trip) error
}

type Tracker struct {
	store  storage.Store
	pub    fanout.Publisher
	log    *slog.Logger
	settle Settlement // optional
	locks  *locks.KeyedMutex

	// ETA fallback for location updates that do not carry one.
	ETAClient eta.Client
	ETACache  *eta.Cache
	SpeedMps  float64

	mu      sync.Mutex
	lastLoc map[string]models.TripLocation
	now     func() time.Time
}

func NewTracker(store storage.Store, pub fanout.Publisher, log *slog.Logger, settle Settlement) *Tracker {
	return &Tracker{
		store:   store,
		pub:     pub,
		log:     log,
		settle:  settle,
		locks:   locks.NewKeyedMutex(),
		lastLoc: make(map[string]models.TripLocation),
		now:     time.Now,
	}
}

// Begin creates the trip for an accepted ride. Called by the haggling
// protocol under the ride lock, so it never races acceptance.
func (tr *Tracker) Begin(ctx context.Context, r models.RideRequest) (models.Trip, error) {
	now := tr.now()
	t := models.Trip{
		ID:            uuid.NewString(),
		RideRequestID: r.ID,
		RequesterID:   r.RequesterID,
		ProviderID:    r.AcceptedProviderID,
		FinalFare:     r.FinalAgreedFare,
		Status:        models.TripAccepted,
		Progress:      models.TripAccepted.Progress(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tr.store.SaveTrip(t); err != nil {
		return models.Trip{}, err
	}
	if tr.settle != nil {
		if err := tr.settle.Hold(ctx, t); err != nil {
			tr.log.Error("fare hold failed", "trip_id", t.ID, "error", err)
		}
	}
	tr.log.Info("trip created", "trip_id", t.ID, "ride_id", r.ID, "provider_id", t.ProviderID, "fare", t.FinalFare)
	return t, nil
}

// Get returns a trip to one of its parties.
func (tr *Tracker) Get(ctx context.Context, tripID, callerID string) (models.Trip, error) {
	t, err := tr.load(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if callerID != t.RequesterID && callerID != t.ProviderID {
		return models.Trip{}, faults.New(faults.KindAuthorization, "not a party to this trip")
	}
	return t, nil
}

// UpdateStatus advances the trip exactly one step forward (or cancels it)
// and fans the change out to the trip channel and both parties.
func (tr *Tracker) UpdateStatus(ctx context.Context, tripID string, next models.TripStatus, actorID string) (models.Trip, error) {
	var updated models.Trip
	err := tr.locks.With(tripID, func() error {
		t, err := tr.load(tripID)
		if err != nil {
			return err
		}
		if actorID != t.RequesterID && actorID != t.ProviderID {
			return faults.New(faults.KindAuthorization, "not a party to this trip")
		}
		if !t.Status.CanTransition(next) {
			return faults.Newf(faults.KindConflict, "cannot move trip from %s to %s", t.Status, next)
		}
		now := tr.now()
		t.Status = next
		t.Progress = next.Progress()
		t.UpdatedAt = now
		switch next {
		case models.TripInTransit:
			t.StartTime = now
		case models.TripCompleted, models.TripCancelled:
			t.EndTime = now
			if !t.StartTime.IsZero() {
				t.ActualDurationMin = int(math.Round(now.Sub(t.StartTime).Minutes()))
			}
		}
		if err := tr.store.UpdateTrip(t); err != nil {
			return faults.Wrap(faults.KindInternal, "update trip", err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}

	payload := map[string]any{
		"trip_id":   updated.ID,
		"status":    updated.Status,
		"progress":  updated.Progress,
		"timestamp": updated.UpdatedAt,
	}
	tr.pub.Publish(fanout.TripChannel(updated.ID), "trip_status_update", payload)
	tr.pub.Publish(fanout.UserChannel(updated.RequesterID), "trip_status_update", payload)
	tr.pub.Publish(fanout.UserChannel(updated.ProviderID), "trip_status_update", payload)

	switch updated.Status {
	case models.TripCompleted:
		observability.TripsCompleted.Inc()
		if tr.settle != nil {
			if err := tr.settle.Capture(ctx, updated); err != nil {
				tr.log.Error("fare capture failed", "trip_id", updated.ID, "error", err)
			}
		}
		tr.cleanup(updated.ID)
	case models.TripCancelled:
		if tr.settle != nil {
			if err := tr.settle.Release(ctx, updated); err != nil {
				tr.log.Error("fare release failed", "trip_id", updated.ID, "error", err)
			}
		}
		tr.cleanup(updated.ID)
	}

	tr.log.Info("trip status updated", "trip_id", updated.ID, "status", updated.Status, "progress", updated.Progress)
	return updated, nil
}

// UpdateLocation relays a provider position report on the trip channel.
// Reports must carry non-decreasing timestamps per trip; anything older than
// the last accepted report is dropped as a stale redelivery.
func (tr *Tracker) UpdateLocation(ctx context.Context, tripID, providerID string, loc models.Point, etaMinutes int, ts time.Time) error {
	t, err := tr.load(tripID)
	if err != nil {
		return err
	}
	if providerID != t.ProviderID {
		return faults.New(faults.KindAuthorization, "only the trip's provider reports location")
	}
	if t.Status == models.TripCompleted || t.Status == models.TripCancelled {
		return faults.Newf(faults.KindConflict, "trip is %s", t.Status)
	}
	if ts.IsZero() {
		ts = tr.now()
	}

	tr.mu.Lock()
	if last, ok := tr.lastLoc[tripID]; ok && ts.Before(last.Timestamp) {
		tr.mu.Unlock()
		observability.StaleLocations.Inc()
		return nil
	}
	if etaMinutes <= 0 {
		etaMinutes = tr.estimateETA(t, loc)
	}
	report := models.TripLocation{
		TripID:     tripID,
		ProviderID: providerID,
		Loc:        loc,
		ETAMinutes: etaMinutes,
		Timestamp:  ts,
	}
	tr.lastLoc[tripID] = report
	tr.mu.Unlock()

	tr.pub.Publish(fanout.TripChannel(tripID), "location_update", report)
	tr.pub.Publish(fanout.UserChannel(t.RequesterID), "location_update", report)
	return nil
}

// LastLocation serves pull-based reconciliation after a missed push.
func (tr *Tracker) LastLocation(ctx context.Context, tripID, callerID string) (models.TripLocation, error) {
	t, err := tr.load(tripID)
	if err != nil {
		return models.TripLocation{}, err
	}
	if callerID != t.RequesterID && callerID != t.ProviderID {
		return models.TripLocation{}, faults.New(faults.KindAuthorization, "not a party to this trip")
	}
	tr.mu.Lock()
	report, ok := tr.lastLoc[tripID]
	tr.mu.Unlock()
	if !ok {
		return models.TripLocation{}, faults.New(faults.KindNotFound, "no location reported yet")
	}
	return report, nil
}

// History lists a user's trips, newest first.
func (tr *Tracker) History(ctx context.Context, userID string, limit, offset int) ([]models.Trip, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	trips, err := tr.store.TripsByUser(userID, limit, offset)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "list trips", err)
	}
	return trips, nil
}

// estimateETA fills in a missing ETA: towards the pickup until the rider is
// aboard, towards the destination after.
func (tr *Tracker) estimateETA(t models.Trip, from models.Point) int {
	r, err := tr.store.GetRide(t.RideRequestID)
	if err != nil {
		return 0
	}
	target := r.Pickup.Point
	if t.Status == models.TripInTransit || t.Status == models.TripArrived {
		target = r.Destination.Point
	}
	var seconds float64
	if tr.ETACache != nil {
		if v, ok := tr.ETACache.Get(from, target); ok {
			seconds = v
		}
	}
	if seconds == 0 && tr.ETAClient != nil {
		if v, err := tr.ETAClient.EstimateSeconds(from, target); err == nil {
			seconds = v
			if tr.ETACache != nil {
				tr.ETACache.Set(from, target, v)
			}
		}
	}
	if seconds == 0 {
		seconds = eta.EstimateSeconds(from, target, tr.SpeedMps)
	}
	return int(math.Round(seconds / 60))
}

func (tr *Tracker) cleanup(tripID string) {
	tr.mu.Lock()
	delete(tr.lastLoc, tripID)
	tr.mu.Unlock()
}

func (tr *Tracker) load(tripID string) (models.Trip, error) {
	t, err := tr.store.GetTrip(tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Trip{}, faults.New(faults.KindNotFound, "trip not found")
	}
	if err != nil {
		return models.Trip{}, faults.Wrap(faults.KindInternal, "load trip", err)
	}
	return t, nil
}
