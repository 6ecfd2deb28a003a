// Package haggle runs the multi-round fare negotiation between a requester
// and the providers bidding on one ride request, and enforces single-winner
// acceptance.
package haggle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-negotiation/internal/fanout"
	"github.com/example/ride-negotiation/internal/faults"
	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
	"github.com/example/ride-negotiation/internal/storage"
)

// Actor identifies which side of the negotiation is speaking.
type Actor string

const (
	ActorRequester Actor = "requester"
	ActorProvider  Actor = "provider"
)

// Lifecycle is the slice of the ride lifecycle manager the protocol needs:
// the shared per-ride lock that makes acceptance the single linearization
// point of the engine.
type Lifecycle interface {
	WithLock(rideID string, fn func() error) error
}

// TripStarter turns an accepted ride into a live trip.
type TripStarter interface {
	Begin(ctx context.Context, r models.RideRequest) (models.Trip, error)
}

type Service struct {
	store     storage.Store
	lifecycle Lifecycle
	trips     TripStarter
	pub       fanout.Publisher
	log       *slog.Logger
	maxRounds int

	now func() time.Time
}

func NewService(store storage.Store, lc Lifecycle, trips TripStarter, pub fanout.Publisher, log *slog.Logger, maxRounds int) *Service {
	if maxRounds <= 0 {
		maxRounds = 10
	}
	return &Service{
		store:     store,
		lifecycle: lc,
		trips:     trips,
		pub:       pub,
		log:       log,
		maxRounds: maxRounds,
		now:       time.Now,
	}
}

// SubmitOffer opens (or re-opens) a provider's negotiation thread on a ride.
// The first offer on a pending ride moves it to haggling.
func (s *Service) SubmitOffer(ctx context.Context, rideID, providerID string, fare float64) (models.HagglingOffer, error) {
	if fare < 1 {
		return models.HagglingOffer{}, faults.New(faults.KindValidation, "fare offer must be at least 1")
	}
	var offer models.HagglingOffer
	var requesterID string
	err := s.lifecycle.WithLock(rideID, func() error {
		r, err := s.liveRide(rideID)
		if err != nil {
			return err
		}
		requesterID = r.RequesterID

		existing, err := s.store.OfferByPair(rideID, providerID)
		switch {
		case err == nil && !existing.Status.Terminal():
			if existing.OfferRound >= s.maxRounds {
				return faults.Newf(faults.KindConflict, "negotiation round limit (%d) reached", s.maxRounds)
			}
			existing.ProviderFareOffer = fare
			existing.OfferRound++
			existing.Status = models.OfferProposed
			if err := s.store.UpdateOffer(existing); err != nil {
				return faults.Wrap(faults.KindInternal, "update offer", err)
			}
			offer = existing
		case err == nil:
			return faults.Newf(faults.KindConflict, "offer already %s", existing.Status)
		case errors.Is(err, storage.ErrNotFound):
			offer = models.HagglingOffer{
				ID:                uuid.NewString(),
				RideRequestID:     rideID,
				ProviderID:        providerID,
				ProviderFareOffer: fare,
				OfferRound:        1,
				Status:            models.OfferProposed,
				ExpiresAt:         r.ExpiresAt,
				CreatedAt:         s.now(),
			}
			if err := s.store.SaveOffer(offer); err != nil {
				return faults.Wrap(faults.KindInternal, "save offer", err)
			}
		default:
			return faults.Wrap(faults.KindInternal, "load offer", err)
		}

		if r.Status == models.RidePending {
			r.Status = models.RideHaggling
			r.UpdatedAt = s.now()
			if err := s.store.UpdateRide(r); err != nil {
				return faults.Wrap(faults.KindInternal, "update ride", err)
			}
		}
		return nil
	})
	if err != nil {
		return models.HagglingOffer{}, err
	}

	s.pub.Publish(fanout.UserChannel(requesterID), "driver_offer", offer)
	observability.OffersSubmitted.Inc()
	s.log.Info("offer submitted", "ride_id", rideID, "provider_id", providerID, "fare", fare, "round", offer.OfferRound)
	return offer, nil
}

// CounterOffer records one side's counter against the pair's open offer,
// bumps the round and notifies the other party. The actor is derived from
// the caller: the ride's requester counters on one side, the offer's
// provider on the other; anyone else is rejected.
func (s *Service) CounterOffer(ctx context.Context, rideID, providerID, actorID string, newFare float64) (models.HagglingOffer, error) {
	if newFare < 1 {
		return models.HagglingOffer{}, faults.New(faults.KindValidation, "counter fare must be at least 1")
	}
	var offer models.HagglingOffer
	var requesterID string
	var actor Actor
	err := s.lifecycle.WithLock(rideID, func() error {
		r, err := s.liveRide(rideID)
		if err != nil {
			return err
		}
		requesterID = r.RequesterID
		switch actorID {
		case r.RequesterID:
			actor = ActorRequester
		case providerID:
			actor = ActorProvider
		default:
			return faults.New(faults.KindAuthorization, "not a party to this negotiation")
		}

		o, err := s.store.OfferByPair(rideID, providerID)
		if errors.Is(err, storage.ErrNotFound) {
			return faults.New(faults.KindNotFound, "no offer for this provider on the ride")
		}
		if err != nil {
			return faults.Wrap(faults.KindInternal, "load offer", err)
		}
		if o.Status.Terminal() {
			return faults.Newf(faults.KindConflict, "offer already %s", o.Status)
		}
		if o.OfferRound >= s.maxRounds {
			return faults.Newf(faults.KindConflict, "negotiation round limit (%d) reached", s.maxRounds)
		}
		if actor == ActorRequester {
			o.RequesterCounterOffer = newFare
		} else {
			o.ProviderCounterOffer = newFare
		}
		o.OfferRound++
		o.Status = models.OfferCountered
		if err := s.store.UpdateOffer(o); err != nil {
			return faults.Wrap(faults.KindInternal, "update offer", err)
		}
		offer = o
		return nil
	})
	if err != nil {
		return models.HagglingOffer{}, err
	}

	// the counter goes to whoever did not make it
	target := requesterID
	if actor == ActorRequester {
		target = providerID
	}
	s.pub.Publish(fanout.UserChannel(target), "counter_offer_response", offer)
	s.log.Info("counter offer", "ride_id", rideID, "provider_id", providerID, "actor", actor, "fare", newFare, "round", offer.OfferRound)
	return offer, nil
}

// AcceptOffer is the single linearization point of the engine. Under the
// per-ride lock exactly one acceptance succeeds: the winning offer is
// accepted, every sibling is rejected, the ride is finalized and a trip is
// created. Losers observe ConflictError.
func (s *Service) AcceptOffer(ctx context.Context, rideID, providerID string, finalFare float64, actorID string) (models.Trip, error) {
	var trip models.Trip
	var ride models.RideRequest
	err := s.lifecycle.WithLock(rideID, func() error {
		r, err := s.liveRide(rideID)
		if err != nil {
			return err
		}
		if actorID != r.RequesterID && actorID != providerID {
			return faults.New(faults.KindAuthorization, "not a party to this negotiation")
		}

		winner, err := s.store.OfferByPair(rideID, providerID)
		if errors.Is(err, storage.ErrNotFound) {
			return faults.New(faults.KindNotFound, "no offer for this provider on the ride")
		}
		if err != nil {
			return faults.Wrap(faults.KindInternal, "load offer", err)
		}
		if winner.Status.Terminal() {
			return faults.Newf(faults.KindConflict, "offer already %s", winner.Status)
		}
		if finalFare <= 0 {
			finalFare = latestFare(winner)
		}

		// The trip is created before any terminal state is persisted.
		// If it cannot be, the ride stays negotiable and the accept can
		// be retried; a finalized ride with no trip would be stuck.
		r.Status = models.RideAccepted
		r.AcceptedProviderID = providerID
		r.FinalAgreedFare = finalFare
		r.UpdatedAt = s.now()
		t, err := s.trips.Begin(ctx, r)
		if err != nil {
			return faults.Wrap(faults.KindInternal, "create trip", err)
		}

		winner.Status = models.OfferAccepted
		if err := s.store.UpdateOffer(winner); err != nil {
			return faults.Wrap(faults.KindInternal, "update offer", err)
		}
		siblings, err := s.store.OffersByRide(rideID)
		if err != nil {
			return faults.Wrap(faults.KindInternal, "load sibling offers", err)
		}
		for _, o := range siblings {
			if o.ID == winner.ID || o.Status.Terminal() {
				continue
			}
			o.Status = models.OfferRejected
			if err := s.store.UpdateOffer(o); err != nil {
				return faults.Wrap(faults.KindInternal, "reject sibling offer", err)
			}
		}

		if err := s.store.UpdateRide(r); err != nil {
			return faults.Wrap(faults.KindInternal, "update ride", err)
		}
		trip = t
		ride = r
		return nil
	})
	if err != nil {
		if faults.IsConflict(err) {
			observability.AcceptConflicts.Inc()
		}
		return models.Trip{}, err
	}

	s.pub.Publish(fanout.UserChannel(providerID), "offer_accepted", map[string]any{
		"ride_request_id": rideID,
		"trip_id":         trip.ID,
		"final_fare":      ride.FinalAgreedFare,
		"requester_id":    ride.RequesterID,
		"pickup":          ride.Pickup,
		"destination":     ride.Destination,
	})
	s.pub.Publish(fanout.UserChannel(ride.RequesterID), "ride_confirmed", map[string]any{
		"ride_request_id": rideID,
		"trip_id":         trip.ID,
		"provider_id":     providerID,
		"final_fare":      ride.FinalAgreedFare,
	})

	observability.OffersAccepted.Inc()
	s.log.Info("offer accepted",
		"ride_id", rideID,
		"provider_id", providerID,
		"final_fare", ride.FinalAgreedFare,
		"trip_id", trip.ID)
	return trip, nil
}

// liveRide loads a ride and rejects any mutation against one that is no
// longer negotiable or past its deadline.
func (s *Service) liveRide(rideID string) (models.RideRequest, error) {
	r, err := s.store.GetRide(rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RideRequest{}, faults.New(faults.KindNotFound, "ride request not found")
	}
	if err != nil {
		return models.RideRequest{}, faults.Wrap(faults.KindInternal, "load ride", err)
	}
	if r.Status != models.RidePending && r.Status != models.RideHaggling {
		return models.RideRequest{}, faults.Newf(faults.KindConflict, "ride request is %s", r.Status)
	}
	if !s.now().Before(r.ExpiresAt) {
		return models.RideRequest{}, faults.New(faults.KindConflict, "ride request has expired")
	}
	return r, nil
}

// latestFare is the most recent figure on the table for an offer.
func latestFare(o models.HagglingOffer) float64 {
	if o.ProviderCounterOffer > 0 {
		return o.ProviderCounterOffer
	}
	if o.RequesterCounterOffer > 0 {
		return o.RequesterCounterOffer
	}
	return o.ProviderFareOffer
}
