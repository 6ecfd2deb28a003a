// Package ride owns the ride-request lifecycle: creation with distance and
// duration estimation, candidate discovery, authorization on reads,
// cancellation and deadline expiry.
package ride

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-negotiation/internal/fanout"
	"github.com/example/ride-negotiation/internal/faults"
	"github.com/example/ride-negotiation/internal/geo"
	"github.com/example/ride-negotiation/internal/locks"
	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
	"github.com/example/ride-negotiation/internal/presence"
	"github.com/example/ride-negotiation/internal/storage"
)

// minutesPerKm is the fixed-speed duration heuristic applied to the
// great-circle distance.
const minutesPerKm = 2.5

type Config struct {
	TTL           time.Duration // request lifetime, 15m in production
	SearchRadiusM float64       // candidate discovery radius
	SearchLimit   int           // max candidates returned to the requester
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Minute
	}
	if c.SearchRadiusM <= 0 {
		c.SearchRadiusM = 10_000
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 20
	}
}

type Service struct {
	store    storage.Store
	presence presence.Registry
	pub      fanout.Publisher
	log      *slog.Logger
	cfg      Config
	locks    *locks.KeyedMutex

	now func() time.Time
}

func NewService(store storage.Store, reg presence.Registry, pub fanout.Publisher, log *slog.Logger, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		store:    store,
		presence: reg,
		pub:      pub,
		log:      log,
		cfg:      cfg,
		locks:    locks.NewKeyedMutex(),
		now:      time.Now,
	}
}

// WithLock serializes state mutation per ride. The haggling protocol shares
// it so acceptance, cancellation and expiry of one ride never interleave.
func (s *Service) WithLock(rideID string, fn func() error) error {
	return s.locks.With(rideID, fn)
}

type CreateInput struct {
	RequesterID         string       `json:"-"`
	Pickup              models.Place `json:"pickup"`
	Destination         models.Place `json:"destination"`
	FareOffer           float64      `json:"requester_fare_offer"`
	PassengerCount      int          `json:"passenger_count"`
	RideType            string       `json:"ride_type"`
	SpecialInstructions string       `json:"special_instructions"`
}

// Opportunity is the payload broadcast to the online provider pool.
type Opportunity struct {
	RideRequestID       string       `json:"ride_request_id"`
	Pickup              models.Place `json:"pickup"`
	Destination         models.Place `json:"destination"`
	RequesterFareOffer  float64      `json:"requester_fare_offer"`
	EstimatedDistanceKm float64      `json:"estimated_distance_km"`
	EstimatedDuration   int          `json:"estimated_duration_minutes"`
	PassengerCount      int          `json:"passenger_count"`
	RideType            string       `json:"ride_type"`
	ExpiresAt           time.Time    `json:"expires_at"`
	NearbyProviderIDs   []string     `json:"nearby_provider_ids"`
}

// Create validates the request, estimates distance and duration, persists it
// and broadcasts the opportunity to the online pool. The returned candidate
// count is informational: the broadcast targets the whole eligible pool.
func (s *Service) Create(ctx context.Context, in CreateInput) (models.RideRequest, int, error) {
	if err := validateCreate(in); err != nil {
		return models.RideRequest{}, 0, err
	}
	if in.PassengerCount == 0 {
		in.PassengerCount = 1
	}
	if in.RideType == "" {
		in.RideType = "standard"
	}

	now := s.now()
	distanceKm := geo.DistanceKm(in.Pickup.Point, in.Destination.Point)
	r := models.RideRequest{
		ID:                   uuid.NewString(),
		RequesterID:          in.RequesterID,
		Pickup:               in.Pickup,
		Destination:          in.Destination,
		RequesterFareOffer:   in.FareOffer,
		EstimatedDistanceKm:  distanceKm,
		EstimatedDurationMin: int(math.Round(distanceKm * minutesPerKm)),
		PassengerCount:       in.PassengerCount,
		RideType:             in.RideType,
		SpecialInstructions:  in.SpecialInstructions,
		Status:               models.RidePending,
		ExpiresAt:            now.Add(s.cfg.TTL),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.SaveRide(r); err != nil {
		return models.RideRequest{}, 0, faults.Wrap(faults.KindInternal, "save ride", err)
	}

	candidates := s.presence.Nearby(in.Pickup.Point, s.cfg.SearchRadiusM, s.cfg.SearchLimit)
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ProviderID)
	}

	s.pub.Publish(fanout.PoolChannel, "new_ride_request", Opportunity{
		RideRequestID:       r.ID,
		Pickup:              r.Pickup,
		Destination:         r.Destination,
		RequesterFareOffer:  r.RequesterFareOffer,
		EstimatedDistanceKm: r.EstimatedDistanceKm,
		EstimatedDuration:   r.EstimatedDurationMin,
		PassengerCount:      r.PassengerCount,
		RideType:            r.RideType,
		ExpiresAt:           r.ExpiresAt,
		NearbyProviderIDs:   ids,
	})

	observability.RidesCreated.Inc()
	s.log.Info("ride request created",
		"ride_id", r.ID,
		"requester_id", r.RequesterID,
		"distance_km", r.EstimatedDistanceKm,
		"candidates", len(candidates))
	return r, len(candidates), nil
}

// Get returns a ride with its offers. Only the owning requester or the
// accepted provider may read it.
func (s *Service) Get(ctx context.Context, id, callerID string) (models.RideRequest, []models.HagglingOffer, error) {
	r, err := s.store.GetRide(id)
	if err != nil {
		return models.RideRequest{}, nil, notFoundOr(err, "ride request")
	}
	if callerID != r.RequesterID && (r.AcceptedProviderID == "" || callerID != r.AcceptedProviderID) {
		return models.RideRequest{}, nil, faults.New(faults.KindAuthorization, "not a party to this ride request")
	}
	offers, err := s.store.OffersByRide(id)
	if err != nil {
		return models.RideRequest{}, nil, faults.Wrap(faults.KindInternal, "load offers", err)
	}
	return r, offers, nil
}

// Cancel moves a pending or haggling ride to cancelled and tells everyone
// negotiating it. Only the owning requester may cancel.
func (s *Service) Cancel(ctx context.Context, id, requesterID string) error {
	var cancelled models.RideRequest
	var offers []models.HagglingOffer
	err := s.WithLock(id, func() error {
		r, err := s.store.GetRide(id)
		if err != nil {
			return notFoundOr(err, "ride request")
		}
		if r.RequesterID != requesterID {
			return faults.New(faults.KindAuthorization, "only the requester may cancel")
		}
		if r.Status != models.RidePending && r.Status != models.RideHaggling {
			return faults.Newf(faults.KindConflict, "ride request is %s and cannot be cancelled", r.Status)
		}
		if !s.now().Before(r.ExpiresAt) {
			return faults.New(faults.KindConflict, "ride request has expired")
		}
		r.Status = models.RideCancelled
		r.UpdatedAt = s.now()
		if err := s.store.UpdateRide(r); err != nil {
			return faults.Wrap(faults.KindInternal, "update ride", err)
		}
		offers, _ = s.store.OffersByRide(id)
		for i, o := range offers {
			if o.Status.Terminal() {
				continue
			}
			o.Status = models.OfferRejected
			_ = s.store.UpdateOffer(o)
			offers[i] = o
		}
		cancelled = r
		return nil
	})
	if err != nil {
		return err
	}

	payload := map[string]any{"ride_request_id": cancelled.ID, "cancelled_by": requesterID}
	s.pub.Publish(fanout.UserChannel(cancelled.RequesterID), "ride_request_cancelled", payload)
	for _, o := range offers {
		s.pub.Publish(fanout.UserChannel(o.ProviderID), "ride_request_cancelled", payload)
	}
	s.pub.Publish(fanout.PoolChannel, "ride_request_cancelled", payload)

	observability.RidesCancelled.Inc()
	s.log.Info("ride request cancelled", "ride_id", cancelled.ID)
	return nil
}

// Reap expires every pending or haggling ride past its deadline, expires its
// open offers and notifies all parties. It exists so acceptance races never
// resolve against a logically dead request.
func (s *Service) Reap(ctx context.Context) (int, error) {
	candidates, err := s.store.RidesInStatus(models.RidePending, models.RideHaggling)
	if err != nil {
		return 0, faults.Wrap(faults.KindInternal, "list rides", err)
	}
	reaped := 0
	for _, cand := range candidates {
		if s.now().Before(cand.ExpiresAt) {
			continue
		}
		var expired models.RideRequest
		var offers []models.HagglingOffer
		err := s.WithLock(cand.ID, func() error {
			r, err := s.store.GetRide(cand.ID)
			if err != nil {
				return err
			}
			// re-check under the lock: an accept may have won the race
			if r.Status != models.RidePending && r.Status != models.RideHaggling {
				return nil
			}
			r.Status = models.RideExpired
			r.UpdatedAt = s.now()
			if err := s.store.UpdateRide(r); err != nil {
				return err
			}
			offers, _ = s.store.OffersByRide(r.ID)
			for i, o := range offers {
				if o.Status.Terminal() {
					continue
				}
				o.Status = models.OfferExpired
				_ = s.store.UpdateOffer(o)
				offers[i] = o
			}
			expired = r
			return nil
		})
		if err != nil {
			s.log.Error("reap failed", "ride_id", cand.ID, "error", err)
			continue
		}
		if expired.ID == "" {
			continue
		}
		payload := map[string]any{"ride_request_id": expired.ID}
		s.pub.Publish(fanout.UserChannel(expired.RequesterID), "ride_request_expired", payload)
		for _, o := range offers {
			s.pub.Publish(fanout.UserChannel(o.ProviderID), "ride_request_expired", payload)
		}
		observability.RidesExpired.Inc()
		reaped++
	}
	if reaped > 0 {
		s.log.Info("reaped expired ride requests", "count", reaped)
	}
	return reaped, nil
}

// RunReaper sweeps on the given interval until ctx is done.
func (s *Service) RunReaper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Reap(ctx); err != nil {
				s.log.Error("reaper sweep failed", "error", err)
			}
		}
	}
}

func validateCreate(in CreateInput) error {
	if in.RequesterID == "" {
		return faults.New(faults.KindValidation, "requester id required")
	}
	if len(strings.TrimSpace(in.Pickup.Address)) < 5 {
		return faults.New(faults.KindValidation, "pickup address must be at least 5 characters")
	}
	if len(strings.TrimSpace(in.Destination.Address)) < 5 {
		return faults.New(faults.KindValidation, "destination address must be at least 5 characters")
	}
	if err := validatePoint(in.Pickup.Point); err != nil {
		return err
	}
	if err := validatePoint(in.Destination.Point); err != nil {
		return err
	}
	if in.FareOffer < 1 {
		return faults.New(faults.KindValidation, "fare offer must be at least 1")
	}
	if in.PassengerCount < 0 || in.PassengerCount > 6 {
		return faults.New(faults.KindValidation, "passenger count must be between 1 and 6")
	}
	return nil
}

func validatePoint(p models.Point) error {
	if p.Lat < -90 || p.Lat > 90 {
		return faults.New(faults.KindValidation, "latitude out of range")
	}
	if p.Lng < -180 || p.Lng > 180 {
		return faults.New(faults.KindValidation, "longitude out of range")
	}
	return nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return faults.New(faults.KindNotFound, what+" not found")
	}
	return faults.Wrap(faults.KindInternal, "load "+what, err)
}
