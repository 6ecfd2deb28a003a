package models

import "time"

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a geographic point plus the human-readable address shown to riders.
type Place struct {
	Point
	Address string `json:"address"`
}

type RideStatus string

const (
	RidePending   RideStatus = "pending"
	RideHaggling  RideStatus = "haggling"
	RideAccepted  RideStatus = "accepted"
	RideCancelled RideStatus = "cancelled"
	RideExpired   RideStatus = "expired"
	RideCompleted RideStatus = "completed"
)

// Terminal reports whether no further lifecycle transitions are possible.
func (s RideStatus) Terminal() bool {
	return s == RideAccepted || s == RideCancelled || s == RideExpired || s == RideCompleted
}

type RideRequest struct {
	ID                   string     `json:"id"`
	RequesterID          string     `json:"requester_id"`
	Pickup               Place      `json:"pickup"`
	Destination          Place      `json:"destination"`
	RequesterFareOffer   float64    `json:"requester_fare_offer"`
	EstimatedDistanceKm  float64    `json:"estimated_distance_km"`
	EstimatedDurationMin int        `json:"estimated_duration_minutes"`
	PassengerCount       int        `json:"passenger_count"`
	RideType             string     `json:"ride_type"`
	SpecialInstructions  string     `json:"special_instructions,omitempty"`
	Status               RideStatus `json:"status"`
	ExpiresAt            time.Time  `json:"expires_at"`
	AcceptedProviderID   string     `json:"accepted_provider_id,omitempty"`
	FinalAgreedFare      float64    `json:"final_agreed_fare,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

type OfferStatus string

const (
	OfferProposed  OfferStatus = "proposed"
	OfferCountered OfferStatus = "countered"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferExpired   OfferStatus = "expired"
)

func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferRejected || s == OfferExpired
}

// HagglingOffer is one provider's negotiation thread against a ride request.
// A (ride, provider) pair has at most one non-terminal offer; counter-offers
// mutate it in place and bump OfferRound.
type HagglingOffer struct {
	ID                    string      `json:"id"`
	RideRequestID         string      `json:"ride_request_id"`
	ProviderID            string      `json:"provider_id"`
	ProviderFareOffer     float64     `json:"provider_fare_offer"`
	RequesterCounterOffer float64     `json:"requester_counter_offer,omitempty"`
	ProviderCounterOffer  float64     `json:"provider_counter_offer,omitempty"`
	OfferRound            int         `json:"offer_round"`
	Status                OfferStatus `json:"status"`
	ExpiresAt             time.Time   `json:"expires_at"`
	CreatedAt             time.Time   `json:"created_at"`
}

// Presence is a provider's last known location and availability. Ephemeral:
// it lives only in the presence registry and is dropped on disconnect.
type Presence struct {
	ProviderID string    `json:"provider_id"`
	UserID     string    `json:"user_id"`
	Loc        Point     `json:"loc"`
	Online     bool      `json:"online"`
	Approved   bool      `json:"approved"`
	Rating     float64   `json:"rating"`
	Vehicle    string    `json:"vehicle,omitempty"`
	Updated    time.Time `json:"updated"`
}

type TripStatus string

const (
	TripAccepted  TripStatus = "accepted"
	TripPickup    TripStatus = "pickup"
	TripInTransit TripStatus = "in_transit"
	TripArrived   TripStatus = "arrived"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

// tripOrder fixes the forward-only progression and its progress mapping.
var tripOrder = map[TripStatus]struct {
	rank     int
	progress int
}{
	TripAccepted:  {0, 10},
	TripPickup:    {1, 25},
	TripInTransit: {2, 50},
	TripArrived:   {3, 75},
	TripCompleted: {4, 100},
}

// Progress returns the fixed completion percentage for a status. Cancelled
// carries no progress value and reports 0.
func (s TripStatus) Progress() int {
	return tripOrder[s].progress
}

// CanTransition reports whether moving from s to next is legal: exactly one
// step forward, or cancellation from any non-completed state.
func (s TripStatus) CanTransition(next TripStatus) bool {
	if next == TripCancelled {
		return s != TripCompleted && s != TripCancelled
	}
	cur, ok := tripOrder[s]
	nxt, ok2 := tripOrder[next]
	if !ok || !ok2 {
		return false
	}
	return nxt.rank == cur.rank+1
}

type Trip struct {
	ID                string     `json:"id"`
	RideRequestID     string     `json:"ride_request_id"`
	RequesterID       string     `json:"requester_id"`
	ProviderID        string     `json:"provider_id"`
	FinalFare         float64    `json:"final_fare"`
	Status            TripStatus `json:"status"`
	Progress          int        `json:"progress"`
	StartTime         time.Time  `json:"start_time,omitempty"`
	EndTime           time.Time  `json:"end_time,omitempty"`
	ActualDistanceKm  float64    `json:"actual_distance_km,omitempty"`
	ActualDurationMin int        `json:"actual_duration_minutes,omitempty"`
	RequesterRating   int        `json:"requester_rating,omitempty"`
	ProviderRating    int        `json:"provider_rating,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TripLocation is a live position report from the provider during a trip.
type TripLocation struct {
	TripID     string    `json:"trip_id"`
	ProviderID string    `json:"provider_id"`
	Loc        Point     `json:"loc"`
	ETAMinutes int       `json:"eta_minutes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
