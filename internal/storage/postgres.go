package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-negotiation/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) SaveRide(r models.RideRequest) error {
	_, err := p.db.Exec(`INSERT INTO ride_requests(
			id, requester_id, pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address, requester_fare_offer,
			estimated_distance_km, estimated_duration_minutes, passenger_count,
			ride_type, special_instructions, status, expires_at,
			accepted_provider_id, final_agreed_fare, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ID, r.RequesterID, r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lng, r.Destination.Address, r.RequesterFareOffer,
		r.EstimatedDistanceKm, r.EstimatedDurationMin, r.PassengerCount,
		r.RideType, r.SpecialInstructions, r.Status, r.ExpiresAt,
		nullStr(r.AcceptedProviderID), r.FinalAgreedFare, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(id string) (models.RideRequest, error) {
	row := p.db.QueryRow(`SELECT id, requester_id, pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address, requester_fare_offer,
			estimated_distance_km, estimated_duration_minutes, passenger_count,
			ride_type, special_instructions, status, expires_at,
			COALESCE(accepted_provider_id, ''), final_agreed_fare, created_at, updated_at
		FROM ride_requests WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) UpdateRide(r models.RideRequest) error {
	res, err := p.db.Exec(`UPDATE ride_requests SET status=$1, accepted_provider_id=$2,
			final_agreed_fare=$3, updated_at=$4 WHERE id=$5`,
		r.Status, nullStr(r.AcceptedProviderID), r.FinalAgreedFare, time.Now(), r.ID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *PostgresStore) RidesInStatus(statuses ...models.RideStatus) ([]models.RideRequest, error) {
	rows, err := p.db.Query(`SELECT id, requester_id, pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address, requester_fare_offer,
			estimated_distance_km, estimated_duration_minutes, passenger_count,
			ride_type, special_instructions, status, expires_at,
			COALESCE(accepted_provider_id, ''), final_agreed_fare, created_at, updated_at
		FROM ride_requests WHERE status = ANY($1)`, statusArray(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideRequest
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveOffer(o models.HagglingOffer) error {
	_, err := p.db.Exec(`INSERT INTO haggling_offers(
			id, ride_request_id, provider_id, provider_fare_offer,
			requester_counter_offer, provider_counter_offer, offer_round,
			status, expires_at, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, o.RideRequestID, o.ProviderID, o.ProviderFareOffer,
		o.RequesterCounterOffer, o.ProviderCounterOffer, o.OfferRound,
		o.Status, o.ExpiresAt, o.CreatedAt)
	return err
}

func (p *PostgresStore) UpdateOffer(o models.HagglingOffer) error {
	res, err := p.db.Exec(`UPDATE haggling_offers SET provider_fare_offer=$1,
			requester_counter_offer=$2, provider_counter_offer=$3,
			offer_round=$4, status=$5 WHERE id=$6`,
		o.ProviderFareOffer, o.RequesterCounterOffer, o.ProviderCounterOffer,
		o.OfferRound, o.Status, o.ID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *PostgresStore) GetOffer(id string) (models.HagglingOffer, error) {
	return scanOffer(p.db.QueryRow(offerSelect+` WHERE id=$1`, id))
}

func (p *PostgresStore) OfferByPair(rideID, providerID string) (models.HagglingOffer, error) {
	return scanOffer(p.db.QueryRow(offerSelect+` WHERE ride_request_id=$1 AND provider_id=$2`, rideID, providerID))
}

func (p *PostgresStore) OffersByRide(rideID string) ([]models.HagglingOffer, error) {
	rows, err := p.db.Query(offerSelect+` WHERE ride_request_id=$1 ORDER BY created_at ASC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.HagglingOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveTrip(t models.Trip) error {
	_, err := p.db.Exec(`INSERT INTO trips(
			id, ride_request_id, requester_id, provider_id, final_fare,
			status, progress, start_time, end_time, actual_distance_km,
			actual_duration_minutes, requester_rating, provider_rating,
			created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.RideRequestID, t.RequesterID, t.ProviderID, t.FinalFare,
		t.Status, t.Progress, nullTime(t.StartTime), nullTime(t.EndTime), t.ActualDistanceKm,
		t.ActualDurationMin, t.RequesterRating, t.ProviderRating,
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(id string) (models.Trip, error) {
	return scanTrip(p.db.QueryRow(tripSelect+` WHERE id=$1`, id))
}

func (p *PostgresStore) UpdateTrip(t models.Trip) error {
	res, err := p.db.Exec(`UPDATE trips SET status=$1, progress=$2, start_time=$3,
			end_time=$4, actual_distance_km=$5, actual_duration_minutes=$6,
			requester_rating=$7, provider_rating=$8, updated_at=$9 WHERE id=$10`,
		t.Status, t.Progress, nullTime(t.StartTime), nullTime(t.EndTime),
		t.ActualDistanceKm, t.ActualDurationMin, t.RequesterRating, t.ProviderRating,
		time.Now(), t.ID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (p *PostgresStore) TripsByUser(userID string, limit, offset int) ([]models.Trip, error) {
	rows, err := p.db.Query(tripSelect+` WHERE requester_id=$1 OR provider_id=$1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const offerSelect = `SELECT id, ride_request_id, provider_id, provider_fare_offer,
	requester_counter_offer, provider_counter_offer, offer_round, status,
	expires_at, created_at FROM haggling_offers`

const tripSelect = `SELECT id, ride_request_id, requester_id, provider_id, final_fare,
	status, progress, start_time, end_time, actual_distance_km,
	actual_duration_minutes, requester_rating, provider_rating, created_at,
	updated_at FROM trips`

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (models.RideRequest, error) {
	var r models.RideRequest
	err := s.Scan(&r.ID, &r.RequesterID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lng, &r.Destination.Address, &r.RequesterFareOffer,
		&r.EstimatedDistanceKm, &r.EstimatedDurationMin, &r.PassengerCount,
		&r.RideType, &r.SpecialInstructions, &r.Status, &r.ExpiresAt,
		&r.AcceptedProviderID, &r.FinalAgreedFare, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RideRequest{}, ErrNotFound
	}
	return r, err
}

func scanOffer(s scanner) (models.HagglingOffer, error) {
	var o models.HagglingOffer
	err := s.Scan(&o.ID, &o.RideRequestID, &o.ProviderID, &o.ProviderFareOffer,
		&o.RequesterCounterOffer, &o.ProviderCounterOffer, &o.OfferRound, &o.Status,
		&o.ExpiresAt, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.HagglingOffer{}, ErrNotFound
	}
	return o, err
}

func scanTrip(s scanner) (models.Trip, error) {
	var t models.Trip
	var start, end sql.NullTime
	err := s.Scan(&t.ID, &t.RideRequestID, &t.RequesterID, &t.ProviderID, &t.FinalFare,
		&t.Status, &t.Progress, &start, &end, &t.ActualDistanceKm,
		&t.ActualDurationMin, &t.RequesterRating, &t.ProviderRating, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrNotFound
	}
	if start.Valid {
		t.StartTime = start.Time
	}
	if end.Valid {
		t.EndTime = end.Time
	}
	return t, err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func statusArray(statuses []models.RideStatus) any {
	arr := make([]string, len(statuses))
	for i, s := range statuses {
		arr[i] = string(s)
	}
	return pq.Array(arr)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
