package trip

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-negotiation/internal/fanout"
	"github.com/example/ride-negotiation/internal/faults"
	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/storage"
)

type fakeSettlement struct {
	holds    []string
	captures []string
	releases []string
}

func (f *fakeSettlement) Hold(ctx context.Context, t models.Trip) error {
	f.holds = append(f.holds, t.ID)
	return nil
}

func (f *fakeSettlement) Capture(ctx context.Context, t models.Trip) error {
	f.captures = append(f.captures, t.ID)
	return nil
}

func (f *fakeSettlement) Release(ctx context.Context, t models.Trip) error {
	f.releases = append(f.releases, t.ID)
	return nil
}

func newTestTracker() (*Tracker, *storage.MemoryStore, *fanout.Recorder, *fakeSettlement) {
	store := storage.NewMemoryStore()
	rec := &fanout.Recorder{}
	settle := &fakeSettlement{}
	tr := NewTracker(store, rec, slog.New(slog.NewTextHandler(io.Discard, nil)), settle)
	return tr, store, rec, settle
}

func acceptedRide() models.RideRequest {
	return models.RideRequest{
		ID:                 "ride-1",
		RequesterID:        "rider-1",
		AcceptedProviderID: "drv-1",
		FinalAgreedFare:    280,
		Pickup:             models.Place{Point: models.Point{Lat: 24.8607, Lng: 67.0011}, Address: "Saddar, Karachi"},
		Destination:        models.Place{Point: models.Point{Lat: 24.8138, Lng: 67.0300}, Address: "Clifton, Karachi"},
		Status:             models.RideAccepted,
	}
}

func TestBeginCreatesTripAndHoldsFare(t *testing.T) {
	tr, store, _, settle := newTestTracker()
	store.SaveRide(acceptedRide())

	trip, err := tr.Begin(context.Background(), acceptedRide())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if trip.Status != models.TripAccepted || trip.Progress != 10 {
		t.Errorf("trip = status %s progress %d, want accepted/10", trip.Status, trip.Progress)
	}
	if trip.FinalFare != 280 || trip.ProviderID != "drv-1" {
		t.Errorf("trip = %+v", trip)
	}
	if len(settle.holds) != 1 {
		t.Errorf("holds = %d, want 1", len(settle.holds))
	}
	if _, err := store.GetTrip(trip.ID); err != nil {
		t.Errorf("trip not persisted: %v", err)
	}
}

func TestStatusProgression(t *testing.T) {
	tr, store, rec, settle := newTestTracker()
	store.SaveRide(acceptedRide())
	trip, _ := tr.Begin(context.Background(), acceptedRide())
	ctx := context.Background()

	steps := []struct {
		status   models.TripStatus
		progress int
	}{
		{models.TripPickup, 25},
		{models.TripInTransit, 50},
		{models.TripArrived, 75},
		{models.TripCompleted, 100},
	}
	for _, step := range steps {
		got, err := tr.UpdateStatus(ctx, trip.ID, step.status, "drv-1")
		if err != nil {
			t.Fatalf("move to %s: %v", step.status, err)
		}
		if got.Progress != step.progress {
			t.Errorf("%s progress = %d, want %d", step.status, got.Progress, step.progress)
		}
	}

	final, _ := store.GetTrip(trip.ID)
	if final.StartTime.IsZero() || final.EndTime.IsZero() {
		t.Error("start/end times not stamped")
	}
	if len(settle.captures) != 1 {
		t.Errorf("captures = %d, want 1 on completion", len(settle.captures))
	}

	// every step fans out on the trip channel and to both parties
	evs := rec.ByEvent("trip_status_update")
	if len(evs) != len(steps)*3 {
		t.Errorf("status events = %d, want %d", len(evs), len(steps)*3)
	}
}

func TestStatusSkipAndBackwardRejected(t *testing.T) {
	tr, store, _, _ := newTestTracker()
	store.SaveRide(acceptedRide())
	trip, _ := tr.Begin(context.Background(), acceptedRide())
	ctx := context.Background()

	if _, err := tr.UpdateStatus(ctx, trip.ID, models.TripInTransit, "drv-1"); !faults.IsConflict(err) {
		t.Errorf("skipping pickup should conflict, got %v", err)
	}
	if _, err := tr.UpdateStatus(ctx, trip.ID, models.TripPickup, "drv-1"); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if _, err := tr.UpdateStatus(ctx, trip.ID, models.TripAccepted, "drv-1"); !faults.IsConflict(err) {
		t.Errorf("moving backward should conflict, got %v", err)
	}
	if _, err := tr.UpdateStatus(ctx, trip.ID, models.TripPickup, "stranger"); faults.KindOf(err) != faults.KindAuthorization {
		t.Errorf("non-party should be rejected, got %v", err)
	}
}

func TestCancelReleasesHoldAndBlocksFurtherMoves(t *testing.T) {
	tr, store, _, settle := newTestTracker()
	store.SaveRide(acceptedRide())
	trip, _ := tr.Begin(context.Background(), acceptedRide())
	ctx := context.Background()

	if _, err := tr.UpdateStatus(ctx, trip.ID, models.TripCancelled, "rider-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(settle.releases) != 1 {
		t.Errorf("releases = %d, want 1", len(settle.releases))
	}
	if _, err := tr.UpdateStatus(ctx, trip.ID, models.TripPickup, "drv-1"); !faults.IsConflict(err) {
		t.Errorf("cancelled trip accepted a move: %v", err)
	}
	if _, err := tr.UpdateStatus(ctx, trip.ID, models.TripCancelled, "rider-1"); !faults.IsConflict(err) {
		t.Errorf("double cancel should conflict, got %v", err)
	}
}

func TestCompletedTripCannotBeCancelled(t *testing.T) {
	tr, store, _, _ := newTestTracker()
	store.SaveRide(acceptedRide())
	trip, _ := tr.Begin(context.Background(), acceptedRide())
	ctx := context.Background()

	for _, s := range []models.TripStatus{models.TripPickup, models.TripInTransit, models.TripArrived, models.TripCompleted} {
		if _, err := tr.UpdateStatus(ctx, trip.ID, s, "drv-1"); err != nil {
			t.Fatalf("move to %s: %v", s, err)
		}
	}
	if _, err := tr.UpdateStatus(ctx, trip.ID, models.TripCancelled, "rider-1"); !faults.IsConflict(err) {
		t.Errorf("completed trip accepted a cancel: %v", err)
	}
}

func TestLocationUpdatesDropStaleTimestamps(t *testing.T) {
	tr, store, rec, _ := newTestTracker()
	tr.SpeedMps = 8
	store.SaveRide(acceptedRide())
	trip, _ := tr.Begin(context.Background(), acceptedRide())
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := tr.UpdateLocation(ctx, trip.ID, "drv-1", models.Point{Lat: 24.90, Lng: 67.05}, 0, base); err != nil {
		t.Fatalf("first report: %v", err)
	}
	// an out-of-order redelivery is silently dropped
	if err := tr.UpdateLocation(ctx, trip.ID, "drv-1", models.Point{Lat: 24.85, Lng: 67.0}, 0, base.Add(-time.Minute)); err != nil {
		t.Fatalf("stale report should not error: %v", err)
	}

	last, err := tr.LastLocation(ctx, trip.ID, "rider-1")
	if err != nil {
		t.Fatalf("last location: %v", err)
	}
	if !last.Timestamp.Equal(base) || last.Loc.Lat != 24.90 {
		t.Errorf("stale report overwrote the newer one: %+v", last)
	}
	if last.ETAMinutes <= 0 {
		t.Errorf("eta not filled, got %d", last.ETAMinutes)
	}

	// one relay per accepted report, to the trip channel and the requester
	if evs := rec.ByEvent("location_update"); len(evs) != 2 {
		t.Errorf("location events = %d, want 2", len(evs))
	}
}

func TestLocationRejectedFromNonProviderAndTerminalTrips(t *testing.T) {
	tr, store, _, _ := newTestTracker()
	store.SaveRide(acceptedRide())
	trip, _ := tr.Begin(context.Background(), acceptedRide())
	ctx := context.Background()

	err := tr.UpdateLocation(ctx, trip.ID, "rider-1", models.Point{}, 0, time.Time{})
	if faults.KindOf(err) != faults.KindAuthorization {
		t.Errorf("requester reporting location should be rejected, got %v", err)
	}

	if _, err := tr.UpdateStatus(ctx, trip.ID, models.TripCancelled, "rider-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	err = tr.UpdateLocation(ctx, trip.ID, "drv-1", models.Point{}, 0, time.Time{})
	if !faults.IsConflict(err) {
		t.Errorf("terminal trip accepted a location, got %v", err)
	}
}

func TestLastLocationBeforeAnyReport(t *testing.T) {
	tr, store, _, _ := newTestTracker()
	store.SaveRide(acceptedRide())
	trip, _ := tr.Begin(context.Background(), acceptedRide())

	_, err := tr.LastLocation(context.Background(), trip.ID, "rider-1")
	if !faults.IsNotFound(err) {
		t.Errorf("want not found before first report, got %v", err)
	}
	_, err = tr.LastLocation(context.Background(), trip.ID, "stranger")
	if faults.KindOf(err) != faults.KindAuthorization {
		t.Errorf("non-party should be rejected, got %v", err)
	}
}
