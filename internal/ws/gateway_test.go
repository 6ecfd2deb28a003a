package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-negotiation/internal/fanout"
	"github.com/example/ride-negotiation/internal/haggle"
	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/presence"
	"github.com/example/ride-negotiation/internal/ride"
	"github.com/example/ride-negotiation/internal/storage"
	"github.com/example/ride-negotiation/internal/trip"
)

type gwFixture struct {
	g      *Gateway
	hub    *fanout.Hub
	store  *storage.MemoryStore
	rider  *Client
	driver *Client
}

func newGatewayFixture(t *testing.T) *gwFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	idx := presence.NewIndex()
	hub := fanout.NewHub(log)
	rides := ride.NewService(store, idx, hub, log, ride.Config{})
	trips := trip.NewTracker(store, hub, log, nil)
	offers := haggle.NewService(store, rides, trips, hub, log, 0)
	g := NewGateway(GatewayConfig{
		Hub:      hub,
		Rides:    rides,
		Offers:   offers,
		Trips:    trips,
		Presence: idx,
		Logger:   log,
	})

	rider := newClient(g, nil, "rider-1", false)
	driver := newClient(g, nil, "drv-1", true)
	hub.Subscribe(fanout.UserChannel(rider.userID), rider)
	hub.Subscribe(fanout.UserChannel(driver.userID), driver)
	return &gwFixture{g: g, hub: hub, store: store, rider: rider, driver: driver}
}

// takeFrame pops queued frames until one with the wanted type turns up.
func takeFrame(t *testing.T, c *Client, want string) envelope {
	t.Helper()
	for {
		select {
		case raw := <-c.send:
			var e envelope
			if err := json.Unmarshal(raw, &e); err != nil {
				t.Fatalf("undecodable frame %q: %v", raw, err)
			}
			if e.Type == "error" && want != "error" {
				t.Fatalf("error frame while waiting for %q: %s", want, e.Data)
			}
			if e.Type == want {
				return e
			}
		default:
			t.Fatalf("no %q frame queued", want)
		}
	}
}

func drainFrames(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func TestDispatchNegotiationFlow(t *testing.T) {
	f := newGatewayFixture(t)

	f.g.dispatch(f.driver, []byte(`{"type":"driver_status_update","data":{"online":true,"loc":{"lat":24.8607,"lng":67.0011},"rating":4.8}}`))
	if n := f.hub.Subscribers(fanout.PoolChannel); n != 1 {
		t.Fatalf("pool subscribers = %d, want the online driver", n)
	}

	f.g.dispatch(f.rider, []byte(`{"type":"create_ride_request","data":{
		"pickup":{"lat":24.8607,"lng":67.0011,"address":"Saddar, Karachi"},
		"destination":{"lat":24.8138,"lng":67.0300,"address":"Clifton, Karachi"},
		"requester_fare_offer":250}}`))
	var created struct {
		RideRequest         models.RideRequest `json:"ride_request"`
		NearbyProviderCount int                `json:"nearby_provider_count"`
	}
	if err := json.Unmarshal(takeFrame(t, f.rider, "ride_request_created").Data, &created); err != nil {
		t.Fatalf("decode create reply: %v", err)
	}
	rideID := created.RideRequest.ID
	if rideID == "" || created.RideRequest.Status != models.RidePending {
		t.Fatalf("create reply = %+v", created)
	}
	if created.NearbyProviderCount != 1 {
		t.Errorf("nearby count = %d, want the one online driver", created.NearbyProviderCount)
	}
	var opp ride.Opportunity
	if err := json.Unmarshal(takeFrame(t, f.driver, "new_ride_request").Data, &opp); err != nil {
		t.Fatalf("decode opportunity: %v", err)
	}
	if opp.RideRequestID != rideID {
		t.Errorf("opportunity ride %s, want %s", opp.RideRequestID, rideID)
	}

	f.g.dispatch(f.driver, []byte(fmt.Sprintf(`{"type":"driver_offer","data":{"ride_request_id":%q,"fare_offer":300}}`, rideID)))
	takeFrame(t, f.driver, "offer_submitted")
	takeFrame(t, f.rider, "driver_offer")

	// the gateway fills in provider_id for the countering rider from the frame
	f.g.dispatch(f.rider, []byte(fmt.Sprintf(`{"type":"counter_offer","data":{"ride_request_id":%q,"provider_id":"drv-1","new_fare":260}}`, rideID)))
	takeFrame(t, f.rider, "counter_offer_submitted")
	takeFrame(t, f.driver, "counter_offer_response")

	f.g.dispatch(f.rider, []byte(fmt.Sprintf(`{"type":"accept_offer","data":{"ride_request_id":%q,"provider_id":"drv-1"}}`, rideID)))
	var confirmed struct {
		TripID    string  `json:"trip_id"`
		FinalFare float64 `json:"final_fare"`
	}
	if err := json.Unmarshal(takeFrame(t, f.rider, "ride_confirmed").Data, &confirmed); err != nil {
		t.Fatalf("decode confirmation: %v", err)
	}
	takeFrame(t, f.driver, "offer_accepted")
	if confirmed.TripID == "" || confirmed.FinalFare != 260 {
		t.Fatalf("confirmation = %+v, want the countered fare 260", confirmed)
	}
	if n := f.hub.Subscribers(fanout.TripChannel(confirmed.TripID)); n != 1 {
		t.Errorf("trip channel subscribers = %d, want the accepting rider", n)
	}
	drainFrames(f.rider)
	drainFrames(f.driver)

	ts := time.Now().UTC().Format(time.RFC3339)
	f.g.dispatch(f.driver, []byte(fmt.Sprintf(`{"type":"update_location","data":{"trip_id":%q,"loc":{"lat":24.8500,"lng":67.0100},"timestamp":%q}}`, confirmed.TripID, ts)))
	var report models.TripLocation
	if err := json.Unmarshal(takeFrame(t, f.rider, "location_update").Data, &report); err != nil {
		t.Fatalf("decode location: %v", err)
	}
	if report.Loc.Lat != 24.85 {
		t.Errorf("location report = %+v", report)
	}

	f.g.dispatch(f.driver, []byte(fmt.Sprintf(`{"type":"update_trip_status","data":{"trip_id":%q,"status":"pickup"}}`, confirmed.TripID)))
	takeFrame(t, f.rider, "trip_status_update")

	f.g.dispatch(f.rider, []byte(fmt.Sprintf(`{"type":"request_driver_location","data":{"trip_id":%q}}`, confirmed.TripID)))
	takeFrame(t, f.rider, "driver_location")
}

func TestDispatchTrackTripSubscribes(t *testing.T) {
	f := newGatewayFixture(t)

	tr := models.Trip{
		ID:            "trip-1",
		RideRequestID: "ride-1",
		RequesterID:   "rider-1",
		ProviderID:    "drv-1",
		Status:        models.TripAccepted,
	}
	if err := f.store.SaveTrip(tr); err != nil {
		t.Fatalf("seed trip: %v", err)
	}

	f.g.dispatch(f.rider, []byte(`{"type":"track_trip","data":{"trip_id":"trip-1"}}`))
	var got models.Trip
	if err := json.Unmarshal(takeFrame(t, f.rider, "trip_snapshot").Data, &got); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if got.ID != "trip-1" {
		t.Errorf("snapshot = %+v", got)
	}
	if n := f.hub.Subscribers(fanout.TripChannel("trip-1")); n != 1 {
		t.Errorf("trip channel subscribers = %d, want 1", n)
	}

	// a stranger to the trip gets an error frame, not a subscription
	outsider := newClient(f.g, nil, "rider-2", false)
	f.g.dispatch(outsider, []byte(`{"type":"track_trip","data":{"trip_id":"trip-1"}}`))
	takeFrame(t, outsider, "error")
	if n := f.hub.Subscribers(fanout.TripChannel("trip-1")); n != 1 {
		t.Errorf("outsider joined the trip channel, subscribers = %d", n)
	}
}

func TestDispatchCancelRide(t *testing.T) {
	f := newGatewayFixture(t)

	f.g.dispatch(f.rider, []byte(`{"type":"create_ride_request","data":{
		"pickup":{"lat":24.8607,"lng":67.0011,"address":"Saddar, Karachi"},
		"destination":{"lat":24.8138,"lng":67.0300,"address":"Clifton, Karachi"},
		"requester_fare_offer":250}}`))
	var created struct {
		RideRequest models.RideRequest `json:"ride_request"`
	}
	if err := json.Unmarshal(takeFrame(t, f.rider, "ride_request_created").Data, &created); err != nil {
		t.Fatalf("decode create reply: %v", err)
	}

	f.g.dispatch(f.rider, []byte(fmt.Sprintf(`{"type":"cancel_ride_request","data":{"ride_request_id":%q}}`, created.RideRequest.ID)))
	takeFrame(t, f.rider, "ride_request_cancelled")

	r, err := f.store.GetRide(created.RideRequest.ID)
	if err != nil {
		t.Fatalf("load ride: %v", err)
	}
	if r.Status != models.RideCancelled {
		t.Errorf("ride status = %s, want cancelled", r.Status)
	}
}

func TestDispatchErrorFrames(t *testing.T) {
	f := newGatewayFixture(t)

	cases := []struct {
		name  string
		from  *Client
		frame string
	}{
		{"malformed frame", f.rider, `{"type":`},
		{"unknown event", f.rider, `{"type":"warp_drive","data":{}}`},
		{"status update from non-provider", f.rider, `{"type":"driver_status_update","data":{"online":true}}`},
		{"location from non-provider", f.rider, `{"type":"update_location","data":{"loc":{"lat":1,"lng":1}}}`},
		{"offer on missing ride", f.driver, `{"type":"driver_offer","data":{"ride_request_id":"nope","fare_offer":300}}`},
		{"cancel of missing ride", f.rider, `{"type":"cancel_ride_request","data":{"ride_request_id":"nope"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drainFrames(tc.from)
			f.g.dispatch(tc.from, []byte(tc.frame))
			e := takeFrame(t, tc.from, "error")
			var body struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(e.Data, &body); err != nil || body.Message == "" {
				t.Errorf("error frame without a message: %s", e.Data)
			}
		})
	}
}
