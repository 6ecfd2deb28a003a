package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-negotiation/internal/fanout"
	"github.com/example/ride-negotiation/internal/faults"
	"github.com/example/ride-negotiation/internal/haggle"
	"github.com/example/ride-negotiation/internal/identity"
	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
	"github.com/example/ride-negotiation/internal/presence"
	"github.com/example/ride-negotiation/internal/ride"
	"github.com/example/ride-negotiation/internal/trip"
)

var (
	errMissingIdentity = faults.New(faults.KindAuthorization, "authentication required")
	errProviderOnly    = faults.New(faults.KindAuthorization, "provider role required")
)

// LocationProducer forwards provider presence updates to the ingestion
// pipeline. A nil producer disables forwarding.
type LocationProducer interface {
	PublishPresence(p models.Presence) error
}

// Gateway upgrades HTTP connections to websockets and routes inbound
// events to the ride, haggle and trip services. Every connected client is
// subscribed to its own user channel; providers join the pool channel when
// they report themselves online.
type Gateway struct {
	hub      *fanout.Hub
	rides    *ride.Service
	offers   *haggle.Service
	trips    *trip.Tracker
	reg      presence.Registry
	verifier identity.Verifier
	dir      identity.ProviderDirectory
	producer LocationProducer
	log      *slog.Logger

	allowAnonymous bool
	upgrader       websocket.Upgrader
}

type GatewayConfig struct {
	Hub      *fanout.Hub
	Rides    *ride.Service
	Offers   *haggle.Service
	Trips    *trip.Tracker
	Presence presence.Registry
	Verifier identity.Verifier
	Dir      identity.ProviderDirectory
	Producer LocationProducer
	Logger   *slog.Logger

	// AllowAnonymous accepts connections without a token, trusting the
	// user_id query parameter. Local development only.
	AllowAnonymous bool
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Dir == nil {
		cfg.Dir = identity.AllowAll{}
	}
	return &Gateway{
		hub:            cfg.Hub,
		rides:          cfg.Rides,
		offers:         cfg.Offers,
		trips:          cfg.Trips,
		reg:            cfg.Presence,
		verifier:       cfg.Verifier,
		dir:            cfg.Dir,
		producer:       cfg.Producer,
		log:            cfg.Logger,
		allowAnonymous: cfg.AllowAnonymous,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, isProvider, err := g.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(g, conn, userID, isProvider)

	g.hub.Subscribe(fanout.UserChannel(userID), c)
	g.log.Info("websocket connected", "user_id", userID, "provider", isProvider)

	go c.writePump()
	go c.readPump()
}

func (g *Gateway) authenticate(r *http.Request) (userID string, isProvider bool, err error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Auth-Token")
	}
	if token != "" && g.verifier != nil {
		id, verr := g.verifier.Verify(token)
		if verr != nil {
			return "", false, verr
		}
		return id.UserID, id.HasRole(identity.RoleProvider), nil
	}
	if g.allowAnonymous {
		uid := r.URL.Query().Get("user_id")
		if uid == "" {
			return "", false, errMissingIdentity
		}
		return uid, r.URL.Query().Get("role") == identity.RoleProvider, nil
	}
	return "", false, errMissingIdentity
}

// envelope is the wire format for every frame in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (g *Gateway) dispatch(c *Client, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.sendError(c, "", "invalid message frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch env.Type {
	case "create_ride_request":
		err = g.handleCreateRide(ctx, c, env.Data)
	case "cancel_ride_request":
		err = g.handleCancelRide(ctx, c, env.Data)
	case "driver_offer":
		err = g.handleDriverOffer(ctx, c, env.Data)
	case "counter_offer":
		err = g.handleCounterOffer(ctx, c, env.Data)
	case "accept_offer":
		err = g.handleAcceptOffer(ctx, c, env.Data)
	case "driver_status_update":
		err = g.handleDriverStatus(c, env.Data)
	case "update_location":
		err = g.handleUpdateLocation(ctx, c, env.Data)
	case "update_trip_status":
		err = g.handleTripStatus(ctx, c, env.Data)
	case "request_driver_location":
		err = g.handleDriverLocation(ctx, c, env.Data)
	case "track_trip":
		err = g.handleTrackTrip(ctx, c, env.Data)
	default:
		g.sendError(c, env.Type, "unknown event type")
		return
	}
	if err != nil {
		g.sendError(c, env.Type, err.Error())
	}
}

func (g *Gateway) handleCreateRide(ctx context.Context, c *Client, data json.RawMessage) error {
	var in ride.CreateInput
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	in.RequesterID = c.userID
	created, candidates, err := g.rides.Create(ctx, in)
	if err != nil {
		return err
	}
	g.reply(c, "ride_request_created", map[string]any{
		"ride_request":          created,
		"nearby_provider_count": candidates,
	})
	return nil
}

func (g *Gateway) handleCancelRide(ctx context.Context, c *Client, data json.RawMessage) error {
	var in struct {
		RideRequestID string `json:"ride_request_id"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	return g.rides.Cancel(ctx, in.RideRequestID, c.userID)
}

func (g *Gateway) handleDriverOffer(ctx context.Context, c *Client, data json.RawMessage) error {
	var in struct {
		RideRequestID string  `json:"ride_request_id"`
		FareOffer     float64 `json:"fare_offer"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	offer, err := g.offers.SubmitOffer(ctx, in.RideRequestID, c.userID, in.FareOffer)
	if err != nil {
		return err
	}
	g.reply(c, "offer_submitted", offer)
	return nil
}

func (g *Gateway) handleCounterOffer(ctx context.Context, c *Client, data json.RawMessage) error {
	var in struct {
		RideRequestID string  `json:"ride_request_id"`
		ProviderID    string  `json:"provider_id"`
		NewFare       float64 `json:"new_fare"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.ProviderID == "" && c.provider {
		in.ProviderID = c.userID
	}
	offer, err := g.offers.CounterOffer(ctx, in.RideRequestID, in.ProviderID, c.userID, in.NewFare)
	if err != nil {
		return err
	}
	g.reply(c, "counter_offer_submitted", offer)
	return nil
}

func (g *Gateway) handleAcceptOffer(ctx context.Context, c *Client, data json.RawMessage) error {
	var in struct {
		RideRequestID string  `json:"ride_request_id"`
		ProviderID    string  `json:"provider_id"`
		FinalFare     float64 `json:"final_fare"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.ProviderID == "" && c.provider {
		in.ProviderID = c.userID
	}
	t, err := g.offers.AcceptOffer(ctx, in.RideRequestID, in.ProviderID, in.FinalFare, c.userID)
	if err != nil {
		return err
	}
	g.hub.Subscribe(fanout.TripChannel(t.ID), c)
	return nil
}

func (g *Gateway) handleDriverStatus(c *Client, data json.RawMessage) error {
	if !c.provider {
		return errProviderOnly
	}
	var in struct {
		Online bool          `json:"online"`
		Loc    *models.Point `json:"loc"`
		Rating float64       `json:"rating"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Online {
		p := models.Presence{
			ProviderID: c.userID,
			UserID:     c.userID,
			Online:     true,
			Approved:   g.dir.IsApproved(c.userID),
			Rating:     in.Rating,
			Updated:    time.Now().UTC(),
		}
		if in.Loc != nil {
			p.Loc = *in.Loc
		}
		g.reg.Upsert(p)
		g.hub.Subscribe(fanout.PoolChannel, c)
		if !c.online {
			c.online = true
			observability.ProvidersOnline.Inc()
		}
	} else {
		g.reg.SetOffline(c.userID)
		g.hub.Unsubscribe(fanout.PoolChannel, c)
		if c.online {
			c.online = false
			observability.ProvidersOnline.Dec()
		}
	}
	return nil
}

func (g *Gateway) handleUpdateLocation(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.provider {
		return errProviderOnly
	}
	var in struct {
		TripID     string       `json:"trip_id"`
		Loc        models.Point `json:"loc"`
		ETAMinutes int          `json:"eta_minutes"`
		Timestamp  time.Time    `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.TripID != "" {
		return g.trips.UpdateLocation(ctx, in.TripID, c.userID, in.Loc, in.ETAMinutes, in.Timestamp)
	}
	p := models.Presence{
		ProviderID: c.userID,
		UserID:     c.userID,
		Loc:        in.Loc,
		Updated:    time.Now().UTC(),
	}
	g.reg.Upsert(p)
	if g.producer != nil {
		if err := g.producer.PublishPresence(p); err != nil {
			g.log.Warn("presence publish failed", "provider_id", c.userID, "error", err)
		}
	}
	return nil
}

func (g *Gateway) handleTripStatus(ctx context.Context, c *Client, data json.RawMessage) error {
	var in struct {
		TripID string `json:"trip_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	_, err := g.trips.UpdateStatus(ctx, in.TripID, models.TripStatus(in.Status), c.userID)
	return err
}

func (g *Gateway) handleDriverLocation(ctx context.Context, c *Client, data json.RawMessage) error {
	var in struct {
		TripID string `json:"trip_id"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	loc, err := g.trips.LastLocation(ctx, in.TripID, c.userID)
	if err != nil {
		return err
	}
	g.reply(c, "driver_location", loc)
	return nil
}

func (g *Gateway) handleTrackTrip(ctx context.Context, c *Client, data json.RawMessage) error {
	var in struct {
		TripID string `json:"trip_id"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	t, err := g.trips.Get(ctx, in.TripID, c.userID)
	if err != nil {
		return err
	}
	g.hub.Subscribe(fanout.TripChannel(t.ID), c)
	g.reply(c, "trip_snapshot", t)
	return nil
}

// reply sends a frame only to the issuing connection.
func (g *Gateway) reply(c *Client, event string, payload any) {
	frame, err := json.Marshal(envelope{Type: event, Data: mustRaw(payload)})
	if err != nil {
		g.log.Error("reply marshal failed", "event", event, "error", err)
		return
	}
	c.Deliver(frame)
}

func (g *Gateway) sendError(c *Client, event, msg string) {
	g.reply(c, "error", map[string]string{"event": event, "message": msg})
}

func (g *Gateway) teardown(c *Client) {
	g.hub.Drop(c)
	if c.provider {
		g.reg.SetOffline(c.userID)
	}
	if c.online {
		c.online = false
		observability.ProvidersOnline.Dec()
	}
	c.shutdown()
	g.log.Info("websocket disconnected", "user_id", c.userID)
}

func mustRaw(payload any) json.RawMessage {
	b, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
