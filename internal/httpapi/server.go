// Package httpapi is the request/response surface of the engine. Both it and
// the realtime gateway call into the same lifecycle, haggling and trip
// services, so the state machine invariants are enforced exactly once.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-negotiation/internal/faults"
	"github.com/example/ride-negotiation/internal/identity"
	"github.com/example/ride-negotiation/internal/ride"
	"github.com/example/ride-negotiation/internal/trip"
)

type Server struct {
	rides    *ride.Service
	trips    *trip.Tracker
	verifier identity.Verifier
	logger   *slog.Logger
	mux      *mux.Router
}

// NewServer wires the REST routes. wsHandler, when non-nil, is mounted on
// /ws and does its own authentication handshake.
func NewServer(rides *ride.Service, trips *trip.Tracker, verifier identity.Verifier, wsHandler http.Handler, logger *slog.Logger) *Server {
	s := &Server{rides: rides, trips: trips, verifier: verifier, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes(wsHandler)
	return s
}

func (s *Server) routes(wsHandler http.Handler) {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides/request", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/request/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/request/{id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/history", s.handleHistory).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	if wsHandler != nil {
		s.mux.Handle("/ws", wsHandler)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in ride.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, faults.Wrap(faults.KindValidation, "malformed request body", err))
		return
	}
	in.RequesterID = callerFromContext(r.Context()).UserID

	created, candidates, err := s.rides.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"ride_request":          created,
		"nearby_provider_count": candidates,
	})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller := callerFromContext(r.Context())
	rr, offers, err := s.rides.Get(r.Context(), id, caller.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ride_request":    rr,
		"haggling_offers": offers,
	})
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller := callerFromContext(r.Context())
	if err := s.rides.Cancel(r.Context(), id, caller.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "ride request cancelled"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	trips, err := s.trips.History(r.Context(), caller.UserID, limit, (page-1)*limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"trips": trips,
		"pagination": map[string]int{
			"page":  page,
			"limit": limit,
			"count": len(trips),
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := faults.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		// do not leak internals
		s.writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
