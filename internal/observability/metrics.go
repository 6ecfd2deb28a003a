package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "rides_created_total", Help: "Total ride requests created"})
	RidesCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "rides_cancelled_total", Help: "Total ride requests cancelled by the requester"})
	RidesExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "rides_expired_total", Help: "Total ride requests reaped after their deadline"})

	OffersSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "offers_submitted_total", Help: "Total haggling offers submitted"})
	OffersAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "offers_accepted_total", Help: "Total offers accepted"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "accept_conflicts_total", Help: "Acceptance attempts that lost the race or hit a dead ride"})

	TripsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "trips_completed_total", Help: "Total trips driven to completion"})
	StaleLocations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "stale_locations_total", Help: "Out-of-order trip location updates dropped"})

	FanoutPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "fanout_published_total", Help: "Frames delivered to live subscribers"})
	FanoutDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "fanout_dropped_total", Help: "Frames dropped for slow or closing subscribers"})

	ProvidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_negotiation", Name: "providers_online", Help: "Providers currently in the online pool"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_negotiation", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_negotiation",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
