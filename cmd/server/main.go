package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ride-negotiation/internal/config"
	"github.com/example/ride-negotiation/internal/eta"
	"github.com/example/ride-negotiation/internal/fanout"
	"github.com/example/ride-negotiation/internal/haggle"
	"github.com/example/ride-negotiation/internal/httpapi"
	"github.com/example/ride-negotiation/internal/identity"
	"github.com/example/ride-negotiation/internal/ingest"
	"github.com/example/ride-negotiation/internal/logging"
	"github.com/example/ride-negotiation/internal/payments"
	"github.com/example/ride-negotiation/internal/presence"
	"github.com/example/ride-negotiation/internal/ride"
	"github.com/example/ride-negotiation/internal/storage"
	"github.com/example/ride-negotiation/internal/trip"
	"github.com/example/ride-negotiation/internal/ws"
)

func main() {
	// .env is optional, real deployments inject the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: postgres when a DSN is configured, in-memory otherwise.
	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(); err != nil {
				log.Error("migration failed", "error", err)
				os.Exit(1)
			}
			log.Info("migrations applied")
		}
		store = pg
	} else {
		log.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	// Presence: redis geo index when configured, in-memory otherwise.
	var reg presence.Registry
	if cfg.RedisAddr != "" {
		reg = presence.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		log.Info("presence registry", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		idx := presence.NewIndex()
		idx.MaxAge = cfg.PresenceMaxAge
		reg = idx
		log.Warn("REDIS_ADDR not set, using in-memory presence index")
	}

	hub := fanout.NewHub(log)

	rides := ride.NewService(store, reg, hub, log, ride.Config{
		TTL:           cfg.RideTTL,
		SearchRadiusM: cfg.SearchRadiusM,
		SearchLimit:   cfg.SearchLimit,
	})

	// Settlement is optional: without a Stripe key fares settle off-platform.
	var settle trip.Settlement
	if cfg.StripeAPIKey != "" {
		settle = payments.NewEscrow(payments.NewStripeClient(cfg.StripeAPIKey), cfg.FareCurrency)
		log.Info("stripe escrow enabled", "currency", cfg.FareCurrency)
	}

	trips := trip.NewTracker(store, hub, log, settle)
	trips.SpeedMps = cfg.DefaultSpeedMps
	trips.ETACache = eta.NewCache(30 * time.Second)
	if cfg.OSRMEndpoint != "" {
		trips.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		log.Info("osrm routing enabled", "endpoint", cfg.OSRMEndpoint)
	}

	offers := haggle.NewService(store, rides, trips, hub, log, cfg.MaxHaggleRounds)

	var verifier identity.Verifier
	if cfg.JWTSecret != "" {
		verifier = identity.NewJWTVerifier(cfg.JWTSecret)
	}

	var producer ws.LocationProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		producer = kp
		log.Info("kafka presence producer enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	gateway := ws.NewGateway(ws.GatewayConfig{
		Hub:            hub,
		Rides:          rides,
		Offers:         offers,
		Trips:          trips,
		Presence:       reg,
		Verifier:       verifier,
		Producer:       producer,
		Logger:         log,
		AllowAnonymous: cfg.AllowAnonymousWS,
	})

	api := httpapi.NewServer(rides, trips, verifier, gateway, log)

	go rides.RunReaper(ctx, cfg.ReapInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
