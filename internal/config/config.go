package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the engine process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	SearchRadiusM   float64
	SearchLimit     int
	RideTTL         time.Duration
	ReapInterval    time.Duration
	MaxHaggleRounds int
	PresenceMaxAge  time.Duration
	DefaultSpeedMps float64
	OSRMEndpoint    string

	JWTSecret        string
	AllowAnonymousWS bool

	StripeAPIKey string
	FareCurrency string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "providers_geo",
		KafkaTopic:      "provider-locations",
		SearchRadiusM:   10_000,
		SearchLimit:     20,
		RideTTL:         15 * time.Minute,
		ReapInterval:    30 * time.Second,
		MaxHaggleRounds: 10,
		DefaultSpeedMps: 10,
		FareCurrency:    "pkr",
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.SearchRadiusM, "SEARCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.SearchLimit, "SEARCH_LIMIT", &errs)
	setDurationFromEnv(&cfg.RideTTL, "RIDE_TTL", &errs)
	setDurationFromEnv(&cfg.ReapInterval, "REAP_INTERVAL", &errs)
	setIntFromEnv(&cfg.MaxHaggleRounds, "MAX_HAGGLE_ROUNDS", &errs)
	setDurationFromEnv(&cfg.PresenceMaxAge, "PRESENCE_MAX_AGE", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.AllowAnonymousWS = strings.EqualFold(os.Getenv("ALLOW_ANONYMOUS_WS"), "true")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.SearchLimit <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_LIMIT must be > 0"))
	}
	if cfg.SearchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_M must be > 0"))
	}
	if cfg.MaxHaggleRounds <= 0 {
		errs = append(errs, fmt.Errorf("MAX_HAGGLE_ROUNDS must be > 0"))
	}
	if cfg.JWTSecret == "" && !cfg.AllowAnonymousWS {
		errs = append(errs, fmt.Errorf("JWT_SECRET required unless ALLOW_ANONYMOUS_WS=true"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
