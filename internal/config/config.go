package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AgentConfig captures all tunable parameters for the rider agent process.
// Values come from the environment (optionally seeded from a .env file) with
// defaults that match the rider app's observed behavior.
type AgentConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	RiderID     string
	BackendURL  string
	RealtimeURL string
	OSRMURL     string
	CallTimeout time.Duration

	LocationInterval   time.Duration
	LocationFixTimeout time.Duration
	LocationMaxFixAge  time.Duration
	OfferPollInterval  time.Duration
	ReconcileInterval  time.Duration

	RouteCacheTTL      time.Duration
	RouteMinMoveMeters float64
	FallbackSpeedMps   float64

	OTPMaxAttempts int
	OTPLockout     time.Duration

	RedisAddr     string
	RedisPassword string
	SessionKey    string

	PGDSN         string
	RunMigrations bool

	KafkaBrokers []string
	KafkaTopic   string

	StripeAPIKey   string
	StripeCurrency string
	StripeAccount  string

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		HTTPAddr:           ":8090",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		BackendURL:         "https://trioserver.onrender.com",
		OSRMURL:            "https://router.project-osrm.org",
		CallTimeout:        10 * time.Second,
		LocationInterval:   4 * time.Second,
		LocationFixTimeout: 15 * time.Second,
		LocationMaxFixAge:  10 * time.Second,
		OfferPollInterval:  60 * time.Second,
		ReconcileInterval:  30 * time.Second,
		RouteCacheTTL:      30 * time.Second,
		RouteMinMoveMeters: 25,
		FallbackSpeedMps:   8,
		OTPMaxAttempts:     5,
		OTPLockout:         30 * time.Second,
		SessionKey:         "rider:session",
		KafkaTopic:         "rider-locations",
		StripeCurrency:     "inr",
		LogLevel:           "info",
	}
}

// LoadAgentConfig reads .env (when present) and the environment.
func LoadAgentConfig() (AgentConfig, error) {
	_ = godotenv.Load()
	return loadFromEnv()
}

func loadFromEnv() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RiderID, "RIDER_ID")
	setStringFromEnv(&cfg.BackendURL, "BACKEND_URL")
	setStringFromEnv(&cfg.RealtimeURL, "REALTIME_URL")
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.CallTimeout, "CALL_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.LocationInterval, "LOCATION_INTERVAL", &errs)
	setDurationFromEnv(&cfg.LocationFixTimeout, "LOCATION_FIX_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.LocationMaxFixAge, "LOCATION_MAX_FIX_AGE", &errs)
	setDurationFromEnv(&cfg.OfferPollInterval, "OFFER_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReconcileInterval, "RECONCILE_INTERVAL", &errs)

	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.RouteMinMoveMeters, "ROUTE_MIN_MOVE_METERS", &errs)
	setFloatFromEnv(&cfg.FallbackSpeedMps, "ROUTE_FALLBACK_SPEED_MPS", &errs)

	setIntFromEnv(&cfg.OTPMaxAttempts, "OTP_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.OTPLockout, "OTP_LOCKOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.SessionKey, "SESSION_KEY")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")
	setStringFromEnv(&cfg.StripeAccount, "STRIPE_RIDER_ACCOUNT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	positive := map[string]time.Duration{
		"LOCATION_INTERVAL":    cfg.LocationInterval,
		"LOCATION_FIX_TIMEOUT": cfg.LocationFixTimeout,
		"OFFER_POLL_INTERVAL":  cfg.OfferPollInterval,
		"RECONCILE_INTERVAL":   cfg.ReconcileInterval,
		"CALL_TIMEOUT":         cfg.CallTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if cfg.OTPMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("OTP_MAX_ATTEMPTS must be > 0"))
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
