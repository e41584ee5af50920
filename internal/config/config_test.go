package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsMatchRiderApp(t *testing.T) {
	cfg, err := loadFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LocationInterval != 4*time.Second {
		t.Fatalf("expected 4s location interval, got %s", cfg.LocationInterval)
	}
	if cfg.LocationFixTimeout != 15*time.Second || cfg.LocationMaxFixAge != 10*time.Second {
		t.Fatalf("unexpected fix settings: %s %s", cfg.LocationFixTimeout, cfg.LocationMaxFixAge)
	}
	if cfg.OfferPollInterval <= 10*time.Second {
		t.Fatalf("offer poll should be a slow fallback, got %s", cfg.OfferPollInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOCATION_INTERVAL", "2s")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("OTP_MAX_ATTEMPTS", "3")
	t.Setenv("MIGRATE", "TRUE")
	cfg, err := loadFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LocationInterval != 2*time.Second {
		t.Fatalf("got %s", cfg.LocationInterval)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("got brokers %v", cfg.KafkaBrokers)
	}
	if cfg.OTPMaxAttempts != 3 || !cfg.RunMigrations {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
}

func TestInvalidValuesAreJoined(t *testing.T) {
	t.Setenv("LOCATION_INTERVAL", "soon")
	t.Setenv("OTP_MAX_ATTEMPTS", "0")
	_, err := loadFromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "LOCATION_INTERVAL") || !strings.Contains(msg, "OTP_MAX_ATTEMPTS") {
		t.Fatalf("expected both problems reported, got %q", msg)
	}
}
