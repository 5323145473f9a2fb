package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "super-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "bodega.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.DispatchInterval != 2*time.Second {
		t.Fatalf("unexpected dispatch interval %v", cfg.DispatchInterval)
	}
	if cfg.VerifyInterval != time.Hour {
		t.Fatalf("unexpected verify interval %v", cfg.VerifyInterval)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestLoadRejectsNonPositiveIntervals(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "super-secret")
	configViper.Set("sync.compact_interval", "0s")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero compact interval")
	}
}

func TestLoadReadsRelaySettings(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "super-secret")
	configViper.Set("auth.enrollment_key", "enroll-key")
	configViper.Set("sync.relay_endpoint", "https://hub.example/sync/push")
	configViper.Set("sync.relay_token", "relay-token")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.EnrollmentKey != "enroll-key" {
		t.Fatalf("unexpected enrollment key %q", cfg.EnrollmentKey)
	}
	if cfg.RelayEndpoint != "https://hub.example/sync/push" || cfg.RelayToken != "relay-token" {
		t.Fatalf("unexpected relay settings %q %q", cfg.RelayEndpoint, cfg.RelayToken)
	}
}
