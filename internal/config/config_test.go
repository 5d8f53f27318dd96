package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.ConfirmationWindow != 24*time.Hour {
		t.Errorf("ConfirmationWindow = %v, want 24h", cfg.ConfirmationWindow)
	}
	if cfg.SlotHoldTTL != 5*time.Minute {
		t.Errorf("SlotHoldTTL = %v, want 5m", cfg.SlotHoldTTL)
	}
	if cfg.SweepBatchLimit != 200 {
		t.Errorf("SweepBatchLimit = %d, want 200", cfg.SweepBatchLimit)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONFIRMATION_WINDOW", "48h")
	t.Setenv("SLOT_HOLD_TTL", "90s")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("SWEEP_RATE_PER_SEC", "2.5")

	cfg := Load()

	if cfg.ConfirmationWindow != 48*time.Hour {
		t.Errorf("ConfirmationWindow = %v, want 48h", cfg.ConfirmationWindow)
	}
	if cfg.SlotHoldTTL != 90*time.Second {
		t.Errorf("SlotHoldTTL = %v, want 90s", cfg.SlotHoldTTL)
	}
	if !cfg.RedisTLS {
		t.Error("RedisTLS = false, want true")
	}
	if cfg.SweepRatePerSec != 2.5 {
		t.Errorf("SweepRatePerSec = %v, want 2.5", cfg.SweepRatePerSec)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("CONFIRMATION_WINDOW", "soon")
	t.Setenv("SWEEP_BATCH_LIMIT", "lots")

	cfg := Load()

	if cfg.ConfirmationWindow != 24*time.Hour {
		t.Errorf("ConfirmationWindow = %v, want default 24h", cfg.ConfirmationWindow)
	}
	if cfg.SweepBatchLimit != 200 {
		t.Errorf("SweepBatchLimit = %d, want default 200", cfg.SweepBatchLimit)
	}
}
