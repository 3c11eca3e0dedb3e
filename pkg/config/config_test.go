package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultLeverage != 1 || cfg.DualDirectionLeverage != 50 {
		t.Fatalf("unexpected leverage defaults: %v / %v", cfg.DefaultLeverage, cfg.DualDirectionLeverage)
	}
	if cfg.OpenCooldown != 30*time.Second {
		t.Errorf("expected 30s cooldown, got %v", cfg.OpenCooldown)
	}
	if cfg.PositionStaleness != 2*time.Second || cfg.SyncInterval != 3*time.Second {
		t.Errorf("unexpected sync timings: %v / %v", cfg.PositionStaleness, cfg.SyncInterval)
	}
	if cfg.RiskEnabled {
		t.Error("risk gate should be disabled by default")
	}
	if len(cfg.DefaultSymbols) != 1 || cfg.DefaultSymbols[0] != "BTCUSDT" {
		t.Errorf("unexpected default symbols %v", cfg.DefaultSymbols)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DUAL_DIRECTION_LEVERAGE", "20")
	t.Setenv("SYNC_INTERVAL", "1500")
	t.Setenv("OPEN_COOLDOWN", "45s")
	t.Setenv("DEFAULT_SYMBOLS", "BTCUSDT, ETHUSDT ,")
	t.Setenv("COUNTER_BACKEND", "MEMORY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DualDirectionLeverage != 20 {
		t.Errorf("expected 20, got %v", cfg.DualDirectionLeverage)
	}
	if cfg.SyncInterval != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", cfg.SyncInterval)
	}
	if cfg.OpenCooldown != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.OpenCooldown)
	}
	if len(cfg.DefaultSymbols) != 2 || cfg.DefaultSymbols[1] != "ETHUSDT" {
		t.Errorf("unexpected symbols %v", cfg.DefaultSymbols)
	}
	if cfg.CounterBackend != "memory" {
		t.Errorf("expected lowercased backend, got %q", cfg.CounterBackend)
	}
}
