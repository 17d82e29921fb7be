package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `otoflow:
  name: "TestApp"
  version: "1.0"
stream:
  url: "wss://example.test/ws"
session:
  acquire_url: "https://example.test/session"
  renew_url: "https://example.test/session/renew"
trading:
  user_id: "u1"
  symbols: ["BTCUSDT"]
  quantity: 0.5
  buy_offset_pct: 0.5
  sell_offset_pct: 0.5
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Otoflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Otoflow.Name)
	}
	if cfg.Trading.Symbols[0] != "BTCUSDT" {
		t.Errorf("unexpected symbols: %v", cfg.Trading.Symbols)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Channels.TickBuffer != 1000 {
		t.Errorf("unexpected tick buffer default: %d", cfg.Channels.TickBuffer)
	}
	if got := cfg.Stream.BaseDelay(); got != time.Second {
		t.Errorf("unexpected base delay: %s", got)
	}
	if got := cfg.Session.TokenTTL(); got != 55*time.Minute {
		t.Errorf("unexpected token ttl: %s", got)
	}
	if got := cfg.Session.ExpiryMargin(); got != 5*time.Minute {
		t.Errorf("unexpected expiry margin: %s", got)
	}
	if got := cfg.Session.RenewInterval(); got != 30*time.Minute {
		t.Errorf("unexpected renew interval: %s", got)
	}
	if cfg.Trading.MinSpreadPct != 0.1 || cfg.Trading.MaxSpreadPct != 10 {
		t.Errorf("unexpected spread bounds: %f %f", cfg.Trading.MinSpreadPct, cfg.Trading.MaxSpreadPct)
	}
	if cfg.Volatility.WindowSize != 20 {
		t.Errorf("unexpected window size: %d", cfg.Volatility.WindowSize)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	content := `otoflow:
  name: "TestApp"
  version: "1.0"
stream:
  url: "wss://example.test/ws"
session:
  acquire_url: "https://example.test/session"
  renew_url: "https://example.test/session/renew"
trading:
  symbols: []
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Error("expected validation error for empty symbols")
	}
}

func TestPlacementCredentialsFromEnv(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	t.Setenv("PLACEMENT_API_KEY", "env-key")
	t.Setenv("PLACEMENT_SECRET_KEY", "env-secret")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Placement.APIKey != "env-key" || cfg.Placement.SecretKey != "env-secret" {
		t.Errorf("environment overrides not applied: %+v", cfg.Placement)
	}
}
