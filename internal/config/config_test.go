package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

const minimalYAML = `
exchanges:
  kalshi:
    enabled: true
    ws_url: "wss://example.invalid/ws"
store:
  path: "data/test.db"
listen:
  addr: ":8090"
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Snapshot.Interval != 10*time.Second {
		t.Errorf("Snapshot.Interval = %v, want 10s default", cfg.Snapshot.Interval)
	}
	if cfg.Health.StaleAfter != 60*time.Second {
		t.Errorf("Health.StaleAfter = %v, want 60s default", cfg.Health.StaleAfter)
	}
	if cfg.Store.RetentionDays != 90 {
		t.Errorf("Store.RetentionDays = %d, want 90 default", cfg.Store.RetentionDays)
	}
	if cfg.Exchanges.Kalshi.MaxBackoff != 30*time.Second {
		t.Errorf("Kalshi.MaxBackoff = %v, want 30s default", cfg.Exchanges.Kalshi.MaxBackoff)
	}
}

func TestLoadEnvOverridesAPIKey(t *testing.T) {
	path := writeTestConfig(t, minimalYAML)
	t.Setenv("AGG_KALSHI_API_KEY", "secret-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchanges.Kalshi.APIKey != "secret-key" {
		t.Errorf("Kalshi.APIKey = %q, want overridden value", cfg.Exchanges.Kalshi.APIKey)
	}
}

func TestValidateRequiresAtLeastOneExchange(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Store:  StoreConfig{Path: "x.db", RetentionDays: 1},
		Listen: ListenConfig{Addr: ":8090"},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to fail with no exchange enabled")
	}
}

func TestValidatePassesWithMinimalConfig(t *testing.T) {
	t.Parallel()
	path := writeTestConfig(t, minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
