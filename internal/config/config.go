// Package config defines all configuration for the aggregation server.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// select fields overridable via AGG_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchanges ExchangesConfig `mapstructure:"exchanges"`
	Store     StoreConfig     `mapstructure:"store"`
	Listen    ListenConfig    `mapstructure:"listen"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Health    HealthConfig    `mapstructure:"health"`
	Bus       BusConfig       `mapstructure:"bus"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ExchangesConfig toggles and points at each upstream gateway.
type ExchangesConfig struct {
	Kalshi     GatewayConfig `mapstructure:"kalshi"`
	Polymarket GatewayConfig `mapstructure:"polymarket"`
}

// GatewayConfig configures one exchange gateway's connection.
// BaseBackoff, MaxBackoff and MaxReconnectAttempts are loaded here but not
// read by internal/exchange, whose reconnect backoff starts at 1s and
// doubles up to a fixed 30s cap.
type GatewayConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	WSURL       string `mapstructure:"ws_url"`
	// RESTBaseURL is the market-metadata listing endpoint passed straight
	// to internal/metadata.RESTAdapter (e.g. Kalshi's ".../markets" or
	// Polymarket's gamma-api ".../markets"), not the trading REST host.
	RESTBaseURL          string        `mapstructure:"rest_base_url"`
	APIKey               string        `mapstructure:"api_key"`
	BaseBackoff          time.Duration `mapstructure:"base_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// StoreConfig points at the durable SQLite trade/snapshot store.
type StoreConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// ListenConfig controls the downstream WebSocket server.
type ListenConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SnapshotConfig controls the aggregator's periodic order-book/price
// persistence task.
type SnapshotConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// HealthConfig sets the staleness threshold used by the aggregator's
// health report.
type HealthConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// BusConfig bounds the subscription registry's channel capacities.
type BusConfig struct {
	EventCapacity  int           `mapstructure:"event_capacity"`
	ClientCapacity int           `mapstructure:"client_capacity"`
	IdleAfter      time.Duration `mapstructure:"idle_after"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus scrape endpoint. When Enabled,
// /metrics is served on the listen.addr server; Addr is loaded but no
// separate listener is opened on it.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: AGG_KALSHI_API_KEY, AGG_POLYMARKET_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AGG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("AGG_KALSHI_API_KEY"); key != "" {
		cfg.Exchanges.Kalshi.APIKey = key
	}
	if key := os.Getenv("AGG_POLYMARKET_API_KEY"); key != "" {
		cfg.Exchanges.Polymarket.APIKey = key
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = 10 * time.Second
	}
	if c.Health.StaleAfter == 0 {
		c.Health.StaleAfter = 60 * time.Second
	}
	if c.Bus.EventCapacity == 0 {
		c.Bus.EventCapacity = 256
	}
	if c.Bus.ClientCapacity == 0 {
		c.Bus.ClientCapacity = 256
	}
	if c.Bus.IdleAfter == 0 {
		c.Bus.IdleAfter = 5 * time.Minute
	}
	if c.Store.RetentionDays == 0 {
		c.Store.RetentionDays = 90
	}
	applyGatewayDefaults(&c.Exchanges.Kalshi)
	applyGatewayDefaults(&c.Exchanges.Polymarket)
}

func applyGatewayDefaults(g *GatewayConfig) {
	if g.BaseBackoff == 0 {
		g.BaseBackoff = time.Second
	}
	if g.MaxBackoff == 0 {
		g.MaxBackoff = 30 * time.Second
	}
	if g.MaxReconnectAttempts == 0 {
		g.MaxReconnectAttempts = 10
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Exchanges.Kalshi.Enabled && !c.Exchanges.Polymarket.Enabled {
		return fmt.Errorf("at least one of exchanges.kalshi.enabled or exchanges.polymarket.enabled must be true")
	}
	if c.Exchanges.Kalshi.Enabled && c.Exchanges.Kalshi.WSURL == "" {
		return fmt.Errorf("exchanges.kalshi.ws_url is required when kalshi is enabled")
	}
	if c.Exchanges.Polymarket.Enabled && c.Exchanges.Polymarket.WSURL == "" {
		return fmt.Errorf("exchanges.polymarket.ws_url is required when polymarket is enabled")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.RetentionDays <= 0 {
		return fmt.Errorf("store.retention_days must be > 0")
	}
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if c.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be > 0")
	}
	if c.Health.StaleAfter <= 0 {
		return fmt.Errorf("health.stale_after must be > 0")
	}
	return nil
}
