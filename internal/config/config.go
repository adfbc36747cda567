// Package config loads engine configuration from an optional YAML file with
// environment variable overrides for deployment-specific settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration. Decimal and duration
// values are YAML strings; Validate parses them and the typed accessors
// return the parsed forms.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Account   AccountConfig   `yaml:"account"`
	Risk      RiskConfig      `yaml:"risk"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Prices    PricesConfig    `yaml:"prices"`
}

// ServerConfig contains HTTP server and backend connection settings.
type ServerConfig struct {
	Port             string `yaml:"port"`
	DatabaseURL      string `yaml:"database_url"`
	RedisURL         string `yaml:"redis_url"`
	SettleMaxRetries int    `yaml:"settle_max_retries"`
}

// AccountConfig contains account initialization parameters.
type AccountConfig struct {
	InitialCredits string `yaml:"initial_credits"`
}

// RiskConfig contains per-order risk limits. Empty or "0" disables a limit.
type RiskConfig struct {
	MaxOrderNotional string `yaml:"max_order_notional"`
	MaxPositionQty   string `yaml:"max_position_qty"`
}

// SnapshotsConfig tunes the wealth snapshot recorder. Durations are strings
// in time.ParseDuration format, e.g. "12h", "24h", "8760h".
type SnapshotsConfig struct {
	ScheduledInterval  string `yaml:"scheduled_interval"`
	OrderRetention     string `yaml:"order_retention"`
	ScheduledRetention string `yaml:"scheduled_retention"`
	PruneBatchSize     int    `yaml:"prune_batch_size"`
}

// PricesConfig selects the price source: an external feed URL, or a static
// seed map for development.
type PricesConfig struct {
	FeedURL  string            `yaml:"feed_url"`
	CacheTTL string            `yaml:"cache_ttl"`
	Static   map[string]string `yaml:"static"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             "8080",
			SettleMaxRetries: 3,
		},
		Account: AccountConfig{
			InitialCredits: "1000000",
		},
		Snapshots: SnapshotsConfig{
			ScheduledInterval:  "12h",
			OrderRetention:     "24h",
			ScheduledRetention: "8760h", // 365 days
			PruneBatchSize:     50,
		},
		Prices: PricesConfig{
			CacheTTL: "5s",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (or the path argument), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if env := os.Getenv("CONFIG_FILE"); env != "" {
		path = env
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays deployment settings from the process environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Server.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Server.RedisURL = v
	}
	if v := os.Getenv("PRICE_FEED_URL"); v != "" {
		cfg.Prices.FeedURL = v
	}
	if v := os.Getenv("INITIAL_CREDITS"); v != "" {
		cfg.Account.InitialCredits = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.SettleMaxRetries < 1 {
		return fmt.Errorf("server.settle_max_retries must be at least 1")
	}
	credits, err := decimal.NewFromString(c.Account.InitialCredits)
	if err != nil {
		return fmt.Errorf("account.initial_credits: %w", err)
	}
	if !credits.IsPositive() {
		return fmt.Errorf("account.initial_credits must be positive")
	}
	for field, raw := range map[string]string{
		"risk.max_order_notional": c.Risk.MaxOrderNotional,
		"risk.max_position_qty":   c.Risk.MaxPositionQty,
	} {
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", field)
		}
	}
	if c.Snapshots.PruneBatchSize < 1 {
		return fmt.Errorf("snapshots.prune_batch_size must be at least 1")
	}
	for _, raw := range []string{
		c.Snapshots.ScheduledInterval,
		c.Snapshots.OrderRetention,
		c.Snapshots.ScheduledRetention,
		c.Prices.CacheTTL,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
	}
	for symbol, raw := range c.Prices.Static {
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("prices.static[%s]: %w", symbol, err)
		}
		if !p.IsPositive() {
			return fmt.Errorf("prices.static[%s] must be positive", symbol)
		}
	}
	return nil
}

// dec parses a validated decimal string; zero when empty.
func dec(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, _ := decimal.NewFromString(raw)
	return d
}

// duration parses a validated duration string; zero when empty.
func duration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, _ := time.ParseDuration(raw)
	return d
}

// InitialCreditsDecimal returns the parsed starting cash balance.
func (c *AccountConfig) InitialCreditsDecimal() decimal.Decimal {
	return dec(c.InitialCredits)
}

// MaxOrderNotionalDecimal returns the parsed notional cap; zero disables it.
func (c *RiskConfig) MaxOrderNotionalDecimal() decimal.Decimal {
	return dec(c.MaxOrderNotional)
}

// MaxPositionQtyDecimal returns the parsed position cap; zero disables it.
func (c *RiskConfig) MaxPositionQtyDecimal() decimal.Decimal {
	return dec(c.MaxPositionQty)
}

// ScheduledIntervalDuration returns the parsed scheduled snapshot interval.
func (c *SnapshotsConfig) ScheduledIntervalDuration() time.Duration {
	return duration(c.ScheduledInterval)
}

// OrderRetentionDuration returns the parsed order snapshot retention.
func (c *SnapshotsConfig) OrderRetentionDuration() time.Duration {
	return duration(c.OrderRetention)
}

// ScheduledRetentionDuration returns the parsed scheduled snapshot retention.
func (c *SnapshotsConfig) ScheduledRetentionDuration() time.Duration {
	return duration(c.ScheduledRetention)
}

// CacheTTLDuration returns the parsed price cache TTL.
func (c *PricesConfig) CacheTTLDuration() time.Duration {
	return duration(c.CacheTTL)
}

// StaticPrices returns the parsed static price seed map.
func (c *PricesConfig) StaticPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Static))
	for symbol, raw := range c.Static {
		out[symbol] = dec(raw)
	}
	return out
}
