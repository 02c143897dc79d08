// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KALSHI_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure described in spec.md §6.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	API       APIConfig       `mapstructure:"api"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Risk      RiskConfig      `mapstructure:"risk"`
	LIP       LIPConfig       `mapstructure:"lip"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Flow      FlowConfig      `mapstructure:"flow"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig holds exchange endpoints and the API key used for bearer auth.
// Transport/auth details are an external collaborator per spec §1/§6; the
// bot only needs enough to construct the client.
type APIConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	WSURL     string `mapstructure:"ws_url"`
	APIKeyID  string `mapstructure:"api_key_id"`
	APISecret string `mapstructure:"api_secret"`
}

// LoopConfig tunes the main scheduler (spec §4.11, §6).
type LoopConfig struct {
	DT                        time.Duration `mapstructure:"dt"`
	OrderbookUpdateCooldownMs int           `mapstructure:"orderbook_update_cooldown_ms"`
	ImproveCooldownSeconds    int           `mapstructure:"improve_cooldown_seconds"`
	ImproveOncePerTouch       bool          `mapstructure:"improve_once_per_touch"`
	MinQuoteWidthCents        int           `mapstructure:"min_quote_width_cents"`
	MaxMarketsWithOrders      int           `mapstructure:"max_markets_with_orders"`
	StaleBookTimeout          time.Duration `mapstructure:"stale_book_timeout"`
}

// RiskConfig sets inventory caps and portfolio-level kill-switch limits
// (spec §4.11, §6).
type RiskConfig struct {
	MaxPosition          int     `mapstructure:"max_position"`
	PositionLimitBuffer  float64 `mapstructure:"position_limit_buffer"`
	InventorySkewFactor  float64 `mapstructure:"inventory_skew_factor"`
}

// LIPConfig tunes the risk scorer and quote policy (spec §4.4, §4.5, §6).
type LIPConfig struct {
	Enabled              bool    `mapstructure:"lip_enabled"`
	DiscountFactor       float64 `mapstructure:"lip_discount_factor"`
	RiskThreshold        float64 `mapstructure:"lip_risk_threshold"`
	RiskAlpha            float64 `mapstructure:"lip_risk_alpha"`
	TimeRiskK            float64 `mapstructure:"lip_time_risk_k"`
	VolGamma             float64 `mapstructure:"lip_vol_gamma"`
	VolRefreshInterval   time.Duration `mapstructure:"lip_vol_refresh_interval"`
	MediumRiskThreshold  float64 `mapstructure:"lip_medium_risk_threshold"`
	HighRiskThreshold    float64 `mapstructure:"lip_high_risk_threshold"`
}

// CircuitConfig sets the circuit-breaker trip thresholds (spec §4.11, §7).
type CircuitConfig struct {
	MaxConsecutiveErrors int     `mapstructure:"max_consecutive_errors"`
	PnLThreshold         float64 `mapstructure:"pnl_threshold"`
	MaxInventoryImbalance float64 `mapstructure:"max_inventory_imbalance"`
}

// DiscoveryConfig controls the market-discovery worker (spec §4.10).
type DiscoveryConfig struct {
	IntervalSeconds int `mapstructure:"discovery_interval_seconds"`
	QueueCapacity   int `mapstructure:"queue_capacity"`
}

// FlowConfig tunes the per-market fill-flow toxicity detector that widens
// the minimum quote width when a market's own recent fills look adverse
// (supplements the exchange's opaque ToxicityFlag, §4.10).
type FlowConfig struct {
	WindowSeconds     int     `mapstructure:"window_seconds"`
	ToxicityThreshold float64 `mapstructure:"toxicity_threshold"`
	CooldownSeconds   int     `mapstructure:"cooldown_seconds"`
	MaxWidthMultiple  float64 `mapstructure:"max_width_multiple"`
}

// StoreConfig sets where circuit-breaker status and inventory snapshots
// are persisted (JSON files, spec §6 "Persisted state").
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls slog setup.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KALSHI_API_KEY_ID, KALSHI_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KALSHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api.api_key_id", "KALSHI_API_KEY_ID")
	_ = v.BindEnv("api.api_secret", "KALSHI_API_SECRET")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if id := v.GetString("api.api_key_id"); id != "" {
		cfg.API.APIKeyID = id
	}
	if secret := v.GetString("api.api_secret"); secret != "" {
		cfg.API.APISecret = secret
	}

	return &cfg, nil
}

// setDefaults seeds the values documented as defaults in spec.md §6 so a
// minimal YAML file (or none at all for fields not present) still produces
// a working config.
func setDefaults(v *viper.Viper) {
	v.SetDefault("loop.dt", "1s")
	v.SetDefault("loop.orderbook_update_cooldown_ms", 500)
	v.SetDefault("loop.improve_cooldown_seconds", 0)
	v.SetDefault("loop.improve_once_per_touch", true)
	v.SetDefault("loop.min_quote_width_cents", 0)
	v.SetDefault("loop.max_markets_with_orders", 20)
	v.SetDefault("loop.stale_book_timeout", "10s")

	v.SetDefault("risk.max_position", 100)
	v.SetDefault("risk.position_limit_buffer", 0.2)
	v.SetDefault("risk.inventory_skew_factor", 0.01)

	v.SetDefault("lip.lip_enabled", true)
	v.SetDefault("lip.lip_discount_factor", 0.95)
	v.SetDefault("lip.lip_risk_threshold", 3.0)
	v.SetDefault("lip.lip_risk_alpha", 1.0)
	v.SetDefault("lip.lip_time_risk_k", 0.15)
	v.SetDefault("lip.lip_vol_gamma", 2.0)
	v.SetDefault("lip.lip_vol_refresh_interval", "300s")
	v.SetDefault("lip.lip_medium_risk_threshold", 1.5)
	v.SetDefault("lip.lip_high_risk_threshold", 2.5)

	v.SetDefault("circuit.max_consecutive_errors", 10)
	v.SetDefault("circuit.pnl_threshold", -100.0)
	v.SetDefault("circuit.max_inventory_imbalance", 0.9)

	v.SetDefault("discovery.discovery_interval_seconds", 10)
	v.SetDefault("discovery.queue_capacity", 256)

	v.SetDefault("flow.window_seconds", 60)
	v.SetDefault("flow.toxicity_threshold", 0.6)
	v.SetDefault("flow.cooldown_seconds", 120)
	v.SetDefault("flow.max_width_multiple", 3.0)

	v.SetDefault("store.data_dir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.APIKeyID == "" {
		return fmt.Errorf("api.api_key_id is required (set KALSHI_API_KEY_ID)")
	}
	if c.Loop.DT <= 0 {
		return fmt.Errorf("loop.dt must be > 0")
	}
	if c.Risk.MaxPosition <= 0 {
		return fmt.Errorf("risk.max_position must be > 0")
	}
	if c.Loop.MaxMarketsWithOrders <= 0 {
		return fmt.Errorf("loop.max_markets_with_orders must be > 0")
	}
	if c.LIP.MediumRiskThreshold >= c.LIP.HighRiskThreshold {
		return fmt.Errorf("lip.lip_medium_risk_threshold must be < lip.lip_high_risk_threshold")
	}
	if c.LIP.HighRiskThreshold >= c.LIP.RiskThreshold {
		return fmt.Errorf("lip.lip_high_risk_threshold must be < lip.lip_risk_threshold")
	}
	return nil
}
