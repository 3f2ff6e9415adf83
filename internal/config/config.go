// Package config defines all configuration for the market-making agent.
//
// Two layers with different lifecycles:
//   - Config: startup configuration loaded from a YAML file (default:
//     configs/config.yaml), secrets overridable via SPOTMM_* environment
//     variables. Immutable after Load.
//   - TradeParams: the operator-mutable parameter record, persisted as JSON
//     and rewritten atomically after every command that changes it. See
//     params.go.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level startup configuration. Maps directly to the YAML
// file structure.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Pair     string         `mapstructure:"pair"`
	RateInfo RateInfoConfig `mapstructure:"rate_info"`
	Store    StoreConfig    `mapstructure:"store"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Command  CommandConfig  `mapstructure:"command"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig selects and authenticates the exchange adapter.
type ExchangeConfig struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	WSURL     string `mapstructure:"ws_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// RateInfoConfig points at the external USD-quote service.
type RateInfoConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// StoreConfig sets where the order ledger and trade params are persisted.
type StoreConfig struct {
	LedgerPath string `mapstructure:"ledger_path"`
	ParamsPath string `mapstructure:"params_path"`
}

// NotifyConfig configures the outbound notification sink.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// CommandConfig tunes the command processor.
//
// AmountToConfirmUSD is the notional threshold above which a mutating
// command requires a y confirmation.
type CommandConfig struct {
	AmountToConfirmUSD float64 `mapstructure:"amount_to_confirm_usd"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SPOTMM_API_KEY, SPOTMM_API_SECRET,
// SPOTMM_WEBHOOK_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SPOTMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.ledger_path", "data/ledger.db")
	v.SetDefault("store.params_path", "data/params.json")
	v.SetDefault("command.amount_to_confirm_usd", 100)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SPOTMM_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("SPOTMM_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if url := os.Getenv("SPOTMM_WEBHOOK_URL"); url != "" {
		cfg.Notify.WebhookURL = url
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.Name == "" {
		return fmt.Errorf("exchange.name is required")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set SPOTMM_API_KEY)")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange.api_secret is required (set SPOTMM_API_SECRET)")
	}
	if c.Pair == "" {
		return fmt.Errorf("pair is required (e.g. TKN/USDT)")
	}
	if c.Command.AmountToConfirmUSD < 0 {
		return fmt.Errorf("command.amount_to_confirm_usd must be >= 0")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	return nil
}
