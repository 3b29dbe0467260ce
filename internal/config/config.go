// Package config loads the service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	DataDir  string `mapstructure:"data_dir" validate:"required"`

	HTTP struct {
		Addr string `mapstructure:"addr" validate:"required"`
	} `mapstructure:"http"`

	// AdminToken authenticates administrative endpoints. Key rotation is
	// handled outside the service.
	AdminToken string `mapstructure:"admin_token" validate:"required"`

	Chain struct {
		// BlockTime derives a block height from wall-clock time.
		BlockTime time.Duration `mapstructure:"block_time" validate:"required"`
		Genesis   time.Time     `mapstructure:"genesis"`
	} `mapstructure:"chain"`

	Auction struct {
		Admin             string `mapstructure:"admin" validate:"required"`
		ModuleAddr        string `mapstructure:"module_addr" validate:"required"`
		RoundingThreshold string `mapstructure:"rounding_threshold"`
		SettleLimit       int    `mapstructure:"settle_limit" validate:"omitempty,min=1"`
	} `mapstructure:"auction"`

	Rebalance struct {
		BaseDenom          string            `mapstructure:"base_denom" validate:"required"`
		CyclePeriod        time.Duration     `mapstructure:"cycle_period" validate:"required"`
		Limit              int               `mapstructure:"limit" validate:"omitempty,min=1"`
		Whitelist          []string          `mapstructure:"whitelist" validate:"required,min=2"`
		MinAccountValue    map[string]string `mapstructure:"min_account_value"`
		MinAmountOverrides map[string]string `mapstructure:"min_amount_overrides"`
	} `mapstructure:"rebalance"`

	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
}

// Load reads the config file at path (yaml), applies TREASURY_* environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TREASURY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "data")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("chain.block_time", "5s")
	v.SetDefault("auction.rounding_threshold", "0.9999")
	v.SetDefault("auction.settle_limit", 50)
	v.SetDefault("rebalance.limit", 50)
	v.SetDefault("kafka.topic", "treasury-events")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
