// Package config provides configuration management for the spend engine
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Config holds all service configuration
type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment" json:"environment"`
	ChainID     int64  `mapstructure:"chain_id" yaml:"chain_id" json:"chain_id" validate:"gt=0"`

	Database DatabaseConfig `mapstructure:"database" yaml:"database" json:"database"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis" json:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events" json:"events"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http" json:"http"`
	GRPC     GRPCConfig     `mapstructure:"grpc" yaml:"grpc" json:"grpc"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging" json:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
	Prices   PricesConfig   `mapstructure:"prices" yaml:"prices" json:"prices"`

	Delays      DelaysConfig      `mapstructure:"delays" yaml:"delays" json:"delays"`
	Tokens      []TokenConfig     `mapstructure:"tokens" yaml:"tokens" json:"tokens" validate:"dive"`
	BinSponsors map[string]string `mapstructure:"bin_sponsors" yaml:"bin_sponsors" json:"bin_sponsors"`
	Cashback    CashbackConfig    `mapstructure:"cashback" yaml:"cashback" json:"cashback"`
	Modules     ModulesConfig     `mapstructure:"modules" yaml:"modules" json:"modules"`
	// Roles maps a caller address to its capabilities
	Roles  map[string][]string `mapstructure:"roles" yaml:"roles" json:"roles"`
	Debt   DebtConfig          `mapstructure:"debt" yaml:"debt" json:"debt"`
	Keeper KeeperConfig        `mapstructure:"keeper" yaml:"keeper" json:"keeper"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver" json:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn" json:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" yaml:"auto_migrate" json:"auto_migrate"`
}

// RedisConfig holds Redis configuration. An empty address disables Redis.
type RedisConfig struct {
	Address     string        `mapstructure:"address" yaml:"address" json:"address"`
	Password    string        `mapstructure:"password" yaml:"password" json:"password"`
	DB          int           `mapstructure:"db" yaml:"db" json:"db"`
	PriceKeyFmt string        `mapstructure:"price_key_fmt" yaml:"price_key_fmt" json:"price_key_fmt"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic" json:"topic"`
}

// EventsConfig selects event publishers
type EventsConfig struct {
	RedisStream       bool          `mapstructure:"redis_stream" yaml:"redis_stream" json:"redis_stream"`
	RedisStreamName   string        `mapstructure:"redis_stream_name" yaml:"redis_stream_name" json:"redis_stream_name"`
	RedisStreamMaxLen int64         `mapstructure:"redis_stream_max_len" yaml:"redis_stream_max_len" json:"redis_stream_max_len" validate:"gte=0"`
	WebhookURL        string        `mapstructure:"webhook_url" yaml:"webhook_url" json:"webhook_url" validate:"omitempty,url"`
	WebhookTimeout    time.Duration `mapstructure:"webhook_timeout" yaml:"webhook_timeout" json:"webhook_timeout"`
	Websocket         bool          `mapstructure:"websocket" yaml:"websocket" json:"websocket"`
	// OutboxPath is the badger directory parking undeliverable batches;
	// "memory" keeps it in memory, empty disables the outbox
	OutboxPath string `mapstructure:"outbox_path" yaml:"outbox_path" json:"outbox_path"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Address      string        `mapstructure:"address" yaml:"address" json:"address" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins" yaml:"cors_origins" json:"cors_origins"`
	// JWTSecret verifies HS256 caller tokens whose subject is the caller address
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret" json:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer" yaml:"jwt_issuer" json:"jwt_issuer"`
}

// GRPCConfig holds the gRPC health server configuration
type GRPCConfig struct {
	Address string `mapstructure:"address" yaml:"address" json:"address"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Metrics     bool   `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
}

// PricesConfig selects the price provider
type PricesConfig struct {
	Source string        `mapstructure:"source" yaml:"source" json:"source" validate:"oneof=redis static"`
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age" json:"max_age"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format" validate:"omitempty,oneof=json console"`
}

// DelaysConfig holds the time gates of the engine
type DelaysConfig struct {
	Withdrawal time.Duration `mapstructure:"withdrawal" yaml:"withdrawal" json:"withdrawal" validate:"gte=0"`
	SpendLimit time.Duration `mapstructure:"spend_limit" yaml:"spend_limit" json:"spend_limit" validate:"gte=0"`
	Mode       time.Duration `mapstructure:"mode" yaml:"mode" json:"mode" validate:"gte=0"`
	// ModeToCredit and ModeToDebit override Mode per direction when set
	ModeToCredit *time.Duration `mapstructure:"mode_to_credit" yaml:"mode_to_credit" json:"mode_to_credit"`
	ModeToDebit  *time.Duration `mapstructure:"mode_to_debit" yaml:"mode_to_debit" json:"mode_to_debit"`
}

// TokenConfig holds token-specific configuration
type TokenConfig struct {
	Symbol       string `mapstructure:"symbol" yaml:"symbol" json:"symbol" validate:"required"`
	Address      string `mapstructure:"address" yaml:"address" json:"address" validate:"required"`
	Decimals     int32  `mapstructure:"decimals" yaml:"decimals" json:"decimals" validate:"gte=0,lte=36"`
	Withdrawable bool   `mapstructure:"withdrawable" yaml:"withdrawable" json:"withdrawable"`
	Borrowable   bool   `mapstructure:"borrowable" yaml:"borrowable" json:"borrowable"`
	// LTV is the collateral loan-to-value percentage, empty when not collateral
	LTV string `mapstructure:"ltv" yaml:"ltv" json:"ltv"`
	// Price is the USD price served by the static price source
	Price string `mapstructure:"price" yaml:"price" json:"price"`
}

// CashbackConfig holds cashback configuration
type CashbackConfig struct {
	Dispatcher         string            `mapstructure:"dispatcher" yaml:"dispatcher" json:"dispatcher"`
	Token              string            `mapstructure:"token" yaml:"token" json:"token"`
	TierPercentages    map[string]string `mapstructure:"tier_percentages" yaml:"tier_percentages" json:"tier_percentages"`
	ReferrerPercentage string            `mapstructure:"referrer_percentage" yaml:"referrer_percentage" json:"referrer_percentage"`
}

// ModulesConfig holds module whitelists
type ModulesConfig struct {
	Whitelist            []string `mapstructure:"whitelist" yaml:"whitelist" json:"whitelist"`
	WithdrawalRequesters []string `mapstructure:"withdrawal_requesters" yaml:"withdrawal_requesters" json:"withdrawal_requesters"`
}

// DebtConfig configures the bundled collateral debt manager
type DebtConfig struct {
	LendingPool string `mapstructure:"lending_pool" yaml:"lending_pool" json:"lending_pool"`
}

// KeeperConfig configures the withdrawal keeper worker
type KeeperConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	// RedeliverInterval paces outbox redelivery
	RedeliverInterval time.Duration `mapstructure:"redeliver_interval" yaml:"redeliver_interval" json:"redeliver_interval"`
	// EtcdEndpoints enables leader election so one replica runs the keeper
	EtcdEndpoints []string `mapstructure:"etcd_endpoints" yaml:"etcd_endpoints" json:"etcd_endpoints"`
	ElectionKey   string   `mapstructure:"election_key" yaml:"election_key" json:"election_key"`
}

var validate = validator.New()

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	seen := make(map[common.Address]string, len(c.Tokens))
	for _, t := range c.Tokens {
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("token %s has invalid address %q", t.Symbol, t.Address)
		}
		addr := common.HexToAddress(t.Address)
		if prev, dup := seen[addr]; dup {
			return fmt.Errorf("token %s reuses address of %s", t.Symbol, prev)
		}
		seen[addr] = t.Symbol
		if t.Price != "" {
			if p, err := decimal.NewFromString(t.Price); err != nil || !p.IsPositive() {
				return fmt.Errorf("token %s has invalid price %q", t.Symbol, t.Price)
			}
		}
		if t.LTV != "" {
			ltv, err := decimal.NewFromString(t.LTV)
			if err != nil || ltv.IsNegative() || ltv.GreaterThan(decimal.NewFromInt(100)) {
				return fmt.Errorf("token %s has invalid ltv %q", t.Symbol, t.LTV)
			}
		}
	}

	for name, addr := range c.BinSponsors {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("bin sponsor %s has invalid dispatcher address %q", name, addr)
		}
	}

	for _, list := range [][]string{c.Modules.Whitelist, c.Modules.WithdrawalRequesters} {
		for _, m := range list {
			if !common.IsHexAddress(m) {
				return fmt.Errorf("invalid module address %q", m)
			}
		}
	}

	for caller, caps := range c.Roles {
		if !common.IsHexAddress(caller) {
			return fmt.Errorf("invalid role holder %q", caller)
		}
		for _, capability := range caps {
			switch strings.ToLower(capability) {
			case "spend", "config_admin", "onboarding":
			default:
				return fmt.Errorf("unknown capability %q for %s", capability, caller)
			}
		}
	}

	for _, a := range []string{c.Cashback.Dispatcher, c.Cashback.Token, c.Debt.LendingPool} {
		if a != "" && !common.IsHexAddress(a) {
			return fmt.Errorf("invalid address %q", a)
		}
	}

	return nil
}

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		Environment: "development",
		ChainID:     1,
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:cashspend.db?_busy_timeout=5000",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			PriceKeyFmt: "price:%s",
			DialTimeout: 5 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic: "cashspend.events",
		},
		Events: EventsConfig{
			RedisStreamName:   "cashspend:events",
			RedisStreamMaxLen: 100000,
			WebhookTimeout:    5 * time.Second,
		},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			JWTIssuer:    "cashspend",
		},
		GRPC: GRPCConfig{
			Address: ":9090",
		},
		Tracing: TracingConfig{
			ServiceName: "cashspend",
		},
		Prices: PricesConfig{
			Source: "static",
			MaxAge: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Delays: DelaysConfig{
			Withdrawal: 72 * time.Hour,
			SpendLimit: 72 * time.Hour,
			Mode:       time.Minute,
		},
		BinSponsors: map[string]string{},
		Cashback: CashbackConfig{
			TierPercentages: map[string]string{
				"pepe":     "2",
				"wojak":    "3",
				"chad":     "4",
				"whale":    "5",
				"business": "2",
			},
			ReferrerPercentage: "1",
		},
		Roles: map[string][]string{},
		Keeper: KeeperConfig{
			Interval:          time.Minute,
			BatchSize:         100,
			RedeliverInterval: 30 * time.Second,
			ElectionKey:       "/cashspend/keeper",
		},
	}
}
