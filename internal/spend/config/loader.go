package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "CASHSPEND"

// Load reads configuration from YAML files merged over defaults, then
// environment variables (CASHSPEND_DATABASE_DSN, CASHSPEND_HTTP_ADDRESS, ...).
func Load(log *zap.Logger, configPaths ...string) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}

	v := viper.New()
	setupViper(v)
	setDefaults(v, Default())

	if err := loadConfigFiles(v, log, configPaths...); err != nil {
		return nil, fmt.Errorf("failed to load config files: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.Int64("chain_id", cfg.ChainID),
		zap.Int("tokens", len(cfg.Tokens)),
		zap.Int("bin_sponsors", len(cfg.BinSponsors)))

	return &cfg, nil
}

// setupViper configures viper settings
func setupViper(v *viper.Viper) {
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// setDefaults registers every scalar default so AutomaticEnv can override it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("environment", d.Environment)
	v.SetDefault("chain_id", d.ChainID)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)

	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.price_key_fmt", d.Redis.PriceKeyFmt)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)

	v.SetDefault("events.redis_stream", d.Events.RedisStream)
	v.SetDefault("events.redis_stream_name", d.Events.RedisStreamName)
	v.SetDefault("events.redis_stream_max_len", d.Events.RedisStreamMaxLen)
	v.SetDefault("events.webhook_url", d.Events.WebhookURL)
	v.SetDefault("events.webhook_timeout", d.Events.WebhookTimeout)
	v.SetDefault("events.websocket", d.Events.Websocket)
	v.SetDefault("events.outbox_path", d.Events.OutboxPath)

	v.SetDefault("http.address", d.HTTP.Address)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.jwt_secret", d.HTTP.JWTSecret)
	v.SetDefault("http.jwt_issuer", d.HTTP.JWTIssuer)

	v.SetDefault("grpc.address", d.GRPC.Address)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.metrics", d.Tracing.Metrics)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("prices.source", d.Prices.Source)
	v.SetDefault("prices.max_age", d.Prices.MaxAge)

	v.SetDefault("delays.withdrawal", d.Delays.Withdrawal)
	v.SetDefault("delays.spend_limit", d.Delays.SpendLimit)
	v.SetDefault("delays.mode", d.Delays.Mode)

	v.SetDefault("cashback.tier_percentages", d.Cashback.TierPercentages)
	v.SetDefault("cashback.referrer_percentage", d.Cashback.ReferrerPercentage)
	v.SetDefault("cashback.dispatcher", d.Cashback.Dispatcher)
	v.SetDefault("cashback.token", d.Cashback.Token)

	v.SetDefault("debt.lending_pool", d.Debt.LendingPool)

	v.SetDefault("keeper.enabled", d.Keeper.Enabled)
	v.SetDefault("keeper.interval", d.Keeper.Interval)
	v.SetDefault("keeper.batch_size", d.Keeper.BatchSize)
	v.SetDefault("keeper.redeliver_interval", d.Keeper.RedeliverInterval)
	v.SetDefault("keeper.etcd_endpoints", d.Keeper.EtcdEndpoints)
	v.SetDefault("keeper.election_key", d.Keeper.ElectionKey)
}

// loadConfigFiles merges the YAML files that exist
func loadConfigFiles(v *viper.Viper, log *zap.Logger, configPaths ...string) error {
	if len(configPaths) == 0 {
		configPaths = []string{
			"./config.yaml",
			"./configs/config.yaml",
			"/etc/cashspend/config.yaml",
		}
	}

	var loadedFiles []string
	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Debug("Config file not found, skipping", zap.String("path", path))
			continue
		}

		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loadedFiles = append(loadedFiles, path)
	}

	if len(loadedFiles) == 0 {
		log.Warn("No configuration files found, using defaults and environment variables")
	} else {
		log.Info("Loaded configuration files", zap.Strings("files", loadedFiles))
	}

	return nil
}
