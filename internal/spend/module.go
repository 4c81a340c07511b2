// Package spend wires the spend engine, its collaborators, the REST handler
// and the background workers into one module
package spend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/cashspend/internal/spend/adapters"
	"github.com/Aidin1998/cashspend/internal/spend/auth"
	"github.com/Aidin1998/cashspend/internal/spend/config"
	"github.com/Aidin1998/cashspend/internal/spend/events"
	"github.com/Aidin1998/cashspend/internal/spend/handlers/rest"
	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
	"github.com/Aidin1998/cashspend/internal/spend/ledger"
	"github.com/Aidin1998/cashspend/internal/spend/repository"
	"github.com/Aidin1998/cashspend/internal/spend/services"
	"github.com/Aidin1998/cashspend/pkg/metrics"
)

// Module represents the spend module
type Module struct {
	config *config.Config
	log    *zap.Logger

	// Database connections
	db    *gorm.DB
	redis redis.UniversalClient

	// Core services
	engine *services.Engine

	// Supporting services
	store     *repository.GormStore
	ledger    *ledger.GormLedger
	debtBook  *adapters.GormDebtBook
	prices    interfaces.PriceProvider
	publisher *events.Publisher
	outbox    *events.Outbox
	hub       *events.Hub

	// API handlers
	restHandler *rest.Handler

	// Background workers
	workers []Worker
}

// ModuleOptions holds module initialization options
type ModuleOptions struct {
	Config   *config.Config
	Logger   *zap.Logger
	Database *gorm.DB
	// Redis is required by the redis price source and the stream sink
	Redis redis.UniversalClient
	// KafkaWriter overrides the writer built from the kafka config
	KafkaWriter events.MessageWriter
}

// NewModule creates a new spend module instance
func NewModule(opts ModuleOptions) (*Module, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	module := &Module{
		config: opts.Config,
		log:    opts.Logger,
		db:     opts.Database,
		redis:  opts.Redis,
	}

	if err := module.initializeComponents(opts); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return module, nil
}

// initializeComponents initializes all module components
func (m *Module) initializeComponents(opts ModuleOptions) error {
	cfg := m.config

	runtime, err := config.NewEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime configuration: %w", err)
	}

	m.store = repository.NewGormStore(m.db, m.log.Named("store"))
	m.ledger = ledger.NewGormLedger(m.db, m.log.Named("ledger"))
	m.debtBook = adapters.NewGormDebtBook(m.db)

	if m.prices, err = m.initializePrices(); err != nil {
		return err
	}

	debt := adapters.NewCollateralDebtManager(runtime, m.ledger, m.prices, m.debtBook,
		common.HexToAddress(cfg.Debt.LendingPool), m.log.Named("debt"))
	cashback := adapters.NewLedgerCashbackDispatcher(common.HexToAddress(cfg.Cashback.Dispatcher),
		m.ledger, m.prices, m.log.Named("cashback_dispatcher"))
	settlement := adapters.NewLedgerSettlementDispatcher(m.ledger, m.log.Named("settlement"))

	if err := m.initializeEvents(opts); err != nil {
		return err
	}

	m.engine = services.NewEngine(runtime, services.Dependencies{
		Store:      m.store,
		Ledger:     m.ledger,
		Debt:       debt,
		Cashback:   cashback,
		Settlement: settlement,
		Verifier:   auth.NewOwnerVerifier(auth.NewGormOwnerRegistry(m.db)),
		Roles:      auth.NewStaticRoleRegistry(cfg.Roles),
		Publisher:  m.publisher,
		Logger:     m.log.Named("engine"),
	})

	var eventsHandler http.Handler
	if m.hub != nil {
		eventsHandler = m.hub
	}
	m.restHandler = rest.NewHandler(m.engine, eventsHandler, m.log.Named("rest"))

	return m.initializeWorkers()
}

// initializePrices builds the configured price source
func (m *Module) initializePrices() (interfaces.PriceProvider, error) {
	if m.config.Prices.Source == "redis" {
		if m.redis == nil {
			return nil, fmt.Errorf("redis price source requires a redis client")
		}
		return adapters.NewRedisPriceProvider(m.redis, m.config.Redis.PriceKeyFmt, m.config.Prices.MaxAge, m.log.Named("prices")), nil
	}

	static := adapters.NewStaticPriceProvider(nil)
	for _, t := range m.config.Tokens {
		if t.Price == "" {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid price for %s: %w", t.Symbol, err)
		}
		static.Set(common.HexToAddress(t.Address), price)
	}
	return static, nil
}

// initializeEvents builds the sinks, the outbox and the publisher
func (m *Module) initializeEvents(opts ModuleOptions) error {
	cfg := m.config
	var sinks []events.Sink

	writer := opts.KafkaWriter
	if writer == nil && len(cfg.Kafka.Brokers) > 0 {
		writer = events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	if writer != nil {
		sinks = append(sinks, events.NewKafkaSink(writer, cfg.Kafka.Topic, m.log.Named("kafka")))
	}
	if cfg.Events.RedisStream {
		if m.redis == nil {
			return fmt.Errorf("redis stream events require a redis client")
		}
		sinks = append(sinks, events.NewRedisStreamSink(m.redis, cfg.Events.RedisStreamName, cfg.Events.RedisStreamMaxLen, m.log.Named("redis_stream")))
	}
	if cfg.Events.WebhookURL != "" {
		sinks = append(sinks, events.NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.WebhookTimeout, m.log.Named("webhook")))
	}
	if cfg.Events.Websocket {
		m.hub = events.NewHub(m.log.Named("websocket"))
		sinks = append(sinks, m.hub)
	}

	switch cfg.Events.OutboxPath {
	case "":
	case "memory":
		outbox, err := events.OpenOutbox("")
		if err != nil {
			return fmt.Errorf("failed to open outbox: %w", err)
		}
		m.outbox = outbox
	default:
		outbox, err := events.OpenOutbox(cfg.Events.OutboxPath)
		if err != nil {
			return fmt.Errorf("failed to open outbox: %w", err)
		}
		m.outbox = outbox
	}

	m.publisher = events.NewPublisher(sinks, m.outbox, m.log.Named("events"))
	m.log.Info("event publisher ready", zap.Int("sinks", len(sinks)), zap.Bool("outbox", m.outbox != nil))
	return nil
}

// initializeWorkers initializes background workers
func (m *Module) initializeWorkers() error {
	cfg := m.config.Keeper

	if cfg.Enabled {
		var gate LeaderGate
		if len(cfg.EtcdEndpoints) > 0 {
			election, err := NewEtcdElection(cfg.EtcdEndpoints, cfg.ElectionKey, m.log.Named("election"))
			if err != nil {
				return err
			}
			m.workers = append(m.workers, election)
			gate = election
		}
		m.workers = append(m.workers, NewWithdrawalKeeper(m.engine, m.store, gate, cfg.Interval, cfg.BatchSize, m.log.Named("keeper")))
	}

	if m.outbox != nil {
		m.workers = append(m.workers, NewOutboxWorker(m.publisher, cfg.RedeliverInterval, cfg.BatchSize, m.log.Named("outbox")))
	}
	return nil
}

// Start runs migrations and starts the workers
func (m *Module) Start(ctx context.Context) error {
	m.log.Info("starting spend module")

	if m.config.Database.AutoMigrate {
		if err := m.runMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	for _, worker := range m.workers {
		if err := worker.Start(ctx); err != nil {
			m.log.Error("failed to start worker", zap.String("worker", worker.Name()), zap.Error(err))
			return fmt.Errorf("failed to start worker %s: %w", worker.Name(), err)
		}
		m.log.Info("started worker", zap.String("worker", worker.Name()))
	}

	if err := m.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	m.log.Info("spend module started successfully")
	return nil
}

// Stop stops the workers and closes owned resources
func (m *Module) Stop(ctx context.Context) error {
	m.log.Info("stopping spend module")

	for i := len(m.workers) - 1; i >= 0; i-- {
		worker := m.workers[i]
		if err := worker.Stop(ctx); err != nil {
			m.log.Error("failed to stop worker", zap.String("worker", worker.Name()), zap.Error(err))
		} else {
			m.log.Info("stopped worker", zap.String("worker", worker.Name()))
		}
	}

	if m.outbox != nil {
		if err := m.outbox.Close(); err != nil {
			m.log.Error("failed to close outbox", zap.Error(err))
		}
	}

	m.log.Info("spend module stopped")
	return nil
}

// runMigrations creates every table of the module
func (m *Module) runMigrations(ctx context.Context) error {
	m.log.Info("running database migrations")

	if err := m.store.Migrate(ctx); err != nil {
		return err
	}
	if err := m.ledger.Migrate(ctx); err != nil {
		return err
	}
	if err := m.debtBook.Migrate(ctx); err != nil {
		return err
	}
	if err := m.db.WithContext(ctx).AutoMigrate(&auth.AccountOwner{}, &auth.AccountThreshold{}); err != nil {
		return fmt.Errorf("failed to migrate owners: %w", err)
	}

	m.log.Info("database migrations completed")
	return nil
}

// HealthCheck pings the database and redis and records pool metrics
func (m *Module) HealthCheck(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	stats := sqlDB.Stats()
	metrics.DBOpenConns.WithLabelValues(m.config.Database.Driver).Set(float64(stats.OpenConnections))
	metrics.DBInUseConns.WithLabelValues(m.config.Database.Driver).Set(float64(stats.InUse))

	if m.redis != nil {
		if err := m.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

// Engine returns the spend engine
func (m *Module) Engine() *services.Engine {
	return m.engine
}

// RESTHandler returns the REST handler
func (m *Module) RESTHandler() *rest.Handler {
	return m.restHandler
}

// DB returns the module database
func (m *Module) DB() *gorm.DB {
	return m.db
}

// Ledger returns the token ledger
func (m *Module) Ledger() *ledger.GormLedger {
	return m.ledger
}

// Workers returns the configured background workers
func (m *Module) Workers() []Worker {
	return m.workers
}

// InitializeDatabase opens the configured database
func InitializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return db, nil
}

// InitializeRedis creates a client from config, nil when no address is set
func InitializeRedis(cfg config.RedisConfig) redis.UniversalClient {
	if cfg.Address == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}
