// Package app wires the subscription service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/subscriptions/internal/billing/application"
	"github.com/felixgeelhaar/subscriptions/internal/billing/infrastructure/persistence"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database/postgres"
	_ "github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/subscriptions/pkg/config"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	DB          database.Connection
	RedisClient *redis.Client
	Registry    *prometheus.Registry
	Metrics     *observability.PrometheusMetrics
	Health      *observability.HealthRegistry

	// Billing
	Store     *persistence.SQLSubscriptionStore
	Catalog   *persistence.SQLPlanCatalog
	PlanCache *persistence.CachedPlanCatalog
	Users     *persistence.SQLUserDirectory
	Manager   *application.Manager
	Sweeper   *application.Sweeper
	Locker    lock.Locker

	// Events
	OutboxRepo      *outbox.SQLRepository
	UnitOfWork      *database.TxUnitOfWork
	Consumers       *eventbus.ConsumerRegistry
	EventPublisher  eventbus.Publisher
	OutboxProcessor *outbox.Processor
}

// Option configures NewContainer.
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock overrides the time source of the manager and the outbox.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// NewContainer opens the database and builds every component. SQLite
// databases are migrated on open so a local install works without setup.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Container, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{
		Config: cfg,
		Logger: logger,
		Health: observability.NewHealthRegistry(),
	}

	conn, err := database.NewConnection(ctx, database.Config{
		Driver:     database.Driver(cfg.DatabaseDriver),
		URL:        cfg.DatabaseURL,
		SQLitePath: cfg.SQLitePath,
		MaxConns:   cfg.DatabaseMaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.DB = conn
	c.Health.Register("database", observability.PingHealthChecker("database", conn.Ping))
	logger.Info("connected to database", "driver", conn.Driver())

	if cfg.IsSQLite() {
		if _, err := c.Migrate(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}

	if err := c.connectRedis(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = observability.NewPrometheusMetrics(c.Registry)

	c.Store = persistence.NewSQLSubscriptionStore(conn)
	c.Catalog = persistence.NewSQLPlanCatalog(conn)
	c.Users = persistence.NewSQLUserDirectory(conn)
	c.OutboxRepo = outbox.NewSQLRepository(conn)
	c.UnitOfWork = database.NewUnitOfWork(conn)

	var planCache persistence.PlanCache = persistence.NewLocalPlanCache(cfg.PlanCacheTTL)
	c.Locker = lock.NewLocalLocker()
	if c.RedisClient != nil {
		planCache = persistence.NewRedisPlanCache(c.RedisClient, cfg.PlanCacheTTL)
		c.Locker = lock.NewRedisLocker(c.RedisClient, logger)
	}
	c.PlanCache = persistence.NewCachedPlanCatalog(c.Catalog, planCache, logger, c.Metrics)

	c.Manager = application.NewManager(c.Store, c.Catalog, c.Users, c.OutboxRepo, c.UnitOfWork,
		application.WithClock(o.clock),
		application.WithLogger(logger),
		application.WithMetrics(c.Metrics),
		application.WithMutationRetries(cfg.MutationRetries),
		application.WithViewCatalog(c.PlanCache),
	)
	c.Sweeper = application.NewSweeper(c.Manager, c.Locker, application.SweeperConfig{
		Interval: cfg.SweepInterval,
		LeaseTTL: cfg.SweepLeaseTTL,
	}, logger, c.Metrics)

	c.Consumers = eventbus.NewConsumerRegistry(logger)
	c.Consumers.Register(application.NewNotificationConsumer(c.Users, logger))

	if err := c.connectPublisher(); err != nil {
		c.Close()
		return nil, err
	}

	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, outbox.ProcessorConfig{
		PollInterval:     cfg.OutboxPollInterval,
		BatchSize:        cfg.OutboxBatchSize,
		MaxRetries:       cfg.OutboxMaxRetries,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  time.Minute,
		PublishRate:      cfg.OutboxPublishRate,
		Retention:        time.Duration(cfg.OutboxRetentionDays) * 24 * time.Hour,
		CleanupInterval:  cfg.OutboxCleanupInterval,
	}, logger, outbox.WithMetrics(c.Metrics), outbox.WithClock(o.clock))

	return c, nil
}

// connectRedis is optional in development: an unreachable server falls back
// to the in-process cache and lease.
func (c *Container) connectRedis(ctx context.Context) error {
	if c.Config.RedisURL == "" {
		return nil
	}

	opt, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		if !c.Config.IsDevelopment() {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		c.Logger.Warn("invalid Redis URL, using in-process cache and lease", "error", err)
		return nil
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if !c.Config.IsDevelopment() {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.Logger.Warn("Redis not available, using in-process cache and lease", "error", err)
		return nil
	}

	c.RedisClient = client
	c.Health.Register("redis", observability.DegradedPingHealthChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	c.Logger.Info("connected to Redis")
	return nil
}

// connectPublisher sends outbox events to RabbitMQ when configured and
// otherwise dispatches them to the in-process consumers.
func (c *Container) connectPublisher() error {
	if c.Config.RabbitMQURL == "" {
		c.EventPublisher = eventbus.NewInProcessPublisher(c.Consumers, c.Logger)
		return nil
	}

	rabbit, err := eventbus.NewRabbitMQPublisher(c.Config.RabbitMQURL, c.Logger)
	if err != nil {
		if !c.Config.IsDevelopment() {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		c.Logger.Warn("RabbitMQ not available, dispatching events in process", "error", err)
		c.EventPublisher = eventbus.NewInProcessPublisher(c.Consumers, c.Logger)
		return nil
	}

	c.Health.Register("rabbitmq", observability.DegradedPingHealthChecker("rabbitmq", rabbit.Ping))
	c.EventPublisher = eventbus.NewBreakerPublisher(rabbit, eventbus.BreakerConfig{
		ConsecutiveFailures: c.Config.PublisherBreakerFailures,
		OpenTimeout:         c.Config.PublisherBreakerTimeout,
	}, c.Logger)
	return nil
}

// UsesBroker reports whether events leave the process through RabbitMQ.
func (c *Container) UsesBroker() bool {
	_, ok := c.EventPublisher.(*eventbus.BreakerPublisher)
	return ok
}

// NewBrokerConsumer subscribes the registered consumers to the broker queue.
func (c *Container) NewBrokerConsumer() (*eventbus.RabbitMQConsumer, error) {
	return eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{
		URL:       c.Config.RabbitMQURL,
		QueueName: eventbus.DefaultConsumerQueueName,
		Exchange:  eventbus.ExchangeName,
		Logger:    c.Logger,
	}, c.Consumers)
}

// Migrate applies pending schema migrations.
func (c *Container) Migrate(ctx context.Context) ([]migrations.Result, error) {
	results, err := migrations.Run(ctx, c.DB, c.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return results, nil
}

// Seed inserts the starter plans and user.
func (c *Container) Seed(ctx context.Context) (persistence.SeedResult, error) {
	result, err := persistence.Seed(ctx, c.DB, time.Now().UTC())
	if err != nil {
		return result, fmt.Errorf("failed to seed database: %w", err)
	}
	c.Logger.Info("database seeded",
		"plans_created", result.PlansCreated,
		"users_created", result.UsersCreated,
	)
	return result, nil
}

// Close cleans up all resources.
func (c *Container) Close() {
	var errs []error

	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher: %w", err))
		}
	}

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}

	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.Logger.Warn("error closing resources", "error", err)
	}
}
