// Package bootstrap builds the storage, cache, cipher, broker and handler
// registry a host process needs from its loaded configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobengine/internal/cache"
	"github.com/cuongbtq/jobengine/internal/config"
	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/engine"
	"github.com/cuongbtq/jobengine/internal/invoke"
	"github.com/cuongbtq/jobengine/internal/secret"
	"github.com/cuongbtq/jobengine/internal/storage"
	badgerstore "github.com/cuongbtq/jobengine/internal/storage/badger"
	"github.com/cuongbtq/jobengine/internal/storage/memory"
	pgstore "github.com/cuongbtq/jobengine/internal/storage/postgres"
	"github.com/cuongbtq/jobengine/shared/postgresql"
	"github.com/cuongbtq/jobengine/shared/rabbitmq"
	"github.com/cuongbtq/jobengine/shared/redis"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Resources owns every connection opened for a host process
type Resources struct {
	Storage storage.Storage
	Cache   cache.Cache
	Cipher  secret.Cipher
	// Checks holds one health check per remote dependency
	Checks map[string]HealthCheck

	logger  *slog.Logger
	closers []func() error
}

// Open builds storage, cache and cipher from cfg. On error everything opened
// so far is closed again.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Resources, error) {
	r := &Resources{
		Checks: make(map[string]HealthCheck),
		logger: logger,
	}

	if err := r.openStorage(ctx, cfg); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.openCache(cfg); err != nil {
		r.Close()
		return nil, err
	}

	cipher, err := secret.New(cfg.Security.EncryptionKey)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to create parameter cipher: %w", err)
	}
	r.Cipher = cipher

	return r, nil
}

func (r *Resources) openStorage(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		client, err := postgresql.NewClient(ctx, &postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			ApplicationName: cfg.App.Name,
			ConnectTimeout:  cfg.Database.ConnectTimeout,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, r.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		store := pgstore.New(client, r.logger)
		r.closers = append(r.closers, store.Close)
		r.Checks["postgres"] = client.HealthCheck

		if cfg.Database.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			r.logger.Info("Database schema is up to date")
		}
		r.Storage = store

	case config.StorageBadger:
		store, err := badgerstore.Open(cfg.Storage.Badger.Dir, r.logger)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, store.Close)
		r.Storage = store

	case config.StorageMemory:
		r.Storage = memory.New()

	default:
		return domain.NewConfigurationError("storage.driver", fmt.Sprintf("unknown driver %q", cfg.Storage.Driver))
	}

	r.logger.Info("Job storage ready", slog.String("driver", cfg.Storage.Driver))
	return nil
}

func (r *Resources) openCache(cfg *config.Config) error {
	switch cfg.Cache.Driver {
	case config.CacheNone:
		r.Cache = cache.Nop{}

	case config.CacheMemory, "":
		r.Cache = cache.NewMemory()

	case config.CacheRedis:
		rc := cfg.Cache.Redis
		client, err := redis.NewClient(&redis.Config{
			URL:          rc.URL,
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
			PoolSize:     rc.PoolSize,
		}, r.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		r.closers = append(r.closers, client.Close)
		r.Checks["redis"] = client.HealthCheck
		r.Cache = cache.NewRedis(client.RDB(), cache.WithTTL(rc.TTL))

	default:
		return domain.NewConfigurationError("cache.driver", fmt.Sprintf("unknown driver %q", cfg.Cache.Driver))
	}
	return nil
}

// OpenBroker connects to RabbitMQ when notifications are enabled and returns
// nil otherwise. A publish-only client declares the exchange but no queue.
func (r *Resources) OpenBroker(cfg *config.Config, publishOnly bool) (*rabbitmq.Client, error) {
	if !cfg.RabbitMQ.Enabled {
		r.logger.Info("RabbitMQ notifications disabled, engines rely on polling")
		return nil, nil
	}

	mq := cfg.RabbitMQ
	client, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               mq.Host,
		Port:               mq.Port,
		User:               mq.User,
		Password:           mq.Password,
		VHost:              mq.VHost,
		ExchangeName:       mq.Exchange.Name,
		ExchangeType:       mq.Exchange.Type,
		ExchangeDurable:    mq.Exchange.Durable,
		ExchangeAutoDelete: mq.Exchange.AutoDelete,
		QueueName:          mq.Queue.Name,
		QueueDurable:       mq.Queue.Durable,
		QueueAutoDelete:    mq.Queue.AutoDelete,
		QueueExclusive:     mq.Queue.Exclusive,
		RoutingKey:         mq.RoutingKey,
		PublishOnly:        publishOnly,
		RetryAttempts:      mq.Connection.RetryAttempts,
		RetryInterval:      mq.Connection.RetryInterval,
		Heartbeat:          mq.Connection.Heartbeat,
		PublishRetries:     mq.Publish.RetryAttempts,
		PublishRetryDelay:  mq.Publish.RetryInterval,
		PublishBackoffMult: mq.Publish.BackoffMultiplier,
	}, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	r.closers = append(r.closers, client.Close)
	r.Checks["rabbitmq"] = func(context.Context) error {
		if !client.IsConnected() {
			return errors.New("rabbitmq is not connected")
		}
		return nil
	}
	return client, nil
}

// Close releases everything in reverse order of opening
func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// NewRegistry creates the handler registry, restricted to the configured types
func NewRegistry(cfg *config.Config) *invoke.Registry {
	return invoke.NewRegistry(invoke.WithAllowedTypes(cfg.Invoke.AllowedTypes...))
}

// EngineConfig maps the engine section of cfg onto an engine.Config wired to r
func EngineConfig(cfg *config.Config, r *Resources, resolver invoke.Resolver, logger *slog.Logger) (*engine.Config, error) {
	statuses, err := cfg.Engine.Statuses()
	if err != nil {
		return nil, domain.NewConfigurationError("engine.auto_delete_status", err.Error())
	}

	return &engine.Config{
		Logger:               logger,
		Storage:              r.Storage,
		Cache:                r.Cache,
		Resolver:             resolver,
		Cipher:               r.Cipher,
		ProcessID:            cfg.Engine.ResolveProcessID(),
		Workers:              cfg.Engine.Workers,
		MaxRunnableJobs:      cfg.Engine.MaxRunnableJobs,
		ServerTimerInterval:  cfg.Engine.ServerTimerInterval,
		ServerTimerInterval2: cfg.Engine.ServerTimerInterval2,
		ProgressDBInterval:   cfg.Engine.ProgressDBInterval,
		AutoDeletePeriod:     cfg.Engine.AutoDeletePeriod,
		AutoDeleteStatus:     statuses,
		ForceStopServer:      cfg.Engine.ForceStopServer,
		StopServerDelay:      cfg.Engine.StopServerDelay,
	}, nil
}
