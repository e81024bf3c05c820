package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/jobengine/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage drivers
const (
	StoragePostgres = "postgres"
	StorageBadger   = "badger"
	StorageMemory   = "memory"
)

// Cache drivers
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Environment overrides applied after the file is parsed
const (
	EnvDatabasePassword = "JOBENGINE_DB_PASSWORD"
	EnvRabbitMQPassword = "JOBENGINE_RABBITMQ_PASSWORD"
	EnvRedisURL         = "JOBENGINE_REDIS_URL"
	EnvEncryptionKey    = "JOBENGINE_ENCRYPTION_KEY"
	EnvProcessID        = "JOBENGINE_PROCESS_ID"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Engine   EngineConfig   `yaml:"engine"`
	Security SecurityConfig `yaml:"security"`
	Invoke   InvokeConfig   `yaml:"invoke"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the job store backend
type StorageConfig struct {
	Driver string       `yaml:"driver"` // postgres, badger, memory
	Badger BadgerConfig `yaml:"badger"`
}

// BadgerConfig holds the embedded store settings
type BadgerConfig struct {
	Dir string `yaml:"dir"` // empty runs in memory
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	EnsureSchema    bool          `yaml:"ensure_schema"`
}

// CacheConfig selects the progress cache backend
type CacheConfig struct {
	Driver string      `yaml:"driver"` // none, memory, redis
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL          string        `yaml:"url"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TTL          time.Duration `yaml:"ttl"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration; an empty name gives
// each engine its own server-named queue
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// EngineConfig holds the scheduler settings of the worker service
type EngineConfig struct {
	ProcessID            string        `yaml:"process_id"`
	Workers              int           `yaml:"workers"`
	MaxRunnableJobs      int           `yaml:"max_runnable_jobs"`
	ServerTimerInterval  time.Duration `yaml:"server_timer_interval"`
	ServerTimerInterval2 time.Duration `yaml:"server_timer_interval2"`
	ProgressDBInterval   time.Duration `yaml:"progress_db_interval"`
	AutoDeletePeriod     int           `yaml:"auto_delete_period"` // hours
	AutoDeleteStatus     []string      `yaml:"auto_delete_status"`
	ForceStopServer      bool          `yaml:"force_stop_server"`
	StopServerDelay      time.Duration `yaml:"stop_server_delay"`
}

// SecurityConfig holds the parameter encryption key
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// InvokeConfig restricts which handler types jobs may name
type InvokeConfig struct {
	AllowedTypes []string `yaml:"allowed_types"`
}

// Load reads and parses the configuration file, then applies
// environment overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabasePassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(EnvRabbitMQPassword); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Cache.Redis.URL = v
	}
	if v := os.Getenv(EnvEncryptionKey); v != "" {
		c.Security.EncryptionKey = v
	}
	if v := os.Getenv(EnvProcessID); v != "" {
		c.Engine.ProcessID = v
	}
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = StoragePostgres
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = CacheMemory
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.ConnectTimeout == 0 {
		c.Database.ConnectTimeout = 5 * time.Second
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "fanout"
	}
	if c.Engine.ServerTimerInterval == 0 {
		c.Engine.ServerTimerInterval = time.Second
	}
	if c.Engine.ServerTimerInterval2 == 0 {
		c.Engine.ServerTimerInterval2 = 30 * time.Second
	}
	if c.Engine.ProgressDBInterval == 0 {
		c.Engine.ProgressDBInterval = 5 * time.Second
	}
	if c.Engine.StopServerDelay == 0 {
		c.Engine.StopServerDelay = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
}

// ValidateStorage checks the selected job store and progress cache
func (c *Config) ValidateStorage() error {
	switch c.Storage.Driver {
	case StoragePostgres:
		if c.Database.Host == "" {
			return domain.NewConfigurationError("database.host", "is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return domain.NewConfigurationError("database.port",
				fmt.Sprintf("invalid port %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort))
		}
		if c.Database.Database == "" {
			return domain.NewConfigurationError("database.database", "is required")
		}
	case StorageBadger, StorageMemory:
	default:
		return domain.NewConfigurationError("storage.driver", fmt.Sprintf("unknown driver %q", c.Storage.Driver))
	}

	switch c.Cache.Driver {
	case CacheRedis:
		if c.Cache.Redis.URL == "" && c.Cache.Redis.Addr == "" {
			return domain.NewConfigurationError("cache.redis", "url or addr is required")
		}
	case CacheNone, CacheMemory:
	default:
		return domain.NewConfigurationError("cache.driver", fmt.Sprintf("unknown driver %q", c.Cache.Driver))
	}

	return nil
}

// ValidateRabbitMQ checks the notification broker settings when enabled
func (c *Config) ValidateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}
	if c.RabbitMQ.Host == "" {
		return domain.NewConfigurationError("rabbitmq.host", "is required")
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return domain.NewConfigurationError("rabbitmq.port",
			fmt.Sprintf("invalid port %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort))
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return domain.NewConfigurationError("rabbitmq.exchange.name", "is required")
	}
	return nil
}

// ValidateAPIConfig checks everything the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return domain.NewConfigurationError("server.port",
			fmt.Sprintf("invalid port %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort))
	}
	if c.Storage.Driver != StoragePostgres {
		return domain.NewConfigurationError("storage.driver", "the api service needs storage shared with the engines")
	}
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	return c.ValidateRabbitMQ()
}

// ValidateWorkerConfig checks everything the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if err := c.ValidateRabbitMQ(); err != nil {
		return err
	}

	if c.Engine.Workers <= 0 {
		return domain.NewConfigurationError("engine.workers", "must be greater than 0")
	}
	if c.Engine.MaxRunnableJobs < 0 {
		return domain.NewConfigurationError("engine.max_runnable_jobs", "must not be negative")
	}
	if c.Engine.AutoDeletePeriod < 0 {
		return domain.NewConfigurationError("engine.auto_delete_period", "must not be negative")
	}
	statuses, err := c.Engine.Statuses()
	if err != nil {
		return domain.NewConfigurationError("engine.auto_delete_status", err.Error())
	}
	for _, st := range statuses {
		if !st.IsTerminal() {
			return domain.NewConfigurationError("engine.auto_delete_status", "only terminal statuses can be deleted: "+string(st))
		}
	}

	return nil
}

// Statuses parses AutoDeleteStatus
func (e *EngineConfig) Statuses() ([]domain.Status, error) {
	out := make([]domain.Status, 0, len(e.AutoDeleteStatus))
	for _, s := range e.AutoDeleteStatus {
		st, err := domain.ParseStatus(s)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ResolveProcessID returns the configured process id, or generates a
// unique one from the hostname
func (e *EngineConfig) ResolveProcessID() string {
	if e.ProcessID != "" {
		return e.ProcessID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	e.ProcessID = host + "-" + uuid.NewString()[:8]
	return e.ProcessID
}
