package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue backends
const (
	QueueBackendPostgres = "postgres"
	QueueBackendRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Generator GeneratorConfig `yaml:"generator"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SubmitRateLimit float64       `yaml:"submit_rate_limit"` // requests per second, 0 disables
	SubmitBurst     int           `yaml:"submit_burst"`
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
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds the wake-up broker configuration. The broker is optional.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      AMQPQueueConfig  `yaml:"queue"`
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

// AMQPQueueConfig holds RabbitMQ queue configuration
type AMQPQueueConfig struct {
	Name       string        `yaml:"name"`
	Durable    bool          `yaml:"durable"`
	AutoDelete bool          `yaml:"auto_delete"`
	Exclusive  bool          `yaml:"exclusive"`
	MessageTTL time.Duration `yaml:"message_ttl"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection configuration for the redis queue backend
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	Backend            string        `yaml:"backend"` // postgres or redis
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	MaxLeaseRetries    int           `yaml:"max_lease_retries"` // 0 selects the default, -1 disables redelivery
	CompletedRetention time.Duration `yaml:"completed_retention"`
	FailedRetention    time.Duration `yaml:"failed_retention"`
	CleanupLimit       int           `yaml:"cleanup_limit"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollBackoff  time.Duration `yaml:"max_poll_backoff"`
	RenewInterval   time.Duration `yaml:"renew_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// RecoveryConfig holds recovery coordinator configuration
type RecoveryConfig struct {
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	Concurrency    int           `yaml:"concurrency"`
}

// NotifierConfig holds status stream configuration
type NotifierConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

// GeneratorConfig holds test generation configuration
type GeneratorConfig struct {
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ExecutorConfig holds test execution configuration
type ExecutorConfig struct {
	Command []string      `yaml:"command"`
	Dir     string        `yaml:"dir"`
	WorkDir string        `yaml:"work_dir"`
	Timeout time.Duration `yaml:"timeout"`
	Cleanup bool          `yaml:"cleanup"`
}

// StorageConfig holds artifact object storage configuration
type StorageConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	UseSSL    bool          `yaml:"use_ssl"`
	Region    string        `yaml:"region"`
	Bucket    string        `yaml:"bucket"`
	URLExpiry time.Duration `yaml:"url_expiry"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads and parses the configuration file and fills in defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	setDuration(&c.Server.ShutdownTimeout, 30*time.Second)
	setString(&c.Database.SSLMode, "disable")

	setString(&c.Queue.Backend, QueueBackendPostgres)
	setDuration(&c.Queue.LeaseDuration, 2*time.Minute)
	if c.Queue.MaxLeaseRetries < 0 {
		c.Queue.MaxLeaseRetries = 0
	} else if c.Queue.MaxLeaseRetries == 0 {
		c.Queue.MaxLeaseRetries = 2
	}
	setDuration(&c.Queue.CompletedRetention, 24*time.Hour)
	setDuration(&c.Queue.FailedRetention, 7*24*time.Hour)
	setInt(&c.Queue.CleanupLimit, 100)

	setInt(&c.Worker.Concurrency, 1)
	setDuration(&c.Worker.PollInterval, time.Second)
	setDuration(&c.Worker.MaxPollBackoff, 30*time.Second)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)

	setDuration(&c.Recovery.StaleThreshold, 5*time.Minute)
	setInt(&c.Recovery.Concurrency, 4)

	setDuration(&c.Notifier.PollInterval, time.Second)
	setInt(&c.Notifier.MaxPolls, 300)

	setString(&c.Storage.Bucket, "test-artifacts")
	setDuration(&c.Storage.URLExpiry, 7*24*time.Hour)

	setString(&c.Redis.KeyPrefix, "testrun:queue:")
	setString(&c.Metrics.Path, "/metrics")
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
}

// ApplyEnv overrides secrets from the environment when set
func (c *Config) ApplyEnv() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"DATABASE_PASSWORD", &c.Database.Password},
		{"RABBITMQ_PASSWORD", &c.RabbitMQ.Password},
		{"REDIS_PASSWORD", &c.Redis.Password},
		{"OPENAI_API_KEY", &c.Generator.APIKey},
		{"MINIO_ACCESS_KEY", &c.Storage.AccessKey},
		{"MINIO_SECRET_KEY", &c.Storage.SecretKey},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.target = v
		}
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := validatePort("server", c.Server.Port); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}
	if c.Server.SubmitRateLimit < 0 {
		return fmt.Errorf("server submit_rate_limit must not be negative")
	}
	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.RenewInterval < 0 {
		return fmt.Errorf("worker renew_interval must not be negative")
	}

	if c.Worker.RenewInterval >= c.Queue.LeaseDuration {
		return fmt.Errorf("worker renew_interval (%s) must be shorter than queue lease_duration (%s)",
			c.Worker.RenewInterval, c.Queue.LeaseDuration)
	}

	if c.Worker.JobTimeout < 0 {
		return fmt.Errorf("worker job_timeout must not be negative")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.SweepInterval < 0 {
		return fmt.Errorf("worker sweep_interval must not be negative")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if err := validatePort("database", c.Database.Port); err != nil {
		return err
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueBackendPostgres:
	case QueueBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis queue backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q (must be %s or %s)", c.Queue.Backend, QueueBackendPostgres, QueueBackendRedis)
	}

	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("queue lease_duration must be greater than 0")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
		return err
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setInt(i *int, def int) {
	if *i <= 0 {
		*i = def
	}
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}
