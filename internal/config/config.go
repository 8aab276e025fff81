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

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Database  DatabaseConfig        `yaml:"database"`
	RabbitMQ  RabbitMQConfig        `yaml:"rabbitmq"`
	Redis     RedisConfig           `yaml:"redis"`
	Logging   LoggingConfig         `yaml:"logging"`
	App       AppConfig             `yaml:"app"`
	Auth      AuthConfig            `yaml:"auth"`
	Admission AdmissionConfig       `yaml:"admission"`
	Tiers     map[string]TierConfig `yaml:"tiers"`
	Tracing   TracingConfig         `yaml:"tracing"`
	Worker    WorkerConfig          `yaml:"worker"`
	Rating    RatingConfig          `yaml:"rating"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
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
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
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

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name        string `yaml:"name"`
	Durable     bool   `yaml:"durable"`
	AutoDelete  bool   `yaml:"auto_delete"`
	Exclusive   bool   `yaml:"exclusive"`
	MaxPriority uint8  `yaml:"max_priority"`
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

// RedisConfig holds the admission statistics store. An empty Addr disables it.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Prefix    string        `yaml:"prefix"`
	StatsTTL  time.Duration `yaml:"stats_ttl"`
	Timeout   time.Duration `yaml:"timeout"`
	TrackKeys bool          `yaml:"track_companies"`
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

// AuthConfig holds bearer token verification settings
type AuthConfig struct {
	PublicKey string `yaml:"public_key"`
	Audience  string `yaml:"audience"`
}

// AdmissionConfig holds the batch admission settings
type AdmissionConfig struct {
	PerJobEstimate time.Duration `yaml:"per_job_estimate"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RatingFunction string        `yaml:"rating_function"`
	AuditTimeout   time.Duration `yaml:"audit_timeout"`
	QuotaWindow    time.Duration `yaml:"quota_window"`
}

// TierConfig holds the quota limits of one subscription tier
type TierConfig struct {
	RequestsPerHour   int `yaml:"requests_per_hour"`
	MaxJobsPerRequest int `yaml:"max_jobs_per_request"`
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PollBatchSize   int           `yaml:"poll_batch_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	CallbackRetries int           `yaml:"callback_retries"`
	CallbackRPS     float64       `yaml:"callback_rps"`
	CallbackBurst   int           `yaml:"callback_burst"`
}

// RatingConfig holds the lane rate table used by the worker
type RatingConfig struct {
	Currency              string             `yaml:"currency"`
	BaseRates             map[string]float64 `yaml:"base_rates"`
	DefaultBaseRate       float64            `yaml:"default_base_rate"`
	PerPoundRate          float64            `yaml:"per_pound_rate"`
	HazmatSurcharge       float64            `yaml:"hazmat_surcharge"`
	TemperatureSurcharge  float64            `yaml:"temperature_surcharge"`
	SpecialRequirementFee float64            `yaml:"special_requirement_fee"`
	PriorityMultipliers   map[string]float64 `yaml:"priority_multipliers"`
}

// DefaultTiers is the quota table applied when the config file defines none
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"free":       {RequestsPerHour: 100, MaxJobsPerRequest: 10},
		"pro":        {RequestsPerHour: 1000, MaxJobsPerRequest: 100},
		"enterprise": {RequestsPerHour: 10000, MaxJobsPerRequest: 1000},
	}
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills zero values with the service defaults
func (c *Config) ApplyDefaults() {
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "rate-bulk"
	}
	if c.Admission.PerJobEstimate <= 0 {
		c.Admission.PerJobEstimate = 2 * time.Second
	}
	if c.Admission.RequestTimeout <= 0 {
		c.Admission.RequestTimeout = 10 * time.Second
	}
	if c.Admission.RatingFunction == "" {
		c.Admission.RatingFunction = "rate-engine"
	}
	if c.Admission.AuditTimeout <= 0 {
		c.Admission.AuditTimeout = 5 * time.Second
	}
	if c.Admission.QuotaWindow <= 0 {
		c.Admission.QuotaWindow = time.Hour
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "ratebulk:admission"
	}
	if c.Redis.StatsTTL <= 0 {
		c.Redis.StatsTTL = 24 * time.Hour
	}
	if c.Redis.Timeout <= 0 {
		c.Redis.Timeout = time.Second
	}
	if c.Worker.PollBatchSize <= 0 {
		c.Worker.PollBatchSize = 50
	}
	if c.Worker.CallbackTimeout <= 0 {
		c.Worker.CallbackTimeout = 10 * time.Second
	}
	if c.Worker.CallbackRPS <= 0 {
		c.Worker.CallbackRPS = 10
	}
	if c.Worker.CallbackBurst <= 0 {
		c.Worker.CallbackBurst = 5
	}
	if c.Rating.Currency == "" {
		c.Rating.Currency = "USD"
	}
}

// ValidateAPIConfig checks the settings required by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Auth.PublicKey == "" {
		return fmt.Errorf("auth public_key is required")
	}

	for name, tier := range c.Tiers {
		if tier.RequestsPerHour <= 0 {
			return fmt.Errorf("tier %s: requests_per_hour must be greater than 0", name)
		}
		if tier.MaxJobsPerRequest <= 0 {
			return fmt.Errorf("tier %s: max_jobs_per_request must be greater than 0", name)
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings required by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
