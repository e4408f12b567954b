package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/jobstore"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Environment variables that override secrets from the config file
const (
	EnvDatabasePassword = "DATABASE_PASSWORD"
	EnvRabbitMQPassword = "RABBITMQ_PASSWORD"
	EnvGeminiAPIKey     = "GEMINI_API_KEY"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     JobQueueConfig  `yaml:"queue"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
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
	Name            string `yaml:"name"`
	Durable         bool   `yaml:"durable"`
	AutoDelete      bool   `yaml:"auto_delete"`
	Exclusive       bool   `yaml:"exclusive"`
	DeadLetterQueue string `yaml:"dead_letter_queue"`
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

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsPort     int           `yaml:"metrics_port"`
}

// JobQueueConfig holds the job store retry policy and retention
type JobQueueConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	LeaseTimeout      time.Duration `yaml:"lease_timeout"`
	KeepCompleted     int           `yaml:"keep_completed"`
	KeepFailed        int           `yaml:"keep_failed"`
	PruneInterval     time.Duration `yaml:"prune_interval"`
}

// PipelineConfig holds per-job processing settings
type PipelineConfig struct {
	Language          string        `yaml:"language"`
	Diarization       bool          `yaml:"diarization"`
	MaxAudioBytes     int64         `yaml:"max_audio_bytes"`
	MaxSentimentChars int           `yaml:"max_sentiment_chars"`
	TranscribeTimeout time.Duration `yaml:"transcribe_timeout"`
	SentimentTimeout  time.Duration `yaml:"sentiment_timeout"`
}

// ProvidersConfig holds external AI provider settings
type ProvidersConfig struct {
	Gemini GeminiConfig `yaml:"gemini"`
}

// GeminiConfig holds Gemini API settings
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// StorageConfig holds object storage settings
type StorageConfig struct {
	Root string `yaml:"root"`
}

// Load reads and parses the configuration file. Secrets set in the
// environment win over the file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()
	return &config, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvDatabasePassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(EnvRabbitMQPassword); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv(EnvGeminiAPIKey); v != "" {
		c.Providers.Gemini.APIKey = v
	}
}

// RetryPolicy returns the job store retry policy; zero fields fall back to
// the store defaults
func (c *Config) RetryPolicy() jobstore.RetryPolicy {
	return jobstore.RetryPolicy{
		BaseDelay:         c.Queue.BaseDelay,
		MaxAttempts:       c.Queue.MaxAttempts,
		BackoffMultiplier: c.Queue.BackoffMultiplier,
		LeaseTimeout:      c.Queue.LeaseTimeout,
	}
}

// Validate checks the sections shared by both services
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.New("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return errors.New("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return errors.New("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return errors.New("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return errors.New("rabbitmq queue name is required")
	}

	if c.Queue.MaxAttempts < 0 {
		return errors.New("queue max_attempts must not be negative")
	}

	if c.Queue.LeaseTimeout < 0 {
		return errors.New("queue lease_timeout must not be negative")
	}

	if c.Queue.BackoffMultiplier != 0 && c.Queue.BackoffMultiplier < 1 {
		return fmt.Errorf("queue backoff_multiplier must be at least 1, got %v", c.Queue.BackoffMultiplier)
	}

	return nil
}

// ValidateAPIConfig checks the configuration of the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the configuration of the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return errors.New("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return errors.New("worker job_timeout must be greater than 0")
	}

	lease := c.Queue.LeaseTimeout
	if lease == 0 {
		lease = jobstore.DefaultRetryPolicy().LeaseTimeout
	}
	if lease <= c.Worker.JobTimeout {
		return fmt.Errorf("queue lease_timeout (%s) must exceed worker job_timeout (%s)", lease, c.Worker.JobTimeout)
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return errors.New("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d (must be between %d and %d)", c.Worker.MetricsPort, MinPort, MaxPort)
	}

	if c.Pipeline.MaxAudioBytes <= 0 {
		return errors.New("pipeline max_audio_bytes must be greater than 0")
	}

	if c.Providers.Gemini.APIKey == "" {
		return fmt.Errorf("gemini api key is required (set providers.gemini.api_key or %s)", EnvGeminiAPIKey)
	}

	if c.Storage.Root == "" {
		return errors.New("storage root is required")
	}

	return nil
}
