package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Auth      AuthConfig
	Provider  ProviderConfig
	Credits   CreditsConfig
	Upload    UploadConfig
	Poller    PollerConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	Tracing   TracingConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
	Migrate  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
	// PublicBaseURL is the externally reachable origin used to build object
	// URLs handed to the inference provider.
	PublicBaseURL string
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// AuthConfig holds JWT settings
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// ProviderConfig selects and configures the external inpainting provider
type ProviderConfig struct {
	Name           string // replicate or fal
	Timeout        time.Duration
	ReplicateToken string
	ReplicateURL   string
	ReplicateModel string
	FalKey         string
	FalURL         string
	FalModel       string
	// WebhookURL is the public API origin providers call back on completion.
	// Empty disables callbacks and leaves completion to polling.
	WebhookURL    string
	WebhookSecret string
	WebhookToken  string
}

// CreditsConfig holds ledger amounts
type CreditsConfig struct {
	Initial    int
	TaskCost   int
	DailyBonus int
}

// UploadConfig holds source video upload limits
type UploadConfig struct {
	MaxSize      int64
	AllowedTypes []string
	SessionTTL   time.Duration
}

// PollerConfig holds status polling settings
type PollerConfig struct {
	ClientInterval time.Duration
	WatchInterval  time.Duration
	MaxAttempts    int
	SweepInterval  time.Duration
	LockTTL        time.Duration
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds the metrics server settings
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger settings
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// RateLimitConfig holds per-client request limits
type RateLimitConfig struct {
	RPS   int
	Burst int
	// ProcessPerHour caps task submissions per user across all instances
	ProcessPerHour int
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks values that have no safe default
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "replicate", "fal":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}

	if c.Credits.TaskCost <= 0 {
		return fmt.Errorf("credits.taskCost must be positive")
	}

	if c.Upload.MaxSize <= 0 {
		return fmt.Errorf("upload.maxSize must be positive")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "60s")
	v.SetDefault("server.writeTimeout", "60s")
	v.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "suberase")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.migrate", true)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "videos")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)
	v.SetDefault("storage.publicBaseURL", "http://localhost:9000")

	// Queue defaults
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "change-me")
	v.SetDefault("auth.tokenTTL", "24h")

	// Provider defaults
	v.SetDefault("provider.name", "replicate")
	v.SetDefault("provider.timeout", "30s")
	v.SetDefault("provider.replicateURL", "https://api.replicate.com/v1")
	v.SetDefault("provider.replicateModel", "sczhou/propainter")
	v.SetDefault("provider.falURL", "https://queue.fal.run")
	v.SetDefault("provider.falModel", "fal-ai/wan-vace-14b/inpainting")
	v.SetDefault("provider.webhookURL", "")
	v.SetDefault("provider.webhookSecret", "")
	v.SetDefault("provider.webhookToken", "")

	// Credits defaults
	v.SetDefault("credits.initial", 100)
	v.SetDefault("credits.taskCost", 10)
	v.SetDefault("credits.dailyBonus", 10)

	// Upload defaults
	v.SetDefault("upload.maxSize", 100*1024*1024) // 100MB
	v.SetDefault("upload.allowedTypes", []string{"video/mp4", "video/quicktime", "video/x-msvideo"})
	v.SetDefault("upload.sessionTTL", "24h")

	// Poller defaults
	v.SetDefault("poller.clientInterval", "3s")
	v.SetDefault("poller.watchInterval", "5s")
	v.SetDefault("poller.maxAttempts", 180) // 15 minutes at 5s
	v.SetDefault("poller.sweepInterval", "10m")
	v.SetDefault("poller.lockTTL", "2m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Metrics and tracing defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "suberase")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	// Rate limit defaults
	v.SetDefault("rateLimit.rps", 10)
	v.SetDefault("rateLimit.burst", 20)
	v.SetDefault("rateLimit.processPerHour", 30)
}
