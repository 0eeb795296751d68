package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Import    ImportConfig
	Provider  ProviderConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
	Features  FeatureFlags
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	BaseURL     string // externally reachable base URL used for local upload/download links
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
	RecordStore string // "memory" or "postgres"
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds blob storage settings
type StorageConfig struct {
	Backend             string // "local" or "s3"
	LocalPath           string
	Bucket              string
	Prefix              string
	Region              string
	Endpoint            string
	AccessKeyID         string
	SecretAccessKey     string
	ForcePathStyle      bool
	PresignTTL          time.Duration
	MaxDirectUploadSize int64
	MaxChunkSize        int64
	MaxUploadSize       int64
	DownloadURLTTL      time.Duration
	SigningKey          string
}

// QueueConfig holds message queue settings
type QueueConfig struct {
	Type            string // "memory", "redis" or "sqs"
	BufferSize      int
	DispatchWorkers int
	ImportWorkers   int
	SQSQueueURL     string
	StreamGroup     string
	StalledAfter    time.Duration // processing age after which reprocess may re-drive
}

// ImportConfig holds import job settings
type ImportConfig struct {
	JobStore      string // "memory", "redis" or "sqlite"
	JobStorePath  string
	JobRetention  time.Duration
	PageLimit     int
	FetchTimeout  time.Duration
	FetchMaxBytes int64

	// AllowPrivateHosts lets URL imports reach loopback and private networks
	AllowPrivateHosts bool
}

// ProviderConfig selects the AI/OCR/STT provider implementation
type ProviderConfig struct {
	Type    string // "mock" or "http"
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RateLimitConfig holds per-owner limits for create endpoints
type RateLimitConfig struct {
	PerMinute int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// FeatureFlags for runtime toggles
type FeatureFlags struct {
	EnableImportSplit bool
	EnableRateLimit   bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	port := getEnvInt("PORT", 8080)
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        port,
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
			BaseURL:     strings.TrimRight(getEnv("API_BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "ingest"),
			User:        getEnv("POSTGRES_USER", "ingest"),
			Password:    getEnv("POSTGRES_PASSWORD", "ingest"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
			RecordStore: getEnv("RECORD_STORE", "memory"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Backend:             getEnv("STORAGE_BACKEND", "local"),
			LocalPath:           getEnv("LOCAL_STORAGE_PATH", "./data/storage"),
			Bucket:              getEnv("S3_BUCKET", "talknote-media"),
			Prefix:              getEnv("S3_PREFIX", ""),
			Region:              getEnv("AWS_REGION", "us-east-1"),
			Endpoint:            getEnv("S3_ENDPOINT", ""),
			AccessKeyID:         getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey:     getEnv("S3_SECRET_ACCESS_KEY", ""),
			ForcePathStyle:      getEnvBool("S3_FORCE_PATH_STYLE", false),
			PresignTTL:          getEnvDuration("S3_PRESIGN_TTL", 15*time.Minute),
			MaxDirectUploadSize: getEnvInt64("MAX_DIRECT_UPLOAD_SIZE", 10<<20),
			MaxChunkSize:        getEnvInt64("MAX_CHUNK_SIZE", 5<<20),
			MaxUploadSize:       getEnvInt64("MAX_UPLOAD_SIZE", 2<<30),
			DownloadURLTTL:      getEnvDuration("DOWNLOAD_URL_TTL", 1*time.Hour),
			SigningKey:          getEnv("DOWNLOAD_SIGNING_KEY", "dev-signing-key"),
		},
		Queue: QueueConfig{
			Type:            getEnv("QUEUE_TYPE", "memory"),
			BufferSize:      getEnvInt("QUEUE_BUFFER", 1000),
			DispatchWorkers: getEnvInt("DISPATCH_WORKERS", 4),
			ImportWorkers:   getEnvInt("IMPORT_WORKERS", 2),
			SQSQueueURL:     getEnv("SQS_QUEUE_URL", ""),
			StreamGroup:     getEnv("REDIS_STREAM_GROUP", "ingest-workers"),
			StalledAfter:    getEnvDuration("PROCESSING_STALLED_AFTER", 10*time.Minute),
		},
		Import: ImportConfig{
			JobStore:      getEnv("JOB_STORE", "memory"),
			JobStorePath:  getEnv("JOB_STORE_PATH", "./data/jobs.db"),
			JobRetention:  getEnvDuration("JOB_RETENTION", 7*24*time.Hour),
			PageLimit:     getEnvInt("IMPORT_PAGE_LIMIT", 2000),
			FetchTimeout:  getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
			FetchMaxBytes: getEnvInt64("FETCH_MAX_BYTES", 10<<20),

			AllowPrivateHosts: getEnvBool("IMPORT_ALLOW_PRIVATE_HOSTS", false),
		},
		Provider: ProviderConfig{
			Type:    getEnv("PROVIDER", "mock"),
			BaseURL: getEnv("PROVIDER_BASE_URL", ""),
			APIKey:  getEnv("PROVIDER_API_KEY", ""),
			Timeout: getEnvDuration("PROVIDER_TIMEOUT", 2*time.Minute),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
		Features: FeatureFlags{
			EnableImportSplit: getEnvBool("FEATURE_IMPORT_SPLIT", true),
			EnableRateLimit:   getEnvBool("FEATURE_RATE_LIMIT", false),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Database.RecordStore {
	case "memory":
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	default:
		return fmt.Errorf("unknown record store: %s", c.Database.RecordStore)
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalPath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required for local storage")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	if c.Storage.MaxChunkSize <= 0 {
		return fmt.Errorf("max chunk size must be positive")
	}
	if c.Storage.MaxDirectUploadSize < 0 {
		return fmt.Errorf("max direct upload size must not be negative")
	}

	switch c.Queue.Type {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("QUEUE_TYPE=redis requires REDIS_ENABLED=true")
		}
	case "sqs":
		if c.Queue.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required for sqs queue")
		}
	default:
		return fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}
	if c.Queue.DispatchWorkers < 1 || c.Queue.ImportWorkers < 1 {
		return fmt.Errorf("worker counts must be >= 1")
	}

	switch c.Import.JobStore {
	case "memory", "sqlite":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("JOB_STORE=redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("unknown job store: %s", c.Import.JobStore)
	}
	if c.Import.PageLimit < 1 {
		return fmt.Errorf("import page limit must be >= 1")
	}

	switch c.Provider.Type {
	case "mock":
	case "http":
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("PROVIDER_BASE_URL is required for http provider")
		}
	default:
		return fmt.Errorf("unknown provider: %s", c.Provider.Type)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
