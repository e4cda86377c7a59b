// Package config provides configuration management and environment variable handling for the application
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database           DatabaseConfig           `json:"database"`
	Server             ServerConfig             `json:"server"`
	Security           SecurityConfig           `json:"security"`
	JWT                JWTConfig                `json:"jwt"`
	SMS                SMSConfig                `json:"sms"`
	WhatsappUnofficial WhatsappUnofficialConfig `json:"whatsapp_unofficial"`
	WhatsappOfficial   WhatsappOfficialConfig   `json:"whatsapp_official"`
	Dispatch           DispatchConfig           `json:"dispatch"`
	Reconciler         ReconcilerConfig         `json:"reconciler"`
	Events             EventsConfig             `json:"events"`
	Logging            LoggingConfig            `json:"logging"`
	Metrics            MetricsConfig            `json:"metrics"`
	Cache              CacheConfig              `json:"cache"`
	Deployment         DeploymentConfig         `json:"deployment"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryLog    bool          `json:"slow_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
	RunMigrations   bool          `json:"run_migrations"`
}

// DSN returns the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type ServerConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
	BodyLimit         int           `json:"body_limit"`
	EnableMetrics     bool          `json:"enable_metrics"`
	TrustedProxies    []string      `json:"trusted_proxies"`
	ProxyHeader       string        `json:"proxy_header"`
	EnableCompression bool          `json:"enable_compression"`
}

type SecurityConfig struct {
	// CORS
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	CORSMaxAge       int      `json:"cors_max_age"`

	// Rate Limiting
	SendRateLimit   int           `json:"send_rate_limit"`   // requests per window per IP on /send
	GlobalRateLimit int           `json:"global_rate_limit"` // requests per window per IP
	RateLimitWindow time.Duration `json:"rate_limit_window"`

	// Content Security
	XFrameOptions       string `json:"x_frame_options"`
	XContentTypeOptions string `json:"x_content_type_options"`
	ReferrerPolicy      string `json:"referrer_policy"`

	// API Security
	APIKeyHeader string   `json:"api_key_header"`
	IPWhitelist  []string `json:"ip_whitelist"`
	IPBlacklist  []string `json:"ip_blacklist"`

	// Webhooks
	WebhookVerifyToken string `json:"-"`
	WebhookAppSecret   string `json:"-"` // signs X-Hub-Signature-256 on official webhooks
}

// JWTConfig configures operator tokens
type JWTConfig struct {
	SecretKey      string        `json:"-"`
	PrivateKey     string        `json:"-"` // RSA private key in PEM format
	PublicKey      string        `json:"-"` // RSA public key in PEM format
	UseRSAKeys     bool          `json:"use_rsa_keys"`
	AccessTokenTTL time.Duration `json:"access_token_ttl"`
	Issuer         string        `json:"issuer"`
	Audience       string        `json:"audience"`
}

// SMSConfig configures the device-backed SMS gateway
type SMSConfig struct {
	Enabled    bool          `json:"enabled"`
	BaseURL    string        `json:"base_url"`
	Username   string        `json:"username"`
	Password   string        `json:"-"`
	DeviceID   string        `json:"device_id"`
	Timeout    time.Duration `json:"timeout"`
	RatePerSec int           `json:"rate_per_sec"`
}

// WhatsappUnofficialConfig configures the session-based whatsapp bridge
type WhatsappUnofficialConfig struct {
	Enabled    bool          `json:"enabled"`
	BaseURL    string        `json:"base_url"`
	APIKey     string        `json:"-"`
	Session    string        `json:"session"`
	Timeout    time.Duration `json:"timeout"`
	RatePerSec int           `json:"rate_per_sec"`
}

// WhatsappOfficialConfig configures the WhatsApp Business Cloud API
type WhatsappOfficialConfig struct {
	Enabled           bool          `json:"enabled"`
	BaseURL           string        `json:"base_url"`
	APIVersion        string        `json:"api_version"`
	PhoneNumberID     string        `json:"phone_number_id"`
	BusinessAccountID string        `json:"business_account_id"`
	AccessToken       string        `json:"-"`
	Timeout           time.Duration `json:"timeout"`
	RatePerSec        int           `json:"rate_per_sec"`
}

// DispatchConfig configures the asynchronous send pipeline
type DispatchConfig struct {
	Workers        int           `json:"workers"`
	QueueSize      int           `json:"queue_size"`
	ChannelTimeout time.Duration `json:"channel_timeout"`
	JobTimeout     time.Duration `json:"job_timeout"`
	Timezone       string        `json:"timezone"` // location for daily/monthly quota windows
	LockTTL        time.Duration `json:"lock_ttl"`
}

// ReconcilerConfig configures status polling and cleanup jobs
type ReconcilerConfig struct {
	Enabled         bool          `json:"enabled"`
	PollInterval    time.Duration `json:"poll_interval"`
	BatchSize       int           `json:"batch_size"`
	BatchBudget     time.Duration `json:"batch_budget"`
	StaleAfter      time.Duration `json:"stale_after"`
	SweepInterval   time.Duration `json:"sweep_interval"`
	BalanceInterval time.Duration `json:"balance_interval"`
}

// EventsConfig configures the status change publisher
type EventsConfig struct {
	Enabled  bool     `json:"enabled"`
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic"`
	ClientID string   `json:"client_id"`
}

type LoggingConfig struct {
	Level        string `json:"level"`  // debug, info, warn, error
	Format       string `json:"format"` // json, text
	Output       string `json:"output"` // stdout, file, both
	FilePath     string `json:"file_path"`
	MaxSize      int    `json:"max_size"` // MB
	MaxBackups   int    `json:"max_backups"`
	MaxAge       int    `json:"max_age"` // days
	Compress     bool   `json:"compress"`
	EnableCaller bool   `json:"enable_caller"`

	// Access Logs
	EnableAccessLog bool `json:"enable_access_log"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type CacheConfig struct {
	Enabled         bool          `json:"enabled"`
	Provider        string        `json:"provider"` // redis, memory
	RedisURL        string        `json:"redis_url"`
	RedisDB         int           `json:"redis_db"`
	RedisPrefix     string        `json:"redis_prefix"`
	DefaultTTL      time.Duration `json:"default_ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

type DeploymentConfig struct {
	Domain      string `json:"domain"`
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
	BuildTime   string `json:"build_time"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	// Variables already present in the environment win over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := loadFromEnv()

	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromEnv() *ProductionConfig {
	return &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "dispatch"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryLog:    getEnvBool("DB_SLOW_QUERY_LOG", true),
			SlowQueryTime:   getEnvDuration("DB_SLOW_QUERY_TIME", 1*time.Second),
			RunMigrations:   getEnvBool("DB_RUN_MIGRATIONS", true),
		},
		Server: ServerConfig{
			Host:              getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:              getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:       getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:       getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout:   getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			BodyLimit:         getEnvInt("SERVER_BODY_LIMIT", 1*1024*1024), // 1MB
			EnableMetrics:     getEnvBool("SERVER_ENABLE_METRICS", true),
			TrustedProxies:    getEnvStringSlice("SERVER_TRUSTED_PROXIES", []string{"127.0.0.1"}),
			ProxyHeader:       getEnvString("SERVER_PROXY_HEADER", "X-Real-IP"),
			EnableCompression: getEnvBool("SERVER_ENABLE_COMPRESSION", true),
		},
		Security: SecurityConfig{
			AllowedOrigins:      getEnvStringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods:      getEnvStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders:      getEnvStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"}),
			AllowCredentials:    getEnvBool("CORS_ALLOW_CREDENTIALS", false),
			CORSMaxAge:          getEnvInt("CORS_MAX_AGE", 86400), // 24h
			SendRateLimit:       getEnvInt("SEND_RATE_LIMIT", 600),
			GlobalRateLimit:     getEnvInt("GLOBAL_RATE_LIMIT", 2000),
			RateLimitWindow:     getEnvDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
			XFrameOptions:       getEnvString("X_FRAME_OPTIONS", "DENY"),
			XContentTypeOptions: getEnvString("X_CONTENT_TYPE_OPTIONS", "nosniff"),
			ReferrerPolicy:      getEnvString("REFERRER_POLICY", "strict-origin-when-cross-origin"),
			APIKeyHeader:        getEnvString("API_KEY_HEADER", "X-API-Key"),
			IPWhitelist:         getEnvStringSlice("IP_WHITELIST", []string{}),
			IPBlacklist:         getEnvStringSlice("IP_BLACKLIST", []string{}),
			WebhookVerifyToken:  getEnvString("WEBHOOK_VERIFY_TOKEN", ""),
			WebhookAppSecret:    getEnvString("WEBHOOK_APP_SECRET", ""),
		},
		JWT: JWTConfig{
			SecretKey:      getEnvString("JWT_SECRET_KEY", ""),
			PrivateKey:     getEnvString("JWT_PRIVATE_KEY", ""),
			PublicKey:      getEnvString("JWT_PUBLIC_KEY", ""),
			UseRSAKeys:     getEnvBool("JWT_USE_RSA_KEYS", false),
			AccessTokenTTL: getEnvDuration("JWT_ACCESS_TOKEN_TTL", 12*time.Hour),
			Issuer:         getEnvString("JWT_ISSUER", "orochi-dispatch"),
			Audience:       getEnvString("JWT_AUDIENCE", "orochi-dispatch-operators"),
		},
		SMS: SMSConfig{
			Enabled:    getEnvBool("SMS_ENABLED", true),
			BaseURL:    getEnvString("SMS_BASE_URL", ""),
			Username:   getEnvString("SMS_USERNAME", ""),
			Password:   getEnvString("SMS_PASSWORD", ""),
			DeviceID:   getEnvString("SMS_DEVICE_ID", ""),
			Timeout:    getEnvDuration("SMS_TIMEOUT", 15*time.Second),
			RatePerSec: getEnvInt("SMS_RATE_PER_SEC", 10),
		},
		WhatsappUnofficial: WhatsappUnofficialConfig{
			Enabled:    getEnvBool("WA_UNOFFICIAL_ENABLED", false),
			BaseURL:    getEnvString("WA_UNOFFICIAL_BASE_URL", ""),
			APIKey:     getEnvString("WA_UNOFFICIAL_API_KEY", ""),
			Session:    getEnvString("WA_UNOFFICIAL_SESSION", "default"),
			Timeout:    getEnvDuration("WA_UNOFFICIAL_TIMEOUT", 15*time.Second),
			RatePerSec: getEnvInt("WA_UNOFFICIAL_RATE_PER_SEC", 5),
		},
		WhatsappOfficial: WhatsappOfficialConfig{
			Enabled:           getEnvBool("WA_OFFICIAL_ENABLED", false),
			BaseURL:           getEnvString("WA_OFFICIAL_BASE_URL", "https://graph.facebook.com"),
			APIVersion:        getEnvString("WA_OFFICIAL_API_VERSION", "v21.0"),
			PhoneNumberID:     getEnvString("WA_OFFICIAL_PHONE_NUMBER_ID", ""),
			BusinessAccountID: getEnvString("WA_OFFICIAL_BUSINESS_ACCOUNT_ID", ""),
			AccessToken:       getEnvString("WA_OFFICIAL_ACCESS_TOKEN", ""),
			Timeout:           getEnvDuration("WA_OFFICIAL_TIMEOUT", 15*time.Second),
			RatePerSec:        getEnvInt("WA_OFFICIAL_RATE_PER_SEC", 20),
		},
		Dispatch: DispatchConfig{
			Workers:        getEnvInt("DISPATCH_WORKERS", 8),
			QueueSize:      getEnvInt("DISPATCH_QUEUE_SIZE", 1000),
			ChannelTimeout: getEnvDuration("DISPATCH_CHANNEL_TIMEOUT", 20*time.Second),
			JobTimeout:     getEnvDuration("DISPATCH_JOB_TIMEOUT", 90*time.Second),
			Timezone:       getEnvString("DISPATCH_TIMEZONE", "UTC"),
			LockTTL:        getEnvDuration("DISPATCH_LOCK_TTL", 2*time.Minute),
		},
		Reconciler: ReconcilerConfig{
			Enabled:         getEnvBool("RECONCILER_ENABLED", true),
			PollInterval:    getEnvDuration("RECONCILER_POLL_INTERVAL", 1*time.Minute),
			BatchSize:       getEnvInt("RECONCILER_BATCH_SIZE", 100),
			BatchBudget:     getEnvDuration("RECONCILER_BATCH_BUDGET", 45*time.Second),
			StaleAfter:      getEnvDuration("RECONCILER_STALE_AFTER", 24*time.Hour),
			SweepInterval:   getEnvDuration("RECONCILER_SWEEP_INTERVAL", 1*time.Hour),
			BalanceInterval: getEnvDuration("RECONCILER_BALANCE_INTERVAL", 15*time.Minute),
		},
		Events: EventsConfig{
			Enabled:  getEnvBool("EVENTS_ENABLED", false),
			Brokers:  getEnvStringSlice("EVENTS_KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:    getEnvString("EVENTS_KAFKA_TOPIC", "message-status-changed"),
			ClientID: getEnvString("EVENTS_KAFKA_CLIENT_ID", "orochi-dispatch"),
		},
		Logging: LoggingConfig{
			Level:           getEnvString("LOG_LEVEL", "info"),
			Format:          getEnvString("LOG_FORMAT", "json"),
			Output:          getEnvString("LOG_OUTPUT", "stdout"),
			FilePath:        getEnvString("LOG_FILE_PATH", "/var/log/orochi-dispatch/app.log"),
			MaxSize:         getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups:      getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:          getEnvInt("LOG_MAX_AGE", 30),
			Compress:        getEnvBool("LOG_COMPRESS", true),
			EnableCaller:    getEnvBool("LOG_ENABLE_CALLER", false),
			EnableAccessLog: getEnvBool("LOG_ENABLE_ACCESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			Enabled:         getEnvBool("CACHE_ENABLED", false),
			Provider:        getEnvString("CACHE_PROVIDER", "redis"),
			RedisURL:        getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:         getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix:     getEnvString("CACHE_REDIS_PREFIX", "dispatch:"),
			DefaultTTL:      getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
			CleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", 30*time.Second),
		},
		Deployment: DeploymentConfig{
			Domain:      getEnvString("DOMAIN", "localhost"),
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("VERSION", "1.0.0"),
			CommitHash:  getEnvString("COMMIT_HASH", "unknown"),
			BuildTime:   getEnvString("BUILD_TIME", "unknown"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var errs []string

	// Validate database configuration
	if cfg.Database.Host == "" {
		errs = append(errs, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		errs = append(errs, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		errs = append(errs, "DB_USER is required")
	}
	if cfg.Database.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Validate JWT configuration
	if cfg.JWT.UseRSAKeys {
		if cfg.JWT.PrivateKey == "" || cfg.JWT.PublicKey == "" {
			errs = append(errs, "JWT_PRIVATE_KEY and JWT_PUBLIC_KEY are required when JWT_USE_RSA_KEYS is set")
		}
	} else if len(cfg.JWT.SecretKey) < 32 {
		errs = append(errs, "JWT_SECRET_KEY must be at least 32 characters long")
	}
	if cfg.JWT.AccessTokenTTL <= 0 {
		errs = append(errs, "JWT_ACCESS_TOKEN_TTL must be positive")
	}

	// Validate server configuration
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be positive")
	}
	if cfg.Server.WriteTimeout <= 0 {
		errs = append(errs, "SERVER_WRITE_TIMEOUT must be positive")
	}
	if cfg.Security.AllowCredentials {
		for _, origin := range cfg.Security.AllowedOrigins {
			if origin == "*" {
				errs = append(errs, "CORS_ALLOW_CREDENTIALS cannot be combined with a wildcard CORS_ALLOWED_ORIGINS")
				break
			}
		}
	}

	// Validate provider configuration
	if cfg.SMS.Enabled && cfg.SMS.BaseURL == "" {
		errs = append(errs, "SMS_BASE_URL is required when SMS is enabled")
	}
	if cfg.WhatsappUnofficial.Enabled && cfg.WhatsappUnofficial.BaseURL == "" {
		errs = append(errs, "WA_UNOFFICIAL_BASE_URL is required when the whatsapp bridge is enabled")
	}
	if cfg.WhatsappOfficial.Enabled {
		if cfg.WhatsappOfficial.PhoneNumberID == "" {
			errs = append(errs, "WA_OFFICIAL_PHONE_NUMBER_ID is required when official whatsapp is enabled")
		}
		if cfg.Security.WebhookVerifyToken == "" {
			errs = append(errs, "WEBHOOK_VERIFY_TOKEN is required when official whatsapp is enabled")
		}
	}

	// Validate dispatch configuration
	if cfg.Dispatch.Workers <= 0 {
		errs = append(errs, "DISPATCH_WORKERS must be positive")
	}
	if cfg.Dispatch.QueueSize <= 0 {
		errs = append(errs, "DISPATCH_QUEUE_SIZE must be positive")
	}
	if cfg.Dispatch.ChannelTimeout <= 0 {
		errs = append(errs, "DISPATCH_CHANNEL_TIMEOUT must be positive")
	}
	if _, err := time.LoadLocation(cfg.Dispatch.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("DISPATCH_TIMEZONE is invalid: %v", err))
	}

	// Validate reconciler configuration
	if cfg.Reconciler.Enabled {
		if cfg.Reconciler.PollInterval <= 0 {
			errs = append(errs, "RECONCILER_POLL_INTERVAL must be positive")
		}
		if cfg.Reconciler.BatchSize <= 0 {
			errs = append(errs, "RECONCILER_BATCH_SIZE must be positive")
		}
		if cfg.Reconciler.StaleAfter <= 0 {
			errs = append(errs, "RECONCILER_STALE_AFTER must be positive")
		}
	}

	if cfg.Events.Enabled {
		if len(cfg.Events.Brokers) == 0 {
			errs = append(errs, "EVENTS_KAFKA_BROKERS is required when events are enabled")
		}
		if cfg.Events.Topic == "" {
			errs = append(errs, "EVENTS_KAFKA_TOPIC is required when events are enabled")
		}
	}

	// Validate logging configuration
	if cfg.Logging.Level != "" {
		validLevels := []string{"debug", "info", "warn", "error"}
		if !slices.Contains(validLevels, cfg.Logging.Level) {
			errs = append(errs, fmt.Sprintf("LOG_LEVEL must be one of: %v", validLevels))
		}
	}
	if cfg.Logging.Output == "file" || cfg.Logging.Output == "both" {
		if cfg.Logging.FilePath == "" {
			errs = append(errs, "LOG_FILE_PATH is required when logging to a file")
		}
	}

	// Validate cache configuration if enabled
	if cfg.Cache.Enabled {
		if cfg.Cache.Provider == "redis" && cfg.Cache.RedisURL == "" {
			errs = append(errs, "CACHE_REDIS_URL is required when cache is enabled with redis provider")
		}
	}

	// Return validation errors if any
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
