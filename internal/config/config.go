package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for our application
type Config struct {
	Server    ServerConfig    `mapstructure:",squash"`
	Database  DatabaseConfig  `mapstructure:",squash"`
	Redis     RedisConfig     `mapstructure:",squash"`
	Kafka     KafkaConfig     `mapstructure:",squash"`
	Gateway   GatewayConfig   `mapstructure:",squash"`
	Callback  CallbackConfig  `mapstructure:",squash"`
	Scheduler SchedulerConfig `mapstructure:",squash"`
	Logging   LoggingConfig   `mapstructure:",squash"`
	Business  BusinessConfig  `mapstructure:",squash"`
	Health    HealthConfig    `mapstructure:",squash"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"SERVER_PORT"`
	Host         string        `mapstructure:"SERVER_HOST"`
	Env          string        `mapstructure:"ENV"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"DATABASE_DRIVER"`
	URL             string        `mapstructure:"DATABASE_URL"`
	Host            string        `mapstructure:"DATABASE_HOST"`
	Port            string        `mapstructure:"DATABASE_PORT"`
	Name            string        `mapstructure:"DATABASE_NAME"`
	User            string        `mapstructure:"DATABASE_USER"`
	Password        string        `mapstructure:"DATABASE_PASSWORD"`
	SSLMode         string        `mapstructure:"DATABASE_SSLMODE"`
	MaxOpenConns    int           `mapstructure:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `mapstructure:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `mapstructure:"DATABASE_CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `mapstructure:"DATABASE_AUTO_MIGRATE"`
}

type RedisConfig struct {
	URL      string `mapstructure:"REDIS_URL"`
	Host     string `mapstructure:"REDIS_HOST"`
	Port     string `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"KAFKA_BROKERS"`
	Topic   string `mapstructure:"KAFKA_TOPIC"`
}

type GatewayConfig struct {
	Driver      string        `mapstructure:"GATEWAY_DRIVER"`
	Provider    string        `mapstructure:"GATEWAY_PROVIDER"`
	BaseURL     string        `mapstructure:"GATEWAY_BASE_URL"`
	APIKey      string        `mapstructure:"GATEWAY_API_KEY"`
	Timeout     time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	Destination string        `mapstructure:"GATEWAY_DESTINATION"`
	SandboxMode string        `mapstructure:"GATEWAY_SANDBOX_MODE"`
}

type CallbackConfig struct {
	Secret        string `mapstructure:"CALLBACK_SECRET"`
	AllowUnsigned bool   `mapstructure:"CALLBACK_ALLOW_UNSIGNED"`
}

type SchedulerConfig struct {
	Timezone          string        `mapstructure:"SCHEDULER_TIMEZONE"`
	DuePaymentsCron   string        `mapstructure:"SCHEDULER_DUE_PAYMENTS_CRON"`
	RetryCron         string        `mapstructure:"SCHEDULER_RETRY_CRON"`
	OverdueCron       string        `mapstructure:"SCHEDULER_OVERDUE_CRON"`
	ReconcileCron     string        `mapstructure:"SCHEDULER_RECONCILE_CRON"`
	OutboxCron        string        `mapstructure:"SCHEDULER_OUTBOX_CRON"`
	PurgeCron         string        `mapstructure:"SCHEDULER_PURGE_CRON"`
	ReminderCron      string        `mapstructure:"SCHEDULER_REMINDER_CRON"`
	LeaseTTL          time.Duration `mapstructure:"SCHEDULER_LEASE_TTL"`
	BatchSize         int           `mapstructure:"SCHEDULER_BATCH_SIZE"`
	Workers           int           `mapstructure:"SCHEDULER_WORKERS"`
	MetricsPort       string        `mapstructure:"SCHEDULER_METRICS_PORT"`
	ProcessingTimeout time.Duration `mapstructure:"PROCESSING_TIMEOUT"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"LOG_LEVEL"`
	Format string `mapstructure:"LOG_FORMAT"`
}

type BusinessConfig struct {
	Currency               string        `mapstructure:"CURRENCY"`
	CurrencyPrecision      int           `mapstructure:"CURRENCY_PRECISION"`
	AllowedTerms           string        `mapstructure:"ALLOWED_TERMS"`
	DefaultGraceDays       int           `mapstructure:"DEFAULT_GRACE_DAYS"`
	MaxRetries             int           `mapstructure:"MAX_RETRIES"`
	RetryInitialDelay      time.Duration `mapstructure:"RETRY_INITIAL_DELAY"`
	RetryBackoffMultiplier float64       `mapstructure:"RETRY_BACKOFF_MULTIPLIER"`
	RetryMaxDelay          time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	IdempotencyTTL         time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	EscalationDays         int           `mapstructure:"ESCALATION_DAYS"`
	DefaultAfterDays       int           `mapstructure:"DEFAULT_AFTER_DAYS"`
	ReminderDays           int           `mapstructure:"REMINDER_DAYS"`
	ScheduledMethod        string        `mapstructure:"SCHEDULED_PAYMENT_METHOD"`
}

type HealthConfig struct {
	Timeout time.Duration `mapstructure:"HEALTH_CHECK_TIMEOUT"`
}

// Load reads configuration from environment variables and files
func Load() (*Config, error) {
	// Populate the process environment from .env when one is present
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Read from environment variables. An empty REDIS_HOST disables Redis.
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("ENV", "development")
	v.SetDefault("SERVER_READ_TIMEOUT", "15s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "15s")

	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", "5432")
	v.SetDefault("DATABASE_NAME", "settlement_engine")
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "5m")
	v.SetDefault("DATABASE_AUTO_MIGRATE", false)

	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "payment-events")

	v.SetDefault("GATEWAY_DRIVER", "sandbox")
	v.SetDefault("GATEWAY_PROVIDER", "sandbox")
	v.SetDefault("GATEWAY_BASE_URL", "")
	v.SetDefault("GATEWAY_API_KEY", "")
	v.SetDefault("GATEWAY_TIMEOUT", "30s")
	v.SetDefault("GATEWAY_DESTINATION", "merchant-settlement")
	v.SetDefault("GATEWAY_SANDBOX_MODE", "async")

	v.SetDefault("CALLBACK_SECRET", "")
	v.SetDefault("CALLBACK_ALLOW_UNSIGNED", false)

	v.SetDefault("SCHEDULER_TIMEZONE", "Asia/Jakarta")
	v.SetDefault("SCHEDULER_DUE_PAYMENTS_CRON", "0 0 1 * * *")
	v.SetDefault("SCHEDULER_RETRY_CRON", "0 0 * * * *")
	v.SetDefault("SCHEDULER_OVERDUE_CRON", "0 30 */6 * * *")
	v.SetDefault("SCHEDULER_RECONCILE_CRON", "0 */15 * * * *")
	v.SetDefault("SCHEDULER_OUTBOX_CRON", "*/10 * * * * *")
	v.SetDefault("SCHEDULER_PURGE_CRON", "0 15 * * * *")
	v.SetDefault("SCHEDULER_REMINDER_CRON", "0 0 9 * * *")
	v.SetDefault("SCHEDULER_LEASE_TTL", "10m")
	v.SetDefault("SCHEDULER_BATCH_SIZE", 100)
	v.SetDefault("SCHEDULER_WORKERS", 5)
	v.SetDefault("SCHEDULER_METRICS_PORT", "9091")
	v.SetDefault("PROCESSING_TIMEOUT", "24h")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("CURRENCY", "IDR")
	v.SetDefault("CURRENCY_PRECISION", 2)
	v.SetDefault("ALLOWED_TERMS", "12,18,24,36")
	v.SetDefault("DEFAULT_GRACE_DAYS", 7)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_INITIAL_DELAY", "1m")
	v.SetDefault("RETRY_BACKOFF_MULTIPLIER", 2.0)
	v.SetDefault("RETRY_MAX_DELAY", "24h")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("ESCALATION_DAYS", 30)
	v.SetDefault("DEFAULT_AFTER_DAYS", 90)
	v.SetDefault("REMINDER_DAYS", 3)
	v.SetDefault("SCHEDULED_PAYMENT_METHOD", "bank_transfer")

	v.SetDefault("HEALTH_CHECK_TIMEOUT", "5s")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" && c.Database.Host == "" {
			return fmt.Errorf("DATABASE_URL or DATABASE_HOST is required")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("DATABASE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}

	switch c.Gateway.Driver {
	case "http":
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("GATEWAY_BASE_URL is required for the http gateway")
		}
	case "sandbox":
		if c.IsProduction() {
			return fmt.Errorf("GATEWAY_DRIVER=sandbox is not allowed in production")
		}
	default:
		return fmt.Errorf("GATEWAY_DRIVER must be http or sandbox, got %q", c.Gateway.Driver)
	}

	if c.Callback.Secret == "" && !c.Callback.AllowUnsigned {
		return fmt.Errorf("CALLBACK_SECRET is required unless CALLBACK_ALLOW_UNSIGNED is set")
	}
	if c.Callback.AllowUnsigned && c.IsProduction() {
		return fmt.Errorf("CALLBACK_ALLOW_UNSIGNED is not allowed in production")
	}

	if _, err := c.GetAllowedTerms(); err != nil {
		return fmt.Errorf("ALLOWED_TERMS must be a comma separated list of months: %w", err)
	}

	if c.Business.CurrencyPrecision < 0 || c.Business.CurrencyPrecision > 4 {
		return fmt.Errorf("CURRENCY_PRECISION must be between 0 and 4")
	}

	if c.Business.DefaultGraceDays < 0 {
		return fmt.Errorf("DEFAULT_GRACE_DAYS must not be negative")
	}

	if c.Business.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}

	if c.Business.RetryInitialDelay <= 0 || c.Business.RetryMaxDelay < c.Business.RetryInitialDelay {
		return fmt.Errorf("RETRY_INITIAL_DELAY must be positive and not exceed RETRY_MAX_DELAY")
	}

	if c.Business.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("RETRY_BACKOFF_MULTIPLIER must be at least 1")
	}

	if c.Business.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}

	switch c.Business.ScheduledMethod {
	case "bank_transfer", "mobile_money", "card", "cash":
	default:
		return fmt.Errorf("SCHEDULED_PAYMENT_METHOD %q is not a known payment method", c.Business.ScheduledMethod)
	}

	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("SCHEDULER_BATCH_SIZE must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("SCHEDULER_WORKERS must be positive")
	}

	if c.Scheduler.LeaseTTL <= 0 {
		return fmt.Errorf("SCHEDULER_LEASE_TTL must be positive")
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("SCHEDULER_TIMEZONE must be a valid IANA zone: %w", err)
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development" || c.Server.Env == "dev"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production" || c.Server.Env == "prod"
}

// GetAllowedTerms returns the enumerated term lengths in months
func (c *Config) GetAllowedTerms() ([]int, error) {
	var terms []int
	for _, part := range strings.Split(c.Business.AllowedTerms, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		term, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		if term <= 0 {
			return nil, fmt.Errorf("term %d must be positive", term)
		}
		terms = append(terms, term)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("at least one term is required")
	}
	return terms, nil
}

// GetKafkaBrokers returns the broker list, empty when Kafka is disabled
func (c *Config) GetKafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.Kafka.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// GetSchedulerLocation returns the scheduler timezone
func (c *Config) GetSchedulerLocation() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN returns the postgres connection string
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// Addr returns the redis address
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}
