// Package config defines the configuration for the Bring Me Home email
// pipeline. Configuration is loaded once at process start (Lambda cold start
// or server boot) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
package config

import (
	"time"

	"bringmehome/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// sub-config they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"bringmehome-email"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Email         EmailConfig
	Dispatch      DispatchConfig
	Processor     ProcessorConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build metadata is injected via ldflags, not the environment.
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// PublicBaseURL is the site origin used to build unsubscribe and profile
	// links (no trailing slash).
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// RedisConfig enables the Redis-backed dispatch lock when URL is set.
type RedisConfig struct {
	URL SecretString `envconfig:"REDIS_URL"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// DispatchQueueURL receives a kick message when an email is enqueued for
	// immediate delivery. Empty disables kicking.
	DispatchQueueURL string `envconfig:"SQS_DISPATCH_QUEUE" validate:"omitempty,url"`
	// ArchiveBucket stores processor logs before they are purged.
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`

	// LocalStack support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig holds provider credentials and sender identity.
type EmailConfig struct {
	Provider        string       `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid stub"`
	FromAddress     string       `envconfig:"EMAIL_FROM_ADDRESS" default:"noreply@bringmehome.org" validate:"email"`
	FromName        string       `envconfig:"EMAIL_FROM_NAME" default:"Bring Me Home"`
	SESConfigSet    string       `envconfig:"SES_CONFIGURATION_SET"`
	SendGridAPIKey  SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	SendConcurrency int          `envconfig:"EMAIL_SEND_CONCURRENCY" default:"5" validate:"min=1,max=50"`
}

// DispatchConfig tunes one dispatcher run.
type DispatchConfig struct {
	BatchSize     int           `envconfig:"EMAIL_BATCH_SIZE" default:"10" validate:"min=1"`
	MaxPerRun     int           `envconfig:"EMAIL_MAX_PER_RUN" default:"1000" validate:"min=1"`
	MaxRetries    int           `envconfig:"EMAIL_MAX_RETRIES" default:"3" validate:"min=1"`
	RetryCooldown time.Duration `envconfig:"EMAIL_RETRY_COOLDOWN" default:"5m"`
	LockTTL       time.Duration `envconfig:"DISPATCH_LOCK_TTL" default:"10m"`
}

// ProcessorConfig holds processor log defaults.
type ProcessorConfig struct {
	LogRetentionDays int `envconfig:"PROCESSOR_LOG_RETENTION_DAYS" default:"7" validate:"min=1"`
	LogFetchLimit    int `envconfig:"PROCESSOR_LOG_FETCH_LIMIT" default:"100" validate:"min=1,max=500"`
}

// SecurityConfig holds shared secrets and CORS settings. An empty secret
// disables the corresponding check.
type SecurityConfig struct {
	CronSecret         SecretString `envconfig:"CRON_SECRET"`
	WebhookSecret      SecretString `envconfig:"WEBHOOK_SECRET"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BringMeHome"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
