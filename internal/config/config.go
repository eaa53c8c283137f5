// Package config defines the process configuration for skyhook.
//
// Configuration is loaded once at startup and is immutable thereafter. Values
// come from the OS environment, then an optional .env file, then secret files
// referenced by *_FILE variables. Any missing required value or invalid
// format fails startup.
package config

import (
	"time"

	"skyhook/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"skyhook"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Jetstream     JetstreamConfig
	Bluesky       BlueskyConfig
	Discord       DiscordConfig
	Delivery      DeliveryConfig
	Poller        PollerConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds the registration API settings.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// ProjectURL is where GET / redirects.
	ProjectURL         string   `envconfig:"PROJECT_URL" default:"https://github.com/skyhook-relay/skyhook" validate:"url"`
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds the Postgres connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"0" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	ConnectAttempts   uint          `envconfig:"DB_CONNECT_ATTEMPTS" default:"5" validate:"min=1"`
	MigrateOnStart    bool          `envconfig:"DB_MIGRATE_ON_START" default:"true"`
}

// AWSConfig holds regional settings for SQS and CloudWatch.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// EndpointURL points the SDK at LocalStack. Empty in production.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// JetstreamConfig holds the firehose subscription settings.
type JetstreamConfig struct {
	URL               string        `envconfig:"JETSTREAM_URL" default:"wss://jetstream2.us-east.bsky.network/subscribe" validate:"required,url"`
	Compress          bool          `envconfig:"JETSTREAM_COMPRESS" default:"false"`
	ZstdDictPath      string        `envconfig:"JETSTREAM_ZSTD_DICT_PATH" validate:"required_if=Compress true"`
	ReconnectDelay    time.Duration `envconfig:"JETSTREAM_RECONNECT_DELAY" default:"5s"`
	MaxReconnectDelay time.Duration `envconfig:"JETSTREAM_MAX_RECONNECT_DELAY" default:"1m"`
	// Rewind is subtracted from the last seen cursor on reconnect so events
	// in flight during the drop are replayed; SeenMarkers absorbs the repeats.
	Rewind time.Duration `envconfig:"JETSTREAM_REWIND" default:"2s"`
}

// BlueskyConfig holds the AppView settings for profile and feed lookups.
type BlueskyConfig struct {
	APIURL  string        `envconfig:"BLUESKY_API_URL" default:"https://public.api.bsky.app" validate:"required,url"`
	Timeout time.Duration `envconfig:"BLUESKY_TIMEOUT" default:"10s"`
}

// DiscordConfig holds settings for outbound webhook calls.
type DiscordConfig struct {
	APIURL    string        `envconfig:"DISCORD_API_URL" default:"https://discord.com/api" validate:"required,url"`
	UserAgent string        `envconfig:"DISCORD_USER_AGENT" default:"DiscordBot (https://github.com/skyhook-relay/skyhook, 1.0)"`
	Timeout   time.Duration `envconfig:"DISCORD_TIMEOUT" default:"10s"`
}

// DeliveryConfig selects and tunes the fan-out engine.
type DeliveryConfig struct {
	Mode        types.DeliveryMode `envconfig:"DELIVERY_MODE" default:"immediate" validate:"oneof=immediate queued"`
	Concurrency int                `envconfig:"DELIVERY_CONCURRENCY" default:"10" validate:"min=1"`

	// Queued mode only.
	QueueURL         string        `envconfig:"DELIVERY_QUEUE_URL" validate:"required_if=Mode queued,omitempty,url"`
	ConsumeInProcess bool          `envconfig:"DELIVERY_CONSUME_IN_PROCESS" default:"true"`
	ReceiveBatchSize int32         `envconfig:"DELIVERY_RECEIVE_BATCH" default:"10" validate:"min=1,max=10"`
	ReceiveWait      time.Duration `envconfig:"DELIVERY_RECEIVE_WAIT" default:"20s"`
	GroupSize        int           `envconfig:"BATCH_GROUP_SIZE" default:"5" validate:"min=1"`
	BatchPause       time.Duration `envconfig:"BATCH_PAUSE" default:"5s"`

	Retry RetryConfig
}

// RetryConfig shapes the backoff applied to rate-limited queued items.
type RetryConfig struct {
	// MaxAttempts of 0 means a rate-limited item is re-queued indefinitely.
	MaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"0" validate:"min=0"`
	BaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	MaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`
	Multiplier  float64       `envconfig:"RETRY_MULTIPLIER" default:"2" validate:"gte=1"`
}

// PollerConfig controls the author-feed backfill poller.
type PollerConfig struct {
	Enabled  bool          `envconfig:"POLLER_ENABLED" default:"false"`
	Interval time.Duration `envconfig:"POLLER_INTERVAL" default:"5m"`
	Limit    int           `envconfig:"POLLER_LIMIT" default:"100" validate:"min=1,max=100"`
	// Concurrency bounds the number of author feeds fetched at once.
	Concurrency int `envconfig:"POLLER_CONCURRENCY" default:"4" validate:"min=1"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Skyhook"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
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
	ErrSecretResolution ConfigErrorType = "SECRET_FAILURE"
	ErrValidation       ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing          ConfigErrorType = "PARSING_FAILED"
)
