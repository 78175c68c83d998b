// Package config provides configuration loading using koanf.
// Precedence: GCS_-prefixed environment variables over compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/averla/gchatstream/internal/domain"
)

// Auth modes select the token source built at startup.
const (
	// AuthModeStatic uses a fixed bearer token from the environment.
	// Local development only; the token expires within a day.
	AuthModeStatic = "static"

	// AuthModeRefresh runs the user refresh-token chain with the token
	// persisted in Secrets Manager.
	AuthModeRefresh = "refresh"

	// AuthModeServiceAccount mints JWT bearer grants from a service
	// account key held in Secrets Manager.
	AuthModeServiceAccount = "service_account"
)

// Config holds all relay configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Service is the instance name reported in logs and telemetry.
	// Deployments running one relay per linked account override it.
	Service string `koanf:"service"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// Management surface
	Server ServerConfig `koanf:"server"`

	// Upstream connection
	Channel ChannelConfig `koanf:"channel"`
	Auth    AuthConfig    `koanf:"auth"`
	Relay   RelayConfig   `koanf:"relay"`

	// Infrastructure configurations
	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// ServerConfig holds the management listener ports.
type ServerConfig struct {
	HTTPPort int `koanf:"http_port"`
	GRPCPort int `koanf:"grpc_port"`
}

// ChannelConfig tunes the long-poll connection. Zero values take the
// compiled channel defaults.
type ChannelConfig struct {
	BaseURL     string        `koanf:"base_url"`
	UserAgent   string        `koanf:"user_agent"`
	ProxyURL    string        `koanf:"proxy_url"`
	MaxRetries  int           `koanf:"max_retries"`
	BackoffBase int           `koanf:"backoff_base"` // seconds; sleep = base^retries
	MaxAge      time.Duration `koanf:"max_age"`
}

// AuthConfig selects and parameterizes the bearer token source.
type AuthConfig struct {
	Mode string `koanf:"mode"`

	// Token is the fixed bearer for AuthModeStatic.
	Token domain.SecretString `koanf:"token"`

	// RefreshToken seeds the Secrets Manager cache on first start in
	// AuthModeRefresh. Later starts read the cached value instead.
	RefreshToken domain.SecretString `koanf:"refresh_token"`

	// KeySecretID names the Secrets Manager secret holding the service
	// account credential JSON for AuthModeServiceAccount.
	KeySecretID string `koanf:"key_secret_id"`

	// TokenSecretID names the Secrets Manager secret caching the
	// refresh token for AuthModeRefresh.
	TokenSecretID string `koanf:"token_secret_id"`
}

// RelayConfig tunes the dedup and reconnect behavior. Zero values take
// the compiled domain defaults.
type RelayConfig struct {
	DedupRingSize        int           `koanf:"dedup_ring_size"`
	ReconnectInitial     time.Duration `koanf:"reconnect_initial"`
	ReconnectMax         time.Duration `koanf:"reconnect_max"`
	ReconnectFactor      float64       `koanf:"reconnect_factor"`
	ReconnectStableAfter time.Duration `koanf:"reconnect_stable_after"`
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint           string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	MessagesTable      string        `koanf:"messages_table"`
	ConversationsTable string        `koanf:"conversations_table"`
	Timeout            time.Duration `koanf:"timeout"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string        `koanf:"addr"` // Required outside local
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Timeout  time.Duration `koanf:"timeout"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack endpoint for development
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint string `koanf:"endpoint"` // Empty disables OTLP export
	Insecure bool   `koanf:"insecure"` // Plaintext OTLP, for local collectors
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		Service:     "gchat-relay",
		LogLevel:    "info",
		LogFormat:   "json",

		Server: ServerConfig{
			HTTPPort: 8080,
			GRPCPort: 9090,
		},

		Channel: ChannelConfig{
			MaxRetries:  domain.DefaultMaxRetries,
			BackoffBase: domain.DefaultBackoffBase,
			MaxAge:      domain.DefaultMaxAge,
		},
		Auth: AuthConfig{
			Mode: AuthModeRefresh,
		},
		Relay: RelayConfig{
			DedupRingSize:        domain.DedupRingCapacity,
			ReconnectInitial:     domain.ReconnectInitialDelay,
			ReconnectMax:         domain.ReconnectMaxDelay,
			ReconnectFactor:      domain.ReconnectDelayFactor,
			ReconnectStableAfter: domain.ReconnectStableAfter,
		},

		DynamoDB: DynamoDBConfig{
			MessagesTable:      "relay_messages",
			ConversationsTable: "relay_conversations",
			Timeout:            domain.DynamoDBTimeout,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
	}
}

// Load loads configuration following the precedence:
// 1. GCS_-prefixed environment variables (highest)
// 2. Compiled defaults (lowest)
//
// Section and key are separated by a double underscore so keys may
// themselves contain underscores: GCS_CHANNEL__MAX_RETRIES maps to
// channel.max_retries, GCS_LOG_LEVEL to log_level.
func Load(ctx context.Context) (*Config, error) {
	k := koanf.New(".")

	// Start with compiled defaults
	cfg := defaults()

	err := k.Load(env.Provider("GCS_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "GCS_")), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent and
// that everything the selected auth mode needs is present. Failures
// wrap domain.ErrConfigRequired.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case AuthModeStatic:
		if c.Auth.Token.IsEmpty() {
			return fmt.Errorf("%w: auth.token", domain.ErrConfigRequired)
		}
	case AuthModeRefresh:
		// Local runs may start unlinked (or with the token in the
		// environment) and skip Secrets Manager entirely.
		if !c.IsLocal() && c.Auth.TokenSecretID == "" {
			return fmt.Errorf("%w: auth.token_secret_id", domain.ErrConfigRequired)
		}
	case AuthModeServiceAccount:
		if c.Auth.KeySecretID == "" {
			return fmt.Errorf("%w: auth.key_secret_id", domain.ErrConfigRequired)
		}
	default:
		return fmt.Errorf("%w: auth.mode must be %s, %s or %s",
			domain.ErrConfigRequired, AuthModeStatic, AuthModeRefresh, AuthModeServiceAccount)
	}

	if !c.IsLocal() {
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: redis.addr", domain.ErrConfigRequired)
		}
		if c.DynamoDB.MessagesTable == "" {
			return fmt.Errorf("%w: dynamodb.messages_table", domain.ErrConfigRequired)
		}
		if c.DynamoDB.ConversationsTable == "" {
			return fmt.Errorf("%w: dynamodb.conversations_table", domain.ErrConfigRequired)
		}
	}

	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
