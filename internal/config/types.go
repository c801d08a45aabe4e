package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Currency       CurrencyConfig       `yaml:"currency"`
	Tokens         TokensConfig         `yaml:"tokens"`
	Storage        StorageConfig        `yaml:"storage"`
	Poller         PollerConfig         `yaml:"poller"`
	Reconciler     ReconcilerConfig     `yaml:"reconciler"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Admin          AdminConfig          `yaml:"admin"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"` // Optional prefix for all routes (e.g., "/api")
}

// GatewayConfig holds the payment gateway (Paystack) integration settings.
type GatewayConfig struct {
	SecretKey       string   `yaml:"secret_key"`
	WebhookSecret   string   `yaml:"webhook_secret"`   // Defaults to secret_key; Paystack signs webhooks with the API secret
	BaseURL         string   `yaml:"base_url"`         // default: https://api.paystack.co
	CallbackURL     string   `yaml:"callback_url"`     // Where the hosted checkout redirects after payment
	SignatureHeader string   `yaml:"signature_header"` // default: X-Paystack-Signature
	Timeout         Duration `yaml:"timeout"`          // Per-request timeout (default: 10s)
	SyncCustomers   bool     `yaml:"sync_customers"`   // Ensure a remote customer exists before initializing
	ReadRetries     int      `yaml:"read_retries"`     // Retries for verify and customer lookups on 429/5xx (default: 2)
}

// CurrencyConfig holds the injected USD conversion table.
type CurrencyConfig struct {
	Default string            `yaml:"default"` // Settlement currency when a request names none
	Rates   map[string]string `yaml:"rates"`   // Currency code -> multiplier against USD, decimal strings
}

// TokensConfig holds token pricing and purchase bounds.
type TokensConfig struct {
	USDPerToken       string `yaml:"usd_per_token"`       // Decimal string, e.g. "0.10"
	MinPurchase       int64  `yaml:"min_purchase"`        // Minimum tokens per purchase
	MaxPurchase       int64  `yaml:"max_purchase"`        // Maximum tokens per purchase (0 = unlimited)
	MinWithdrawal     int64  `yaml:"min_withdrawal"`      // Minimum tokens per payout
	EnforcePriceMatch bool   `yaml:"enforce_price_match"` // Reject purchases whose amount != tokens * price
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string (replica set required for transactions)
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	RunMigrations   bool               `yaml:"run_migrations"`   // Apply embedded SQL migrations on startup (postgres only)
	QueryTimeout    Duration           `yaml:"query_timeout"`    // Per-query timeout (default: 5s)
	Archival        ArchivalConfig     `yaml:"archival"`         // Pruning of processed webhook events
}

// ArchivalConfig controls deletion of processed webhook events.
type ArchivalConfig struct {
	Enabled         bool     `yaml:"enabled"`          // default: false
	RetentionPeriod Duration `yaml:"retention_period"` // default: 2160h (90 days)
	RunInterval     Duration `yaml:"run_interval"`     // default: 24h
}

// PollerConfig holds client reconciliation poller timings.
type PollerConfig struct {
	Interval Duration `yaml:"interval"` // default: 3s
	Timeout  Duration `yaml:"timeout"`  // default: 10m
}

// ReconcilerConfig holds the server-side sweep of sessions left open by lost webhooks.
type ReconcilerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Interval     Duration `yaml:"interval"`      // How often to sweep (default: 5m)
	StaleAfter   Duration `yaml:"stale_after"`   // Only verify sessions older than this (default: 15m)
	AbandonAfter Duration `yaml:"abandon_after"` // Cancel sessions the gateway reports abandoned after this (default: 24h)
	BatchSize    int      `yaml:"batch_size"`    // default: 100
}

// NotificationsConfig holds outbound settlement notification configuration.
type NotificationsConfig struct {
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    Duration          `yaml:"timeout"`
	Retry      RetryConfig       `yaml:"retry"`       // Retry configuration with exponential backoff
	DLQEnabled bool              `yaml:"dlq_enabled"` // Enable dead letter queue for undeliverable notifications
	DLQPath    string            `yaml:"dlq_path"`    // File path for DLQ storage (default: ./data/notification-dlq.json)
}

// RetryConfig holds notification retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // default: true
	MaxAttempts     int      `yaml:"max_attempts"`     // default: 5
	InitialInterval Duration `yaml:"initial_interval"` // default: 1s
	MaxInterval     Duration `yaml:"max_interval"`     // default: 5m
	Multiplier      float64  `yaml:"multiplier"`       // default: 2.0
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-user rate limiting (identified by X-User-ID header)
	PerUserEnabled bool     `yaml:"per_user_enabled"`
	PerUserLimit   int      `yaml:"per_user_limit"`
	PerUserWindow  Duration `yaml:"per_user_window"`

	// Per-IP rate limiting (fallback when user not identified)
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled      bool                 `yaml:"enabled"`
	GatewayAPI   BreakerServiceConfig `yaml:"gateway_api"`
	Notification BreakerServiceConfig `yaml:"notification"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}

// AdminConfig protects operator routes and the metrics endpoint.
type AdminConfig struct {
	APIKey string `yaml:"api_key"` // Leave empty to disable admin routes
}
