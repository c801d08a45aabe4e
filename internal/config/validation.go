package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	// Paystack signs webhooks with the API secret unless a dedicated secret is configured.
	if c.Gateway.WebhookSecret == "" {
		c.Gateway.WebhookSecret = c.Gateway.SecretKey
	}
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = "https://api.paystack.co"
	}
	c.Gateway.BaseURL = strings.TrimSuffix(c.Gateway.BaseURL, "/")
	if c.Gateway.SignatureHeader == "" {
		c.Gateway.SignatureHeader = "X-Paystack-Signature"
	}
	if c.Gateway.Timeout.Duration <= 0 {
		c.Gateway.Timeout = Duration{Duration: 10 * time.Second}
	}

	c.Currency.Default = strings.ToUpper(strings.TrimSpace(c.Currency.Default))
	if c.Currency.Default == "" {
		c.Currency.Default = "USD"
	}
	normalized := make(map[string]string, len(c.Currency.Rates))
	for code, rate := range c.Currency.Rates {
		normalized[strings.ToUpper(strings.TrimSpace(code))] = strings.TrimSpace(rate)
	}
	if _, ok := normalized["USD"]; !ok {
		normalized["USD"] = "1"
	}
	c.Currency.Rates = normalized

	if c.Tokens.USDPerToken == "" {
		c.Tokens.USDPerToken = "0.10"
	}
	if c.Tokens.MinPurchase <= 0 {
		c.Tokens.MinPurchase = 1
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoDBDatabase == "" {
		c.Storage.MongoDBDatabase = "tokenpay"
	}
	if c.Storage.QueryTimeout.Duration <= 0 {
		c.Storage.QueryTimeout = Duration{Duration: 5 * time.Second}
	}

	if c.Poller.Interval.Duration <= 0 {
		c.Poller.Interval = Duration{Duration: 3 * time.Second}
	}
	if c.Poller.Timeout.Duration <= 0 {
		c.Poller.Timeout = Duration{Duration: 10 * time.Minute}
	}
	if c.Reconciler.Interval.Duration <= 0 {
		c.Reconciler.Interval = Duration{Duration: 5 * time.Minute}
	}
	if c.Reconciler.StaleAfter.Duration <= 0 {
		c.Reconciler.StaleAfter = Duration{Duration: 15 * time.Minute}
	}
	if c.Reconciler.AbandonAfter.Duration <= 0 {
		c.Reconciler.AbandonAfter = Duration{Duration: 24 * time.Hour}
	}
	if c.Reconciler.BatchSize <= 0 {
		c.Reconciler.BatchSize = 100
	}

	if c.Notifications.Timeout.Duration == 0 {
		c.Notifications.Timeout = Duration{Duration: 3 * time.Second}
	}
	if c.Notifications.Headers == nil {
		c.Notifications.Headers = make(map[string]string)
	}
	if c.Notifications.DLQPath == "" {
		c.Notifications.DLQPath = "./data/notification-dlq.json"
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Gateway.SecretKey == "" {
		errs = append(errs, "gateway.secret_key is required (PAYSTACK_SECRET_KEY)")
	}
	if _, err := url.ParseRequestURI(c.Gateway.BaseURL); err != nil {
		errs = append(errs, fmt.Sprintf("gateway.base_url is invalid: %v", err))
	}

	if _, err := c.Currency.ParsedRates(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, ok := c.Currency.Rates[c.Currency.Default]; !ok {
		errs = append(errs, fmt.Sprintf("currency.default %q has no entry in currency.rates", c.Currency.Default))
	}

	if price, err := c.Tokens.Price(); err != nil {
		errs = append(errs, err.Error())
	} else if !price.IsPositive() {
		errs = append(errs, "tokens.usd_per_token must be greater than zero")
	}
	if c.Tokens.MaxPurchase > 0 && c.Tokens.MaxPurchase < c.Tokens.MinPurchase {
		errs = append(errs, "tokens.max_purchase must be >= tokens.min_purchase")
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q must be one of memory, postgres, mongodb", c.Storage.Backend))
	}

	if c.Poller.Interval.Duration >= c.Poller.Timeout.Duration {
		errs = append(errs, "poller.interval must be shorter than poller.timeout")
	}
	if c.Reconciler.AbandonAfter.Duration < c.Reconciler.StaleAfter.Duration {
		errs = append(errs, "reconciler.abandon_after must be >= reconciler.stale_after")
	}

	if c.Notifications.URL != "" {
		if _, err := url.ParseRequestURI(c.Notifications.URL); err != nil {
			errs = append(errs, fmt.Sprintf("notifications.url is invalid: %v", err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ParsedRates returns the rate table as decimals keyed by upper-case currency code.
func (c CurrencyConfig) ParsedRates() (map[string]decimal.Decimal, error) {
	rates := make(map[string]decimal.Decimal, len(c.Rates))
	codes := make([]string, 0, len(c.Rates))
	for code := range c.Rates {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var bad []string
	for _, code := range codes {
		rate, err := decimal.NewFromString(c.Rates[code])
		if err != nil || !rate.IsPositive() {
			bad = append(bad, code)
			continue
		}
		rates[strings.ToUpper(code)] = rate
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("currency.rates must be positive decimals (invalid: %s)", strings.Join(bad, ", "))
	}
	return rates, nil
}

// Price parses the configured USD price of one token.
func (t TokensConfig) Price() (decimal.Decimal, error) {
	price, err := decimal.NewFromString(t.USDPerToken)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tokens.usd_per_token %q is not a decimal", t.USDPerToken)
	}
	return price, nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
