package config

import (
	"net/textproto"
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// Service settings use the TOKENPAY_ prefix; gateway and database secrets also
// accept their conventional unprefixed names.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "TOKENPAY_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "TOKENPAY_ROUTE_PREFIX")
	if v := os.Getenv("TOKENPAY_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging
	setIfEnv(&c.Logging.Level, "TOKENPAY_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "TOKENPAY_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "TOKENPAY_ENVIRONMENT")

	// Gateway
	setIfEnv(&c.Gateway.SecretKey, "PAYSTACK_SECRET_KEY")
	setIfEnv(&c.Gateway.SecretKey, "TOKENPAY_GATEWAY_SECRET_KEY")
	setIfEnv(&c.Gateway.WebhookSecret, "PAYSTACK_WEBHOOK_SECRET")
	setIfEnv(&c.Gateway.WebhookSecret, "TOKENPAY_GATEWAY_WEBHOOK_SECRET")
	setIfEnv(&c.Gateway.BaseURL, "TOKENPAY_GATEWAY_BASE_URL")
	setIfEnv(&c.Gateway.CallbackURL, "TOKENPAY_GATEWAY_CALLBACK_URL")
	setDurationIfEnv(&c.Gateway.Timeout, "TOKENPAY_GATEWAY_TIMEOUT")
	setBoolIfEnv(&c.Gateway.SyncCustomers, "TOKENPAY_GATEWAY_SYNC_CUSTOMERS")

	// Currency: TOKENPAY_DEFAULT_CURRENCY, TOKENPAY_RATE_KES=129.5
	setIfEnv(&c.Currency.Default, "TOKENPAY_DEFAULT_CURRENCY")
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "TOKENPAY_RATE_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		code := strings.ToUpper(strings.TrimPrefix(parts[0], "TOKENPAY_RATE_"))
		if code == "" {
			continue
		}
		if c.Currency.Rates == nil {
			c.Currency.Rates = make(map[string]string)
		}
		c.Currency.Rates[code] = strings.TrimSpace(parts[1])
	}

	// Tokens
	setIfEnv(&c.Tokens.USDPerToken, "TOKENPAY_USD_PER_TOKEN")

	// Storage
	setIfEnv(&c.Storage.Backend, "TOKENPAY_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "DATABASE_URL")
	setIfEnv(&c.Storage.PostgresURL, "TOKENPAY_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBURL, "TOKENPAY_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "TOKENPAY_MONGODB_DATABASE")
	setBoolIfEnv(&c.Storage.RunMigrations, "TOKENPAY_RUN_MIGRATIONS")
	setBoolIfEnv(&c.Storage.Archival.Enabled, "TOKENPAY_ARCHIVAL_ENABLED")
	setDurationIfEnv(&c.Storage.Archival.RetentionPeriod, "TOKENPAY_ARCHIVAL_RETENTION")

	// Poller and reconciler
	setDurationIfEnv(&c.Poller.Interval, "TOKENPAY_POLLER_INTERVAL")
	setDurationIfEnv(&c.Poller.Timeout, "TOKENPAY_POLLER_TIMEOUT")
	setBoolIfEnv(&c.Reconciler.Enabled, "TOKENPAY_RECONCILER_ENABLED")
	setDurationIfEnv(&c.Reconciler.Interval, "TOKENPAY_RECONCILER_INTERVAL")
	setDurationIfEnv(&c.Reconciler.StaleAfter, "TOKENPAY_RECONCILER_STALE_AFTER")

	// Notifications
	setIfEnv(&c.Notifications.URL, "TOKENPAY_NOTIFY_URL")
	setDurationIfEnv(&c.Notifications.Timeout, "TOKENPAY_NOTIFY_TIMEOUT")
	setBoolIfEnv(&c.Notifications.DLQEnabled, "TOKENPAY_NOTIFY_DLQ_ENABLED")
	// Load notification headers (TOKENPAY_NOTIFY_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "TOKENPAY_NOTIFY_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "TOKENPAY_NOTIFY_HEADER_")
		if name == "" {
			continue
		}
		if c.Notifications.Headers == nil {
			c.Notifications.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Notifications.Headers[headerName] = parts[1]
	}

	// Admin
	setIfEnv(&c.Admin.APIKey, "TOKENPAY_ADMIN_API_KEY")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
