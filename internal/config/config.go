package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Gateway: GatewayConfig{
			BaseURL:         "https://api.paystack.co",
			SignatureHeader: "X-Paystack-Signature",
			Timeout:         Duration{Duration: 10 * time.Second},
			ReadRetries:     2,
		},
		Currency: CurrencyConfig{
			Default: "USD",
			Rates: map[string]string{
				"USD": "1",
			},
		},
		Tokens: TokensConfig{
			USDPerToken:   "0.10",
			MinPurchase:   1,
			MinWithdrawal: 100,
		},
		Storage: StorageConfig{
			Backend:       "memory",
			RunMigrations: true,
			QueryTimeout:  Duration{Duration: 5 * time.Second},
			Archival: ArchivalConfig{
				RetentionPeriod: Duration{Duration: 90 * 24 * time.Hour},
				RunInterval:     Duration{Duration: 24 * time.Hour},
			},
		},
		Poller: PollerConfig{
			Interval: Duration{Duration: 3 * time.Second},
			Timeout:  Duration{Duration: 10 * time.Minute},
		},
		Reconciler: ReconcilerConfig{
			Enabled:      true,
			Interval:     Duration{Duration: 5 * time.Minute},
			StaleAfter:   Duration{Duration: 15 * time.Minute},
			AbandonAfter: Duration{Duration: 24 * time.Hour},
			BatchSize:    100,
		},
		Notifications: NotificationsConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			DLQPath: "./data/notification-dlq.json",
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:  true,
			GlobalLimit:    1000,
			GlobalWindow:   Duration{Duration: 1 * time.Minute},
			PerUserEnabled: true,
			PerUserLimit:   60,
			PerUserWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:   true,
			PerIPLimit:     120,
			PerIPWindow:    Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			GatewayAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Notification: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
