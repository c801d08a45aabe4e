package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CedrosPay/tokenpay/internal/config"
	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/go-chi/httprate"
)

// UserHeader identifies the purchaser or teacher making an API call.
const UserHeader = "X-User-ID"

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-user rate limiting (X-User-ID, falling back to the client IP)
	PerUserEnabled bool
	PerUserLimit   int
	PerUserWindow  time.Duration

	// Per-IP rate limiting
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// DefaultConfig returns limits that stop obvious abuse without affecting a
// purchaser polling every few seconds.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,

		PerUserEnabled: true,
		PerUserLimit:   60,
		PerUserWindow:  time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  time.Minute,
	}
}

// ConfigFrom maps application config onto limiter settings.
func ConfigFrom(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:  cfg.GlobalEnabled,
		GlobalLimit:    cfg.GlobalLimit,
		GlobalWindow:   cfg.GlobalWindow.Duration,
		PerUserEnabled: cfg.PerUserEnabled,
		PerUserLimit:   cfg.PerUserLimit,
		PerUserWindow:  cfg.PerUserWindow.Duration,
		PerIPEnabled:   cfg.PerIPEnabled,
		PerIPLimit:     cfg.PerIPLimit,
		PerIPWindow:    cfg.PerIPWindow.Duration,
		Metrics:        m,
	}
}

// limitHandler writes the standard error envelope with Retry-After.
func limitHandler(limitType, message string, window time.Duration, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	retryAfter := int(window.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimit(limitType)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		apierrors.WriteError(w, apierrors.ErrCodeRateLimitExceeded, message, map[string]interface{}{
			"limit":             limitType,
			"retryAfterSeconds": retryAfter,
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter caps total request volume.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(limitHandler("global", "Global rate limit exceeded. Please try again later.", cfg.GlobalWindow, cfg.Metrics)),
	)
}

// UserLimiter limits each caller identified by X-User-ID. Anonymous calls are
// keyed by IP.
func UserLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerUserEnabled || cfg.PerUserLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerUserLimit,
		cfg.PerUserWindow,
		httprate.WithKeyFuncs(userKey),
		httprate.WithLimitHandler(limitHandler("per_user", "Rate limit exceeded for this user. Please try again later.", cfg.PerUserWindow, cfg.Metrics)),
	)
}

// IPLimiter limits each client address.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", "IP rate limit exceeded. Please try again later.", cfg.PerIPWindow, cfg.Metrics)),
	)
}

func userKey(r *http.Request) (string, error) {
	if user := UserFromRequest(r); user != "" {
		return "user:" + user, nil
	}
	return httprate.KeyByIP(r)
}

// UserFromRequest returns the caller's user ID, if any.
func UserFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}
