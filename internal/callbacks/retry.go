package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CedrosPay/tokenpay/internal/circuitbreaker"
	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/CedrosPay/tokenpay/internal/httputil"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryConfig holds notification retry configuration.
type RetryConfig struct {
	Enabled         bool
	MaxAttempts     int           // default: 5
	InitialInterval time.Duration // default: 1s
	MaxInterval     time.Duration // default: 5m
	Multiplier      float64       // default: 2.0
	Timeout         time.Duration // Per-attempt timeout (default: 10s)
}

// DefaultRetryConfig returns sensible defaults for notification retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

// RetryConfigFrom maps the notifications section onto a RetryConfig.
func RetryConfigFrom(cfg config.NotificationsConfig) RetryConfig {
	rc := DefaultRetryConfig()
	rc.Enabled = cfg.Retry.Enabled
	if cfg.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		rc.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		rc.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier > 0 {
		rc.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Timeout.Duration > 0 {
		rc.Timeout = cfg.Timeout.Duration
	}
	return rc
}

// RetryableClient posts notifications with exponential backoff. Delivery runs
// in background goroutines; Close waits for them.
type RetryableClient struct {
	url        string
	headers    map[string]string
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	dlqStore   DLQStore
	metrics    *metrics.Metrics
	breakers   *circuitbreaker.Manager

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets the logger.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) { c.logger = logger }
}

// WithDLQStore enables the dead letter queue.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) { c.dlqStore = store }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) { c.retryCfg = cfg }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) { c.metrics = m }
}

// WithBreakers guards delivery with the notification circuit breaker.
func WithBreakers(m *circuitbreaker.Manager) RetryOption {
	return func(c *RetryableClient) { c.breakers = m }
}

// NewRetryableClient returns NoopNotifier when no URL is configured.
func NewRetryableClient(cfg config.NotificationsConfig, opts ...RetryOption) Notifier {
	if cfg.URL == "" {
		return NoopNotifier{}
	}
	return newRetryableClient(cfg, opts...)
}

func newRetryableClient(cfg config.NotificationsConfig, opts ...RetryOption) *RetryableClient {
	c := &RetryableClient{
		url:      cfg.URL,
		headers:  cfg.Headers,
		retryCfg: RetryConfigFrom(cfg),
		logger:   zerolog.Nop(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = httputil.NewClient(c.retryCfg.Timeout)
	return c
}

// PurchaseCompleted queues a purchase.completed notification.
func (c *RetryableClient) PurchaseCompleted(ctx context.Context, event PurchaseEvent) {
	PreparePurchaseEvent(&event, EventPurchaseCompleted)
	c.dispatch(event.EventType, event.EventID, event)
}

// PurchaseFailed queues a purchase.failed notification.
func (c *RetryableClient) PurchaseFailed(ctx context.Context, event PurchaseEvent) {
	PreparePurchaseEvent(&event, EventPurchaseFailed)
	c.dispatch(event.EventType, event.EventID, event)
}

// WithdrawalSettled queues a withdrawal.settled notification.
func (c *RetryableClient) WithdrawalSettled(ctx context.Context, event WithdrawalEvent) {
	PrepareWithdrawalEvent(&event)
	c.dispatch(event.EventType, event.EventID, event)
}

// dispatch serializes once so every attempt carries the same EventID.
func (c *RetryableClient) dispatch(eventType, eventID string, event interface{}) {
	if c == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Str("event_type", eventType).Msg("notification.serialize_failed")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.sendWithRetry(context.Background(), payload, eventType); err != nil {
			c.logger.Error().
				Err(err).
				Str("event_id", eventID).
				Str("event_type", eventType).
				Msg("notification.delivery_failed")
			if c.dlqStore != nil {
				c.saveToDLQ(context.Background(), payload, eventType, err)
			}
		}
	}()
}

// sendWithRetry attempts delivery with exponential backoff. Close interrupts the
// backoff sleep; the attempt in flight still finishes.
func (c *RetryableClient) sendWithRetry(ctx context.Context, payload []byte, eventType string) error {
	startTime := time.Now()
	attempts := c.retryCfg.MaxAttempts
	if !c.retryCfg.Enabled || attempts <= 0 {
		attempts = 1
	}
	interval := c.retryCfg.InitialInterval

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.attempt(ctx, payload)
		if err == nil {
			c.metrics.ObserveNotification(eventType, "success", time.Since(startTime), attempt, false)
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Str("event_type", eventType).
					Msg("notification.delivered_after_retry")
			}
			return nil
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Str("event_type", eventType).
			Dur("next_retry", interval).
			Msg("notification.attempt_failed")

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-c.stop:
			timer.Stop()
			c.metrics.ObserveNotification(eventType, "failed", time.Since(startTime), attempt, false)
			return fmt.Errorf("notification abandoned on shutdown after %d attempts: %w", attempt, lastErr)
		}
		interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
		if c.retryCfg.MaxInterval > 0 && interval > c.retryCfg.MaxInterval {
			interval = c.retryCfg.MaxInterval
		}
	}

	c.metrics.ObserveNotification(eventType, "failed", time.Since(startTime), attempts, false)
	return fmt.Errorf("notification failed after %d attempts: %w", attempts, lastErr)
}

func (c *RetryableClient) attempt(ctx context.Context, payload []byte) error {
	_, err := c.breakers.Execute(circuitbreaker.ServiceNotification, func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
		defer cancel()
		return nil, c.sendHTTP(reqCtx, payload)
	})
	return err
}

func (c *RetryableClient) sendHTTP(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	contentType := c.headers["Content-Type"]
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range c.headers {
		if k == "" || strings.EqualFold(k, "content-type") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from notification endpoint", resp.StatusCode)
	}
	return nil
}

func (c *RetryableClient) saveToDLQ(ctx context.Context, payload []byte, eventType string, lastErr error) {
	now := time.Now().UTC()
	item := FailedNotification{
		ID:          "ntf_" + uuid.NewString(),
		URL:         c.url,
		Payload:     json.RawMessage(payload),
		Headers:     c.headers,
		EventType:   eventType,
		Attempts:    c.retryCfg.MaxAttempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}

	if err := c.dlqStore.SaveFailedNotification(ctx, item); err != nil {
		c.logger.Error().Err(err).Str("notification_id", item.ID).Msg("notification.dlq_save_failed")
		return
	}
	c.metrics.ObserveNotification(eventType, "dlq", 0, item.Attempts, true)
	c.logger.Info().
		Str("notification_id", item.ID).
		Str("event_type", eventType).
		Int("attempts", item.Attempts).
		Msg("notification.dead_lettered")
}

// Redeliver makes one attempt for up to limit dead-lettered notifications and
// removes the ones that succeed. It returns how many were delivered.
func (c *RetryableClient) Redeliver(ctx context.Context, limit int) (int, error) {
	if c.dlqStore == nil {
		return 0, nil
	}
	items, err := c.dlqStore.ListFailedNotifications(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	delivered := 0
	for _, item := range items {
		if err := c.attempt(ctx, item.Payload); err != nil {
			c.logger.Warn().Err(err).Str("notification_id", item.ID).Msg("notification.redelivery_failed")
			continue
		}
		if err := c.dlqStore.DeleteFailedNotification(ctx, item.ID); err != nil {
			return delivered, fmt.Errorf("delete dead letter %s: %w", item.ID, err)
		}
		c.metrics.ObserveNotification(item.EventType, "success", 0, item.Attempts+1, false)
		delivered++
	}
	return delivered, nil
}

// DeadLetters lists undeliverable notifications.
func (c *RetryableClient) DeadLetters(ctx context.Context, limit int) ([]FailedNotification, error) {
	if c.dlqStore == nil {
		return []FailedNotification{}, nil
	}
	return c.dlqStore.ListFailedNotifications(ctx, limit)
}

// Close stops pending backoff sleeps and waits for in-flight deliveries.
func (c *RetryableClient) Close() error {
	if c == nil {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}
