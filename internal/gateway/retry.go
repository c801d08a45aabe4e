package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/CedrosPay/tokenpay/internal/logger"
)

// RetryPolicy governs retries of read-only calls. Initialize and transfers are
// never retried here; the caller owns their idempotency.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// WithReadRetries retries Verify and FetchCustomer on temporary failures with
// exponential backoff starting at baseDelay.
func WithReadRetries(maxRetries int, baseDelay time.Duration) Option {
	return func(cl *Client) {
		if baseDelay <= 0 {
			baseDelay = 200 * time.Millisecond
		}
		cl.retry = RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay}
	}
}

// withRetry runs operation until it succeeds, fails permanently, the breaker
// is open or the retries are used up.
func withRetry[T any](ctx context.Context, policy RetryPolicy, op string, operation func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err = operation()
		if err == nil || ctx.Err() != nil || !retryable(err) {
			return result, err
		}
		if attempt == policy.MaxRetries {
			break
		}

		// 200ms, 400ms, 800ms with the default base.
		delay := policy.BaseDelay * time.Duration(1<<uint(attempt))
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt+1).
			Int("max_attempts", policy.MaxRetries+1).
			Dur("retry_delay", delay).
			Msg("gateway.retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}
	return result, err
}

func retryable(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Temporary() && !gwErr.Unavailable()
}
