package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/CedrosPay/tokenpay/internal/circuitbreaker"
)

var (
	// ErrMissingSecret is returned when the client is built without an API secret.
	ErrMissingSecret = errors.New("gateway: secret key not configured")

	// ErrNotFound is wrapped by *Error when the gateway answers 404.
	ErrNotFound = errors.New("gateway: not found")
)

// Error describes a failed gateway call. StatusCode is zero when no HTTP
// response was received.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the call later may succeed: transport
// failures, timeouts, 429, 5xx and an open circuit breaker.
func (e *Error) Temporary() bool {
	if e.StatusCode == 0 {
		return e.Err != nil
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Timeout reports whether the call ran out of time.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Unavailable reports whether the call was short-circuited by the breaker.
func (e *Error) Unavailable() bool {
	return circuitbreaker.IsOpen(e.Err)
}

// IsNotFound reports whether err is a gateway 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTemporary reports whether err is a retryable gateway error.
func IsTemporary(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Temporary()
}
