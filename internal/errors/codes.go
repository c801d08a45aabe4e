package errors

// ErrorCode represents a machine-readable error identifier returned to API clients.
type ErrorCode string

// Webhook authentication errors
const (
	ErrCodeInvalidSignature   ErrorCode = "invalid_signature"
	ErrCodeMissingCredentials ErrorCode = "missing_credentials"
	ErrCodeUnauthorized       ErrorCode = "unauthorized"
)

// Validation Errors (Request input validation)
const (
	ErrCodeInvalidRequest      ErrorCode = "invalid_request"
	ErrCodeMissingField        ErrorCode = "missing_field"
	ErrCodeInvalidField        ErrorCode = "invalid_field"
	ErrCodeInvalidAmount       ErrorCode = "invalid_amount"
	ErrCodeUnsupportedCurrency ErrorCode = "unsupported_currency"
	ErrCodeDuplicateReference  ErrorCode = "duplicate_reference"
)

// Resource/State Errors (Resource not found or in wrong state)
const (
	ErrCodeResourceNotFound   ErrorCode = "resource_not_found"
	ErrCodeSessionNotFound    ErrorCode = "session_not_found"
	ErrCodeWithdrawalNotFound ErrorCode = "withdrawal_not_found"

	ErrCodeSessionTerminal     ErrorCode = "session_terminal"
	ErrCodeInvalidTransition   ErrorCode = "invalid_transition"
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"
	ErrCodeIdempotencyConflict ErrorCode = "idempotency_conflict"
)

// Outcome codes that are not failures. A duplicate webhook delivery is acknowledged.
const (
	ErrCodeDuplicateEvent ErrorCode = "duplicate_event"
)

// External Service Errors (payment gateway, notification endpoint)
const (
	ErrCodeGatewayError       ErrorCode = "gateway_error"
	ErrCodeGatewayTimeout     ErrorCode = "gateway_timeout"
	ErrCodeGatewayUnavailable ErrorCode = "gateway_unavailable"
	ErrCodeRateLimitExceeded  ErrorCode = "rate_limit_exceeded"
)

// Internal/System Errors
const (
	ErrCodeInternalError    ErrorCode = "internal_error"
	ErrCodePersistenceError ErrorCode = "persistence_error"
	ErrCodeConfigError      ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are transient gateway or storage issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeGatewayError,
		ErrCodeGatewayTimeout,
		ErrCodeGatewayUnavailable,
		ErrCodePersistenceError,
		ErrCodeRateLimitExceeded:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeDuplicateEvent:
		return 200

	case ErrCodeInvalidRequest,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeUnsupportedCurrency:
		return 400

	case ErrCodeInvalidSignature,
		ErrCodeMissingCredentials,
		ErrCodeUnauthorized:
		return 401

	case ErrCodeInsufficientBalance:
		return 402

	case ErrCodeResourceNotFound,
		ErrCodeSessionNotFound,
		ErrCodeWithdrawalNotFound:
		return 404

	case ErrCodeDuplicateReference,
		ErrCodeSessionTerminal,
		ErrCodeInvalidTransition,
		ErrCodeIdempotencyConflict:
		return 409

	case ErrCodeRateLimitExceeded:
		return 429

	case ErrCodeGatewayError:
		return 502
	case ErrCodeGatewayUnavailable:
		return 503
	case ErrCodeGatewayTimeout:
		return 504

	default:
		return 500
	}
}
