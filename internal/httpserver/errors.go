package httpserver

import (
	"context"
	"errors"
	"net/http"

	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
	"github.com/CedrosPay/tokenpay/internal/gateway"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/money"
	"github.com/CedrosPay/tokenpay/internal/payments"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/internal/webhook"
	"github.com/CedrosPay/tokenpay/internal/withdrawals"
)

// classifyError maps a domain error onto the API error code returned to clients.
// Unknown errors are internal; their message is not echoed.
func classifyError(err error) (apierrors.ErrorCode, string) {
	var gwErr *gateway.Error
	var persistErr *webhook.PersistenceError

	switch {
	case errors.Is(err, webhook.ErrMissingCredentials):
		return apierrors.ErrCodeMissingCredentials, "signature or secret missing"
	case errors.Is(err, webhook.ErrInvalidSignature):
		return apierrors.ErrCodeInvalidSignature, "signature does not match payload"

	case errors.Is(err, payments.ErrSessionNotFound):
		return apierrors.ErrCodeSessionNotFound, "payment session not found"
	case errors.Is(err, withdrawals.ErrNotFound):
		return apierrors.ErrCodeWithdrawalNotFound, "withdrawal not found"
	case errors.Is(err, storage.ErrNotFound):
		return apierrors.ErrCodeResourceNotFound, "resource not found"

	case errors.Is(err, payments.ErrDuplicateReference):
		return apierrors.ErrCodeDuplicateReference, "reference already used"
	case errors.Is(err, payments.ErrSessionClosed), errors.Is(err, storage.ErrTerminal):
		return apierrors.ErrCodeSessionTerminal, err.Error()
	case errors.Is(err, withdrawals.ErrInvalidTransition), errors.Is(err, storage.ErrInvalidTransition):
		return apierrors.ErrCodeInvalidTransition, err.Error()
	case errors.Is(err, withdrawals.ErrInsufficientBalance), errors.Is(err, storage.ErrInsufficientFunds):
		return apierrors.ErrCodeInsufficientBalance, err.Error()

	case errors.Is(err, money.ErrUnsupportedCurrency):
		return apierrors.ErrCodeUnsupportedCurrency, err.Error()
	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrPriceMismatch), errors.Is(err, payments.ErrAmountMismatch):
		return apierrors.ErrCodeInvalidAmount, err.Error()
	case errors.Is(err, payments.ErrInvalidPurchase), errors.Is(err, withdrawals.ErrInvalidRequest), errors.Is(err, payments.ErrEmailUnavailable):
		return apierrors.ErrCodeInvalidRequest, err.Error()

	case errors.As(err, &gwErr):
		switch {
		case gwErr.Unavailable():
			return apierrors.ErrCodeGatewayUnavailable, "payment gateway unavailable"
		case gwErr.Timeout():
			return apierrors.ErrCodeGatewayTimeout, "payment gateway timed out"
		default:
			return apierrors.ErrCodeGatewayError, gwErr.Error()
		}
	case errors.Is(err, context.DeadlineExceeded):
		return apierrors.ErrCodeGatewayTimeout, "request timed out"

	case errors.As(err, &persistErr):
		return apierrors.ErrCodePersistenceError, "failed to persist event"
	}
	return apierrors.ErrCodeInternalError, "internal error"
}

// writeDomainError classifies err, logs server-side failures and writes the error envelope.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, event string) {
	code, message := classifyError(err)
	log := logger.FromContext(r.Context())
	if code.HTTPStatus() >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", string(code)).Msg(event)
	} else {
		log.Warn().Err(err).Str("code", string(code)).Msg(event)
	}
	apierrors.WriteSimpleError(w, code, message)
}
