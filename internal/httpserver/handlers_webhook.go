package httpserver

import (
	"errors"
	"io"
	"net/http"

	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/webhook"
	"github.com/CedrosPay/tokenpay/pkg/responders"
)

const defaultSignatureHeader = "X-Paystack-Signature"

// paystackWebhook handles POST /webhooks/paystack.
//
// Authentication failures answer 401 and store nothing. Once the event is
// persisted the delivery is acknowledged with 200 unless processing failed,
// in which case a 500 asks the gateway to redeliver.
func (h *handlers) paystackWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "webhook body too large")
			return
		}
		log.Warn().Err(err).Msg("webhook.read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "unable to read body")
		return
	}

	header := h.Config.Gateway.SignatureHeader
	if header == "" {
		header = defaultSignatureHeader
	}

	result, err := h.Receiver.Receive(r.Context(), webhook.Delivery{
		RawBody:   body,
		Signature: r.Header.Get(header),
	})
	switch {
	case err == nil:
	case errors.Is(err, webhook.ErrMissingCredentials), errors.Is(err, webhook.ErrInvalidSignature):
		writeDomainError(w, r, err, "webhook.unauthenticated")
		return
	default:
		log.Error().Err(err).Str("event_id", result.EventID).Msg("webhook.processing_failed")
		code := apierrors.ErrCodeInternalError
		var persistErr *webhook.PersistenceError
		if errors.As(err, &persistErr) {
			code = apierrors.ErrCodePersistenceError
		}
		apierrors.WriteErrorWithDetail(w, code, "webhook not processed", "eventId", result.EventID)
		return
	}

	responders.JSON(w, http.StatusOK, result)
}
