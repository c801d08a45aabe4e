package httpserver

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/payments"
	"github.com/CedrosPay/tokenpay/internal/ratelimit"
	"github.com/CedrosPay/tokenpay/pkg/responders"
)

type currencyRate struct {
	Code       string `json:"code"`
	UnitsPerUS string `json:"unitsPerUsd"`
}

// listCurrencies handles GET /v1/currencies.
func (h *handlers) listCurrencies(w http.ResponseWriter, r *http.Request) {
	rates := h.Payments.Currencies()
	out := make([]currencyRate, 0, len(rates))
	for code, rate := range rates {
		out = append(out, currencyRate{Code: code, UnitsPerUS: rate})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })

	pricing := h.Payments.Pricing()
	responders.JSON(w, http.StatusOK, map[string]any{
		"currencies": out,
		"pricing": map[string]any{
			"usdPerToken":   pricing.USDPerToken.String(),
			"minPurchase":   pricing.MinPurchase,
			"maxPurchase":   pricing.MaxPurchase,
			"minWithdrawal": pricing.MinWithdrawal,
		},
	})
}

// createPayment handles POST /v1/payments. The caller is redirected to the
// returned authorizationUrl to pay.
func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req payments.PurchaseRequest
	if err := decodeBody(w, r, &req); err != nil {
		log.Warn().Err(err).Msg("payment.create.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = ratelimit.UserFromRequest(r)
	}
	if req.UserID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "userId required")
		return
	}

	session, err := h.Payments.InitiatePurchase(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err, "payment.create.failed")
		return
	}

	responders.Created(w, strings.TrimSuffix(r.URL.Path, "/")+"/"+session.Reference, payments.ViewOf(session))
}

// getPayment handles GET /v1/payments/{reference}. It reads local state only.
func (h *handlers) getPayment(w http.ResponseWriter, r *http.Request) {
	view, err := h.Payments.SessionStatus(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeDomainError(w, r, err, "payment.status.failed")
		return
	}
	responders.JSON(w, http.StatusOK, view)
}

// verifyPayment handles POST /v1/payments/{reference}/verify: the gateway is
// asked for the transaction and a terminal result is applied.
func (h *handlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	view, err := h.Payments.VerifyAndReconcile(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeDomainError(w, r, err, "payment.verify.failed")
		return
	}
	responders.JSON(w, http.StatusOK, view)
}

// cancelPayment handles POST /v1/payments/{reference}/cancel. The purchaser
// stopped waiting; the session is left as it is because the webhook may
// still settle it. The current status is returned.
func (h *handlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	view, err := h.Payments.SessionStatus(r.Context(), reference)
	if err != nil {
		writeDomainError(w, r, err, "payment.cancel.failed")
		return
	}
	log := logger.FromContext(r.Context())
	log.Info().
		Str("reference", logger.TruncateReference(reference)).
		Str("status", string(view.Status)).
		Msg("payment.polling_stopped")
	responders.JSON(w, http.StatusOK, view)
}
