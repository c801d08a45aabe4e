package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/ratelimit"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/internal/withdrawals"
	"github.com/CedrosPay/tokenpay/pkg/responders"
)

// createWithdrawal handles POST /v1/withdrawals. The withdrawal is created
// pending; the payout is started separately by an operator.
func (h *handlers) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var in withdrawals.Input
	if err := decodeBody(w, r, &in); err != nil {
		log.Warn().Err(err).Msg("withdrawal.create.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	if in.TeacherID == "" {
		in.TeacherID = ratelimit.UserFromRequest(r)
	}

	wd, err := h.Withdrawals.Request(r.Context(), in)
	if err != nil {
		writeDomainError(w, r, err, "withdrawal.create.failed")
		return
	}
	responders.Created(w, strings.TrimSuffix(r.URL.Path, "/")+"/"+wd.ID, wd)
}

// listWithdrawals handles GET /v1/withdrawals?teacherId=.
func (h *handlers) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	teacherID := r.URL.Query().Get("teacherId")
	if teacherID == "" {
		teacherID = ratelimit.UserFromRequest(r)
	}
	if teacherID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "teacherId required")
		return
	}
	items, err := h.Withdrawals.List(r.Context(), teacherID)
	if err != nil {
		writeDomainError(w, r, err, "withdrawal.list.failed")
		return
	}
	if items == nil {
		items = []storage.WithdrawalRequest{}
	}
	responders.JSON(w, http.StatusOK, map[string]any{"withdrawals": items})
}

// getWithdrawal handles GET /v1/withdrawals/{id}.
func (h *handlers) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.Withdrawals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "withdrawal.get.failed")
		return
	}
	responders.JSON(w, http.StatusOK, wd)
}

// cancelWithdrawal handles POST /v1/withdrawals/{id}/cancel. Only pending
// withdrawals can be cancelled.
func (h *handlers) cancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.Withdrawals.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "withdrawal.cancel.failed")
		return
	}
	responders.JSON(w, http.StatusOK, wd)
}

// startPayout handles POST /admin/withdrawals/{id}/payout. A gateway failure
// leaves the withdrawal pending so the payout can be retried.
func (h *handlers) startPayout(w http.ResponseWriter, r *http.Request) {
	wd, err := h.Withdrawals.StartPayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "withdrawal.payout.failed")
		return
	}
	responders.Accepted(w, wd)
}
