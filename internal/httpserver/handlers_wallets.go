package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/pkg/responders"
)

type walletResponse struct {
	storage.Wallet
	Available int64                 `json:"availableTokens"`
	History   []storage.LedgerEntry `json:"history"`
}

// getWallet handles GET /v1/wallets/{userID}: balance, withdrawable balance
// and the most recent ledger entries (?limit=, default 50).
func (h *handlers) getWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, err := limitParam(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err, "wallet.balance.failed")
		return
	}
	history, err := h.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, r, err, "wallet.history.failed")
		return
	}
	available := balance.TokenBalance
	if h.Withdrawals != nil {
		if available, err = h.Withdrawals.Available(r.Context(), userID); err != nil {
			writeDomainError(w, r, err, "wallet.available.failed")
			return
		}
	}
	if history == nil {
		history = []storage.LedgerEntry{}
	}

	responders.JSON(w, http.StatusOK, walletResponse{
		Wallet:    balance,
		Available: available,
		History:   history,
	})
}
