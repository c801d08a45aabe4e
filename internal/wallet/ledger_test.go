package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, store storage.Store, reference, userID string, tokens int64) {
	t.Helper()
	require.NoError(t, store.CreateSession(context.Background(), storage.PaymentSession{
		Reference: reference,
		UserID:    userID,
		Email:     "buyer@example.com",
		AmountUSD: decimal.RequireFromString("10.00"),
		Currency:  "KES",
		Tokens:    tokens,
	}))
}

func TestCreditPurchase_AppliesOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	ledger := NewLedger(store, m, zerolog.Nop())
	seedSession(t, store, "tkn_1", "user-1", 100)
	ctx := context.Background()

	credit := Credit{UserID: "user-1", Tokens: 100, AmountUSD: decimal.RequireFromString("10.00"), Reference: "tkn_1", ProviderTransactionID: "4099"}
	for i := 0; i < 5; i++ {
		res, err := ledger.CreditPurchase(ctx, credit)
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.Applied, "delivery %d", i)
		assert.Equal(t, "tkn_1", res.Entry.ReferenceID)
	}

	wallet, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), wallet.TokenBalance)

	history, err := ledger.History(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storage.EntryPurchase, history[0].Type)
	assert.Equal(t, "4099", history[0].ProviderTransactionID)

	session, err := store.GetSession(ctx, "tkn_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, session.Status)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.WalletCreditsTotal.WithLabelValues("applied")))
	assert.Equal(t, 4.0, promtest.ToFloat64(m.WalletCreditsTotal.WithLabelValues("duplicate")))
	assert.Equal(t, 100.0, promtest.ToFloat64(m.TokensCreditedTotal))
}

func TestCreditPurchase_ConcurrentDeliveries(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := NewLedger(store, nil, zerolog.Nop())
	seedSession(t, store, "tkn_race", "user-2", 40)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.CreditPurchase(context.Background(), Credit{UserID: "user-2", Tokens: 40, Reference: "tkn_race"})
			assert.NoError(t, err)
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	wallet, err := ledger.Balance(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Equal(t, int64(40), wallet.TokenBalance)
}

func TestCreditPurchase_ClosedSession(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := NewLedger(store, nil, zerolog.Nop())
	seedSession(t, store, "tkn_failed", "user-3", 10)
	ctx := context.Background()

	changed, err := store.FinalizeSession(ctx, "tkn_failed", storage.SessionOutcome{Status: storage.StatusFailed, FailureReason: "Declined"})
	require.NoError(t, err)
	require.True(t, changed)

	_, err = ledger.CreditPurchase(ctx, Credit{UserID: "user-3", Tokens: 10, Reference: "tkn_failed"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	wallet, err := ledger.Balance(ctx, "user-3")
	require.NoError(t, err)
	assert.Zero(t, wallet.TokenBalance)
}

func TestCreditPurchase_Validation(t *testing.T) {
	ledger := NewLedger(storage.NewMemoryStore(), nil, zerolog.Nop())
	tests := []Credit{
		{Tokens: 1, Reference: "r"},
		{UserID: "u", Reference: "r"},
		{UserID: "u", Tokens: 1},
	}
	for _, c := range tests {
		_, err := ledger.CreditPurchase(context.Background(), c)
		assert.ErrorIs(t, err, ErrInvalidCredit)
	}
}

func TestDebitWithdrawal(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := NewLedger(store, nil, zerolog.Nop())
	ctx := context.Background()

	seedSession(t, store, "tkn_fund", "teacher-1", 500)
	_, err := ledger.CreditPurchase(ctx, Credit{UserID: "teacher-1", Tokens: 500, Reference: "tkn_fund"})
	require.NoError(t, err)

	require.NoError(t, store.CreateWithdrawal(ctx, storage.WithdrawalRequest{
		TeacherID:     "teacher-1",
		Reference:     "wd_1",
		AmountTokens:  200,
		AmountUSD:     decimal.RequireFromString("20"),
		Currency:      "NGN",
		AmountMinor:   3000000,
		RecipientCode: "RCP_1",
	}))

	debit := Debit{TeacherID: "teacher-1", Tokens: 200, AmountUSD: decimal.RequireFromString("20"), Reference: "wd_1", ProviderTransactionID: "TRF_1"}
	res, err := ledger.DebitWithdrawal(ctx, debit)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(-200), res.Entry.AmountTokens)

	res, err = ledger.DebitWithdrawal(ctx, debit)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	wallet, err := ledger.Balance(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), wallet.TokenBalance)

	w, err := store.GetWithdrawalByReference(ctx, "wd_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, w.Status)
	assert.Equal(t, "TRF_1", w.ProviderTransactionID)
}

func TestDebitEntry(t *testing.T) {
	entry := DebitEntry(Debit{TeacherID: "t", Tokens: 7, AmountUSD: decimal.RequireFromString("0.70"), Reference: "wd"})
	assert.Equal(t, storage.EntryWithdrawal, entry.Type)
	assert.Equal(t, int64(-7), entry.AmountTokens)
	assert.True(t, entry.AmountUSD.Equal(decimal.RequireFromString("-0.70")))
	assert.Equal(t, "t", entry.UserID)
}
