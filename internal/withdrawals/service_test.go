package withdrawals

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/CedrosPay/tokenpay/internal/callbacks"
	"github.com/CedrosPay/tokenpay/internal/gateway"
	"github.com/CedrosPay/tokenpay/internal/gateway/gatewaytest"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/CedrosPay/tokenpay/internal/money"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/internal/wallet"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settledRecorder struct {
	callbacks.NoopNotifier
	events []callbacks.WithdrawalEvent
}

func (r *settledRecorder) WithdrawalSettled(_ context.Context, e callbacks.WithdrawalEvent) {
	r.events = append(r.events, e)
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	gateway  *gatewaytest.Fake
	ledger   *wallet.Ledger
	notifier *settledRecorder
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	fake := gatewaytest.New()
	m := metrics.New(prometheus.NewRegistry())
	ledger := wallet.NewLedger(store, m, zerolog.Nop())
	conv, err := money.NewConverter(map[string]decimal.Decimal{"KES": decimal.RequireFromString("129.5")})
	require.NoError(t, err)
	rec := &settledRecorder{}

	svc, err := NewService(Config{
		Store:     store,
		Gateway:   fake,
		Converter: conv,
		Ledger:    ledger,
		Notifier:  rec,
		Pricing: money.TokenPricing{
			USDPerToken:   decimal.RequireFromString("0.10"),
			MinWithdrawal: 10,
		},
		DefaultCurrency: "KES",
		Metrics:         m,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, gateway: fake, ledger: ledger, notifier: rec, metrics: m}
}

// fund credits a teacher through a completed purchase.
func (f *fixture) fund(t *testing.T, teacherID string, tokens int64) {
	t.Helper()
	ctx := context.Background()
	ref := "tkn_fund_" + teacherID
	require.NoError(t, f.store.CreateSession(ctx, storage.PaymentSession{
		Reference: ref,
		UserID:    teacherID,
		Email:     "teacher@example.com",
		AmountUSD: decimal.RequireFromString("10.00"),
		Currency:  "KES",
		Tokens:    tokens,
	}))
	_, err := f.ledger.CreditPurchase(ctx, wallet.Credit{
		UserID:    teacherID,
		Tokens:    tokens,
		AmountUSD: decimal.RequireFromString("10.00"),
		Reference: ref,
	})
	require.NoError(t, err)
}

func TestRequest_ReservesBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 60, RecipientCode: "RCP_1"})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, w.Status)
	assert.Equal(t, "KES", w.Currency)
	assert.True(t, decimal.RequireFromString("6.00").Equal(w.AmountUSD))
	assert.Equal(t, int64(77700), w.AmountMinor)
	assert.Contains(t, w.Reference, "wd_")

	available, err := f.svc.Available(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), available)

	_, err = f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 50, RecipientCode: "RCP_1"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Balance itself is untouched until the transfer settles.
	bal, err := f.ledger.Balance(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.TokenBalance)
}

func TestRequest_ConcurrentRequestsCannotOverReserve(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 100, RecipientCode: "RCP_1"})
			if err == nil {
				accepted.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())

	available, err := f.svc.Available(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)

	tests := []struct {
		name string
		in   Input
		want error
	}{
		{"missing teacher", Input{AmountTokens: 20, RecipientCode: "RCP_1"}, ErrInvalidRequest},
		{"zero tokens", Input{TeacherID: "teacher-1", RecipientCode: "RCP_1"}, ErrInvalidRequest},
		{"below minimum", Input{TeacherID: "teacher-1", AmountTokens: 5, RecipientCode: "RCP_1"}, ErrInvalidRequest},
		{"missing recipient", Input{TeacherID: "teacher-1", AmountTokens: 20}, ErrInvalidRequest},
		{"unsupported currency", Input{TeacherID: "teacher-1", AmountTokens: 20, RecipientCode: "RCP_1", Currency: "JPY"}, ErrInvalidRequest},
		{"no funds", Input{TeacherID: "teacher-2", AmountTokens: 20, RecipientCode: "RCP_1"}, ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Request(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStartPayout(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 50, RecipientCode: "RCP_1"})
	require.NoError(t, err)

	got, err := f.svc.StartPayout(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessing, got.Status)
	assert.NotEmpty(t, got.ProviderTransactionID)

	require.Len(t, f.gateway.Transfers, 1)
	assert.Equal(t, w.Reference, f.gateway.Transfers[0].Reference)
	assert.Equal(t, w.AmountMinor, f.gateway.Transfers[0].AmountMinor)

	_, err = f.svc.StartPayout(ctx, w.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, f.gateway.Transfers, 1)
}

func TestStartPayout_GatewayRejectionLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)
	f.gateway.TransferErr = &gateway.Error{Op: "transfer", StatusCode: 400, Message: "Invalid recipient"}
	ctx := context.Background()

	w, err := f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 50, RecipientCode: "RCP_1"})
	require.NoError(t, err)

	_, err = f.svc.StartPayout(ctx, w.ID)
	require.Error(t, err)
	assert.False(t, gateway.IsTemporary(err))

	got, err := f.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, got.Status)

	// Released withdrawals can be cancelled again.
	got, err = f.svc.Cancel(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, got.Status)
}

func TestStartPayout_UnknownOutcomeStaysClaimed(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)
	f.gateway.TransferErr = &gateway.Error{Op: "transfer", StatusCode: 503, Message: "unavailable"}
	ctx := context.Background()

	w, err := f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 50, RecipientCode: "RCP_1"})
	require.NoError(t, err)

	got, err := f.svc.StartPayout(ctx, w.ID)
	require.Error(t, err)
	assert.True(t, gateway.IsTemporary(err))
	assert.Equal(t, storage.StatusProcessing, got.Status)
	assert.Empty(t, got.ProviderTransactionID)

	_, err = f.svc.Cancel(ctx, w.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Retrying re-issues the transfer under the same reference.
	f.gateway.TransferErr = nil
	got, err = f.svc.StartPayout(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessing, got.Status)
	assert.NotEmpty(t, got.ProviderTransactionID)
	require.Len(t, f.gateway.Transfers, 2)
	assert.Equal(t, f.gateway.Transfers[0].Reference, f.gateway.Transfers[1].Reference)
}

// cancellingTransferer cancels the withdrawal while the transfer call is in flight.
type cancellingTransferer struct {
	*gatewaytest.Fake
	onTransfer func()
}

func (c *cancellingTransferer) InitiateTransfer(ctx context.Context, req gateway.TransferRequest) (gateway.Transfer, error) {
	c.onTransfer()
	return c.Fake.InitiateTransfer(ctx, req)
}

func TestStartPayout_CancelDuringTransferIsRefused(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 100, RecipientCode: "RCP_1"})
	require.NoError(t, err)

	var cancelErr error
	f.svc.gateway = &cancellingTransferer{Fake: f.gateway, onTransfer: func() {
		_, cancelErr = f.svc.Cancel(ctx, w.ID)
	}}

	got, err := f.svc.StartPayout(ctx, w.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, cancelErr, ErrInvalidTransition)
	assert.Equal(t, storage.StatusProcessing, got.Status)
	require.Len(t, f.gateway.Transfers, 1)

	res, err := f.svc.Settle(ctx, Settlement{Reference: w.Reference, Success: true, ProviderTransactionID: got.ProviderTransactionID})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, storage.StatusCompleted, res.Withdrawal.Status)

	bal, err := f.ledger.Balance(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.TokenBalance)
}

func TestSettle_SuccessDebitsOnce(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 30, RecipientCode: "RCP_1"})
	require.NoError(t, err)
	_, err = f.svc.StartPayout(ctx, w.ID)
	require.NoError(t, err)

	st := Settlement{Reference: w.Reference, Success: true, ProviderTransactionID: "TRF_9"}
	for i := 0; i < 3; i++ {
		res, err := f.svc.Settle(ctx, st)
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.Changed, "delivery %d", i)
		assert.Equal(t, storage.StatusCompleted, res.Withdrawal.Status)
	}

	bal, err := f.ledger.Balance(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), bal.TokenBalance)

	available, err := f.svc.Available(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), available)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "completed", f.notifier.events[0].Status)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.WithdrawalsTotal.WithLabelValues("completed")))
}

func TestSettle_FailureKeepsBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 30, RecipientCode: "RCP_1"})
	require.NoError(t, err)
	_, err = f.svc.StartPayout(ctx, w.ID)
	require.NoError(t, err)

	res, err := f.svc.Settle(ctx, Settlement{Reference: w.Reference, FailureReason: "reversed"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, storage.StatusFailed, res.Withdrawal.Status)
	assert.Equal(t, "reversed", res.Withdrawal.FailureReason)

	// A late success for the same transfer cannot resurrect it.
	res, err = f.svc.Settle(ctx, Settlement{Reference: w.Reference, Success: true})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, storage.StatusFailed, res.Withdrawal.Status)

	bal, err := f.ledger.Balance(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.TokenBalance)
	assert.Len(t, f.notifier.events, 1)
}

func TestSettle_UnknownReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Settle(context.Background(), Settlement{Reference: "wd_missing", Success: true})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "teacher-1", 100)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, Input{TeacherID: "teacher-1", AmountTokens: 80, RecipientCode: "RCP_1"})
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, got.Status)

	available, err := f.svc.Available(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), available)

	_, err = f.svc.Cancel(ctx, w.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.StartPayout(ctx, w.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := f.svc.List(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
