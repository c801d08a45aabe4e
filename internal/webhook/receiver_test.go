package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/CedrosPay/tokenpay/internal/auth"
	"github.com/CedrosPay/tokenpay/internal/gateway/gatewaytest"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/CedrosPay/tokenpay/internal/money"
	"github.com/CedrosPay/tokenpay/internal/payments"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/internal/wallet"
	"github.com/CedrosPay/tokenpay/internal/withdrawals"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "sk_test_webhook"

type harness struct {
	receiver    *Receiver
	store       storage.Store
	payments    *payments.Service
	withdrawals *withdrawals.Service
	ledger      *wallet.Ledger
	metrics     *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, storage.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store storage.Store) *harness {
	t.Helper()
	gw := gatewaytest.New()
	m := metrics.New(prometheus.NewRegistry())
	conv, err := money.NewConverter(map[string]decimal.Decimal{"KES": decimal.RequireFromString("129.5")})
	require.NoError(t, err)
	ledger := wallet.NewLedger(store, m, zerolog.Nop())
	pricing := money.TokenPricing{USDPerToken: decimal.RequireFromString("0.10"), MinPurchase: 1, MinWithdrawal: 1}

	pay, err := payments.NewService(payments.Config{
		Store:           store,
		Gateway:         gw,
		Converter:       conv,
		Ledger:          ledger,
		Users:           payments.NewStaticDirectory(map[string]string{"user-1": "buyer@example.com"}),
		Pricing:         pricing,
		DefaultCurrency: "KES",
		Metrics:         m,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	wd, err := withdrawals.NewService(withdrawals.Config{
		Store:           store,
		Gateway:         gw,
		Converter:       conv,
		Ledger:          ledger,
		Pricing:         pricing,
		DefaultCurrency: "KES",
		Metrics:         m,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)

	receiver := NewReceiver(store, testSecret, NewProcessor(pay, wd, zerolog.Nop()), m, zerolog.Nop())
	return &harness{receiver: receiver, store: store, payments: pay, withdrawals: wd, ledger: ledger, metrics: m}
}

func (h *harness) purchase(t *testing.T) storage.PaymentSession {
	t.Helper()
	session, err := h.payments.InitiatePurchase(context.Background(), payments.PurchaseRequest{
		UserID:    "user-1",
		AmountUSD: decimal.RequireFromString("10.00"),
		Tokens:    100,
		Currency:  "KES",
	})
	require.NoError(t, err)
	return session
}

func body(t *testing.T, event string, data map[string]interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	require.NoError(t, err)
	return raw
}

func signed(raw []byte) Delivery {
	return Delivery{RawBody: raw, Signature: auth.Sign(raw, testSecret)}
}

func chargeSuccess(t *testing.T, s storage.PaymentSession) []byte {
	return body(t, EventChargeSuccess, map[string]interface{}{
		"id":        302961,
		"reference": s.Reference,
		"amount":    s.AmountMinor,
		"currency":  s.Currency,
		"status":    "success",
		"metadata":  map[string]interface{}{"user_id": s.UserID, "tokens": s.Tokens},
		"customer":  map[string]interface{}{"email": s.Email},
	})
}

func TestReceive_KESPurchaseScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.purchase(t)

	view, err := h.payments.SessionStatus(ctx, session.Reference)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomePending, view.Outcome)
	assert.NotEmpty(t, view.AuthorizationURL)

	res, err := h.receiver.Receive(ctx, signed(chargeSuccess(t, session)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "charge.success:302961", res.ProviderEventID)

	view, err = h.payments.SessionStatus(ctx, session.Reference)
	require.NoError(t, err)
	assert.Equal(t, payments.OutcomeCompleted, view.Outcome)

	w, err := h.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.TokenBalance)

	entries, err := h.ledger.History(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, session.Reference, entries[0].ReferenceID)
	assert.Equal(t, storage.EntryPurchase, entries[0].Type)

	stored, err := h.store.GetWebhookEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, Provider, stored.Provider)
}

func TestReceive_IdempotentRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.purchase(t)
	delivery := signed(chargeSuccess(t, session))

	for i := 0; i < 5; i++ {
		res, err := h.receiver.Receive(ctx, delivery)
		require.NoError(t, err)
		assert.Equal(t, i > 0, res.Duplicate, "delivery %d", i)
	}

	w, err := h.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.TokenBalance)

	events, err := h.store.ListWebhookEvents(ctx, storage.WebhookEventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 5, "every delivery is stored")
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.WebhooksReceivedTotal.WithLabelValues(EventChargeSuccess, "applied")))
	assert.Equal(t, 4.0, promtest.ToFloat64(h.metrics.WebhooksReceivedTotal.WithLabelValues(EventChargeSuccess, "duplicate")))
}

func TestReceive_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	h := newHarness(t)
	session := h.purchase(t)
	delivery := signed(chargeSuccess(t, session))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.receiver.Receive(context.Background(), delivery)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	w, err := h.ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.TokenBalance)
	entries, err := h.ledger.History(context.Background(), "user-1", 50)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReceive_RejectsUnauthenticated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.purchase(t)
	raw := chargeSuccess(t, session)

	tests := []struct {
		name     string
		delivery Delivery
		want     error
	}{
		{"missing signature", Delivery{RawBody: raw}, ErrMissingCredentials},
		{"wrong secret", Delivery{RawBody: raw, Signature: auth.Sign(raw, "other")}, ErrInvalidSignature},
		{"not hex", Delivery{RawBody: raw, Signature: "zz"}, ErrInvalidSignature},
		{"tampered body", Delivery{RawBody: append([]byte(" "), raw...), Signature: auth.Sign(raw, testSecret)}, ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.receiver.Receive(ctx, tt.delivery)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	events, err := h.store.ListWebhookEvents(ctx, storage.WebhookEventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	w, err := h.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, w.TokenBalance)

	noSecret := NewReceiver(h.store, "", h.receiver.processor, nil, zerolog.Nop())
	_, err = noSecret.Receive(ctx, signed(raw))
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestReceive_ChargeFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.purchase(t)

	raw := body(t, EventChargeFailed, map[string]interface{}{
		"id": 55, "reference": session.Reference, "status": "failed", "gateway_response": "Insufficient funds",
	})
	res, err := h.receiver.Receive(ctx, signed(raw))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	got, err := h.payments.Session(ctx, session.Reference)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, "Insufficient funds", got.FailureReason)

	// A late success cannot complete a failed session.
	res, err = h.receiver.Receive(ctx, signed(chargeSuccess(t, session)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	w, err := h.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, w.TokenBalance)
}

func TestReceive_AmountMismatchFailsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.purchase(t)
	session.AmountMinor = 100

	res, err := h.receiver.Receive(ctx, signed(chargeSuccess(t, session)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	got, err := h.payments.Session(ctx, session.Reference)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "amount_mismatch")
}

func TestReceive_UnknownAndMalformed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.receiver.Receive(ctx, signed(body(t, EventChargeSuccess, map[string]interface{}{
		"id": 1, "reference": "tkn_unknown", "amount": 100, "currency": "KES",
	})))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = h.receiver.Receive(ctx, signed([]byte("not json")))
	require.NoError(t, err)
	assert.Equal(t, EventMalformed, res.EventType)
	stored, err := h.store.GetWebhookEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, []byte("not json"), []byte(stored.RawData))

	res, err = h.receiver.Receive(ctx, signed(body(t, "customeridentification.success", map[string]interface{}{"id": 3})))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestReceive_TransferEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.purchase(t)
	_, err := h.receiver.Receive(ctx, signed(chargeSuccess(t, session)))
	require.NoError(t, err)

	wd, err := h.withdrawals.Request(ctx, withdrawals.Input{TeacherID: "user-1", AmountTokens: 40, RecipientCode: "RCP_1"})
	require.NoError(t, err)
	wd, err = h.withdrawals.StartPayout(ctx, wd.ID)
	require.NoError(t, err)

	res, err := h.receiver.Receive(ctx, signed(body(t, EventTransferSuccess, map[string]interface{}{
		"id": 900, "transfer_code": wd.ProviderTransactionID, "reference": wd.Reference, "amount": wd.AmountMinor,
	})))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	// A reversal after completion does not touch a terminal withdrawal.
	res, err = h.receiver.Receive(ctx, signed(body(t, EventTransferReversed, map[string]interface{}{
		"id": 900, "transfer_code": wd.ProviderTransactionID, "reference": wd.Reference,
	})))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	got, err := h.withdrawals.Get(ctx, wd.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	w, err := h.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), w.TokenBalance)

	second, err := h.withdrawals.Request(ctx, withdrawals.Input{TeacherID: "user-1", AmountTokens: 10, RecipientCode: "RCP_1"})
	require.NoError(t, err)
	res, err = h.receiver.Receive(ctx, signed(body(t, EventTransferFailed, map[string]interface{}{
		"id": 901, "reference": second.Reference,
	})))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	got, err = h.withdrawals.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, "transfer failed", got.FailureReason)
}

// failingStore fails the first N credits to simulate a database outage.
type failingStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *failingStore) ApplyPurchaseCredit(ctx context.Context, c storage.PurchaseCredit) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.ApplyPurchaseCredit(ctx, c)
}

func TestReceive_ProcessingFailureThenReplay(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failures: 1}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()
	session := h.purchase(t)

	res, err := h.receiver.Receive(ctx, signed(chargeSuccess(t, session)))
	require.Error(t, err)

	stored, err := h.store.GetWebhookEvent(ctx, res.EventID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.Contains(t, stored.LastError, "connection reset")
	assert.Equal(t, 1, stored.Attempts)

	stats, err := h.receiver.ReplayPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Attempted: 1, Processed: 1}, stats)

	w, err := h.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.TokenBalance)

	again, err := h.receiver.Replay(ctx, res.EventID)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
}

func TestReplayPending_OldestFirst(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failures: 2}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()

	older := h.purchase(t)
	newer := h.purchase(t)
	for i, s := range []storage.PaymentSession{older, newer} {
		raw := body(t, EventChargeSuccess, map[string]interface{}{
			"id":        500 + i,
			"reference": s.Reference,
			"amount":    s.AmountMinor,
			"currency":  s.Currency,
			"status":    "success",
			"metadata":  map[string]interface{}{"user_id": s.UserID, "tokens": s.Tokens},
		})
		_, err := h.receiver.Receive(ctx, signed(raw))
		require.Error(t, err)
	}

	stats, err := h.receiver.ReplayPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Attempted: 1, Processed: 1}, stats)

	got, err := h.store.GetSession(ctx, older.Reference)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	got, err = h.store.GetSession(ctx, newer.Reference)
	require.NoError(t, err)
	assert.False(t, got.Status.IsTerminal())
}

type brokenStore struct {
	*storage.MemoryStore
}

func (brokenStore) SaveWebhookEvent(context.Context, storage.WebhookEvent) (storage.WebhookEvent, error) {
	return storage.WebhookEvent{}, errors.New("disk full")
}

func TestReceive_PersistFailure(t *testing.T) {
	h := newHarnessWithStore(t, brokenStore{MemoryStore: storage.NewMemoryStore()})
	session := h.purchase(t)

	_, err := h.receiver.Receive(context.Background(), signed(chargeSuccess(t, session)))
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save event", perr.Op)

	w, err := h.ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, w.TokenBalance)
}
