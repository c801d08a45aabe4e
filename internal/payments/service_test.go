package payments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/tokenpay/internal/callbacks"
	"github.com/CedrosPay/tokenpay/internal/gateway"
	"github.com/CedrosPay/tokenpay/internal/gateway/gatewaytest"
	"github.com/CedrosPay/tokenpay/internal/money"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/internal/wallet"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu        sync.Mutex
	completed []callbacks.PurchaseEvent
	failed    []callbacks.PurchaseEvent
}

func (n *recordingNotifier) PurchaseCompleted(_ context.Context, e callbacks.PurchaseEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, e)
}

func (n *recordingNotifier) PurchaseFailed(_ context.Context, e callbacks.PurchaseEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, e)
}

func (n *recordingNotifier) WithdrawalSettled(context.Context, callbacks.WithdrawalEvent) {}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	gw       *gatewaytest.Fake
	notifier *recordingNotifier
	users    *StaticDirectory
}

func newFixture(t *testing.T, mutate ...func(*Config)) fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	gw := gatewaytest.New()
	conv, err := money.NewConverter(map[string]decimal.Decimal{
		"KES": decimal.RequireFromString("129.5"),
		"NGN": decimal.RequireFromString("1500"),
	})
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	users := NewStaticDirectory(map[string]string{"user-1": "buyer@example.com"})

	cfg := Config{
		Store:     store,
		Gateway:   gw,
		Converter: conv,
		Ledger:    wallet.NewLedger(store, nil, zerolog.Nop()),
		Notifier:  notifier,
		Users:     users,
		Pricing: money.TokenPricing{
			USDPerToken: decimal.RequireFromString("0.10"),
			MinPurchase: 1,
		},
		DefaultCurrency: "NGN",
		CallbackURL:     "https://app.example.test/paid",
		Logger:          zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return fixture{svc: svc, store: store, gw: gw, notifier: notifier, users: users}
}

func TestInitiatePurchase_KES(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.svc.InitiatePurchase(ctx, PurchaseRequest{
		UserID:    "user-1",
		AmountUSD: decimal.RequireFromString("10.00"),
		Tokens:    100,
		Currency:  "kes",
	})
	require.NoError(t, err)

	assert.Equal(t, storage.StatusProcessing, session.Status)
	assert.Equal(t, OutcomePending, OutcomeOf(session.Status))
	assert.NotEmpty(t, session.AuthorizationURL)
	assert.Equal(t, "KES", session.Currency)
	assert.Equal(t, int64(129500), session.AmountMinor)
	assert.True(t, session.SettlementAmount.Equal(decimal.RequireFromString("1295")))
	assert.Equal(t, "buyer@example.com", session.Email)
	assert.Regexp(t, `^tkn_[0-9a-f]{32}$`, session.Reference)

	require.Len(t, f.gw.Initialized, 1)
	init := f.gw.Initialized[0]
	assert.Equal(t, int64(129500), init.AmountMinor)
	assert.Equal(t, "https://app.example.test/paid", init.CallbackURL)
	assert.Equal(t, "user-1", init.Metadata.UserID())
	tokens, ok := init.Metadata.Tokens()
	assert.True(t, ok)
	assert.Equal(t, int64(100), tokens)
}

func TestInitiatePurchase_PricesFromTokens(t *testing.T) {
	f := newFixture(t)
	session, err := f.svc.InitiatePurchase(context.Background(), PurchaseRequest{UserID: "user-1", Tokens: 25})
	require.NoError(t, err)
	assert.True(t, session.AmountUSD.Equal(decimal.RequireFromString("2.50")))
	assert.Equal(t, "NGN", session.Currency)
	assert.Equal(t, int64(375000), session.AmountMinor)
}

func TestInitiatePurchase_GatewayFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.gw.InitializeErr = &gateway.Error{Op: "initialize", StatusCode: 503}

	_, err := f.svc.InitiatePurchase(context.Background(), PurchaseRequest{UserID: "user-1", Tokens: 10, Reference: "tkn_down"})
	require.Error(t, err)
	assert.True(t, gateway.IsTemporary(err))

	session, err := f.store.GetSession(context.Background(), "tkn_down")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, session.Status)
	assert.Empty(t, session.AuthorizationURL)
}

func TestInitiatePurchase_DuplicateReference(t *testing.T) {
	f := newFixture(t)
	req := PurchaseRequest{UserID: "user-1", Tokens: 10, Reference: "tkn_fixed"}
	_, err := f.svc.InitiatePurchase(context.Background(), req)
	require.NoError(t, err)

	_, err = f.svc.InitiatePurchase(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateReference)
	assert.Len(t, f.gw.Initialized, 1, "an existing reference is never re-initialized")
}

func TestInitiatePurchase_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     PurchaseRequest
		wantErr error
	}{
		{"missing user", PurchaseRequest{Tokens: 1}, ErrInvalidPurchase},
		{"zero tokens", PurchaseRequest{UserID: "user-1"}, ErrInvalidPurchase},
		{"bad email", PurchaseRequest{UserID: "user-1", Tokens: 1, Email: "nope"}, ErrInvalidPurchase},
		{"unsupported currency", PurchaseRequest{UserID: "user-1", Tokens: 1, Currency: "JPY"}, ErrInvalidPurchase},
		{"bad reference", PurchaseRequest{UserID: "user-1", Tokens: 1, Reference: "has space"}, ErrInvalidPurchase},
		{"sub-cent amount", PurchaseRequest{UserID: "user-1", Tokens: 1, AmountUSD: decimal.RequireFromString("0.105")}, ErrInvalidPurchase},
		{"negative amount", PurchaseRequest{UserID: "user-1", Tokens: 1, AmountUSD: decimal.RequireFromString("-1")}, ErrInvalidPurchase},
		{"unknown user", PurchaseRequest{UserID: "ghost", Tokens: 1}, ErrEmailUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.InitiatePurchase(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.gw.Initialized)
		})
	}
}

func TestInitiatePurchase_EnforcePriceMatch(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EnforcePriceMatch = true })
	_, err := f.svc.InitiatePurchase(context.Background(), PurchaseRequest{
		UserID: "user-1", Tokens: 100, AmountUSD: decimal.RequireFromString("5.00"),
	})
	assert.ErrorIs(t, err, ErrInvalidPurchase)
}

func TestInitiatePurchase_SyncCustomers(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.SyncCustomers = true })
	f.gw.CustomerErr = &gateway.Error{Op: "fetch_customer", StatusCode: 500}

	_, err := f.svc.InitiatePurchase(context.Background(), PurchaseRequest{UserID: "user-1", Tokens: 1, Reference: "tkn_c"})
	require.Error(t, err)
	_, getErr := f.store.GetSession(context.Background(), "tkn_c")
	assert.ErrorIs(t, getErr, storage.ErrNotFound)
}

func openSession(t *testing.T, f fixture, reference string, tokens int64) storage.PaymentSession {
	t.Helper()
	s, err := f.svc.InitiatePurchase(context.Background(), PurchaseRequest{
		UserID:    "user-1",
		Tokens:    tokens,
		Reference: reference,
		Currency:  "KES",
	})
	require.NoError(t, err)
	return s
}

func TestCompleteCharge_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := openSession(t, f, "tkn_ok", 100)

	charge := Charge{Reference: s.Reference, TransactionID: "4099", AmountMinor: s.AmountMinor, Currency: "KES", Tokens: 100, Source: "webhook"}
	for i := 0; i < 3; i++ {
		res, err := f.svc.CompleteCharge(ctx, charge)
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.Applied)
		assert.Equal(t, storage.StatusCompleted, res.Session.Status)
	}

	w, err := f.store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.TokenBalance)
	require.Len(t, f.notifier.completed, 1)
	assert.Equal(t, int64(100), f.notifier.completed[0].NewBalance)

	entries, err := f.store.ListLedgerEntries(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tkn_ok", entries[0].ReferenceID)
	assert.Equal(t, "4099", entries[0].ProviderTransactionID)
}

func TestCompleteCharge_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := openSession(t, f, "tkn_short", 100)

	_, err := f.svc.CompleteCharge(ctx, Charge{Reference: s.Reference, AmountMinor: s.AmountMinor - 1, Currency: "KES"})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, err = f.svc.CompleteCharge(ctx, Charge{Reference: s.Reference, AmountMinor: s.AmountMinor, Currency: "KES"})
	assert.ErrorIs(t, err, ErrSessionClosed)

	session, err := f.store.GetSession(ctx, s.Reference)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, session.Status)
	assert.Contains(t, session.FailureReason, "amount_mismatch")

	w, _ := f.store.GetWallet(ctx, "user-1")
	assert.Zero(t, w.TokenBalance)
}

func TestCompleteCharge_CurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	s := openSession(t, f, "tkn_fx", 10)
	_, err := f.svc.CompleteCharge(context.Background(), Charge{Reference: s.Reference, AmountMinor: s.AmountMinor * 100, Currency: "NGN"})
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestCompleteCharge_UnknownReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CompleteCharge(context.Background(), Charge{Reference: "nope", AmountMinor: 1})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFailCharge_TerminalFinality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := openSession(t, f, "tkn_fail", 10)

	res, err := f.svc.FailCharge(ctx, s.Reference, "77", "Declined")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, storage.StatusFailed, res.Session.Status)

	res, err = f.svc.FailCharge(ctx, s.Reference, "77", "Declined")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Len(t, f.notifier.failed, 1)

	_, err = f.svc.CompleteCharge(ctx, Charge{Reference: s.Reference, AmountMinor: s.AmountMinor, Currency: "KES"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestVerifyAndReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("success credits", func(t *testing.T) {
		f := newFixture(t)
		s := openSession(t, f, "tkn_v1", 40)
		f.gw.SetStatus(s.Reference, "success")

		view, err := f.svc.VerifyAndReconcile(ctx, s.Reference)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, view.Outcome)
		w, _ := f.store.GetWallet(ctx, "user-1")
		assert.Equal(t, int64(40), w.TokenBalance)

		// Terminal sessions do not reach the gateway again.
		calls := f.gw.VerifyCount()
		_, err = f.svc.VerifyAndReconcile(ctx, s.Reference)
		require.NoError(t, err)
		assert.Equal(t, calls, f.gw.VerifyCount())
	})

	t.Run("failed", func(t *testing.T) {
		f := newFixture(t)
		s := openSession(t, f, "tkn_v2", 40)
		f.gw.SetStatus(s.Reference, "failed")

		view, err := f.svc.VerifyAndReconcile(ctx, s.Reference)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, view.Outcome)
	})

	t.Run("pending unchanged", func(t *testing.T) {
		f := newFixture(t)
		s := openSession(t, f, "tkn_v3", 40)

		view, err := f.svc.VerifyAndReconcile(ctx, s.Reference)
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, view.Outcome)
		assert.Equal(t, storage.StatusProcessing, view.Status)
	})

	t.Run("gateway error", func(t *testing.T) {
		f := newFixture(t)
		s := openSession(t, f, "tkn_v4", 40)
		f.gw.VerifyErr = &gateway.Error{Op: "verify", StatusCode: 502}

		_, err := f.svc.VerifyAndReconcile(ctx, s.Reference)
		assert.True(t, gateway.IsTemporary(err))
	})

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.VerifyAndReconcile(ctx, "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestRace_WebhookAndVerifyCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := openSession(t, f, "tkn_race", 100)
	f.gw.SetStatus(s.Reference, "success")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.CompleteCharge(ctx, Charge{Reference: s.Reference, AmountMinor: s.AmountMinor, Currency: "KES", Source: "webhook"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.VerifyAndReconcile(ctx, s.Reference)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	w, err := f.store.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.TokenBalance)
	entries, err := f.store.ListLedgerEntries(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, f.notifier.completed, 1)
}

func TestSweeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	f.svc.now = func() time.Time { return clock }

	paid := openSession(t, f, "tkn_paid", 10)
	left := openSession(t, f, "tkn_left", 10)
	fresh := openSession(t, f, "tkn_fresh", 10)
	f.gw.SetStatus(paid.Reference, "success")
	f.gw.SetStatus(left.Reference, "abandoned")
	f.gw.SetStatus(fresh.Reference, "abandoned")

	sweeper := NewSweeper(f.svc, SweeperConfig{
		Enabled:      true,
		StaleAfter:   time.Minute,
		AbandonAfter: time.Hour,
	}, zerolog.Nop())

	// Nothing is stale yet.
	clock = base.Add(30 * time.Second)
	stats, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Checked)

	clock = base.Add(2 * time.Hour)
	stats, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Checked)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.Cancelled)

	got, _ := f.store.GetSession(ctx, left.Reference)
	assert.Equal(t, storage.StatusCancelled, got.Status)
	assert.Equal(t, "abandoned", got.FailureReason)
}

func TestSweeper_KeepsRecentAbandoned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	f.svc.now = func() time.Time { return clock }

	s := openSession(t, f, "tkn_wait", 10)
	f.gw.SetStatus(s.Reference, "abandoned")

	sweeper := NewSweeper(f.svc, SweeperConfig{Enabled: true, StaleAfter: time.Minute, AbandonAfter: time.Hour}, zerolog.Nop())
	clock = base.Add(10 * time.Minute)
	stats, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	got, _ := f.store.GetSession(ctx, s.Reference)
	assert.False(t, got.Status.IsTerminal())
}

func TestSweeper_StartStopDisabled(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.svc, SweeperConfig{Enabled: false}, zerolog.Nop())
	sweeper.Start()
	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a disabled sweeper")
	}
}

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(nil)
	_, err := d.LookupEmail(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUserNotFound)
	d.Set("x", " x@example.com ")
	email, err := d.LookupEmail(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x@example.com", email)
}
