package storage

import (
	"context"
	"time"

	"github.com/CedrosPay/tokenpay/internal/metrics"
)

// InstrumentedStore records per-operation latency for any Store backend.
type InstrumentedStore struct {
	Store
	metrics *metrics.Metrics
	backend string
}

// Instrument wraps store so every call is timed under the given backend label.
// A nil collector returns store unchanged.
func Instrument(store Store, m *metrics.Metrics, backend string) Store {
	if m == nil {
		return store
	}
	return &InstrumentedStore{Store: store, metrics: m, backend: backend}
}

func (s *InstrumentedStore) measure(op string) func() {
	return metrics.MeasureDBQuery(s.metrics, op, s.backend)
}

func (s *InstrumentedStore) CreateSession(ctx context.Context, session PaymentSession) error {
	defer s.measure("create_session")()
	return s.Store.CreateSession(ctx, session)
}

func (s *InstrumentedStore) GetSession(ctx context.Context, reference string) (PaymentSession, error) {
	defer s.measure("get_session")()
	return s.Store.GetSession(ctx, reference)
}

func (s *InstrumentedStore) MarkSessionProcessing(ctx context.Context, reference, authorizationURL, accessCode string, at time.Time) error {
	defer s.measure("mark_session_processing")()
	return s.Store.MarkSessionProcessing(ctx, reference, authorizationURL, accessCode, at)
}

func (s *InstrumentedStore) FinalizeSession(ctx context.Context, reference string, outcome SessionOutcome) (bool, error) {
	defer s.measure("finalize_session")()
	return s.Store.FinalizeSession(ctx, reference, outcome)
}

func (s *InstrumentedStore) ListOpenSessions(ctx context.Context, createdBefore time.Time, limit int) ([]PaymentSession, error) {
	defer s.measure("list_open_sessions")()
	return s.Store.ListOpenSessions(ctx, createdBefore, limit)
}

func (s *InstrumentedStore) SaveWebhookEvent(ctx context.Context, event WebhookEvent) (WebhookEvent, error) {
	defer s.measure("save_webhook_event")()
	return s.Store.SaveWebhookEvent(ctx, event)
}

func (s *InstrumentedStore) MarkWebhookEventProcessed(ctx context.Context, id string, at time.Time) error {
	defer s.measure("mark_webhook_event_processed")()
	return s.Store.MarkWebhookEventProcessed(ctx, id, at)
}

func (s *InstrumentedStore) MarkWebhookEventFailed(ctx context.Context, id string, errMsg string) error {
	defer s.measure("mark_webhook_event_failed")()
	return s.Store.MarkWebhookEventFailed(ctx, id, errMsg)
}

func (s *InstrumentedStore) HasProcessedEvent(ctx context.Context, providerEventID string) (bool, error) {
	defer s.measure("has_processed_event")()
	return s.Store.HasProcessedEvent(ctx, providerEventID)
}

func (s *InstrumentedStore) ApplyPurchaseCredit(ctx context.Context, credit PurchaseCredit) error {
	defer s.measure("apply_purchase_credit")()
	return s.Store.ApplyPurchaseCredit(ctx, credit)
}

func (s *InstrumentedStore) GetLedgerEntry(ctx context.Context, entryType EntryType, referenceID string) (LedgerEntry, error) {
	defer s.measure("get_ledger_entry")()
	return s.Store.GetLedgerEntry(ctx, entryType, referenceID)
}

func (s *InstrumentedStore) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	defer s.measure("get_wallet")()
	return s.Store.GetWallet(ctx, userID)
}

func (s *InstrumentedStore) CreateWithdrawal(ctx context.Context, withdrawal WithdrawalRequest) error {
	defer s.measure("create_withdrawal")()
	return s.Store.CreateWithdrawal(ctx, withdrawal)
}

func (s *InstrumentedStore) SettleWithdrawal(ctx context.Context, settlement WithdrawalSettlement) (bool, error) {
	defer s.measure("settle_withdrawal")()
	return s.Store.SettleWithdrawal(ctx, settlement)
}
