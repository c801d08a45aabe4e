// Package wallet applies balance changes through the ledger. Every credit and
// debit is keyed on a reference so that repeated deliveries of the same
// gateway event change a balance at most once.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrSessionClosed is returned when a credit targets a session that already
	// failed or was cancelled. No balance changes.
	ErrSessionClosed = errors.New("wallet: payment session already closed")

	// ErrInvalidCredit is returned for credits missing a user, reference or positive amount.
	ErrInvalidCredit = errors.New("wallet: invalid credit")
)

// Credit describes a purchase to be credited.
type Credit struct {
	UserID                string
	Tokens                int64
	AmountUSD             decimal.Decimal
	Reference             string // session reference, the ledger idempotency key
	ProviderTransactionID string
}

// CreditResult reports whether the credit changed the balance. Applied is false
// for duplicate deliveries; Entry is the single ledger row for the reference.
type CreditResult struct {
	Applied bool
	Entry   storage.LedgerEntry
}

// Ledger is the idempotent credit/debit layer over the store.
type Ledger struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewLedger builds a Ledger. metrics may be nil.
func NewLedger(store storage.Store, m *metrics.Metrics, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		metrics: m,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreditPurchase credits a completed charge at most once per reference.
//
// The pre-check short-circuits ordinary redeliveries. Concurrent deliveries that
// both pass it are serialized by the store: the loser gets ErrDuplicate from the
// unique (type, reference_id) constraint and is reported as a duplicate here.
func (l *Ledger) CreditPurchase(ctx context.Context, c Credit) (CreditResult, error) {
	if c.UserID == "" || c.Reference == "" || c.Tokens <= 0 {
		return CreditResult{}, fmt.Errorf("%w: user=%q reference=%q tokens=%d", ErrInvalidCredit, c.UserID, c.Reference, c.Tokens)
	}
	log := l.logger.With().Str("reference", logger.TruncateReference(c.Reference)).Logger()

	if existing, found, err := l.existing(ctx, storage.EntryPurchase, c.Reference); err != nil {
		return CreditResult{}, err
	} else if found {
		l.metrics.ObserveCredit("duplicate", 0)
		log.Debug().Msg("wallet.credit.duplicate")
		return CreditResult{Applied: false, Entry: existing}, nil
	}

	entry := storage.LedgerEntry{
		UserID:                c.UserID,
		Type:                  storage.EntryPurchase,
		AmountTokens:          c.Tokens,
		AmountUSD:             c.AmountUSD,
		ReferenceID:           c.Reference,
		ProviderTransactionID: c.ProviderTransactionID,
		Status:                storage.EntryCompleted,
	}
	err := l.store.ApplyPurchaseCredit(ctx, storage.PurchaseCredit{Entry: entry, At: l.now()})
	switch {
	case err == nil:
		l.metrics.ObserveCredit("applied", c.Tokens)
		stored, getErr := l.store.GetLedgerEntry(ctx, storage.EntryPurchase, c.Reference)
		if getErr != nil {
			// The credit is committed; the caller only loses the echo of the row.
			log.Warn().Err(getErr).Msg("wallet.credit.reload_failed")
			stored = entry
		}
		log.Info().Str("user_id", c.UserID).Int64("tokens", c.Tokens).Msg("wallet.credit.applied")
		return CreditResult{Applied: true, Entry: stored}, nil

	case errors.Is(err, storage.ErrDuplicate):
		l.metrics.ObserveCredit("duplicate", 0)
		log.Debug().Msg("wallet.credit.duplicate")
		stored, getErr := l.store.GetLedgerEntry(ctx, storage.EntryPurchase, c.Reference)
		if getErr != nil && !errors.Is(getErr, storage.ErrNotFound) {
			return CreditResult{}, getErr
		}
		return CreditResult{Applied: false, Entry: stored}, nil

	case errors.Is(err, storage.ErrTerminal):
		l.metrics.ObserveCredit("rejected", 0)
		log.Warn().Msg("wallet.credit.session_closed")
		return CreditResult{}, ErrSessionClosed

	default:
		l.metrics.ObserveCredit("error", 0)
		return CreditResult{}, fmt.Errorf("apply purchase credit: %w", err)
	}
}

// Debit describes a completed payout to be debited.
type Debit struct {
	TeacherID             string
	Tokens                int64 // positive quantity removed from the balance
	AmountUSD             decimal.Decimal
	Reference             string // withdrawal reference, the ledger idempotency key
	ProviderTransactionID string
}

// DebitEntry builds the ledger row recorded when a withdrawal completes.
// The store inserts it with the settlement so the debit and the status change
// commit together.
func DebitEntry(d Debit) storage.LedgerEntry {
	return storage.LedgerEntry{
		UserID:                d.TeacherID,
		Type:                  storage.EntryWithdrawal,
		AmountTokens:          -d.Tokens,
		AmountUSD:             d.AmountUSD.Neg(),
		ReferenceID:           d.Reference,
		ProviderTransactionID: d.ProviderTransactionID,
		Status:                storage.EntryCompleted,
	}
}

// DebitWithdrawal settles a withdrawal as completed and debits the teacher's
// balance. Applied is false when the withdrawal was already settled.
func (l *Ledger) DebitWithdrawal(ctx context.Context, d Debit) (CreditResult, error) {
	if d.TeacherID == "" || d.Reference == "" || d.Tokens <= 0 {
		return CreditResult{}, fmt.Errorf("%w: teacher=%q reference=%q tokens=%d", ErrInvalidCredit, d.TeacherID, d.Reference, d.Tokens)
	}
	if existing, found, err := l.existing(ctx, storage.EntryWithdrawal, d.Reference); err != nil {
		return CreditResult{}, err
	} else if found {
		return CreditResult{Applied: false, Entry: existing}, nil
	}

	entry := DebitEntry(d)
	changed, err := l.store.SettleWithdrawal(ctx, storage.WithdrawalSettlement{
		Reference:             d.Reference,
		Status:                storage.StatusCompleted,
		ProviderTransactionID: d.ProviderTransactionID,
		Debit:                 &entry,
		At:                    l.now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return CreditResult{Applied: false, Entry: entry}, nil
		}
		return CreditResult{}, fmt.Errorf("settle withdrawal: %w", err)
	}
	if !changed {
		return CreditResult{Applied: false}, nil
	}
	l.logger.Info().
		Str("reference", logger.TruncateReference(d.Reference)).
		Str("teacher_id", d.TeacherID).
		Int64("tokens", d.Tokens).
		Msg("wallet.debit.applied")
	return CreditResult{Applied: true, Entry: entry}, nil
}

// Balance returns the user's current token balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (storage.Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// History returns the user's most recent ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]storage.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.ListLedgerEntries(ctx, userID, limit)
}

func (l *Ledger) existing(ctx context.Context, t storage.EntryType, reference string) (storage.LedgerEntry, bool, error) {
	entry, err := l.store.GetLedgerEntry(ctx, t, reference)
	switch {
	case err == nil:
		return entry, entry.Status == storage.EntryCompleted, nil
	case errors.Is(err, storage.ErrNotFound):
		return storage.LedgerEntry{}, false, nil
	default:
		return storage.LedgerEntry{}, false, fmt.Errorf("lookup ledger entry: %w", err)
	}
}
