package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/tokenpay/internal/config"
)

var (
	// ErrNotFound is returned when a requested entity is missing from the store.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate is returned when a write collides with a uniqueness constraint:
	// an existing session reference, or a ledger entry already recorded for the
	// same (type, reference_id).
	ErrDuplicate = errors.New("storage: duplicate")

	// ErrTerminal is returned when a write targets a session or withdrawal that
	// already reached a terminal state.
	ErrTerminal = errors.New("storage: record is in a terminal state")

	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("storage: invalid status transition")

	// ErrInsufficientFunds is returned when a withdrawal would reserve or debit
	// more tokens than the wallet holds.
	ErrInsufficientFunds = errors.New("storage: insufficient funds")
)

// Store captures the persistence requirements of purchase sessions, received
// webhook events, the wallet ledger and withdrawals.
//
// Uniqueness and atomicity live here rather than in callers: concurrent
// webhook handlers and verification requests may run in different processes,
// so every mutation that must happen at most once is guarded by a database
// constraint or a single transaction.
type Store interface {
	// Payment sessions
	CreateSession(ctx context.Context, session PaymentSession) error
	GetSession(ctx context.Context, reference string) (PaymentSession, error)
	// MarkSessionProcessing records the authorization URL and moves pending -> processing.
	// Returns ErrTerminal when the session is already final.
	MarkSessionProcessing(ctx context.Context, reference, authorizationURL, accessCode string, at time.Time) error
	// FinalizeSession moves a non-terminal session to failed or cancelled. It reports
	// false without error when the session was already terminal.
	FinalizeSession(ctx context.Context, reference string, outcome SessionOutcome) (bool, error)
	// ListOpenSessions returns pending/processing sessions created before the cutoff, oldest first.
	ListOpenSessions(ctx context.Context, createdBefore time.Time, limit int) ([]PaymentSession, error)

	// Webhook events (append-only audit trail and replay queue)
	SaveWebhookEvent(ctx context.Context, event WebhookEvent) (WebhookEvent, error)
	GetWebhookEvent(ctx context.Context, id string) (WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, filter WebhookEventFilter) ([]WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, id string, at time.Time) error
	MarkWebhookEventFailed(ctx context.Context, id string, errMsg string) error
	HasProcessedEvent(ctx context.Context, providerEventID string) (bool, error)
	// ArchiveProcessedEvents deletes processed events received before the cutoff.
	ArchiveProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error)

	// Wallet ledger
	// ApplyPurchaseCredit atomically inserts the purchase ledger entry, increments the
	// wallet balance and completes the session. Returns ErrDuplicate when the credit
	// was already applied and ErrTerminal when the session failed or was cancelled.
	ApplyPurchaseCredit(ctx context.Context, credit PurchaseCredit) error
	GetLedgerEntry(ctx context.Context, entryType EntryType, referenceID string) (LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
	// GetWallet returns a zero balance for users without ledger activity.
	GetWallet(ctx context.Context, userID string) (Wallet, error)

	// Withdrawals
	// CreateWithdrawal stores a pending withdrawal. The wallet balance minus every
	// open withdrawal must cover it, checked in the same transaction as the
	// insert; otherwise ErrInsufficientFunds.
	CreateWithdrawal(ctx context.Context, withdrawal WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (WithdrawalRequest, error)
	GetWithdrawalByReference(ctx context.Context, reference string) (WithdrawalRequest, error)
	// ListWithdrawals returns a teacher's withdrawals, newest first.
	ListWithdrawals(ctx context.Context, teacherID string) ([]WithdrawalRequest, error)
	// ClaimWithdrawal moves pending -> processing before the transfer is issued.
	ClaimWithdrawal(ctx context.Context, id string, at time.Time) error
	// RecordWithdrawalTransfer stores the gateway transfer code if none is set yet.
	// The status is left unchanged.
	RecordWithdrawalTransfer(ctx context.Context, id, transferCode string, at time.Time) error
	// ReleaseWithdrawal moves processing -> pending when no transfer was issued.
	ReleaseWithdrawal(ctx context.Context, id string, at time.Time) error
	// CancelWithdrawal moves pending -> cancelled.
	CancelWithdrawal(ctx context.Context, id string, at time.Time) error
	// SettleWithdrawal finalizes a withdrawal by reference. A completed settlement
	// records the debit entry and decrements the balance in one transaction,
	// returning ErrInsufficientFunds rather than taking the balance below zero.
	// It reports false without error when the withdrawal was already terminal.
	SettleWithdrawal(ctx context.Context, settlement WithdrawalSettlement) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	RunMigrations   bool
	QueryTimeout    time.Duration
}

// StoreConfigFrom maps the application storage section onto a StoreConfig.
func StoreConfigFrom(cfg config.StorageConfig) StoreConfig {
	return StoreConfig{
		Backend:         cfg.Backend,
		PostgresURL:     cfg.PostgresURL,
		MongoDBURL:      cfg.MongoDBURL,
		MongoDBDatabase: cfg.MongoDBDatabase,
		PostgresPool:    cfg.PostgresPool,
		RunMigrations:   cfg.RunMigrations,
		QueryTimeout:    cfg.QueryTimeout.Duration,
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is provided (non-nil) for postgres backends, it will be used instead
// of creating a new connection.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	if cfg.QueryTimeout > 0 {
		queryTimeout = cfg.QueryTimeout
	}

	switch cfg.Backend {
	case "memory", "":
		// Memory backend loses every balance on restart. Development and tests only.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var (
			store *PostgresStore
			err   error
		)
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB)
		} else {
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
		}
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := store.Migrate(); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
