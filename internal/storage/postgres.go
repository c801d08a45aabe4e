package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool // Track if we created the DB connection (for Close())
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close error is not actionable here; the ping failure is what the caller needs.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	return &PostgresStore{db: db, ownsDB: true}, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
// This allows sharing a single connection pool across multiple stores/repositories.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres store requires a database handle")
	}
	return &PostgresStore{db: db, ownsDB: false}, nil
}

// Migrate applies the embedded schema migrations. A database that is already
// current is not an error.
func (s *PostgresStore) Migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	// A dedicated connection keeps m.Close() from closing the shared pool.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{
		MigrationsTable: "tokenpay_schema_migrations",
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const sessionColumns = `reference, user_id, email, amount_usd, currency, settlement_amount, amount_minor,
	tokens, status, authorization_url, access_code, provider_transaction_id, failure_reason, metadata,
	created_at, updated_at, completed_at`

func scanSession(row rowScanner) (PaymentSession, error) {
	var (
		s           PaymentSession
		status      string
		metadata    []byte
		completedAt sql.NullTime
	)
	err := row.Scan(
		&s.Reference, &s.UserID, &s.Email, &s.AmountUSD, &s.Currency, &s.SettlementAmount, &s.AmountMinor,
		&s.Tokens, &status, &s.AuthorizationURL, &s.AccessCode, &s.ProviderTransactionID, &s.FailureReason,
		&metadata, &s.CreatedAt, &s.UpdatedAt, &completedAt,
	)
	if err != nil {
		return PaymentSession{}, err
	}
	s.Status = SessionStatus(status)
	s.CompletedAt = timePtr(completedAt)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return PaymentSession{}, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return s, nil
}

// CreateSession inserts a new pending session. An existing reference returns ErrDuplicate.
func (s *PostgresStore) CreateSession(ctx context.Context, session PaymentSession) error {
	if err := validateAndPrepareSession(&session, time.Now()); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var metadata interface{}
	if len(session.Metadata) > 0 {
		raw, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("marshal session metadata: %w", err)
		}
		metadata = raw
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (reference) DO NOTHING`,
		session.Reference, session.UserID, session.Email, session.AmountUSD, session.Currency,
		session.SettlementAmount, session.AmountMinor, session.Tokens, string(session.Status),
		session.AuthorizationURL, session.AccessCode, session.ProviderTransactionID, session.FailureReason,
		metadata, session.CreatedAt.UTC(), session.UpdatedAt.UTC(), nullTime(session.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetSession retrieves a session by reference.
func (s *PostgresStore) GetSession(ctx context.Context, reference string) (PaymentSession, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE reference = $1`, reference)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentSession{}, ErrNotFound
	}
	if err != nil {
		return PaymentSession{}, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

// MarkSessionProcessing records the authorization URL on an open session.
func (s *PostgresStore) MarkSessionProcessing(ctx context.Context, reference, authorizationURL, accessCode string, at time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = 'processing', authorization_url = $2, access_code = $3, updated_at = $4
		WHERE reference = $1 AND status IN ('pending', 'processing')`,
		reference, authorizationURL, accessCode, at.UTC())
	if err != nil {
		return fmt.Errorf("mark session processing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetSession(ctx, reference); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

// FinalizeSession moves an open session to failed or cancelled. The status
// predicate in the UPDATE makes terminal sessions immune to late writers.
func (s *PostgresStore) FinalizeSession(ctx context.Context, reference string, outcome SessionOutcome) (bool, error) {
	if err := validateOutcome(&outcome, time.Now()); err != nil {
		return false, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = $2,
		    failure_reason = $3,
		    provider_transaction_id = CASE WHEN $4 = '' THEN provider_transaction_id ELSE $4 END,
		    updated_at = $5,
		    completed_at = $5
		WHERE reference = $1 AND status IN ('pending', 'processing')`,
		reference, string(outcome.Status), outcome.FailureReason, outcome.ProviderTransactionID, outcome.At.UTC())
	if err != nil {
		return false, fmt.Errorf("finalize session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetSession(ctx, reference); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListOpenSessions returns pending/processing sessions created before the cutoff, oldest first.
func (s *PostgresStore) ListOpenSessions(ctx context.Context, createdBefore time.Time, limit int) ([]PaymentSession, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM payment_sessions
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, createdBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []PaymentSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

const eventColumns = `id, provider, event_type, provider_event_id, reference, raw_data, processed,
	processed_at, attempts, last_error, received_at`

func scanEvent(row rowScanner) (WebhookEvent, error) {
	var (
		e           WebhookEvent
		raw         []byte
		processedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Provider, &e.EventType, &e.ProviderEventID, &e.Reference, &raw, &e.Processed,
		&processedAt, &e.Attempts, &e.LastError, &e.ReceivedAt)
	if err != nil {
		return WebhookEvent{}, err
	}
	e.RawData = raw
	e.ProcessedAt = timePtr(processedAt)
	return e, nil
}

// SaveWebhookEvent appends a received delivery.
func (s *PostgresStore) SaveWebhookEvent(ctx context.Context, event WebhookEvent) (WebhookEvent, error) {
	if err := validateAndPrepareEvent(&event, time.Now()); err != nil {
		return WebhookEvent{}, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NULL, $7, $8, $9)`,
		event.ID, event.Provider, event.EventType, event.ProviderEventID, event.Reference, []byte(event.RawData),
		event.Attempts, event.LastError, event.ReceivedAt.UTC())
	if isUniqueViolation(err) {
		return WebhookEvent{}, ErrDuplicate
	}
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("insert webhook event: %w", err)
	}
	return event, nil
}

// GetWebhookEvent retrieves a stored delivery.
func (s *PostgresStore) GetWebhookEvent(ctx context.Context, id string) (WebhookEvent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	event, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("query webhook event: %w", err)
	}
	return event, nil
}

// ListWebhookEvents lists stored deliveries, newest first.
func (s *PostgresStore) ListWebhookEvents(ctx context.Context, filter WebhookEventFilter) ([]WebhookEvent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var (
		conds []string
		args  []interface{}
	)
	if filter.Processed != nil {
		args = append(args, *filter.Processed)
		conds = append(conds, fmt.Sprintf("processed = $%d", len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)))
	}
	query := `SELECT ` + eventColumns + ` FROM webhook_events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	if filter.OldestFirst {
		query += ` ORDER BY received_at ASC`
	} else {
		query += ` ORDER BY received_at DESC`
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var events []WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkWebhookEventProcessed flags a delivery as applied.
func (s *PostgresStore) MarkWebhookEventProcessed(ctx context.Context, id string, at time.Time) error {
	return s.updateEvent(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $1`, id, at.UTC())
}

// MarkWebhookEventFailed records a failed processing attempt.
func (s *PostgresStore) MarkWebhookEventFailed(ctx context.Context, id string, errMsg string) error {
	return s.updateEvent(ctx, `
		UPDATE webhook_events
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1`, id, errMsg)
}

func (s *PostgresStore) updateEvent(ctx context.Context, query string, args ...interface{}) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// HasProcessedEvent reports whether any delivery with this provider event id was applied.
func (s *PostgresStore) HasProcessedEvent(ctx context.Context, providerEventID string) (bool, error) {
	if providerEventID == "" {
		return false, nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM webhook_events WHERE provider_event_id = $1 AND processed)`,
		providerEventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

// ArchiveProcessedEvents deletes processed deliveries received before the cutoff.
// Unprocessed rows are kept regardless of age so they remain replayable.
func (s *PostgresStore) ArchiveProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE processed AND received_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive webhook events: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// insertUniqueEntry inserts a purchase or withdrawal entry inside tx. A conflict on
// (type, reference_id) returns ErrDuplicate.
func insertUniqueEntry(ctx context.Context, tx *sql.Tx, entry LedgerEntry) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount_tokens, amount_usd, reference_id,
			provider_transaction_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (type, reference_id) WHERE type IN ('purchase', 'withdrawal') DO NOTHING`,
		entry.ID, entry.UserID, string(entry.Type), entry.AmountTokens, entry.AmountUSD, entry.ReferenceID,
		entry.ProviderTransactionID, string(entry.Status), entry.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDuplicate
	}
	return nil
}

func adjustBalanceTx(ctx context.Context, tx *sql.Tx, userID string, delta int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, token_balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET token_balance = wallets.token_balance + EXCLUDED.token_balance,
		    updated_at    = EXCLUDED.updated_at`,
		userID, delta, at.UTC())
	if err != nil {
		return fmt.Errorf("adjust wallet balance: %w", err)
	}
	return nil
}

// ApplyPurchaseCredit runs the credit as one transaction holding a row lock on
// the session, so a concurrent webhook and verify call serialize here.
func (s *PostgresStore) ApplyPurchaseCredit(ctx context.Context, credit PurchaseCredit) error {
	if credit.At.IsZero() {
		credit.At = time.Now()
	}
	entry := credit.Entry
	entry.Type = EntryPurchase
	if err := validateAndPrepareEntry(&entry, credit.At); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM payment_sessions WHERE reference = $1 FOR UPDATE`, entry.ReferenceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	switch st := SessionStatus(status); {
	case st == StatusCompleted:
		return ErrDuplicate
	case st.IsTerminal():
		return ErrTerminal
	}

	if err := insertUniqueEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := adjustBalanceTx(ctx, tx, entry.UserID, entry.AmountTokens, credit.At); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = 'completed', provider_transaction_id = $2, failure_reason = '', updated_at = $3, completed_at = $3
		WHERE reference = $1`,
		entry.ReferenceID, entry.ProviderTransactionID, credit.At.UTC())
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("commit credit tx: %w", err)
	}
	return nil
}

const entryColumns = `id, user_id, type, amount_tokens, amount_usd, reference_id, provider_transaction_id, status, created_at`

func scanEntry(row rowScanner) (LedgerEntry, error) {
	var (
		e           LedgerEntry
		typ, status string
	)
	err := row.Scan(&e.ID, &e.UserID, &typ, &e.AmountTokens, &e.AmountUSD, &e.ReferenceID,
		&e.ProviderTransactionID, &status, &e.CreatedAt)
	if err != nil {
		return LedgerEntry{}, err
	}
	e.Type = EntryType(typ)
	e.Status = EntryStatus(status)
	return e, nil
}

// GetLedgerEntry finds the entry recorded for (type, reference_id).
func (s *PostgresStore) GetLedgerEntry(ctx context.Context, entryType EntryType, referenceID string) (LedgerEntry, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE type = $1 AND reference_id = $2
		ORDER BY created_at ASC
		LIMIT 1`, string(entryType), referenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, ErrNotFound
	}
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("query ledger entry: %w", err)
	}
	return entry, nil
}

// ListLedgerEntries returns a user's entries, newest first.
func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetWallet returns the user's balance, zero when the user has no activity.
func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	wallet := Wallet{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT token_balance, updated_at FROM wallets WHERE user_id = $1`, userID).
		Scan(&wallet.TokenBalance, &wallet.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet, nil
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	return wallet, nil
}

const withdrawalColumns = `id, teacher_id, reference, amount_tokens, amount_usd, currency, amount_minor,
	recipient_code, status, provider_transaction_id, failure_reason, created_at, updated_at, completed_at`

func scanWithdrawal(row rowScanner) (WithdrawalRequest, error) {
	var (
		w           WithdrawalRequest
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(&w.ID, &w.TeacherID, &w.Reference, &w.AmountTokens, &w.AmountUSD, &w.Currency,
		&w.AmountMinor, &w.RecipientCode, &status, &w.ProviderTransactionID, &w.FailureReason,
		&w.CreatedAt, &w.UpdatedAt, &completedAt)
	if err != nil {
		return WithdrawalRequest{}, err
	}
	w.Status = SessionStatus(status)
	w.CompletedAt = timePtr(completedAt)
	return w, nil
}

// CreateWithdrawal stores a new pending withdrawal. The wallet row lock
// serializes concurrent requests for the same teacher across instances.
func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w WithdrawalRequest) error {
	if err := validateAndPrepareWithdrawal(&w, time.Now()); err != nil {
		return err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin withdrawal tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT token_balance FROM wallets WHERE user_id = $1 FOR UPDATE`, w.TeacherID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInsufficientFunds
	}
	if err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	var reserved int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_tokens), 0) FROM withdrawals
		WHERE teacher_id = $1 AND status IN ('pending', 'processing')`, w.TeacherID).Scan(&reserved)
	if err != nil {
		return fmt.Errorf("sum open withdrawals: %w", err)
	}
	if balance-reserved < w.AmountTokens {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		w.ID, w.TeacherID, w.Reference, w.AmountTokens, w.AmountUSD, w.Currency, w.AmountMinor,
		w.RecipientCode, string(w.Status), w.ProviderTransactionID, w.FailureReason,
		w.CreatedAt.UTC(), w.UpdatedAt.UTC(), nullTime(w.CompletedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit withdrawal tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) getWithdrawalBy(ctx context.Context, column, value string) (WithdrawalRequest, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	w, err := scanWithdrawal(s.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE `+column+` = $1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return WithdrawalRequest{}, ErrNotFound
	}
	if err != nil {
		return WithdrawalRequest{}, fmt.Errorf("query withdrawal: %w", err)
	}
	return w, nil
}

// GetWithdrawal retrieves a withdrawal by ID.
func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (WithdrawalRequest, error) {
	return s.getWithdrawalBy(ctx, "id", id)
}

// GetWithdrawalByReference retrieves a withdrawal by transfer reference.
func (s *PostgresStore) GetWithdrawalByReference(ctx context.Context, reference string) (WithdrawalRequest, error) {
	return s.getWithdrawalBy(ctx, "reference", reference)
}

// ListWithdrawals returns a teacher's withdrawals, newest first.
func (s *PostgresStore) ListWithdrawals(ctx context.Context, teacherID string) ([]WithdrawalRequest, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE teacher_id = $1
		ORDER BY created_at DESC`, teacherID)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// transitionWithdrawal applies a conditional status update and classifies a miss.
func (s *PostgresStore) transitionWithdrawal(ctx context.Context, id string, query string, args ...interface{}) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	w, err := s.GetWithdrawal(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return ErrTerminal
	}
	return ErrInvalidTransition
}

// ClaimWithdrawal moves pending -> processing ahead of the payout call.
func (s *PostgresStore) ClaimWithdrawal(ctx context.Context, id string, at time.Time) error {
	return s.transitionWithdrawal(ctx, id, `
		UPDATE withdrawals
		SET status = 'processing', updated_at = $2
		WHERE id = $1 AND status = 'pending'`, at.UTC())
}

// RecordWithdrawalTransfer stores the transfer code unless one is already set.
func (s *PostgresStore) RecordWithdrawalTransfer(ctx context.Context, id, transferCode string, at time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		UPDATE withdrawals
		SET provider_transaction_id = $2, updated_at = $3
		WHERE id = $1 AND provider_transaction_id = ''`, id, transferCode, at.UTC())
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		_, err = s.GetWithdrawal(ctx, id)
		return err
	}
	return nil
}

// ReleaseWithdrawal returns a claimed withdrawal to pending.
func (s *PostgresStore) ReleaseWithdrawal(ctx context.Context, id string, at time.Time) error {
	return s.transitionWithdrawal(ctx, id, `
		UPDATE withdrawals
		SET status = 'pending', updated_at = $2
		WHERE id = $1 AND status = 'processing' AND provider_transaction_id = ''`, at.UTC())
}

// CancelWithdrawal moves pending -> cancelled.
func (s *PostgresStore) CancelWithdrawal(ctx context.Context, id string, at time.Time) error {
	return s.transitionWithdrawal(ctx, id, `
		UPDATE withdrawals
		SET status = 'cancelled', updated_at = $2, completed_at = $2
		WHERE id = $1 AND status = 'pending'`, at.UTC())
}

// SettleWithdrawal finalizes a withdrawal and applies the debit when completed.
func (s *PostgresStore) SettleWithdrawal(ctx context.Context, settlement WithdrawalSettlement) (bool, error) {
	if err := validateSettlement(&settlement, time.Now()); err != nil {
		return false, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var id, status string
	err = tx.QueryRowContext(ctx,
		`SELECT id, status FROM withdrawals WHERE reference = $1 FOR UPDATE`, settlement.Reference).Scan(&id, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lock withdrawal: %w", err)
	}
	if SessionStatus(status).IsTerminal() {
		return false, nil
	}

	if settlement.Status == StatusCompleted {
		debit := *settlement.Debit
		if err := insertUniqueEntry(ctx, tx, debit); err != nil {
			return false, err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE wallets
			SET token_balance = token_balance + $2, updated_at = $3
			WHERE user_id = $1 AND token_balance + $2 >= 0`,
			debit.UserID, debit.AmountTokens, settlement.At.UTC())
		if err != nil {
			return false, fmt.Errorf("debit wallet: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("check rows affected: %w", err)
		}
		if rows == 0 {
			return false, ErrInsufficientFunds
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $2,
		    provider_transaction_id = CASE WHEN $3 = '' THEN provider_transaction_id ELSE $3 END,
		    failure_reason = $4,
		    updated_at = $5,
		    completed_at = $5
		WHERE id = $1`,
		id, string(settlement.Status), settlement.ProviderTransactionID, settlement.FailureReason, settlement.At.UTC())
	if err != nil {
		return false, fmt.Errorf("settle withdrawal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit settlement tx: %w", err)
	}
	return true, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
