package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development. A single mutex makes every compound operation
// atomic, standing in for the database transactions of the other backends.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]PaymentSession    // reference -> session
	events        map[string]WebhookEvent      // event id -> event
	eventOrder    []string                     // insertion order for listing
	entries       map[string]LedgerEntry       // entry id -> entry
	entryIndex    map[string]string            // type|reference_id -> entry id (purchase, withdrawal)
	wallets       map[string]Wallet            // user id -> wallet
	withdrawals   map[string]WithdrawalRequest // id -> withdrawal
	withdrawalRef map[string]string            // reference -> id
	now           func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]PaymentSession),
		events:        make(map[string]WebhookEvent),
		entries:       make(map[string]LedgerEntry),
		entryIndex:    make(map[string]string),
		wallets:       make(map[string]Wallet),
		withdrawals:   make(map[string]WithdrawalRequest),
		withdrawalRef: make(map[string]string),
		now:           time.Now,
	}
}

func entryKey(t EntryType, referenceID string) string {
	return string(t) + "|" + referenceID
}

// uniqueEntryType reports whether (type, reference_id) must be unique.
func uniqueEntryType(t EntryType) bool {
	return t == EntryPurchase || t == EntryWithdrawal
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

// CreateSession stores a new pending session.
func (m *MemoryStore) CreateSession(_ context.Context, session PaymentSession) error {
	if err := validateAndPrepareSession(&session, m.now()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.Reference]; exists {
		return ErrDuplicate
	}
	m.sessions[session.Reference] = cloneSession(session)
	return nil
}

// GetSession retrieves a session by reference.
func (m *MemoryStore) GetSession(_ context.Context, reference string) (PaymentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[reference]
	if !ok {
		return PaymentSession{}, ErrNotFound
	}
	return cloneSession(session), nil
}

// MarkSessionProcessing records the authorization URL on an open session.
func (m *MemoryStore) MarkSessionProcessing(_ context.Context, reference, authorizationURL, accessCode string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[reference]
	if !ok {
		return ErrNotFound
	}
	if session.Status.IsTerminal() {
		return ErrTerminal
	}
	session.Status = StatusProcessing
	session.AuthorizationURL = authorizationURL
	session.AccessCode = accessCode
	session.UpdatedAt = at
	m.sessions[reference] = session
	return nil
}

// FinalizeSession moves an open session to failed or cancelled.
func (m *MemoryStore) FinalizeSession(_ context.Context, reference string, outcome SessionOutcome) (bool, error) {
	if err := validateOutcome(&outcome, m.now()); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[reference]
	if !ok {
		return false, ErrNotFound
	}
	if session.Status.IsTerminal() {
		return false, nil
	}
	session.Status = outcome.Status
	session.FailureReason = outcome.FailureReason
	if outcome.ProviderTransactionID != "" {
		session.ProviderTransactionID = outcome.ProviderTransactionID
	}
	session.UpdatedAt = outcome.At
	session.CompletedAt = ptrTime(outcome.At)
	m.sessions[reference] = session
	return true, nil
}

// ListOpenSessions returns non-terminal sessions created before the cutoff.
func (m *MemoryStore) ListOpenSessions(_ context.Context, createdBefore time.Time, limit int) ([]PaymentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []PaymentSession
	for _, session := range m.sessions {
		if !session.Status.IsTerminal() && session.CreatedAt.Before(createdBefore) {
			open = append(open, cloneSession(session))
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

// SaveWebhookEvent appends a received delivery.
func (m *MemoryStore) SaveWebhookEvent(_ context.Context, event WebhookEvent) (WebhookEvent, error) {
	if err := validateAndPrepareEvent(&event, m.now()); err != nil {
		return WebhookEvent{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[event.ID]; exists {
		return WebhookEvent{}, ErrDuplicate
	}
	event.RawData = append([]byte(nil), event.RawData...)
	m.events[event.ID] = event
	m.eventOrder = append(m.eventOrder, event.ID)
	return event, nil
}

// GetWebhookEvent retrieves a stored delivery.
func (m *MemoryStore) GetWebhookEvent(_ context.Context, id string) (WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	event, ok := m.events[id]
	if !ok {
		return WebhookEvent{}, ErrNotFound
	}
	return event, nil
}

// ListWebhookEvents lists stored deliveries, newest first.
func (m *MemoryStore) ListWebhookEvents(_ context.Context, filter WebhookEventFilter) ([]WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []WebhookEvent
	for n := range m.eventOrder {
		i := len(m.eventOrder) - 1 - n
		if filter.OldestFirst {
			i = n
		}
		event, ok := m.events[m.eventOrder[i]]
		if !ok {
			continue
		}
		if filter.Processed != nil && event.Processed != *filter.Processed {
			continue
		}
		if filter.EventType != "" && event.EventType != filter.EventType {
			continue
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// MarkWebhookEventProcessed flags a delivery as applied.
func (m *MemoryStore) MarkWebhookEventProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	event.Processed = true
	event.ProcessedAt = ptrTime(at)
	event.Attempts++
	event.LastError = ""
	m.events[id] = event
	return nil
}

// MarkWebhookEventFailed records a failed processing attempt.
func (m *MemoryStore) MarkWebhookEventFailed(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	event.Attempts++
	event.LastError = errMsg
	m.events[id] = event
	return nil
}

// HasProcessedEvent reports whether any delivery with this provider event id was applied.
func (m *MemoryStore) HasProcessedEvent(_ context.Context, providerEventID string) (bool, error) {
	if providerEventID == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, event := range m.events {
		if event.Processed && event.ProviderEventID == providerEventID {
			return true, nil
		}
	}
	return false, nil
}

// ArchiveProcessedEvents deletes processed deliveries received before the cutoff.
func (m *MemoryStore) ArchiveProcessedEvents(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	kept := m.eventOrder[:0]
	for _, id := range m.eventOrder {
		event, ok := m.events[id]
		if ok && event.Processed && event.ReceivedAt.Before(olderThan) {
			delete(m.events, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.eventOrder = kept
	return removed, nil
}

// ApplyPurchaseCredit inserts the purchase entry, credits the wallet and
// completes the session under one lock.
func (m *MemoryStore) ApplyPurchaseCredit(_ context.Context, credit PurchaseCredit) error {
	now := m.now()
	if credit.At.IsZero() {
		credit.At = now
	}
	entry := credit.Entry
	entry.Type = EntryPurchase
	if err := validateAndPrepareEntry(&entry, credit.At); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[entry.ReferenceID]
	if !ok {
		return ErrNotFound
	}
	switch {
	case session.Status == StatusCompleted:
		return ErrDuplicate
	case session.Status.IsTerminal():
		return ErrTerminal
	}
	key := entryKey(entry.Type, entry.ReferenceID)
	if _, exists := m.entryIndex[key]; exists {
		return ErrDuplicate
	}

	m.entries[entry.ID] = entry
	m.entryIndex[key] = entry.ID
	m.adjustBalance(entry.UserID, entry.AmountTokens, credit.At)

	session.Status = StatusCompleted
	session.ProviderTransactionID = entry.ProviderTransactionID
	session.FailureReason = ""
	session.UpdatedAt = credit.At
	session.CompletedAt = ptrTime(credit.At)
	m.sessions[session.Reference] = session
	return nil
}

// adjustBalance must be called with mu held.
func (m *MemoryStore) adjustBalance(userID string, delta int64, at time.Time) {
	wallet := m.wallets[userID]
	wallet.UserID = userID
	wallet.TokenBalance += delta
	wallet.UpdatedAt = at
	m.wallets[userID] = wallet
}

// GetLedgerEntry finds the entry recorded for (type, reference_id).
func (m *MemoryStore) GetLedgerEntry(_ context.Context, entryType EntryType, referenceID string) (LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, ok := m.entryIndex[entryKey(entryType, referenceID)]; ok {
		return m.entries[id], nil
	}
	for _, entry := range m.entries {
		if entry.Type == entryType && entry.ReferenceID == referenceID {
			return entry, nil
		}
	}
	return LedgerEntry{}, ErrNotFound
}

// ListLedgerEntries returns a user's entries, newest first.
func (m *MemoryStore) ListLedgerEntries(_ context.Context, userID string, limit int) ([]LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LedgerEntry
	for _, entry := range m.entries {
		if entry.UserID == userID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetWallet returns the user's balance.
func (m *MemoryStore) GetWallet(_ context.Context, userID string) (Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wallet, ok := m.wallets[userID]
	if !ok {
		return Wallet{UserID: userID}, nil
	}
	return wallet, nil
}

// CreateWithdrawal stores a new pending withdrawal.
func (m *MemoryStore) CreateWithdrawal(_ context.Context, withdrawal WithdrawalRequest) error {
	if err := validateAndPrepareWithdrawal(&withdrawal, m.now()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.withdrawals[withdrawal.ID]; exists {
		return ErrDuplicate
	}
	if _, exists := m.withdrawalRef[withdrawal.Reference]; exists {
		return ErrDuplicate
	}
	if m.wallets[withdrawal.TeacherID].TokenBalance-m.reservedLocked(withdrawal.TeacherID) < withdrawal.AmountTokens {
		return ErrInsufficientFunds
	}
	m.withdrawals[withdrawal.ID] = withdrawal
	m.withdrawalRef[withdrawal.Reference] = withdrawal.ID
	return nil
}

// reservedLocked sums the teacher's open withdrawals. mu must be held.
func (m *MemoryStore) reservedLocked(teacherID string) int64 {
	var reserved int64
	for _, w := range m.withdrawals {
		if w.TeacherID == teacherID && !w.Status.IsTerminal() {
			reserved += w.AmountTokens
		}
	}
	return reserved
}

// GetWithdrawal retrieves a withdrawal by ID.
func (m *MemoryStore) GetWithdrawal(_ context.Context, id string) (WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return WithdrawalRequest{}, ErrNotFound
	}
	return w, nil
}

// GetWithdrawalByReference retrieves a withdrawal by transfer reference.
func (m *MemoryStore) GetWithdrawalByReference(_ context.Context, reference string) (WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.withdrawalRef[reference]
	if !ok {
		return WithdrawalRequest{}, ErrNotFound
	}
	return m.withdrawals[id], nil
}

// ListWithdrawals returns a teacher's withdrawals, newest first.
func (m *MemoryStore) ListWithdrawals(_ context.Context, teacherID string) ([]WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []WithdrawalRequest
	for _, w := range m.withdrawals {
		if w.TeacherID == teacherID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ClaimWithdrawal moves pending -> processing ahead of the payout call.
func (m *MemoryStore) ClaimWithdrawal(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status.IsTerminal() {
		return ErrTerminal
	}
	if w.Status != StatusPending {
		return ErrInvalidTransition
	}
	w.Status = StatusProcessing
	w.UpdatedAt = at
	m.withdrawals[id] = w
	return nil
}

// RecordWithdrawalTransfer stores the transfer code unless one is already set.
func (m *MemoryStore) RecordWithdrawalTransfer(_ context.Context, id, transferCode string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.ProviderTransactionID == "" {
		w.ProviderTransactionID = transferCode
		w.UpdatedAt = at
		m.withdrawals[id] = w
	}
	return nil
}

// ReleaseWithdrawal returns a claimed withdrawal to pending.
func (m *MemoryStore) ReleaseWithdrawal(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status.IsTerminal() {
		return ErrTerminal
	}
	if w.Status != StatusProcessing || w.ProviderTransactionID != "" {
		return ErrInvalidTransition
	}
	w.Status = StatusPending
	w.UpdatedAt = at
	m.withdrawals[id] = w
	return nil
}

// CancelWithdrawal moves pending -> cancelled.
func (m *MemoryStore) CancelWithdrawal(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status.IsTerminal() {
		return ErrTerminal
	}
	if w.Status != StatusPending {
		return ErrInvalidTransition
	}
	w.Status = StatusCancelled
	w.UpdatedAt = at
	w.CompletedAt = ptrTime(at)
	m.withdrawals[id] = w
	return nil
}

// SettleWithdrawal finalizes a withdrawal and applies the debit when completed.
func (m *MemoryStore) SettleWithdrawal(_ context.Context, settlement WithdrawalSettlement) (bool, error) {
	if err := validateSettlement(&settlement, m.now()); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.withdrawalRef[settlement.Reference]
	if !ok {
		return false, ErrNotFound
	}
	w := m.withdrawals[id]
	if w.Status.IsTerminal() {
		return false, nil
	}

	if settlement.Status == StatusCompleted {
		debit := *settlement.Debit
		key := entryKey(debit.Type, debit.ReferenceID)
		if _, exists := m.entryIndex[key]; exists {
			return false, ErrDuplicate
		}
		if m.wallets[debit.UserID].TokenBalance+debit.AmountTokens < 0 {
			return false, ErrInsufficientFunds
		}
		m.entries[debit.ID] = debit
		m.entryIndex[key] = debit.ID
		m.adjustBalance(debit.UserID, debit.AmountTokens, settlement.At)
	}

	w.Status = settlement.Status
	if settlement.ProviderTransactionID != "" {
		w.ProviderTransactionID = settlement.ProviderTransactionID
	}
	w.FailureReason = settlement.FailureReason
	w.UpdatedAt = settlement.At
	w.CompletedAt = ptrTime(settlement.At)
	m.withdrawals[id] = w
	return true, nil
}

// Ping always succeeds for the memory backend.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}

func cloneSession(s PaymentSession) PaymentSession {
	if s.Metadata != nil {
		md := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	return s
}
