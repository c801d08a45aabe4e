package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// validateAndPrepareSession validates required fields and fills defaults.
func validateAndPrepareSession(s *PaymentSession, now time.Time) error {
	if s.Reference == "" {
		return fmt.Errorf("payment session requires reference")
	}
	if s.UserID == "" {
		return fmt.Errorf("payment session requires user id")
	}
	if s.Tokens <= 0 {
		return fmt.Errorf("payment session requires a positive token quantity")
	}
	if s.AmountUSD.IsNegative() {
		return fmt.Errorf("payment session amount must not be negative")
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if !s.Status.Valid() {
		return fmt.Errorf("payment session has unknown status %q", s.Status)
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("payment session cannot be created in terminal status %q", s.Status)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	return nil
}

// validateOutcome checks that FinalizeSession is asked for a failure state.
// Completion only happens through ApplyPurchaseCredit so that a completed
// session always has its ledger entry.
func validateOutcome(o *SessionOutcome, now time.Time) error {
	switch o.Status {
	case StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("%w: finalize to %q", ErrInvalidTransition, o.Status)
	}
	if o.At.IsZero() {
		o.At = now
	}
	return nil
}

// validateAndPrepareEntry validates a ledger entry and assigns an ID.
func validateAndPrepareEntry(e *LedgerEntry, now time.Time) error {
	if e.UserID == "" {
		return fmt.Errorf("ledger entry requires user id")
	}
	if e.ReferenceID == "" {
		return fmt.Errorf("ledger entry requires reference id")
	}
	if e.Type == "" {
		return fmt.Errorf("ledger entry requires type")
	}
	if e.AmountTokens == 0 {
		return fmt.Errorf("ledger entry requires a non-zero amount")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = EntryCompleted
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return nil
}

// validateAndPrepareEvent assigns an ID and receive time to a webhook event.
func validateAndPrepareEvent(e *WebhookEvent, now time.Time) error {
	if e.EventType == "" {
		return fmt.Errorf("webhook event requires event type")
	}
	if len(e.RawData) == 0 {
		return fmt.Errorf("webhook event requires raw data")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}
	e.Processed = false
	e.ProcessedAt = nil
	return nil
}

// validateAndPrepareWithdrawal validates a new withdrawal request.
func validateAndPrepareWithdrawal(w *WithdrawalRequest, now time.Time) error {
	if w.TeacherID == "" {
		return fmt.Errorf("withdrawal requires teacher id")
	}
	if w.AmountTokens <= 0 {
		return fmt.Errorf("withdrawal requires a positive token amount")
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Reference == "" {
		return fmt.Errorf("withdrawal requires reference")
	}
	if w.Status == "" {
		w.Status = StatusPending
	}
	if w.Status != StatusPending {
		return fmt.Errorf("withdrawal must be created pending, got %q", w.Status)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = w.CreatedAt
	}
	return nil
}

// validateSettlement checks a withdrawal settlement request.
func validateSettlement(s *WithdrawalSettlement, now time.Time) error {
	if s.Reference == "" {
		return fmt.Errorf("withdrawal settlement requires reference")
	}
	switch s.Status {
	case StatusCompleted:
		if s.Debit == nil {
			return fmt.Errorf("completed withdrawal settlement requires a debit entry")
		}
		if s.Debit.AmountTokens >= 0 {
			return fmt.Errorf("withdrawal debit must be negative")
		}
		s.Debit.Type = EntryWithdrawal
		s.Debit.ReferenceID = s.Reference
		if err := validateAndPrepareEntry(s.Debit, now); err != nil {
			return err
		}
	case StatusFailed:
	default:
		return fmt.Errorf("%w: settle withdrawal to %q", ErrInvalidTransition, s.Status)
	}
	if s.At.IsZero() {
		s.At = now
	}
	return nil
}
