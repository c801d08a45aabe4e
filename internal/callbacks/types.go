package callbacks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Event types delivered to the notification endpoint.
const (
	EventPurchaseCompleted = "purchase.completed"
	EventPurchaseFailed    = "purchase.failed"
	EventWithdrawalSettled = "withdrawal.settled"
)

// Notifier tells an external dispatcher about settled purchases and payouts.
// Calls never block on delivery and never fail the caller.
type Notifier interface {
	PurchaseCompleted(ctx context.Context, event PurchaseEvent)
	PurchaseFailed(ctx context.Context, event PurchaseEvent)
	WithdrawalSettled(ctx context.Context, event WithdrawalEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) PurchaseCompleted(context.Context, PurchaseEvent)   {}
func (NoopNotifier) PurchaseFailed(context.Context, PurchaseEvent)      {}
func (NoopNotifier) WithdrawalSettled(context.Context, WithdrawalEvent) {}

// PurchaseEvent describes a payment session reaching a terminal state.
// EventID is stable across retries; receivers deduplicate on it.
type PurchaseEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	Reference     string          `json:"reference"`
	UserID        string          `json:"userId"`
	Tokens        int64           `json:"tokens"`
	AmountUSD     decimal.Decimal `json:"amountUsd"`
	Currency      string          `json:"currency"`
	AmountMinor   int64           `json:"amountMinor"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failureReason,omitempty"`
	NewBalance    int64           `json:"newBalance,omitempty"`
}

// WithdrawalEvent describes a payout reaching completed or failed.
type WithdrawalEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	WithdrawalID          string          `json:"withdrawalId"`
	Reference             string          `json:"reference"`
	TeacherID             string          `json:"teacherId"`
	AmountTokens          int64           `json:"amountTokens"`
	AmountUSD             decimal.Decimal `json:"amountUsd"`
	Status                string          `json:"status"`
	ProviderTransactionID string          `json:"providerTransactionId,omitempty"`
	FailureReason         string          `json:"failureReason,omitempty"`
}

// ErrNotificationsDisabled is returned when no notification URL is configured.
var ErrNotificationsDisabled = errors.New("callbacks: disabled")

// generateEventID returns "evt_" followed by 24 hex characters.
func generateEventID() string {
	randomBytes := make([]byte, 12)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return "evt_" + hex.EncodeToString(randomBytes)
}

func prepareEventFields(eventID *string, eventType *string, eventTimestamp *time.Time, defaultEventType string) {
	if *eventID == "" {
		*eventID = generateEventID()
	}
	if *eventType == "" {
		*eventType = defaultEventType
	}
	if eventTimestamp.IsZero() {
		*eventTimestamp = time.Now().UTC()
	}
}

// PreparePurchaseEvent fills EventID, EventType and EventTimestamp when unset.
// An existing EventID is preserved so retries keep the same key.
func PreparePurchaseEvent(event *PurchaseEvent, eventType string) {
	prepareEventFields(&event.EventID, &event.EventType, &event.EventTimestamp, eventType)
}

// PrepareWithdrawalEvent fills EventID, EventType and EventTimestamp when unset.
func PrepareWithdrawalEvent(event *WithdrawalEvent) {
	prepareEventFields(&event.EventID, &event.EventType, &event.EventTimestamp, EventWithdrawalSettled)
}
