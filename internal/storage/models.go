package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a payment session or withdrawal.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusCancelled  SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// PaymentSession records one token purchase attempt. Reference is the correlation
// key shared by the gateway, webhooks and polling.
type PaymentSession struct {
	Reference             string            `json:"reference"`
	UserID                string            `json:"userId"`
	Email                 string            `json:"email"`
	AmountUSD             decimal.Decimal   `json:"amountUsd"`
	Currency              string            `json:"currency"`
	SettlementAmount      decimal.Decimal   `json:"settlementAmount"`
	AmountMinor           int64             `json:"amountMinor"`
	Tokens                int64             `json:"tokens"`
	Status                SessionStatus     `json:"status"`
	AuthorizationURL      string            `json:"authorizationUrl,omitempty"`
	AccessCode            string            `json:"accessCode,omitempty"`
	ProviderTransactionID string            `json:"providerTransactionId,omitempty"`
	FailureReason         string            `json:"failureReason,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
	CompletedAt           *time.Time        `json:"completedAt,omitempty"`
}

// SessionOutcome carries the fields written when a session reaches a terminal state.
type SessionOutcome struct {
	Status                SessionStatus
	ProviderTransactionID string
	FailureReason         string
	At                    time.Time
}

// WebhookEvent is one received delivery, stored verbatim before processing.
type WebhookEvent struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	EventType       string          `json:"eventType"`
	ProviderEventID string          `json:"providerEventId"`
	Reference       string          `json:"reference,omitempty"`
	RawData         json.RawMessage `json:"rawData"`
	Processed       bool            `json:"processed"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"lastError,omitempty"`
	ReceivedAt      time.Time       `json:"receivedAt"`
}

// WebhookEventFilter narrows ListWebhookEvents. Events are listed newest
// first unless OldestFirst is set.
type WebhookEventFilter struct {
	Processed   *bool
	EventType   string
	Limit       int
	OldestFirst bool
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryPurchase   EntryType = "purchase"
	EntryEarn       EntryType = "earn"
	EntryFee        EntryType = "fee"
	EntryWithdrawal EntryType = "withdrawal"
	EntryAdjustment EntryType = "adjustment"
)

// EntryStatus is the state of a ledger entry.
type EntryStatus string

const (
	EntryCompleted EntryStatus = "completed"
	EntryReversed  EntryStatus = "reversed"
)

// LedgerEntry is an immutable record of one balance change. AmountTokens is
// negative for debits.
type LedgerEntry struct {
	ID                    string          `json:"id"`
	UserID                string          `json:"userId"`
	Type                  EntryType       `json:"type"`
	AmountTokens          int64           `json:"amountTokens"`
	AmountUSD             decimal.Decimal `json:"amountUsd"`
	ReferenceID           string          `json:"referenceId"`
	ProviderTransactionID string          `json:"providerTransactionId,omitempty"`
	Status                EntryStatus     `json:"status"`
	CreatedAt             time.Time       `json:"createdAt"`
}

// Wallet is a user's token balance.
type Wallet struct {
	UserID       string    `json:"userId"`
	TokenBalance int64     `json:"tokenBalance"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PurchaseCredit is the unit of work applied atomically when a charge succeeds:
// the ledger entry, the balance increment and the session completion.
type PurchaseCredit struct {
	Entry LedgerEntry // ReferenceID must equal the session reference
	At    time.Time
}

// WithdrawalRequest is a teacher payout moving tokens out of a wallet.
type WithdrawalRequest struct {
	ID                    string          `json:"id"`
	TeacherID             string          `json:"teacherId"`
	Reference             string          `json:"reference"`
	AmountTokens          int64           `json:"amountTokens"`
	AmountUSD             decimal.Decimal `json:"amountUsd"`
	Currency              string          `json:"currency"`
	AmountMinor           int64           `json:"amountMinor"`
	RecipientCode         string          `json:"recipientCode"`
	Status                SessionStatus   `json:"status"`
	ProviderTransactionID string          `json:"providerTransactionId,omitempty"`
	FailureReason         string          `json:"failureReason,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
	CompletedAt           *time.Time      `json:"completedAt,omitempty"`
}

// WithdrawalSettlement finalizes a withdrawal. When Status is completed, Debit is
// recorded and subtracted from the teacher's balance in the same transaction.
type WithdrawalSettlement struct {
	Reference             string
	Status                SessionStatus
	ProviderTransactionID string
	FailureReason         string
	Debit                 *LedgerEntry
	At                    time.Time
}
