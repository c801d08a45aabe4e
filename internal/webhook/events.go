package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/tokenpay/internal/gateway"
)

// Gateway event names handled by the processor.
const (
	EventChargeSuccess    = "charge.success"
	EventChargeFailed     = "charge.failed"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"

	// EventMalformed labels correctly signed bodies that are not a valid envelope.
	EventMalformed = "malformed"
)

// Event is the parsed form of one delivery. The concrete type selects the handler.
type Event interface {
	// Type is the gateway event name.
	Type() string
	// ProviderEventID identifies the event across redeliveries: "<event>:<data.id>".
	ProviderEventID() string
	// Reference is the correlation key, when the event carries one.
	Reference() string
}

// ChargeSuccess reports a completed purchase.
type ChargeSuccess struct {
	TransactionID string
	Ref           string
	AmountMinor   int64
	Currency      string
	Email         string
	UserID        string
	Tokens        int64
	PaidAt        time.Time
}

func (e ChargeSuccess) Type() string            { return EventChargeSuccess }
func (e ChargeSuccess) ProviderEventID() string { return providerEventID(EventChargeSuccess, e.TransactionID) }
func (e ChargeSuccess) Reference() string       { return e.Ref }

// ChargeFailed reports a declined or failed purchase.
type ChargeFailed struct {
	TransactionID string
	Ref           string
	Reason        string
}

func (e ChargeFailed) Type() string            { return EventChargeFailed }
func (e ChargeFailed) ProviderEventID() string { return providerEventID(EventChargeFailed, e.TransactionID) }
func (e ChargeFailed) Reference() string       { return e.Ref }

// TransferSuccess reports a completed payout.
type TransferSuccess struct {
	TransferID   string
	TransferCode string
	Ref          string
	AmountMinor  int64
}

func (e TransferSuccess) Type() string            { return EventTransferSuccess }
func (e TransferSuccess) ProviderEventID() string { return providerEventID(EventTransferSuccess, e.TransferID) }
func (e TransferSuccess) Reference() string       { return e.Ref }

// TransferFailed reports a payout that failed or was reversed after success.
type TransferFailed struct {
	TransferID   string
	TransferCode string
	Ref          string
	Reason       string
	Reversed     bool
}

func (e TransferFailed) Type() string {
	if e.Reversed {
		return EventTransferReversed
	}
	return EventTransferFailed
}
func (e TransferFailed) ProviderEventID() string { return providerEventID(e.Type(), e.TransferID) }
func (e TransferFailed) Reference() string       { return e.Ref }

// Unrecognized is any event this service does not act on, including malformed bodies.
type Unrecognized struct {
	EventType string
	ID        string
	Ref       string
}

func (e Unrecognized) Type() string            { return e.EventType }
func (e Unrecognized) ProviderEventID() string { return providerEventID(e.EventType, e.ID) }
func (e Unrecognized) Reference() string       { return e.Ref }

func providerEventID(event, id string) string {
	if id == "" {
		return ""
	}
	return event + ":" + id
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type dataHeader struct {
	ID        json.Number `json:"id"`
	Reference string      `json:"reference"`
}

// Parse decodes a raw delivery body. A body that is not a JSON envelope yields
// Unrecognized{EventType: "malformed"} and a non-nil error; recognised events
// whose data cannot be decoded return an error alongside Unrecognized so the
// raw body can still be stored.
func Parse(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Unrecognized{EventType: EventMalformed}, fmt.Errorf("decode envelope: %w", err)
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return Unrecognized{EventType: EventMalformed}, fmt.Errorf("envelope has no event name")
	}

	var hdr dataHeader
	if len(env.Data) > 0 {
		// Header fields are best effort; typed decoding below reports errors.
		_ = json.Unmarshal(env.Data, &hdr)
	}
	fallback := Unrecognized{EventType: env.Event, ID: hdr.ID.String(), Ref: hdr.Reference}

	switch env.Event {
	case EventChargeSuccess, EventChargeFailed:
		var tx gateway.Transaction
		if err := json.Unmarshal(env.Data, &tx); err != nil {
			return fallback, fmt.Errorf("decode %s data: %w", env.Event, err)
		}
		if tx.Reference == "" {
			return fallback, fmt.Errorf("%s data has no reference", env.Event)
		}
		if env.Event == EventChargeFailed {
			return ChargeFailed{TransactionID: tx.ID.String(), Ref: tx.Reference, Reason: tx.FailureReason()}, nil
		}
		tokens, _ := tx.Metadata.Tokens()
		paidAt, _ := tx.PaidTime()
		return ChargeSuccess{
			TransactionID: tx.ID.String(),
			Ref:           tx.Reference,
			AmountMinor:   tx.AmountMinor,
			Currency:      strings.ToUpper(tx.Currency),
			Email:         tx.Customer.Email,
			UserID:        tx.Metadata.UserID(),
			Tokens:        tokens,
			PaidAt:        paidAt,
		}, nil

	case EventTransferSuccess, EventTransferFailed, EventTransferReversed:
		var tr gateway.Transfer
		if err := json.Unmarshal(env.Data, &tr); err != nil {
			return fallback, fmt.Errorf("decode %s data: %w", env.Event, err)
		}
		if tr.Reference == "" {
			return fallback, fmt.Errorf("%s data has no reference", env.Event)
		}
		if env.Event == EventTransferSuccess {
			return TransferSuccess{TransferID: tr.ID.String(), TransferCode: tr.TransferCode, Ref: tr.Reference, AmountMinor: tr.AmountMinor}, nil
		}
		reason := "transfer " + strings.TrimPrefix(env.Event, "transfer.")
		return TransferFailed{
			TransferID:   tr.ID.String(),
			TransferCode: tr.TransferCode,
			Ref:          tr.Reference,
			Reason:       reason,
			Reversed:     env.Event == EventTransferReversed,
		}, nil
	}
	return fallback, nil
}
