package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Outcome is the coarse meaning of a gateway transaction status.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeAbandoned means the customer never finished checkout. It is not
	// terminal on its own; the sweeper cancels such sessions once they age out.
	OutcomeAbandoned Outcome = "abandoned"
)

// Metadata is the free-form object attached to a charge. The gateway echoes it
// back either as an object or as a JSON-encoded string.
type Metadata map[string]interface{}

// UnmarshalJSON accepts an object, a JSON string containing an object, an empty string or null.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*m = nil
			return nil
		}
		data = []byte(s)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		// Non-object metadata carries nothing we use.
		*m = nil
		return nil
	}
	*m = raw
	return nil
}

// String returns the value at key as a string.
func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Int returns the value at key as an integer; numeric strings are accepted.
// Metadata built in-process holds Go integers, decoded metadata holds float64.
func (m Metadata) Int(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Metadata keys written at initialization and read back on verification.
const (
	MetaUserID = "user_id"
	MetaTokens = "tokens"
)

// UserID returns the purchasing user recorded at initialization.
func (m Metadata) UserID() string { return m.String(MetaUserID) }

// Tokens returns the token quantity recorded at initialization.
func (m Metadata) Tokens() (int64, bool) { return m.Int(MetaTokens) }

// Customer is the gateway's customer record.
type Customer struct {
	ID           int64  `json:"id,omitempty"`
	CustomerCode string `json:"customer_code,omitempty"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// InitializeRequest starts a hosted checkout.
type InitializeRequest struct {
	Email       string
	AmountMinor int64
	Currency    string
	Reference   string
	CallbackURL string
	Metadata    Metadata
}

// InitializeResult is returned by Initialize.
type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// Transaction is the gateway's view of a charge. The same shape arrives as the
// data object of charge.* webhooks.
type Transaction struct {
	ID              json.Number `json:"id"`
	Reference       string      `json:"reference"`
	Status          string      `json:"status"`
	AmountMinor     int64       `json:"amount"`
	Currency        string      `json:"currency"`
	GatewayResponse string      `json:"gateway_response"`
	PaidAt          string      `json:"paid_at,omitempty"`
	Metadata        Metadata    `json:"metadata"`
	Customer        Customer    `json:"customer"`
}

// Outcome maps the gateway status onto a coarse outcome.
func (t Transaction) Outcome() Outcome {
	switch strings.ToLower(t.Status) {
	case "success":
		return OutcomeCompleted
	case "failed", "reversed":
		return OutcomeFailed
	case "abandoned":
		return OutcomeAbandoned
	default:
		return OutcomePending
	}
}

// PaidTime parses PaidAt. ok is false when the field is empty or malformed.
func (t Transaction) PaidTime() (time.Time, bool) {
	if t.PaidAt == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, t.PaidAt)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// FailureReason returns the gateway's explanation of a failed charge.
func (t Transaction) FailureReason() string {
	if t.GatewayResponse != "" {
		return t.GatewayResponse
	}
	return t.Status
}

// TransferRequest pays out from the platform balance to a recipient.
type TransferRequest struct {
	AmountMinor   int64
	Currency      string
	RecipientCode string
	Reference     string
	Reason        string
}

// Transfer is the gateway's view of a payout. The same shape arrives as the
// data object of transfer.* webhooks.
type Transfer struct {
	ID           json.Number `json:"id"`
	TransferCode string      `json:"transfer_code"`
	Reference    string      `json:"reference"`
	Status       string      `json:"status"`
	AmountMinor  int64       `json:"amount"`
	Currency     string      `json:"currency"`
	Reason       string      `json:"reason"`
}
