package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CedrosPay/tokenpay/internal/circuitbreaker"
	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/CedrosPay/tokenpay/internal/httputil"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the production Paystack API.
const DefaultBaseURL = "https://api.paystack.co"

// Client talks to the payment gateway REST API. It keeps no state between calls
// and is safe for concurrent use.
type Client struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	retry      RetryPolicy
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithBreakers routes every call through the gateway circuit breaker.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(cl *Client) { cl.breakers = m }
}

// WithMetrics records request counts and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithBaseURL points the client at another API root, typically an httptest server.
func WithBaseURL(u string) Option {
	return func(cl *Client) {
		if u != "" {
			cl.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// NewClient builds a gateway client. The secret key is mandatory.
func NewClient(secretKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, ErrMissingSecret
	}
	c := &Client{
		secretKey:  secretKey,
		baseURL:    DefaultBaseURL,
		httpClient: httputil.NewClient(10 * time.Second),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewClientFromConfig builds a client from the gateway configuration section.
func NewClientFromConfig(cfg config.GatewayConfig, opts ...Option) (*Client, error) {
	base := []Option{
		WithBaseURL(cfg.BaseURL),
		WithHTTPClient(httputil.NewClient(cfg.Timeout.Duration)),
	}
	return NewClient(cfg.SecretKey, append(base, opts...)...)
}

// envelope is the common response wrapper: {"status": true, "message": "...", "data": {...}}.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializePayload struct {
	Email       string   `json:"email"`
	Amount      int64    `json:"amount"`
	Currency    string   `json:"currency,omitempty"`
	Reference   string   `json:"reference"`
	CallbackURL string   `json:"callback_url,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// Initialize starts a hosted checkout for the given reference. Callers must not
// initialize the same reference twice.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	const op = "initialize"
	if req.Email == "" || req.Reference == "" {
		return InitializeResult{}, &Error{Op: op, Message: "email and reference are required"}
	}
	if req.AmountMinor <= 0 {
		return InitializeResult{}, &Error{Op: op, Message: "amount must be positive"}
	}

	payload := initializePayload{
		Email:       req.Email,
		Amount:      req.AmountMinor,
		Currency:    strings.ToUpper(req.Currency),
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	}
	var out InitializeResult
	if err := c.do(ctx, op, http.MethodPost, "/transaction/initialize", payload, &out); err != nil {
		return InitializeResult{}, err
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	if out.AuthorizationURL == "" {
		return InitializeResult{}, &Error{Op: op, Message: "response missing authorization_url"}
	}

	c.logger.Debug().
		Str("reference", logger.TruncateReference(req.Reference)).
		Str("currency", payload.Currency).
		Int64("amount_minor", req.AmountMinor).
		Msg("gateway.initialized")
	return out, nil
}

// Verify fetches the current state of the transaction with the given reference.
func (c *Client) Verify(ctx context.Context, reference string) (Transaction, error) {
	const op = "verify"
	if reference == "" {
		return Transaction{}, &Error{Op: op, Message: "reference is required"}
	}
	return withRetry(ctx, c.retry, op, func() (Transaction, error) {
		var out Transaction
		if err := c.do(ctx, op, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &out); err != nil {
			return Transaction{}, err
		}
		return out, nil
	})
}

// FetchCustomer looks up a customer by email or customer code.
func (c *Client) FetchCustomer(ctx context.Context, emailOrCode string) (Customer, error) {
	const op = "fetch_customer"
	if emailOrCode == "" {
		return Customer{}, &Error{Op: op, Message: "email is required"}
	}
	return withRetry(ctx, c.retry, op, func() (Customer, error) {
		var out Customer
		if err := c.do(ctx, op, http.MethodGet, "/customer/"+url.PathEscape(emailOrCode), nil, &out); err != nil {
			return Customer{}, err
		}
		return out, nil
	})
}

// CreateCustomer registers a customer record.
func (c *Client) CreateCustomer(ctx context.Context, customer Customer) (Customer, error) {
	const op = "create_customer"
	if customer.Email == "" {
		return Customer{}, &Error{Op: op, Message: "email is required"}
	}
	payload := Customer{
		Email:     customer.Email,
		FirstName: customer.FirstName,
		LastName:  customer.LastName,
		Phone:     customer.Phone,
	}
	var out Customer
	if err := c.do(ctx, op, http.MethodPost, "/customer", payload, &out); err != nil {
		return Customer{}, err
	}
	return out, nil
}

// EnsureCustomer fetches the customer and creates it when the gateway has none.
func (c *Client) EnsureCustomer(ctx context.Context, customer Customer) (Customer, error) {
	existing, err := c.FetchCustomer(ctx, customer.Email)
	if err == nil {
		return existing, nil
	}
	if !IsNotFound(err) {
		return Customer{}, err
	}
	return c.CreateCustomer(ctx, customer)
}

type transferPayload struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// InitiateTransfer pays out from the platform balance. The returned transfer is
// usually pending; the final state arrives as a transfer.* webhook.
func (c *Client) InitiateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	const op = "transfer"
	if req.RecipientCode == "" || req.Reference == "" {
		return Transfer{}, &Error{Op: op, Message: "recipient and reference are required"}
	}
	if req.AmountMinor <= 0 {
		return Transfer{}, &Error{Op: op, Message: "amount must be positive"}
	}
	payload := transferPayload{
		Source:    "balance",
		Amount:    req.AmountMinor,
		Recipient: req.RecipientCode,
		Reference: req.Reference,
		Reason:    req.Reason,
		Currency:  strings.ToUpper(req.Currency),
	}
	var out Transfer
	if err := c.do(ctx, op, http.MethodPost, "/transfer", payload, &out); err != nil {
		return Transfer{}, err
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	return out, nil
}

// do performs one API call through the circuit breaker and records metrics.
// Rejections (4xx other than 429) pass through the breaker as successes so a
// stream of bad requests cannot open it.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, out interface{}) error {
	start := time.Now()

	res, err := c.breakers.Execute(circuitbreaker.ServiceGatewayAPI, func() (interface{}, error) {
		callErr := c.roundTrip(ctx, op, method, path, body, out)
		if callErr != nil && !IsTemporary(callErr) {
			return callErr, nil
		}
		return nil, callErr
	})
	if err == nil {
		if rejected, ok := res.(error); ok {
			err = rejected
		}
	} else if circuitbreaker.IsOpen(err) {
		err = &Error{Op: op, Message: "circuit breaker open", Err: err}
	}

	c.metrics.ObserveGatewayCall(op, metrics.ErrorStatus(err), time.Since(start))
	if err != nil {
		c.logger.Warn().Err(err).Str("operation", op).Msg("gateway.request_failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return &Error{Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	var env envelope
	decodeErr := httputil.DecodeJSON(resp, &env)

	if resp.StatusCode == http.StatusNotFound {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: env.Message, Err: ErrNotFound}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	}
	if decodeErr != nil {
		// A 2xx we cannot read is treated as a gateway fault.
		return &Error{Op: op, StatusCode: http.StatusBadGateway, Message: "malformed response", Err: decodeErr}
	}
	if !env.Status {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Op: op, StatusCode: http.StatusBadGateway, Message: "decode data", Err: err}
		}
	}
	return nil
}

// Describe renders a short human description of err for logs and failure reasons.
func Describe(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		if gwErr.Message != "" {
			return gwErr.Message
		}
		return fmt.Sprintf("gateway %s failed", gwErr.Op)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
