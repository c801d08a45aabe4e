package poller

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
	"github.com/CedrosPay/tokenpay/internal/httputil"
	"github.com/CedrosPay/tokenpay/internal/payments"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       apierrors.ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// HTTPClient reads session state from a running server. It implements both
// StatusSource and Verifier.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewHTTPClient targets baseURL, e.g. "https://pay.example.com".
func NewHTTPClient(baseURL string, timeout time.Duration, headers map[string]string) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httputil.NewClient(timeout),
		headers: headers,
	}
}

// SessionStatus calls GET /v1/payments/{reference}.
func (c *HTTPClient) SessionStatus(ctx context.Context, reference string) (payments.StatusView, error) {
	return c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(reference))
}

// VerifyAndReconcile calls POST /v1/payments/{reference}/verify.
func (c *HTTPClient) VerifyAndReconcile(ctx context.Context, reference string) (payments.StatusView, error) {
	return c.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(reference)+"/verify")
}

func (c *HTTPClient) do(ctx context.Context, method, path string) (payments.StatusView, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return payments.StatusView{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return payments.StatusView{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope apierrors.ErrorResponse
		if decodeErr := httputil.DecodeJSON(resp, &envelope); decodeErr == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return payments.StatusView{}, apiErr
	}

	var view payments.StatusView
	if err := httputil.DecodeJSON(resp, &view); err != nil {
		return payments.StatusView{}, err
	}
	return view, nil
}
