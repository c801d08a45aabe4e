package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeDuplicateEvent, http.StatusOK},
		{ErrCodeInvalidField, http.StatusBadRequest},
		{ErrCodeUnsupportedCurrency, http.StatusBadRequest},
		{ErrCodeInvalidSignature, http.StatusUnauthorized},
		{ErrCodeMissingCredentials, http.StatusUnauthorized},
		{ErrCodeInsufficientBalance, http.StatusPaymentRequired},
		{ErrCodeSessionNotFound, http.StatusNotFound},
		{ErrCodeSessionTerminal, http.StatusConflict},
		{ErrCodeRateLimitExceeded, http.StatusTooManyRequests},
		{ErrCodeGatewayError, http.StatusBadGateway},
		{ErrCodeGatewayTimeout, http.StatusGatewayTimeout},
		{ErrCodePersistenceError, http.StatusInternalServerError},
		{ErrorCode("something_new"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestErrorCode_IsRetryable(t *testing.T) {
	retryable := []ErrorCode{ErrCodeGatewayError, ErrCodeGatewayTimeout, ErrCodePersistenceError}
	for _, code := range retryable {
		if !code.IsRetryable() {
			t.Errorf("%s should be retryable", code)
		}
	}
	permanent := []ErrorCode{ErrCodeInvalidSignature, ErrCodeMissingCredentials, ErrCodeInvalidAmount, ErrCodeSessionTerminal}
	for _, code := range permanent {
		if code.IsRetryable() {
			t.Errorf("%s should not be retryable", code)
		}
	}
}

func TestWriteErrorWithDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorWithDetail(rec, ErrCodeGatewayError, "gateway unavailable", "reference", "tkn_1")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != ErrCodeGatewayError || !body.Error.Retryable {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.Error.Details["reference"] != "tkn_1" {
		t.Errorf("missing detail: %+v", body.Error.Details)
	}
}
