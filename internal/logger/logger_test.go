package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewWithWriter_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "info", Format: "json", Service: "tokenpay", Version: "test", Environment: "ci"}, &buf)
	log.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["service"] != "tokenpay" || entry["environment"] != "ci" {
		t.Errorf("missing base fields: %v", entry)
	}
	if entry["message"] != "hello" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
}

func TestFromContext_Fallback(t *testing.T) {
	log := FromContext(context.Background())
	// Nop logger must not panic.
	log.Info().Msg("ignored")

	var nilCtx context.Context
	log = FromContext(nilCtx)
	log.Info().Msg("ignored")
}

func TestMiddleware_RequestID(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(Config{Level: "debug"}, &buf)

	var seenID string
	handler := Middleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !strings.HasPrefix(seenID, "req_") {
		t.Fatalf("expected generated request id, got %q", seenID)
	}
	if rec.Header().Get("X-Request-ID") != seenID {
		t.Errorf("response header %q does not match context id %q", rec.Header().Get("X-Request-ID"), seenID)
	}
	if !strings.Contains(buf.String(), `"status":202`) {
		t.Errorf("expected completion log with status, got %s", buf.String())
	}
}

func TestMiddleware_ReusesInboundID(t *testing.T) {
	handler := Middleware(NewWithWriter(Config{}, &bytes.Buffer{}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "abc123" {
		t.Errorf("expected inbound request id to be echoed, got %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestRedaction(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"jane@example.com", "ja***@example.com"},
		{"jo@example.com", "***@example.com"},
		{"not-an-email", "[redacted]"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := TruncateReference("tkn_0123456789abcdef"); got != "tkn_0123...cdef" {
		t.Errorf("TruncateReference = %q", got)
	}
	if got := TruncateReference("short"); got != "short" {
		t.Errorf("TruncateReference(short) = %q", got)
	}
}
