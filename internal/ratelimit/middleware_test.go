package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CedrosPay/tokenpay/internal/config"
	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func do(h http.Handler, user, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/payments/tkn_1", nil)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	if ip != "" {
		req.RemoteAddr = ip + ":5555"
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.GlobalEnabled || !cfg.PerUserEnabled || !cfg.PerIPEnabled {
		t.Fatalf("expected all limiters enabled by default: %+v", cfg)
	}
	if cfg.PerUserLimit != 60 {
		t.Errorf("PerUserLimit = %d, want 60", cfg.PerUserLimit)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.RateLimitConfig{
		PerUserEnabled: true,
		PerUserLimit:   7,
		PerUserWindow:  config.Duration{Duration: 30 * time.Second},
	}, nil)
	if !cfg.PerUserEnabled || cfg.PerUserLimit != 7 || cfg.PerUserWindow != 30*time.Second {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.GlobalEnabled {
		t.Error("global limiter should stay disabled")
	}
}

func TestLimiters_Disabled(t *testing.T) {
	for name, mw := range map[string]func(http.Handler) http.Handler{
		"global":   GlobalLimiter(Config{}),
		"per_user": UserLimiter(Config{}),
		"per_ip":   IPLimiter(Config{}),
	} {
		h := mw(ok)
		for i := 0; i < 50; i++ {
			if rec := do(h, "user-1", "10.0.0.1"); rec.Code != http.StatusOK {
				t.Fatalf("%s request %d: status %d", name, i, rec.Code)
			}
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := GlobalLimiter(Config{GlobalEnabled: true, GlobalLimit: 3, GlobalWindow: time.Minute, Metrics: m})(ok)

	for i := 0; i < 3; i++ {
		if rec := do(h, "", "10.0.0."+string(rune('1'+i))); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	rec := do(h, "", "10.0.0.9")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	var body apierrors.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != apierrors.ErrCodeRateLimitExceeded || !body.Error.Retryable {
		t.Errorf("unexpected error body: %+v", body.Error)
	}
	if got := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("global")); got != 1 {
		t.Errorf("rate limit hits = %v, want 1", got)
	}
}

func TestUserLimiter(t *testing.T) {
	h := UserLimiter(Config{PerUserEnabled: true, PerUserLimit: 2, PerUserWindow: time.Minute})(ok)

	tests := []struct {
		user, ip string
		want     int
	}{
		{"user-1", "10.0.0.1", http.StatusOK},
		{"user-1", "10.0.0.2", http.StatusOK},
		{"user-1", "10.0.0.3", http.StatusTooManyRequests}, // same user, new IP
		{"user-2", "10.0.0.1", http.StatusOK},
		{"", "10.0.0.7", http.StatusOK}, // anonymous falls back to IP
		{"", "10.0.0.7", http.StatusOK},
		{"", "10.0.0.7", http.StatusTooManyRequests},
	}
	for i, tt := range tests {
		if rec := do(h, tt.user, tt.ip); rec.Code != tt.want {
			t.Errorf("request %d (%s@%s): status %d, want %d", i, tt.user, tt.ip, rec.Code, tt.want)
		}
	}
}

func TestIPLimiter(t *testing.T) {
	h := IPLimiter(Config{PerIPEnabled: true, PerIPLimit: 1, PerIPWindow: time.Minute})(ok)

	if rec := do(h, "user-1", "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := do(h, "user-2", "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same IP: %d, want 429", rec.Code)
	}
	if rec := do(h, "user-1", "10.0.0.2"); rec.Code != http.StatusOK {
		t.Fatalf("other IP: %d", rec.Code)
	}
}

func TestUserFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserHeader, "  teacher-9 ")
	if got := UserFromRequest(req); got != "teacher-9" {
		t.Errorf("UserFromRequest = %q", got)
	}
}
