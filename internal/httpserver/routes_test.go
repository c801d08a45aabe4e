package httpserver

import (
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/CedrosPay/tokenpay/internal/auth"
	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/CedrosPay/tokenpay/internal/webhook"
)

// TestRouterRegistersRoutes walks the router and checks every public route is
// mounted under the configured prefix.
func TestRouterRegistersRoutes(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.RoutePrefix = "/api" })

	registered := map[string]bool{}
	err := chi.Walk(env.handler.(chi.Routes), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		registered[method+" "+route] = true
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	want := []string{
		"GET /api/health",
		"POST /api/webhooks/paystack",
		"GET /api/v1/currencies",
		"POST /api/v1/payments",
		"GET /api/v1/payments/{reference}",
		"POST /api/v1/payments/{reference}/verify",
		"POST /api/v1/payments/{reference}/cancel",
		"GET /api/v1/wallets/{userID}",
		"POST /api/v1/withdrawals",
		"GET /api/v1/withdrawals",
		"GET /api/v1/withdrawals/{id}",
		"POST /api/v1/withdrawals/{id}/cancel",
		"POST /api/admin/withdrawals/{id}/payout",
		"GET /api/admin/webhooks",
		"GET /api/admin/webhooks/{id}",
		"POST /api/admin/webhooks/{id}/replay",
		"POST /api/admin/webhooks/replay",
		"GET /api/admin/notifications/dead-letters",
		"POST /api/admin/notifications/redeliver",
		"POST /api/admin/reconcile",
		"POST /api/admin/archival",
		"GET /api/metrics",
	}
	for _, route := range want {
		if !registered[route] {
			t.Errorf("route %q not registered", route)
		}
	}
}

// TestReplayRoutesDoNotCollide is a regression test for the static
// /admin/webhooks/replay route being shadowed by /admin/webhooks/{id}/replay
// or /admin/webhooks/{id}.
func TestReplayRoutesDoNotCollide(t *testing.T) {
	env := newTestEnv(t)
	admin := map[string]string{auth.AdminKeyHeader: testAdminKey}

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
	}{
		{"bulk replay hits replayPending", http.MethodPost, "/admin/webhooks/replay", http.StatusOK},
		{"single replay with unknown id", http.MethodPost, "/admin/webhooks/evt_x/replay", http.StatusNotFound},
		{"get with unknown id", http.MethodGet, "/admin/webhooks/evt_x", http.StatusNotFound},
		{"get on replay path is an event lookup", http.MethodGet, "/admin/webhooks/replay", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, nil, admin)
			if rec.Code != tt.wantCode {
				t.Fatalf("%s %s: expected %d, got %d: %s", tt.method, tt.path, tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}

	rec := env.do(t, http.MethodPost, "/admin/webhooks/replay", nil, admin)
	if stats := decode[webhook.ReplayStats](t, rec); stats.Attempted != 0 || stats.Failed != 0 {
		t.Errorf("unexpected replay stats: %+v", stats)
	}
}
