package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/tokenpay/internal/auth"
	"github.com/CedrosPay/tokenpay/internal/callbacks"
	"github.com/CedrosPay/tokenpay/internal/circuitbreaker"
	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/CedrosPay/tokenpay/internal/idempotency"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/CedrosPay/tokenpay/internal/payments"
	"github.com/CedrosPay/tokenpay/internal/ratelimit"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/internal/wallet"
	"github.com/CedrosPay/tokenpay/internal/webhook"
	"github.com/CedrosPay/tokenpay/internal/withdrawals"
)

var (
	serverStartTime = time.Now()
)

// NotificationQueue exposes the dead-letter queue of undelivered settlement notifications.
type NotificationQueue interface {
	DeadLetters(ctx context.Context, limit int) ([]callbacks.FailedNotification, error)
	Redeliver(ctx context.Context, limit int) (int, error)
}

// Dependencies are the services the HTTP layer routes to. Sweeper, Archival,
// Notifications, Breakers and Pool are optional.
type Dependencies struct {
	Config      *config.Config
	Store       storage.Store
	Payments    *payments.Service
	Withdrawals *withdrawals.Service
	Ledger      *wallet.Ledger
	Receiver    *webhook.Receiver

	Sweeper       *payments.Sweeper
	Archival      *storage.ArchivalService
	Notifications NotificationQueue
	Breakers      *circuitbreaker.Manager
	Pool          PoolStats

	Idempotency idempotency.Store
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      zerolog.Logger
}

// PoolStats reports shared connection pool statistics for /health.
type PoolStats interface {
	Stats() map[string]int
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	Dependencies
}

// New builds the HTTP server with configured router.
func New(deps Dependencies) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{Dependencies: deps},
		httpServer: &http.Server{
			Addr:              deps.Config.Server.Address,
			ReadTimeout:       deps.Config.Server.ReadTimeout.Duration,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:       deps.Config.Server.IdleTimeout.Duration,
			Handler:           router,
		},
	}

	ConfigureRouter(router, deps)

	return s
}

// ConfigureRouter attaches payment, wallet, withdrawal, webhook and admin routes to an existing router.
func ConfigureRouter(router chi.Router, deps Dependencies) {
	if router == nil {
		return
	}
	cfg := deps.Config
	handler := &handlers{Dependencies: deps}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", idempotency.HeaderKey, idempotency.UserHeader, auth.AdminKeyHeader},
			ExposedHeaders:   []string{"Location", idempotency.ReplayHeader, "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	prefix := cfg.Server.RoutePrefix
	rateLimitCfg := ratelimit.ConfigFrom(cfg.RateLimit, deps.Metrics)
	idempotencyMW := idempotency.Middleware(deps.Idempotency, idempotency.DefaultTTL)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
	})

	// The gateway retries on anything but 2xx, so webhook deliveries are never
	// throttled by the per-user or per-IP limiters.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post(prefix+"/webhooks/paystack", handler.paystackWebhook)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(ratelimit.GlobalLimiter(rateLimitCfg))
		r.Use(ratelimit.UserLimiter(rateLimitCfg))
		r.Use(ratelimit.IPLimiter(rateLimitCfg))

		r.Get(prefix+"/v1/currencies", handler.listCurrencies)

		r.With(idempotencyMW).Post(prefix+"/v1/payments", handler.createPayment)
		r.Get(prefix+"/v1/payments/{reference}", handler.getPayment)
		r.Post(prefix+"/v1/payments/{reference}/verify", handler.verifyPayment)
		r.Post(prefix+"/v1/payments/{reference}/cancel", handler.cancelPayment)

		r.Get(prefix+"/v1/wallets/{userID}", handler.getWallet)

		r.With(idempotencyMW).Post(prefix+"/v1/withdrawals", handler.createWithdrawal)
		r.Get(prefix+"/v1/withdrawals", handler.listWithdrawals)
		r.Get(prefix+"/v1/withdrawals/{id}", handler.getWithdrawal)
		r.Post(prefix+"/v1/withdrawals/{id}/cancel", handler.cancelWithdrawal)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(auth.AdminKey(cfg.Admin.APIKey))

		r.Post(prefix+"/admin/withdrawals/{id}/payout", handler.startPayout)

		r.Get(prefix+"/admin/webhooks", handler.listWebhookEvents)
		r.Post(prefix+"/admin/webhooks/replay", handler.replayPendingWebhooks)
		r.Get(prefix+"/admin/webhooks/{id}", handler.getWebhookEvent)
		r.Post(prefix+"/admin/webhooks/{id}/replay", handler.replayWebhookEvent)

		r.Get(prefix+"/admin/notifications/dead-letters", handler.listDeadLetters)
		r.Post(prefix+"/admin/notifications/redeliver", handler.redeliverNotifications)

		r.Post(prefix+"/admin/reconcile", handler.runReconciler)
		r.Post(prefix+"/admin/archival", handler.runArchival)

		r.Handle(prefix+"/metrics", metricsHandler(deps.Gatherer))
	})
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
