// Package tokenpay wires the token purchase and payout services for embedding
// in another server or for standalone serving.
package tokenpay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/tokenpay/internal/callbacks"
	"github.com/CedrosPay/tokenpay/internal/circuitbreaker"
	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/CedrosPay/tokenpay/internal/dbpool"
	"github.com/CedrosPay/tokenpay/internal/gateway"
	"github.com/CedrosPay/tokenpay/internal/httpserver"
	"github.com/CedrosPay/tokenpay/internal/idempotency"
	"github.com/CedrosPay/tokenpay/internal/lifecycle"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/metrics"
	"github.com/CedrosPay/tokenpay/internal/money"
	"github.com/CedrosPay/tokenpay/internal/payments"
	"github.com/CedrosPay/tokenpay/internal/storage"
	"github.com/CedrosPay/tokenpay/internal/wallet"
	"github.com/CedrosPay/tokenpay/internal/webhook"
	"github.com/CedrosPay/tokenpay/internal/withdrawals"
)

// App holds the assembled services.
type App struct {
	Config           *config.Config
	Store            storage.Store
	Gateway          *gateway.Client
	Notifier         callbacks.Notifier
	Ledger           *wallet.Ledger
	Payments         *payments.Service
	Withdrawals      *withdrawals.Service
	Receiver         *webhook.Receiver
	Sweeper          *payments.Sweeper
	Archival         *storage.ArchivalService
	IdempotencyStore *idempotency.MemoryStore
	Logger           zerolog.Logger

	router           chi.Router
	deps             httpserver.Dependencies
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store     storage.Store
	notifier  callbacks.Notifier
	users     payments.UserDirectory
	router    chi.Router
	registry  *prometheus.Registry
	gatewayOp []gateway.Option
}

// WithStore sets a custom storage backend. The caller keeps ownership of it.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithNotifier injects a settlement notifier.
func WithNotifier(notifier callbacks.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithUserDirectory supplies purchaser emails for requests that omit one.
func WithUserDirectory(users payments.UserDirectory) Option {
	return func(o *options) {
		o.users = users
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegistry registers metrics on reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithGatewayOptions forwards extra options to the gateway client, e.g. a
// test base URL.
func WithGatewayOptions(opts ...gateway.Option) Option {
	return func(o *options) {
		o.gatewayOp = append(o.gatewayOp, opts...)
	}
}

// NewApp assembles the services. On error every resource opened so far is
// released.
func NewApp(cfg *config.Config, opts ...Option) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("tokenpay: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "tokenpay",
		Environment: cfg.Logging.Environment,
	})

	mgr := lifecycle.NewManager(log)
	app = &App{
		Config:          cfg,
		Logger:          log,
		resourceManager: mgr,
	}
	defer func() {
		if err != nil {
			_ = mgr.Close()
			app = nil
		}
	}()

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if optState.registry != nil {
		registerer, gatherer = optState.registry, optState.registry
	}
	app.metricsCollector = metrics.New(registerer)

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, log)

	var pool *dbpool.SharedPool
	if optState.store != nil {
		app.Store = optState.store
	} else {
		var sharedDB *sql.DB
		if cfg.Storage.Backend == "postgres" {
			pool, err = dbpool.NewSharedPool(context.Background(), cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
			if err != nil {
				return nil, fmt.Errorf("open postgres pool: %w", err)
			}
			app.resourceManager.Register("postgres-pool", pool)
			sharedDB = pool.DB()
		}
		store, storeErr := storage.NewStoreWithDB(storage.StoreConfigFrom(cfg.Storage), sharedDB)
		if storeErr != nil {
			return nil, fmt.Errorf("init store: %w", storeErr)
		}
		app.resourceManager.Register("storage", store)
		if cfg.Storage.Backend == "" || cfg.Storage.Backend == "memory" {
			log.Warn().Msg("tokenpay.memory_store: balances are lost on restart, do not use in production")
		}
		app.Store = storage.Instrument(store, app.metricsCollector, backendName(cfg.Storage.Backend))
	}

	gatewayOpts := append([]gateway.Option{
		gateway.WithBreakers(breakers),
		gateway.WithMetrics(app.metricsCollector),
		gateway.WithLogger(log),
		gateway.WithReadRetries(cfg.Gateway.ReadRetries, 0),
	}, optState.gatewayOp...)
	app.Gateway, err = gateway.NewClientFromConfig(cfg.Gateway, gatewayOpts...)
	if err != nil {
		return nil, err
	}

	rates, err := cfg.Currency.ParsedRates()
	if err != nil {
		return nil, err
	}
	converter, err := money.NewConverter(rates)
	if err != nil {
		return nil, err
	}
	price, err := cfg.Tokens.Price()
	if err != nil {
		return nil, err
	}
	pricing := money.TokenPricing{
		USDPerToken:   price,
		MinPurchase:   cfg.Tokens.MinPurchase,
		MaxPurchase:   cfg.Tokens.MaxPurchase,
		MinWithdrawal: cfg.Tokens.MinWithdrawal,
	}

	var queue httpserver.NotificationQueue
	if optState.notifier != nil {
		app.Notifier = optState.notifier
	} else {
		notifierOpts := []callbacks.RetryOption{
			callbacks.WithRetryLogger(log),
			callbacks.WithMetrics(app.metricsCollector),
			callbacks.WithBreakers(breakers),
		}
		if cfg.Notifications.DLQEnabled {
			dlq, dlqErr := callbacks.NewFileDLQStore(cfg.Notifications.DLQPath)
			if dlqErr != nil {
				return nil, fmt.Errorf("init DLQ store: %w", dlqErr)
			}
			notifierOpts = append(notifierOpts, callbacks.WithDLQStore(dlq))
		}
		app.Notifier = callbacks.NewRetryableClient(cfg.Notifications, notifierOpts...)
	}
	if client, ok := app.Notifier.(*callbacks.RetryableClient); ok {
		app.resourceManager.Register("notifier", client)
		queue = client
	}

	app.Ledger = wallet.NewLedger(app.Store, app.metricsCollector, log)

	app.Payments, err = payments.NewService(payments.Config{
		Store:             app.Store,
		Gateway:           app.Gateway,
		Converter:         converter,
		Ledger:            app.Ledger,
		Notifier:          app.Notifier,
		Users:             optState.users,
		Pricing:           pricing,
		DefaultCurrency:   cfg.Currency.Default,
		CallbackURL:       cfg.Gateway.CallbackURL,
		SyncCustomers:     cfg.Gateway.SyncCustomers,
		EnforcePriceMatch: cfg.Tokens.EnforcePriceMatch,
		Metrics:           app.metricsCollector,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}

	app.Withdrawals, err = withdrawals.NewService(withdrawals.Config{
		Store:           app.Store,
		Gateway:         app.Gateway,
		Converter:       converter,
		Ledger:          app.Ledger,
		Notifier:        app.Notifier,
		Pricing:         pricing,
		DefaultCurrency: cfg.Currency.Default,
		Metrics:         app.metricsCollector,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}

	secret := cfg.Gateway.WebhookSecret
	if secret == "" {
		secret = cfg.Gateway.SecretKey
	}
	processor := webhook.NewProcessor(app.Payments, app.Withdrawals, log)
	app.Receiver = webhook.NewReceiver(app.Store, secret, processor, app.metricsCollector, log)

	app.Sweeper = payments.NewSweeper(app.Payments, payments.SweeperConfigFrom(cfg.Reconciler), log)
	app.Sweeper.Start()
	app.resourceManager.Register("reconciler", app.Sweeper)

	app.Archival = storage.NewArchivalService(app.Store, storage.ArchivalConfig{
		Enabled:         cfg.Storage.Archival.Enabled,
		RetentionPeriod: cfg.Storage.Archival.RetentionPeriod.Duration,
		RunInterval:     cfg.Storage.Archival.RunInterval.Duration,
	}, app.metricsCollector, log)
	app.Archival.Start()
	app.resourceManager.Register("archival", app.Archival)

	app.IdempotencyStore = idempotency.NewMemoryStore()
	app.resourceManager.Register("idempotency-store", app.IdempotencyStore)

	app.deps = httpserver.Dependencies{
		Config:        cfg,
		Store:         app.Store,
		Payments:      app.Payments,
		Withdrawals:   app.Withdrawals,
		Ledger:        app.Ledger,
		Receiver:      app.Receiver,
		Sweeper:       app.Sweeper,
		Archival:      app.Archival,
		Notifications: queue,
		Breakers:      breakers,
		Idempotency:   app.IdempotencyStore,
		Metrics:       app.metricsCollector,
		Gatherer:      gatherer,
		Logger:        log,
	}
	if pool != nil {
		app.deps.Pool = pool
	}

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, app.deps)

	return app, nil
}

func backendName(backend string) string {
	if backend == "" {
		return "memory"
	}
	return backend
}

// Router returns the chi router with the routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Dependencies returns the wiring used for the routes, e.g. to build an
// httpserver.Server.
func (a *App) Dependencies() httpserver.Dependencies {
	return a.deps
}

// Close stops background loops and releases owned resources.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches the endpoints to the provided router using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}
	httpserver.ConfigureRouter(router, app.deps)
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
