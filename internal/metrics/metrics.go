package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the token purchase server.
// A nil *Metrics is valid; every Observe method is a no-op on it.
type Metrics struct {
	// Inbound webhook metrics
	WebhooksReceivedTotal     *prometheus.CounterVec
	WebhookProcessingDuration *prometheus.HistogramVec

	// Wallet and session metrics
	WalletCreditsTotal  *prometheus.CounterVec
	TokensCreditedTotal prometheus.Counter
	SessionsTotal       *prometheus.CounterVec
	WithdrawalsTotal    *prometheus.CounterVec

	// Gateway call metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Reconciliation metrics
	PollerOutcomesTotal     *prometheus.CounterVec
	ReconcilerRunsTotal     prometheus.Counter
	ReconcilerSessionsTotal *prometheus.CounterVec

	// Outbound notification metrics
	NotificationsTotal       *prometheus.CounterVec
	NotificationRetriesTotal *prometheus.CounterVec
	NotificationDLQTotal     *prometheus.CounterVec
	NotificationDuration     *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec

	// System metrics
	ArchivalRunsTotal      prometheus.Counter
	ArchivalRecordsDeleted prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		WebhooksReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_webhooks_received_total",
				Help: "Total number of webhook deliveries by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		WebhookProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenpay_webhook_processing_seconds",
				Help:    "Time from webhook receipt to response",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"event_type"},
		),

		WalletCreditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_wallet_credits_total",
				Help: "Total number of purchase credit attempts by result",
			},
			[]string{"result"},
		),
		TokensCreditedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenpay_tokens_credited_total",
				Help: "Total number of tokens credited to wallets",
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_sessions_total",
				Help: "Payment session transitions by resulting status",
			},
			[]string{"status"},
		),
		WithdrawalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_withdrawals_total",
				Help: "Withdrawal transitions by resulting status",
			},
			[]string{"status"},
		),

		GatewayRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_gateway_requests_total",
				Help: "Total number of payment gateway API calls",
			},
			[]string{"operation", "status"},
		),
		GatewayRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenpay_gateway_request_seconds",
				Help:    "Duration of payment gateway API calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation"},
		),

		PollerOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_poller_outcomes_total",
				Help: "Reconciliation poller results by outcome",
			},
			[]string{"outcome"},
		),
		ReconcilerRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenpay_reconciler_runs_total",
				Help: "Total number of stale session sweeps",
			},
		),
		ReconcilerSessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_reconciler_sessions_total",
				Help: "Sessions examined by the sweeper by result",
			},
			[]string{"result"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_notifications_total",
				Help: "Total number of settlement notification deliveries",
			},
			[]string{"event_type", "status"},
		),
		NotificationRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_notification_retries_total",
				Help: "Total number of notification retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		NotificationDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_notification_dlq_total",
				Help: "Total number of notifications sent to the dead letter queue",
			},
			[]string{"event_type"},
		),
		NotificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenpay_notification_duration_seconds",
				Help:    "Time taken for notification delivery including retries",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenpay_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tokenpay_db_query_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),

		ArchivalRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenpay_archival_runs_total",
				Help: "Total number of webhook event archival runs",
			},
		),
		ArchivalRecordsDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenpay_archival_records_deleted_total",
				Help: "Total number of processed webhook events deleted by archival",
			},
		),
	}
}

// ObserveWebhook records one webhook delivery and its handling time.
func (m *Metrics) ObserveWebhook(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WebhooksReceivedTotal.WithLabelValues(eventType, outcome).Inc()
	m.WebhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// ObserveCredit records a purchase credit attempt. Tokens are only counted for applied credits.
func (m *Metrics) ObserveCredit(result string, tokens int64) {
	if m == nil {
		return
	}
	m.WalletCreditsTotal.WithLabelValues(result).Inc()
	if result == "applied" && tokens > 0 {
		m.TokensCreditedTotal.Add(float64(tokens))
	}
}

// ObserveSession records a session transition.
func (m *Metrics) ObserveSession(status string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(status).Inc()
}

// ObserveWithdrawal records a withdrawal transition.
func (m *Metrics) ObserveWithdrawal(status string) {
	if m == nil {
		return
	}
	m.WithdrawalsTotal.WithLabelValues(status).Inc()
}

// ObserveGatewayCall records a gateway API call. status is "success" or an error category.
func (m *Metrics) ObserveGatewayCall(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	m.GatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObservePollerOutcome records how a reconciliation poll finished.
func (m *Metrics) ObservePollerOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PollerOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveReconcilerRun records one sweep of stale sessions.
func (m *Metrics) ObserveReconcilerRun() {
	if m == nil {
		return
	}
	m.ReconcilerRunsTotal.Inc()
}

// ObserveReconciledSession records the sweeper's result for one session.
func (m *Metrics) ObserveReconciledSession(result string) {
	if m == nil {
		return
	}
	m.ReconcilerSessionsTotal.WithLabelValues(result).Inc()
}

// ObserveNotification records notification delivery.
func (m *Metrics) ObserveNotification(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(eventType, status).Inc()
	m.NotificationDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.NotificationRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.NotificationDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveArchival records an archival run.
func (m *Metrics) ObserveArchival(recordsDeleted int64) {
	if m == nil {
		return
	}
	m.ArchivalRunsTotal.Inc()
	m.ArchivalRecordsDeleted.Add(float64(recordsDeleted))
}

// Temporary is implemented by errors that classify themselves as transient.
type Temporary interface {
	Temporary() bool
}

// ErrorStatus maps an error onto a low-cardinality status label.
func ErrorStatus(err error) string {
	if err == nil {
		return "success"
	}
	var temp Temporary
	if errors.As(err, &temp) && temp.Temporary() {
		return "transient_error"
	}
	return "error"
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
