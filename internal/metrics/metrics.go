package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway. All Observe methods
// are nil-safe so instrumentation points never need to guard against a
// disabled collector.
type Metrics struct {
	// Payment metrics
	PaymentsTotal        *prometheus.CounterVec
	PaymentsSettledTotal *prometheus.CounterVec
	PaymentsFailedTotal  *prometheus.CounterVec
	PaymentAmountTotal   *prometheus.CounterVec
	PaymentDuration      *prometheus.HistogramVec
	SettlementDuration   *prometheus.HistogramVec
	PendingExpiredTotal  prometheus.Counter

	// Facilitator metrics
	FacilitatorCallsTotal   *prometheus.CounterVec
	FacilitatorCallDuration *prometheus.HistogramVec
	FacilitatorErrorsTotal  *prometheus.CounterVec

	// Proxy metrics
	ProxyRequestsTotal   *prometheus.CounterVec
	ProxyRequestDuration *prometheus.HistogramVec
	UpstreamErrorsTotal  *prometheus.CounterVec

	// Upstream session metrics
	UpstreamSessionsActive prometheus.Gauge
	UpstreamSessionsTotal  prometheus.Counter
	UpstreamBusyTotal      *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDLQTotal     *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

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
		// Payment metrics
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_payments_total",
				Help: "Total number of payment attempts",
			},
			[]string{"network", "asset"},
		),
		PaymentsSettledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_payments_settled_total",
				Help: "Total number of settled payments",
			},
			[]string{"network", "asset"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_payments_failed_total",
				Help: "Total number of failed payments",
			},
			[]string{"network", "reason"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_payment_amount_base_units_total",
				Help: "Total settled payment amount in token base units",
			},
			[]string{"network", "asset"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_payment_duration_seconds",
				Help:    "Time from payment presentation to final outcome",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"network"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_settlement_duration_seconds",
				Help:    "Time spent waiting for on-chain settlement",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"network"},
		),
		PendingExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolgate_pending_expired_total",
				Help: "Total number of pending payments expired by the janitor",
			},
		),

		// Facilitator metrics
		FacilitatorCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_facilitator_calls_total",
				Help: "Total number of facilitator API calls",
			},
			[]string{"endpoint"},
		),
		FacilitatorCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_facilitator_call_duration_seconds",
				Help:    "Duration of facilitator API calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"endpoint"},
		),
		FacilitatorErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_facilitator_errors_total",
				Help: "Total number of facilitator API errors",
			},
			[]string{"endpoint", "error_type"},
		),

		// Proxy metrics
		ProxyRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_proxy_requests_total",
				Help: "Total number of proxied JSON-RPC requests",
			},
			[]string{"method", "outcome"},
		),
		ProxyRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_proxy_request_duration_seconds",
				Help:    "End-to-end duration of proxied JSON-RPC requests",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method"},
		),
		UpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_upstream_errors_total",
				Help: "Total number of upstream server errors",
			},
			[]string{"reason"},
		),

		// Upstream session metrics
		UpstreamSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_upstream_sessions_active",
				Help: "Number of open upstream sessions",
			},
		),
		UpstreamSessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolgate_upstream_sessions_total",
				Help: "Total number of upstream sessions opened",
			},
		),
		UpstreamBusyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_upstream_busy_total",
				Help: "Total number of requests rejected because an upstream was saturated",
			},
			[]string{"server_id"},
		),

		// Webhook metrics
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_webhooks_total",
				Help: "Total number of webhook deliveries",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_webhook_retries_total",
				Help: "Total number of webhook retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_webhook_dlq_total",
				Help: "Total number of webhooks sent to DLQ",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_webhook_duration_seconds",
				Help:    "Time taken for webhook delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_db_connections_active",
				Help: "Number of active database connections",
			},
		),

		// System metrics
		ArchivalRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolgate_archival_runs_total",
				Help: "Total number of archival runs",
			},
		),
		ArchivalRecordsDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolgate_archival_records_deleted_total",
				Help: "Total number of records deleted by archival",
			},
		),
	}
}

// ObservePayment records a payment attempt and its final outcome. Amount is
// in token base units and only counted on settlement.
func (m *Metrics) ObservePayment(network, asset string, settled bool, amountBaseUnits float64, duration time.Duration) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(network, asset).Inc()
	if settled {
		m.PaymentsSettledTotal.WithLabelValues(network, asset).Inc()
		m.PaymentAmountTotal.WithLabelValues(network, asset).Add(amountBaseUnits)
	}
	m.PaymentDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObservePaymentFailure records a failed payment with the rejection reason.
func (m *Metrics) ObservePaymentFailure(network, reason string) {
	if m == nil {
		return
	}
	m.PaymentsFailedTotal.WithLabelValues(network, reason).Inc()
}

// ObserveSettlement records time spent waiting for on-chain settlement.
func (m *Metrics) ObserveSettlement(network string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObservePendingExpired records pending payments expired by the janitor.
func (m *Metrics) ObservePendingExpired(count int64) {
	if m == nil {
		return
	}
	m.PendingExpiredTotal.Add(float64(count))
}

// ObserveFacilitatorCall records a facilitator API call.
func (m *Metrics) ObserveFacilitatorCall(endpoint string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.FacilitatorCallsTotal.WithLabelValues(endpoint).Inc()
	m.FacilitatorCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())

	if err != nil {
		errorType := "other"
		switch errStr := err.Error(); {
		case strings.Contains(errStr, "circuit open"):
			errorType = "circuit_open"
		case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
			errorType = "timeout"
		case strings.Contains(errStr, "connection"):
			errorType = "connection"
		case strings.Contains(errStr, "unavailable"):
			errorType = "unavailable"
		}
		m.FacilitatorErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
	}
}

// ObserveProxyRequest records a proxied JSON-RPC request. Method is the
// JSON-RPC method name, outcome one of "ok", "payment_required", "rejected",
// "upstream_error" or "busy".
func (m *Metrics) ObserveProxyRequest(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProxyRequestsTotal.WithLabelValues(method, outcome).Inc()
	m.ProxyRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveUpstreamError records an upstream server error.
func (m *Metrics) ObserveUpstreamError(reason string) {
	if m == nil {
		return
	}
	m.UpstreamErrorsTotal.WithLabelValues(reason).Inc()
}

// ObserveSessionOpened records a new upstream session.
func (m *Metrics) ObserveSessionOpened() {
	if m == nil {
		return
	}
	m.UpstreamSessionsTotal.Inc()
	m.UpstreamSessionsActive.Inc()
}

// ObserveSessionClosed records an upstream session being torn down.
func (m *Metrics) ObserveSessionClosed() {
	if m == nil {
		return
	}
	m.UpstreamSessionsActive.Dec()
}

// ObserveUpstreamBusy records a request rejected because the per-server
// concurrency limit and queue were both full.
func (m *Metrics) ObserveUpstreamBusy(serverID string) {
	if m == nil {
		return
	}
	m.UpstreamBusyTotal.WithLabelValues(serverID).Inc()
}

// ObserveWebhook records webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
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

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
