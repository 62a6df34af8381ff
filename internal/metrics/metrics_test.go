package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}
	if m.PaymentsTotal == nil {
		t.Error("PaymentsTotal should be initialized")
	}
	if m.PaymentsSettledTotal == nil {
		t.Error("PaymentsSettledTotal should be initialized")
	}
	if m.PaymentsFailedTotal == nil {
		t.Error("PaymentsFailedTotal should be initialized")
	}
	if m.FacilitatorCallsTotal == nil {
		t.Error("FacilitatorCallsTotal should be initialized")
	}
	if m.ProxyRequestsTotal == nil {
		t.Error("ProxyRequestsTotal should be initialized")
	}
	if m.UpstreamSessionsActive == nil {
		t.Error("UpstreamSessionsActive should be initialized")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var m *Metrics

	// Must not panic
	m.ObservePayment("base", "USDC", true, 10000, time.Second)
	m.ObservePaymentFailure("base", "insufficient_funds")
	m.ObserveFacilitatorCall("verify", time.Millisecond, nil)
	m.ObserveProxyRequest("tools/call", "ok", time.Second)
	m.ObserveSessionOpened()
	m.ObserveSessionClosed()
	m.ObserveWebhook("payment.completed", "success", time.Second, 1, false)
	m.ObserveArchival(10)
}

func TestObservePayment(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObservePayment("base-sepolia", "USDC", true, 10000, 1*time.Second)

	count := promtest.ToFloat64(m.PaymentsTotal.WithLabelValues("base-sepolia", "USDC"))
	if count != 1 {
		t.Errorf("expected 1 payment attempt, got %.0f", count)
	}

	settled := promtest.ToFloat64(m.PaymentsSettledTotal.WithLabelValues("base-sepolia", "USDC"))
	if settled != 1 {
		t.Errorf("expected 1 settled payment, got %.0f", settled)
	}

	amount := promtest.ToFloat64(m.PaymentAmountTotal.WithLabelValues("base-sepolia", "USDC"))
	if amount != 10000 {
		t.Errorf("expected amount 10000, got %.0f", amount)
	}
}

func TestObservePayment_NotSettled(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObservePayment("base", "USDC", false, 10000, 1*time.Second)

	settled := promtest.ToFloat64(m.PaymentsSettledTotal.WithLabelValues("base", "USDC"))
	if settled != 0 {
		t.Errorf("expected 0 settled payments, got %.0f", settled)
	}
	amount := promtest.ToFloat64(m.PaymentAmountTotal.WithLabelValues("base", "USDC"))
	if amount != 0 {
		t.Errorf("expected no amount counted, got %.0f", amount)
	}
}

func TestObservePaymentFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObservePaymentFailure("base", "underpayment")

	count := promtest.ToFloat64(m.PaymentsFailedTotal.WithLabelValues("base", "underpayment"))
	if count != 1 {
		t.Errorf("expected 1 failed payment, got %.0f", count)
	}
}

func TestObserveFacilitatorCall(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		errorType string
	}{
		{name: "success", err: nil},
		{name: "circuit open", err: errors.New("facilitator unavailable: circuit open"), errorType: "circuit_open"},
		{name: "timeout", err: errors.New("context deadline exceeded"), errorType: "timeout"},
		{name: "connection", err: errors.New("connection refused"), errorType: "connection"},
		{name: "other", err: errors.New("bad response"), errorType: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := New(registry)

			m.ObserveFacilitatorCall("settle", 100*time.Millisecond, tt.err)

			calls := promtest.ToFloat64(m.FacilitatorCallsTotal.WithLabelValues("settle"))
			if calls != 1 {
				t.Errorf("expected 1 call, got %.0f", calls)
			}

			if tt.err != nil {
				errs := promtest.ToFloat64(m.FacilitatorErrorsTotal.WithLabelValues("settle", tt.errorType))
				if errs != 1 {
					t.Errorf("expected 1 %s error, got %.0f", tt.errorType, errs)
				}
			}
		})
	}
}

func TestObserveProxyRequest(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveProxyRequest("tools/call", "payment_required", 20*time.Millisecond)
	m.ObserveProxyRequest("tools/call", "ok", 2*time.Second)

	required := promtest.ToFloat64(m.ProxyRequestsTotal.WithLabelValues("tools/call", "payment_required"))
	if required != 1 {
		t.Errorf("expected 1 payment_required, got %.0f", required)
	}
	ok := promtest.ToFloat64(m.ProxyRequestsTotal.WithLabelValues("tools/call", "ok"))
	if ok != 1 {
		t.Errorf("expected 1 ok, got %.0f", ok)
	}
}

func TestSessionGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSessionOpened()
	m.ObserveSessionOpened()
	m.ObserveSessionClosed()

	active := promtest.ToFloat64(m.UpstreamSessionsActive)
	if active != 1 {
		t.Errorf("expected 1 active session, got %.0f", active)
	}
	total := promtest.ToFloat64(m.UpstreamSessionsTotal)
	if total != 2 {
		t.Errorf("expected 2 sessions opened, got %.0f", total)
	}
}

func TestObserveWebhook(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	// First attempt succeeds
	m.ObserveWebhook("payment.completed", "success", 500*time.Millisecond, 1, false)

	webhooks := promtest.ToFloat64(m.WebhooksTotal.WithLabelValues("payment.completed", "success"))
	if webhooks != 1 {
		t.Errorf("expected 1 webhook delivery, got %.0f", webhooks)
	}

	// Fifth attempt fails and goes to DLQ
	m.ObserveWebhook("payment.failed", "failed", 2*time.Second, 5, true)

	retries := promtest.ToFloat64(m.WebhookRetriesTotal.WithLabelValues("payment.failed", "5"))
	if retries != 1 {
		t.Errorf("expected 1 webhook retry record, got %.0f", retries)
	}

	dlq := promtest.ToFloat64(m.WebhookDLQTotal.WithLabelValues("payment.failed"))
	if dlq != 1 {
		t.Errorf("expected 1 webhook in DLQ, got %.0f", dlq)
	}
}

func TestObserveArchival(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveArchival(1500)

	runs := promtest.ToFloat64(m.ArchivalRunsTotal)
	if runs != 1 {
		t.Errorf("expected 1 archival run, got %.0f", runs)
	}

	deleted := promtest.ToFloat64(m.ArchivalRecordsDeleted)
	if deleted != 1500 {
		t.Errorf("expected 1500 records deleted, got %.0f", deleted)
	}
}
