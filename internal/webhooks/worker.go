// Package webhooks delivers queued server notifications. Deliveries are
// pulled from the persistent queue, signed with the destination server's
// webhook secret, and retried with exponential backoff until they land in
// the dead-letter state.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ToolGate/gateway/internal/httputil"
	"github.com/ToolGate/gateway/internal/metrics"
	"github.com/ToolGate/gateway/internal/registry"
	"github.com/ToolGate/gateway/internal/storage"
)

// Delivery headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-Id"
)

// RetryConfig holds webhook retry tuning.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Timeout         time.Duration
}

// DefaultRetryConfig returns the delivery retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Store        storage.Store
	Registry     registry.Repository
	Retry        RetryConfig
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration
}

// Worker polls the webhook queue and delivers due webhooks.
type Worker struct {
	store        storage.Store
	registry     registry.Repository
	retryCfg     RetryConfig
	httpClient   *http.Client
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWorker creates a webhook delivery worker.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Retry.Timeout == 0 {
		opts.Retry = DefaultRetryConfig()
	}

	return &Worker{
		store:        opts.Store,
		registry:     opts.Registry,
		retryCfg:     opts.Retry,
		httpClient:   httputil.NewClient(opts.Retry.Timeout),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start begins the delivery loop.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop drains the loop and waits for it to exit.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().Dur("pollInterval", w.pollInterval).Msg("webhook worker started")

	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("webhook worker stopping")
			return
		case <-ticker.C:
			w.processQueue(ctx)
		}
	}
}

func (w *Worker) processQueue(ctx context.Context) {
	webhooks, err := w.store.DequeueWebhooks(ctx, 10)
	if err != nil {
		w.logger.Error().Err(err).Msg("dequeue webhooks failed")
		return
	}

	for _, webhook := range webhooks {
		w.deliver(ctx, webhook)
	}
}

// deliver makes one delivery attempt and records the outcome.
func (w *Worker) deliver(ctx context.Context, webhook storage.PendingWebhook) {
	if err := w.store.MarkWebhookProcessing(ctx, webhook.ID); err != nil {
		w.logger.Error().Err(err).Str("webhookID", webhook.ID).Msg("mark processing failed")
		return
	}
	webhook.Attempts++

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, w.retryCfg.Timeout)
	err := w.send(reqCtx, webhook)
	cancel()
	duration := time.Since(start)

	if err == nil {
		if markErr := w.store.MarkWebhookSuccess(ctx, webhook.ID); markErr != nil {
			w.logger.Error().Err(markErr).Str("webhookID", webhook.ID).Msg("mark success failed")
		}
		w.metrics.ObserveWebhook(webhook.EventType, "success", duration, webhook.Attempts, false)
		w.logger.Info().
			Str("webhookID", webhook.ID).
			Str("eventType", webhook.EventType).
			Int("attempts", webhook.Attempts).
			Msg("webhook delivered")
		return
	}

	nextAttemptAt := time.Now().Add(w.backoff(webhook.Attempts))
	if markErr := w.store.MarkWebhookFailed(ctx, webhook.ID, err.Error(), nextAttemptAt); markErr != nil {
		w.logger.Error().Err(markErr).Str("webhookID", webhook.ID).Msg("mark failed failed")
		return
	}

	if webhook.Attempts >= webhook.MaxAttempts {
		w.metrics.ObserveWebhook(webhook.EventType, "dlq", time.Since(webhook.CreatedAt), webhook.Attempts, true)
		w.logger.Warn().
			Str("webhookID", webhook.ID).
			Str("eventType", webhook.EventType).
			Int("attempts", webhook.Attempts).
			Err(err).
			Msg("webhook moved to dead letter queue")
		return
	}

	w.metrics.ObserveWebhook(webhook.EventType, "retry", duration, webhook.Attempts, false)
	w.logger.Warn().
		Str("webhookID", webhook.ID).
		Str("eventType", webhook.EventType).
		Int("attempts", webhook.Attempts).
		Time("nextAttempt", nextAttemptAt).
		Err(err).
		Msg("webhook delivery failed, retry scheduled")
}

func (w *Worker) backoff(attempt int) time.Duration {
	backoff := w.retryCfg.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * w.retryCfg.Multiplier)
		if backoff > w.retryCfg.MaxInterval {
			return w.retryCfg.MaxInterval
		}
	}
	return backoff
}

// send posts the webhook body, signed with the owning server's secret.
func (w *Worker) send(ctx context.Context, webhook storage.PendingWebhook) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(webhook.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	for key, value := range webhook.Headers {
		if key == "" {
			continue
		}
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderEvent, webhook.EventType)
	req.Header.Set(HeaderID, webhook.ID)

	if secret := w.secretFor(ctx, webhook); secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, webhook.Payload))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, webhook.URL)
	}
	return nil
}

// secretFor resolves the signing secret from the server named in the
// payload. Webhooks without a resolvable server go out unsigned.
func (w *Worker) secretFor(ctx context.Context, webhook storage.PendingWebhook) string {
	if w.registry == nil {
		return ""
	}
	var envelope struct {
		ServerID string `json:"serverId"`
	}
	if err := json.Unmarshal(webhook.Payload, &envelope); err != nil || envelope.ServerID == "" {
		return ""
	}
	server, err := w.registry.GetServer(ctx, envelope.ServerID)
	if err != nil {
		return ""
	}
	return server.WebhookSecret
}
