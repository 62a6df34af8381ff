package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookStatus represents the current state of a webhook in the queue.
type WebhookStatus string

const (
	WebhookStatusPending    WebhookStatus = "pending"    // Waiting for delivery
	WebhookStatusProcessing WebhookStatus = "processing" // Currently being delivered
	WebhookStatusFailed     WebhookStatus = "failed"     // Failed after all retries (DLQ)
	WebhookStatusSuccess    WebhookStatus = "success"    // Successfully delivered
)

// Webhook event types emitted by the gateway.
const (
	EventPaymentCompleted   = "payment.completed"
	EventPaymentFailed      = "payment.failed"
	EventServerToolsUpdated = "server.tools_updated"
)

// PendingWebhook represents a webhook waiting for delivery or retry.
// Persisted to the database so delivery survives server restarts.
type PendingWebhook struct {
	ID            string            `json:"id"`            // Unique webhook identifier (wh_<uuid>)
	URL           string            `json:"url"`           // Destination URL
	Payload       json.RawMessage   `json:"payload"`       // JSON payload to send
	Headers       map[string]string `json:"headers"`       // HTTP headers
	EventType     string            `json:"eventType"`     // Event type, e.g. "payment.completed"
	Status        WebhookStatus     `json:"status"`        // Current status
	Attempts      int               `json:"attempts"`      // Number of delivery attempts
	MaxAttempts   int               `json:"maxAttempts"`   // Maximum retry attempts
	LastError     string            `json:"lastError"`     // Error from last attempt
	LastAttemptAt time.Time         `json:"lastAttemptAt"` // When last attempt was made
	NextAttemptAt time.Time         `json:"nextAttemptAt"` // When next attempt should be made
	CreatedAt     time.Time         `json:"createdAt"`     // When webhook was created
	CompletedAt   *time.Time        `json:"completedAt"`   // When delivered or permanently failed
}

// IsReadyForDelivery returns true if the webhook should be processed now.
func (w PendingWebhook) IsReadyForDelivery() bool {
	if w.Status != WebhookStatusPending {
		return false
	}
	return time.Now().After(w.NextAttemptAt) || w.NextAttemptAt.IsZero()
}

// IsFinallyFailed returns true if the webhook has exhausted all retries.
func (w PendingWebhook) IsFinallyFailed() bool {
	return w.Attempts >= w.MaxAttempts && w.Status == WebhookStatusFailed
}

// generateWebhookID creates a unique identifier for webhooks.
func generateWebhookID() string {
	return "wh_" + uuid.NewString()
}

// prepareWebhook fills queue defaults before persisting.
func prepareWebhook(webhook *PendingWebhook) {
	if webhook.ID == "" {
		webhook.ID = generateWebhookID()
	}
	if webhook.Status == "" {
		webhook.Status = WebhookStatusPending
	}
	if webhook.CreatedAt.IsZero() {
		webhook.CreatedAt = time.Now().UTC()
	}
	if webhook.NextAttemptAt.IsZero() {
		webhook.NextAttemptAt = time.Now().UTC()
	}
	if webhook.MaxAttempts == 0 {
		webhook.MaxAttempts = 5
	}
}
