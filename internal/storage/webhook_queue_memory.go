package storage

import (
	"context"
	"sort"
	"time"
)

// EnqueueWebhook adds a webhook to the delivery queue.
func (m *MemoryStore) EnqueueWebhook(_ context.Context, webhook PendingWebhook) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareWebhook(&webhook)
	m.webhookQueue[webhook.ID] = webhook
	return webhook.ID, nil
}

// DequeueWebhooks retrieves webhooks ready for delivery.
func (m *MemoryStore) DequeueWebhooks(_ context.Context, limit int) ([]PendingWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var ready []PendingWebhook

	for _, webhook := range m.webhookQueue {
		if webhook.Status == WebhookStatusPending && (webhook.NextAttemptAt.IsZero() || webhook.NextAttemptAt.Before(now)) {
			ready = append(ready, webhook)
		}
	}

	// Earliest next attempt first
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
	})

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// MarkWebhookProcessing updates webhook status to prevent duplicate processing.
func (m *MemoryStore) MarkWebhookProcessing(_ context.Context, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhookQueue[webhookID]
	if !ok {
		return ErrNotFound
	}

	webhook.Status = WebhookStatusProcessing
	webhook.LastAttemptAt = time.Now().UTC()
	webhook.Attempts++
	m.webhookQueue[webhookID] = webhook
	return nil
}

// MarkWebhookSuccess marks webhook as successfully delivered and removes it from the queue.
func (m *MemoryStore) MarkWebhookSuccess(_ context.Context, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhookQueue[webhookID]; !ok {
		return ErrNotFound
	}
	delete(m.webhookQueue, webhookID)
	return nil
}

// MarkWebhookFailed records a failed attempt and schedules a retry, or moves
// the webhook to the DLQ when retries are exhausted.
func (m *MemoryStore) MarkWebhookFailed(_ context.Context, webhookID string, errorMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhookQueue[webhookID]
	if !ok {
		return ErrNotFound
	}

	webhook.LastError = errorMsg
	webhook.LastAttemptAt = time.Now().UTC()

	if webhook.Attempts >= webhook.MaxAttempts {
		webhook.Status = WebhookStatusFailed
		now := time.Now().UTC()
		webhook.CompletedAt = &now
	} else {
		webhook.Status = WebhookStatusPending
		webhook.NextAttemptAt = nextAttemptAt
	}

	m.webhookQueue[webhookID] = webhook
	return nil
}

// GetWebhook retrieves a webhook by ID.
func (m *MemoryStore) GetWebhook(_ context.Context, webhookID string) (PendingWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	webhook, ok := m.webhookQueue[webhookID]
	if !ok {
		return PendingWebhook{}, ErrNotFound
	}
	return webhook, nil
}

// ListWebhooks lists webhooks with an optional status filter.
func (m *MemoryStore) ListWebhooks(_ context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var webhooks []PendingWebhook
	for _, webhook := range m.webhookQueue {
		if status == "" || webhook.Status == status {
			webhooks = append(webhooks, webhook)
		}
	}

	// Newest first
	sort.Slice(webhooks, func(i, j int) bool {
		return webhooks[i].CreatedAt.After(webhooks[j].CreatedAt)
	})

	if limit > 0 && len(webhooks) > limit {
		webhooks = webhooks[:limit]
	}
	return webhooks, nil
}

// RetryWebhook resets a webhook to pending state for manual retry.
func (m *MemoryStore) RetryWebhook(_ context.Context, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, ok := m.webhookQueue[webhookID]
	if !ok {
		return ErrNotFound
	}

	webhook.Status = WebhookStatusPending
	webhook.NextAttemptAt = time.Now().UTC()
	webhook.LastError = ""
	m.webhookQueue[webhookID] = webhook
	return nil
}

// DeleteWebhook removes a webhook from the queue.
func (m *MemoryStore) DeleteWebhook(_ context.Context, webhookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhookQueue[webhookID]; !ok {
		return ErrNotFound
	}
	delete(m.webhookQueue, webhookID)
	return nil
}
