package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func enqueueTestWebhook(t *testing.T, store *MemoryStore) string {
	t.Helper()

	id, err := store.EnqueueWebhook(context.Background(), PendingWebhook{
		URL:       "https://example.com/hooks",
		Payload:   json.RawMessage(`{"event":"payment.completed"}`),
		EventType: EventPaymentCompleted,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestEnqueueWebhook_Defaults(t *testing.T) {
	store := NewMemoryStore()
	id := enqueueTestWebhook(t, store)

	if !strings.HasPrefix(id, "wh_") {
		t.Errorf("unexpected webhook id %s", id)
	}

	webhook, err := store.GetWebhook(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if webhook.Status != WebhookStatusPending {
		t.Errorf("expected pending, got %s", webhook.Status)
	}
	if webhook.MaxAttempts != 5 {
		t.Errorf("expected 5 max attempts, got %d", webhook.MaxAttempts)
	}
	if webhook.CreatedAt.IsZero() || webhook.NextAttemptAt.IsZero() {
		t.Error("expected timestamps to be filled")
	}
}

func TestDequeueWebhooks_OnlyReady(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	readyID := enqueueTestWebhook(t, store)

	_, err := store.EnqueueWebhook(ctx, PendingWebhook{
		URL:           "https://example.com/hooks",
		Payload:       json.RawMessage(`{}`),
		EventType:     EventPaymentFailed,
		NextAttemptAt: time.Now().Add(1 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Memory queue uses strict Before(now), give the ready webhook a moment
	time.Sleep(5 * time.Millisecond)

	ready, err := store.DequeueWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready webhook, got %d", len(ready))
	}
	if ready[0].ID != readyID {
		t.Errorf("unexpected webhook %s", ready[0].ID)
	}
}

func TestWebhookRetryLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := enqueueTestWebhook(t, store)

	if err := store.MarkWebhookProcessing(ctx, id); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	webhook, _ := store.GetWebhook(ctx, id)
	if webhook.Attempts != 1 || webhook.Status != WebhookStatusProcessing {
		t.Errorf("unexpected state %+v", webhook)
	}

	// Failure with retries remaining schedules a retry
	next := time.Now().Add(1 * time.Minute)
	if err := store.MarkWebhookFailed(ctx, id, "connection refused", next); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	webhook, _ = store.GetWebhook(ctx, id)
	if webhook.Status != WebhookStatusPending {
		t.Errorf("expected pending retry, got %s", webhook.Status)
	}
	if webhook.LastError != "connection refused" {
		t.Errorf("expected last error recorded, got %q", webhook.LastError)
	}

	// Exhaust the remaining attempts
	for i := 0; i < 4; i++ {
		if err := store.MarkWebhookProcessing(ctx, id); err != nil {
			t.Fatal(err)
		}
		if err := store.MarkWebhookFailed(ctx, id, "still down", time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	webhook, _ = store.GetWebhook(ctx, id)
	if webhook.Status != WebhookStatusFailed {
		t.Errorf("expected DLQ after max attempts, got %s", webhook.Status)
	}
	if !webhook.IsFinallyFailed() {
		t.Error("expected IsFinallyFailed")
	}
	if webhook.CompletedAt == nil {
		t.Error("expected completed_at on permanent failure")
	}

	// Manual retry resets the webhook
	if err := store.RetryWebhook(ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	webhook, _ = store.GetWebhook(ctx, id)
	if webhook.Status != WebhookStatusPending || webhook.LastError != "" {
		t.Errorf("unexpected state after retry %+v", webhook)
	}
}

func TestMarkWebhookSuccess_RemovesFromQueue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := enqueueTestWebhook(t, store)

	if err := store.MarkWebhookSuccess(ctx, id); err != nil {
		t.Fatalf("mark success: %v", err)
	}
	if _, err := store.GetWebhook(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListWebhooks_StatusFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := enqueueTestWebhook(t, store)
	enqueueTestWebhook(t, store)

	if err := store.MarkWebhookProcessing(ctx, first); err != nil {
		t.Fatal(err)
	}

	pending, err := store.ListWebhooks(ctx, WebhookStatusPending, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending, got %d", len(pending))
	}

	all, err := store.ListWebhooks(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 webhooks, got %d", len(all))
	}
}
