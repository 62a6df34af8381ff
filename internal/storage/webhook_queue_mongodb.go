package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoWebhook is the MongoDB document structure for queued webhooks.
type mongoWebhook struct {
	ID            string            `bson:"_id"`
	URL           string            `bson:"url"`
	Payload       []byte            `bson:"payload"`
	Headers       map[string]string `bson:"headers,omitempty"`
	EventType     string            `bson:"event_type"`
	Status        string            `bson:"status"`
	Attempts      int               `bson:"attempts"`
	MaxAttempts   int               `bson:"max_attempts"`
	LastError     string            `bson:"last_error"`
	LastAttemptAt time.Time         `bson:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time         `bson:"next_attempt_at"`
	CreatedAt     time.Time         `bson:"created_at"`
	CompletedAt   *time.Time        `bson:"completed_at,omitempty"`
}

func toMongoWebhook(webhook PendingWebhook) mongoWebhook {
	return mongoWebhook{
		ID:            webhook.ID,
		URL:           webhook.URL,
		Payload:       []byte(webhook.Payload),
		Headers:       webhook.Headers,
		EventType:     webhook.EventType,
		Status:        string(webhook.Status),
		Attempts:      webhook.Attempts,
		MaxAttempts:   webhook.MaxAttempts,
		LastError:     webhook.LastError,
		LastAttemptAt: webhook.LastAttemptAt,
		NextAttemptAt: webhook.NextAttemptAt,
		CreatedAt:     webhook.CreatedAt,
		CompletedAt:   webhook.CompletedAt,
	}
}

func fromMongoWebhook(doc mongoWebhook) PendingWebhook {
	return PendingWebhook{
		ID:            doc.ID,
		URL:           doc.URL,
		Payload:       doc.Payload,
		Headers:       doc.Headers,
		EventType:     doc.EventType,
		Status:        WebhookStatus(doc.Status),
		Attempts:      doc.Attempts,
		MaxAttempts:   doc.MaxAttempts,
		LastError:     doc.LastError,
		LastAttemptAt: doc.LastAttemptAt,
		NextAttemptAt: doc.NextAttemptAt,
		CreatedAt:     doc.CreatedAt,
		CompletedAt:   doc.CompletedAt,
	}
}

// EnqueueWebhook adds a webhook to the delivery queue.
func (s *MongoStore) EnqueueWebhook(ctx context.Context, webhook PendingWebhook) (string, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	prepareWebhook(&webhook)

	_, err := s.webhookQueue.InsertOne(ctx, toMongoWebhook(webhook))
	if err != nil {
		return "", fmt.Errorf("insert webhook: %w", err)
	}
	return webhook.ID, nil
}

// DequeueWebhooks retrieves webhooks ready for delivery.
func (s *MongoStore) DequeueWebhooks(ctx context.Context, limit int) ([]PendingWebhook, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{
		"status":          string(WebhookStatusPending),
		"next_attempt_at": bson.M{"$lte": time.Now().UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_attempt_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := s.webhookQueue.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer cursor.Close(ctx)

	var webhooks []PendingWebhook
	for cursor.Next(ctx) {
		var doc mongoWebhook
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode webhook: %w", err)
		}
		webhooks = append(webhooks, fromMongoWebhook(doc))
	}
	return webhooks, cursor.Err()
}

// MarkWebhookProcessing updates webhook status to prevent duplicate processing.
func (s *MongoStore) MarkWebhookProcessing(ctx context.Context, webhookID string) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"status":          string(WebhookStatusProcessing),
			"last_attempt_at": time.Now().UTC(),
		},
		"$inc": bson.M{"attempts": 1},
	}

	result, err := s.webhookQueue.UpdateOne(ctx, bson.M{"_id": webhookID}, update)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkWebhookSuccess marks webhook as successfully delivered and removes it from the queue.
func (s *MongoStore) MarkWebhookSuccess(ctx context.Context, webhookID string) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.webhookQueue.DeleteOne(ctx, bson.M{"_id": webhookID})
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkWebhookFailed records a failed attempt and schedules a retry, or moves
// the webhook to the DLQ when retries are exhausted.
func (s *MongoStore) MarkWebhookFailed(ctx context.Context, webhookID string, errorMsg string, nextAttemptAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var doc mongoWebhook
	err := s.webhookQueue.FindOne(ctx, bson.M{"_id": webhookID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query webhook: %w", err)
	}

	now := time.Now().UTC()
	var update bson.M
	if doc.Attempts >= doc.MaxAttempts {
		update = bson.M{"$set": bson.M{
			"status":          string(WebhookStatusFailed),
			"last_error":      errorMsg,
			"last_attempt_at": now,
			"completed_at":    now,
		}}
	} else {
		update = bson.M{"$set": bson.M{
			"status":          string(WebhookStatusPending),
			"last_error":      errorMsg,
			"last_attempt_at": now,
			"next_attempt_at": nextAttemptAt.UTC(),
		}}
	}

	result, err := s.webhookQueue.UpdateOne(ctx, bson.M{"_id": webhookID}, update)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWebhook retrieves a webhook by ID.
func (s *MongoStore) GetWebhook(ctx context.Context, webhookID string) (PendingWebhook, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var doc mongoWebhook
	err := s.webhookQueue.FindOne(ctx, bson.M{"_id": webhookID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return PendingWebhook{}, ErrNotFound
	}
	if err != nil {
		return PendingWebhook{}, fmt.Errorf("query webhook: %w", err)
	}
	return fromMongoWebhook(doc), nil
}

// ListWebhooks lists webhooks with an optional status filter.
func (s *MongoStore) ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := s.webhookQueue.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer cursor.Close(ctx)

	var webhooks []PendingWebhook
	for cursor.Next(ctx) {
		var doc mongoWebhook
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode webhook: %w", err)
		}
		webhooks = append(webhooks, fromMongoWebhook(doc))
	}
	return webhooks, cursor.Err()
}

// RetryWebhook resets a webhook to pending state for manual retry.
func (s *MongoStore) RetryWebhook(ctx context.Context, webhookID string) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":          string(WebhookStatusPending),
		"next_attempt_at": time.Now().UTC(),
		"last_error":      "",
	}}

	result, err := s.webhookQueue.UpdateOne(ctx, bson.M{"_id": webhookID}, update)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWebhook removes a webhook from the queue.
func (s *MongoStore) DeleteWebhook(ctx context.Context, webhookID string) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.webhookQueue.DeleteOne(ctx, bson.M{"_id": webhookID})
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
