package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store using MongoDB.
type MongoStore struct {
	client       *mongo.Client
	db           *mongo.Database
	queryTimeout time.Duration
	payments     *mongo.Collection
	proofs       *mongo.Collection
	webhookQueue *mongo.Collection
}

// NewMongoStore creates a new MongoDB-backed store.
func NewMongoStore(connectionString, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect() error during initialization cleanup is not actionable
		// and would only obscure the original connection failure.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)

	store := &MongoStore{
		client:       client,
		db:           db,
		payments:     db.Collection("payments"),
		proofs:       db.Collection("settlement_proofs"),
		webhookQueue: db.Collection("webhook_queue"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// WithCollectionNames sets custom collection names (for schema_mapping support).
func (s *MongoStore) WithCollectionNames(payments, proofs, webhookQueue string) *MongoStore {
	if payments != "" {
		s.payments = s.db.Collection(payments)
	}
	if proofs != "" {
		s.proofs = s.db.Collection(proofs)
	}
	if webhookQueue != "" {
		s.webhookQueue = s.db.Collection(webhookQueue)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.createIndexes(ctx)

	return s
}

// createIndexes creates necessary indexes for collections. The unique
// signature index is the replay guard.
func (s *MongoStore) createIndexes(ctx context.Context) error {
	_, err := s.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "signature", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: "transaction_hash", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"transaction_hash": bson.M{"$gt": ""}}),
		},
		{Keys: bson.D{{Key: "server_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create payment indexes: %w", err)
	}

	_, err = s.proofs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "signature", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "payment_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create proof indexes: %w", err)
	}

	_, err = s.webhookQueue.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create webhook queue indexes: %w", err)
	}

	return nil
}

// mongoPayment is the MongoDB document structure for payment records.
type mongoPayment struct {
	ID              string            `bson:"_id"`
	ServerID        string            `bson:"server_id"`
	ToolName        string            `bson:"tool_name"`
	Resource        string            `bson:"resource"`
	Signature       string            `bson:"signature"`
	Payer           string            `bson:"payer"`
	PayTo           string            `bson:"pay_to"`
	Asset           string            `bson:"asset"`
	Network         string            `bson:"network"`
	Amount          string            `bson:"amount"`
	Status          string            `bson:"status"`
	FailureReason   string            `bson:"failure_reason"`
	TransactionHash string            `bson:"transaction_hash"`
	CreatedAt       time.Time         `bson:"created_at"`
	SettledAt       *time.Time        `bson:"settled_at,omitempty"`
	Metadata        map[string]string `bson:"metadata,omitempty"`
}

func toMongoPayment(record PaymentRecord) mongoPayment {
	return mongoPayment{
		ID:              record.ID,
		ServerID:        record.ServerID,
		ToolName:        record.ToolName,
		Resource:        record.Resource,
		Signature:       record.Signature,
		Payer:           record.Payer,
		PayTo:           record.PayTo,
		Asset:           record.Asset,
		Network:         record.Network,
		Amount:          record.Amount,
		Status:          string(record.Status),
		FailureReason:   record.FailureReason,
		TransactionHash: record.TransactionHash,
		CreatedAt:       record.CreatedAt,
		SettledAt:       record.SettledAt,
		Metadata:        record.Metadata,
	}
}

func fromMongoPayment(doc mongoPayment) PaymentRecord {
	return PaymentRecord{
		ID:              doc.ID,
		ServerID:        doc.ServerID,
		ToolName:        doc.ToolName,
		Resource:        doc.Resource,
		Signature:       doc.Signature,
		Payer:           doc.Payer,
		PayTo:           doc.PayTo,
		Asset:           doc.Asset,
		Network:         doc.Network,
		Amount:          doc.Amount,
		Status:          PaymentStatus(doc.Status),
		FailureReason:   doc.FailureReason,
		TransactionHash: doc.TransactionHash,
		CreatedAt:       doc.CreatedAt,
		SettledAt:       doc.SettledAt,
		Metadata:        doc.Metadata,
	}
}

// InsertPending claims a payment authorization. The unique signature index
// arbitrates concurrent claims.
func (s *MongoStore) InsertPending(ctx context.Context, record PaymentRecord) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	record.Status = PaymentStatusPending
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.payments.InsertOne(ctx, toMongoPayment(record))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateSignature
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment record by ID.
func (s *MongoStore) GetPayment(ctx context.Context, id string) (PaymentRecord, error) {
	return s.findPayment(ctx, bson.M{"_id": id})
}

// GetPaymentBySignature retrieves a payment record by its signature.
func (s *MongoStore) GetPaymentBySignature(ctx context.Context, signature string) (PaymentRecord, error) {
	return s.findPayment(ctx, bson.M{"signature": signature})
}

func (s *MongoStore) findPayment(ctx context.Context, filter bson.M) (PaymentRecord, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var doc mongoPayment
	err := s.payments.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return PaymentRecord{}, ErrNotFound
	}
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("query payment: %w", err)
	}
	return fromMongoPayment(doc), nil
}

// MarkCompleted transitions a pending record to completed.
func (s *MongoStore) MarkCompleted(ctx context.Context, id, transactionHash string, settledAt time.Time) error {
	update := bson.M{"$set": bson.M{
		"status":           string(PaymentStatusCompleted),
		"transaction_hash": transactionHash,
		"settled_at":       settledAt.UTC(),
	}}
	return s.transitionPending(ctx, id, update)
}

// MarkFailed transitions a pending record to failed.
func (s *MongoStore) MarkFailed(ctx context.Context, id, reason string) error {
	update := bson.M{"$set": bson.M{
		"status":         string(PaymentStatusFailed),
		"failure_reason": reason,
	}}
	return s.transitionPending(ctx, id, update)
}

// transitionPending applies an update only while the record is still pending.
func (s *MongoStore) transitionPending(ctx context.Context, id string, update bson.M) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{"_id": id, "status": string(PaymentStatusPending)}
	result, err := s.payments.UpdateOne(ctx, filter, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("update payment: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	count, err := s.payments.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("check payment exists: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrNotPending
}

// ExpirePending fails pending records created before the cutoff.
func (s *MongoStore) ExpirePending(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{
		"status":     string(PaymentStatusPending),
		"created_at": bson.M{"$lt": olderThan.UTC()},
	}
	update := bson.M{"$set": bson.M{
		"status":         string(PaymentStatusFailed),
		"failure_reason": FailureReasonExpired,
	}}

	result, err := s.payments.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("expire pending payments: %w", err)
	}
	return result.ModifiedCount, nil
}

// ListPaymentsByServer returns recent payments for a server, newest first.
func (s *MongoStore) ListPaymentsByServer(ctx context.Context, serverID string, limit int) ([]PaymentRecord, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := s.payments.Find(ctx, bson.M{"server_id": serverID}, opts)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer cursor.Close(ctx)

	var records []PaymentRecord
	for cursor.Next(ctx) {
		var doc mongoPayment
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
		records = append(records, fromMongoPayment(doc))
	}
	return records, cursor.Err()
}

// ArchiveOldPayments deletes finalized records older than the cutoff.
func (s *MongoStore) ArchiveOldPayments(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{
		"created_at": bson.M{"$lt": olderThan.UTC()},
		"status":     bson.M{"$ne": string(PaymentStatusPending)},
	}

	result, err := s.payments.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("archive old payments: %w", err)
	}
	return result.DeletedCount, nil
}

// mongoProof is the MongoDB document structure for settlement proofs.
type mongoProof struct {
	Signature   string    `bson:"_id"`
	PaymentID   string    `bson:"payment_id"`
	Transaction string    `bson:"transaction_hash"`
	Network     string    `bson:"network"`
	Payer       string    `bson:"payer"`
	Response    []byte    `bson:"response"`
	CreatedAt   time.Time `bson:"created_at"`
}

// RecordProof stores a settlement proof keyed by payment signature.
func (s *MongoStore) RecordProof(ctx context.Context, proof SettlementProof) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	if proof.CreatedAt.IsZero() {
		proof.CreatedAt = time.Now().UTC()
	}

	doc := mongoProof{
		Signature:   proof.Signature,
		PaymentID:   proof.PaymentID,
		Transaction: proof.Transaction,
		Network:     proof.Network,
		Payer:       proof.Payer,
		Response:    []byte(proof.Response),
		CreatedAt:   proof.CreatedAt,
	}

	_, err := s.proofs.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// Proof already recorded for this signature
			return nil
		}
		return fmt.Errorf("insert proof: %w", err)
	}
	return nil
}

// GetProofBySignature retrieves a settlement proof by payment signature.
func (s *MongoStore) GetProofBySignature(ctx context.Context, signature string) (SettlementProof, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var doc mongoProof
	err := s.proofs.FindOne(ctx, bson.M{"_id": signature}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return SettlementProof{}, ErrNotFound
	}
	if err != nil {
		return SettlementProof{}, fmt.Errorf("query proof: %w", err)
	}

	return SettlementProof{
		Signature:   doc.Signature,
		PaymentID:   doc.PaymentID,
		Transaction: doc.Transaction,
		Network:     doc.Network,
		Payer:       doc.Payer,
		Response:    doc.Response,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

// Close closes the database connection.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.client.Disconnect(ctx)
}
