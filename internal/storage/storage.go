package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ToolGate/gateway/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateSignature is returned when inserting a payment whose signature
// has already been claimed. The caller lost the race - the winning record
// should be refetched by signature.
var ErrDuplicateSignature = errors.New("storage: signature already used")

// ErrDuplicateTransaction is returned when a settlement transaction hash
// collides with one already recorded on another payment.
var ErrDuplicateTransaction = errors.New("storage: transaction already recorded")

// ErrNotPending is returned when a status transition requires the record to
// still be pending but it has already been finalized.
var ErrNotPending = errors.New("storage: payment not pending")

// Store captures the persistence requirements for gateway payment state.
//
// InsertPending is the replay guard: the payment signature is globally unique
// across all records, so exactly one concurrent request can claim an
// authorization. MarkCompleted and MarkFailed only transition records that are
// still pending, which makes settlement recording idempotent under races.
type Store interface {
	// Payment lifecycle
	InsertPending(ctx context.Context, record PaymentRecord) error
	GetPayment(ctx context.Context, id string) (PaymentRecord, error)
	GetPaymentBySignature(ctx context.Context, signature string) (PaymentRecord, error)
	MarkCompleted(ctx context.Context, id, transactionHash string, settledAt time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error

	// ExpirePending fails pending records created before the cutoff with
	// FailureReasonExpired. Returns the number of records transitioned.
	ExpirePending(ctx context.Context, olderThan time.Time) (int64, error)

	// ListPaymentsByServer returns recent payments for a server, newest first.
	ListPaymentsByServer(ctx context.Context, serverID string, limit int) ([]PaymentRecord, error)

	// ArchiveOldPayments deletes finalized records beyond the retention period
	// to prevent unbounded growth. Pending records are never archived.
	ArchiveOldPayments(ctx context.Context, olderThan time.Time) (int64, error)

	// Settlement proofs for later re-fetch via the validation surface
	RecordProof(ctx context.Context, proof SettlementProof) error
	GetProofBySignature(ctx context.Context, signature string) (SettlementProof, error)

	// Webhook queue operations for persistent webhook delivery
	EnqueueWebhook(ctx context.Context, webhook PendingWebhook) (string, error)
	DequeueWebhooks(ctx context.Context, limit int) ([]PendingWebhook, error)
	MarkWebhookProcessing(ctx context.Context, webhookID string) error
	MarkWebhookSuccess(ctx context.Context, webhookID string) error
	MarkWebhookFailed(ctx context.Context, webhookID string, errorMsg string, nextAttemptAt time.Time) error
	GetWebhook(ctx context.Context, webhookID string) (PendingWebhook, error)
	ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]PendingWebhook, error)
	RetryWebhook(ctx context.Context, webhookID string) error
	DeleteWebhook(ctx context.Context, webhookID string) error

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	QueryTimeout    time.Duration

	// Schema mapping (table names for Postgres, collection names for MongoDB)
	PaymentsTableName     string // Default: "payments"
	ProofsTableName       string // Default: "settlement_proofs"
	WebhookQueueTableName string // Default: "webhook_queue"
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is provided (non-nil) for postgres backends, it will be used
// instead of creating a new connection pool.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Memory backend loses replay protection on restart - dev/test only
		return NewMemoryStore(), nil
	case "", "postgres":
		if cfg.Backend == "" {
			// Auto-detect backend from provided configuration
			if cfg.PostgresURL == "" && cfg.MongoDBURL != "" {
				return newMongoFromConfig(cfg)
			}
			if cfg.PostgresURL == "" {
				return NewMemoryStore(), nil
			}
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var store *PostgresStore
		var err error
		if sharedDB != nil {
			store, err = NewPostgresStoreWithDB(sharedDB)
		} else {
			store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
		}
		if err != nil {
			return nil, err
		}
		store.queryTimeout = cfg.QueryTimeout
		return store.WithTableNames(cfg.PaymentsTableName, cfg.ProofsTableName, cfg.WebhookQueueTableName), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		return newMongoFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func newMongoFromConfig(cfg StoreConfig) (Store, error) {
	database := cfg.MongoDBDatabase
	if database == "" {
		database = "gateway"
	}
	store, err := NewMongoStore(cfg.MongoDBURL, database)
	if err != nil {
		return nil, err
	}
	store.queryTimeout = cfg.QueryTimeout
	return store.WithCollectionNames(cfg.PaymentsTableName, cfg.ProofsTableName, cfg.WebhookQueueTableName), nil
}

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	payments     map[string]PaymentRecord  // paymentID -> record
	bySignature  map[string]string         // signature -> paymentID (replay guard index)
	proofs       map[string]SettlementProof // signature -> proof
	webhookQueue map[string]PendingWebhook // webhookID -> webhook
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:     make(map[string]PaymentRecord),
		bySignature:  make(map[string]string),
		proofs:       make(map[string]SettlementProof),
		webhookQueue: make(map[string]PendingWebhook),
	}
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}

// InsertPending claims a payment authorization. The signature index is the
// replay guard - a second insert with the same signature fails regardless of
// which server or tool it targets.
func (m *MemoryStore) InsertPending(_ context.Context, record PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySignature[record.Signature]; exists {
		return ErrDuplicateSignature
	}

	record.Status = PaymentStatusPending
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	m.payments[record.ID] = record
	m.bySignature[record.Signature] = record.ID
	return nil
}

// GetPayment retrieves a payment record by ID.
func (m *MemoryStore) GetPayment(_ context.Context, id string) (PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.payments[id]
	if !ok {
		return PaymentRecord{}, ErrNotFound
	}
	return record, nil
}

// GetPaymentBySignature retrieves a payment record by its signature.
func (m *MemoryStore) GetPaymentBySignature(_ context.Context, signature string) (PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySignature[signature]
	if !ok {
		return PaymentRecord{}, ErrNotFound
	}
	record, ok := m.payments[id]
	if !ok {
		return PaymentRecord{}, ErrNotFound
	}
	return record, nil
}

// MarkCompleted transitions a pending record to completed.
func (m *MemoryStore) MarkCompleted(_ context.Context, id, transactionHash string, settledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if record.Status != PaymentStatusPending {
		return ErrNotPending
	}
	for _, other := range m.payments {
		if other.ID != id && other.TransactionHash != "" && other.TransactionHash == transactionHash {
			return ErrDuplicateTransaction
		}
	}

	record.Status = PaymentStatusCompleted
	record.TransactionHash = transactionHash
	record.SettledAt = ptrTime(settledAt.UTC())
	m.payments[id] = record
	return nil
}

// MarkFailed transitions a pending record to failed.
func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if record.Status != PaymentStatusPending {
		return ErrNotPending
	}

	record.Status = PaymentStatusFailed
	record.FailureReason = reason
	m.payments[id] = record
	return nil
}

// ExpirePending fails pending records created before the cutoff.
func (m *MemoryStore) ExpirePending(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := int64(0)
	for id, record := range m.payments {
		if record.Status == PaymentStatusPending && record.CreatedAt.Before(olderThan) {
			record.Status = PaymentStatusFailed
			record.FailureReason = FailureReasonExpired
			m.payments[id] = record
			count++
		}
	}
	return count, nil
}

// ListPaymentsByServer returns recent payments for a server, newest first.
func (m *MemoryStore) ListPaymentsByServer(_ context.Context, serverID string, limit int) ([]PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []PaymentRecord
	for _, record := range m.payments {
		if record.ServerID == serverID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ArchiveOldPayments deletes finalized records older than the cutoff.
func (m *MemoryStore) ArchiveOldPayments(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := int64(0)
	for id, record := range m.payments {
		if record.IsFinal() && record.CreatedAt.Before(olderThan) {
			delete(m.payments, id)
			delete(m.bySignature, record.Signature)
			delete(m.proofs, record.Signature)
			count++
		}
	}
	return count, nil
}

// RecordProof stores a settlement proof keyed by payment signature.
func (m *MemoryStore) RecordProof(_ context.Context, proof SettlementProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if proof.CreatedAt.IsZero() {
		proof.CreatedAt = time.Now().UTC()
	}
	m.proofs[proof.Signature] = proof
	return nil
}

// GetProofBySignature retrieves a settlement proof by payment signature.
func (m *MemoryStore) GetProofBySignature(_ context.Context, signature string) (SettlementProof, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	proof, ok := m.proofs[signature]
	if !ok {
		return SettlementProof{}, ErrNotFound
	}
	return proof, nil
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
