package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ToolGate/gateway/internal/config"
	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db                    *sql.DB
	ownsDB                bool          // Track if we created the DB connection (for Close())
	queryTimeout          time.Duration // Per-query deadline when caller has none
	paymentsTableName     string        // Configurable table name (default: "payments")
	proofsTableName       string        // Configurable table name (default: "settlement_proofs")
	webhookQueueTableName string        // Configurable table name (default: "webhook_queue")
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() error during initialization cleanup is not actionable and
		// would only obscure the original connection failure.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{
		db:                    db,
		ownsDB:                true,
		paymentsTableName:     "payments",
		proofsTableName:       "settlement_proofs",
		webhookQueueTableName: "webhook_queue",
	}

	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing
// connection pool, allowing a single pool to be shared across repositories.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{
		db:                    db,
		ownsDB:                false,
		paymentsTableName:     "payments",
		proofsTableName:       "settlement_proofs",
		webhookQueueTableName: "webhook_queue",
	}

	if err := store.createTables(); err != nil {
		return nil, err
	}

	return store, nil
}

// WithTableNames sets custom table names (for schema_mapping support).
func (s *PostgresStore) WithTableNames(payments, proofs, webhookQueue string) *PostgresStore {
	if payments != "" {
		s.paymentsTableName = payments
	}
	if proofs != "" {
		s.proofsTableName = proofs
	}
	if webhookQueue != "" {
		s.webhookQueueTableName = webhookQueue
	}

	// CREATE TABLE IF NOT EXISTS only creates missing tables
	_ = s.createTables()

	return s
}

// createTables creates the necessary tables if they don't exist.
// Amounts are NUMERIC(38,0) base units. The unique signature constraint is the
// gateway-side replay guard; the partial unique index on transaction_hash
// catches facilitator-side settlement anomalies.
func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			resource TEXT NOT NULL,
			signature TEXT NOT NULL UNIQUE,
			payer TEXT NOT NULL,
			pay_to TEXT NOT NULL,
			asset TEXT NOT NULL,
			network TEXT NOT NULL,
			amount NUMERIC(38,0) NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			transaction_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			settled_at TIMESTAMP,
			metadata JSONB
		);

		CREATE TABLE IF NOT EXISTS %[2]s (
			signature TEXT PRIMARY KEY,
			payment_id TEXT NOT NULL,
			transaction_hash TEXT NOT NULL,
			network TEXT NOT NULL,
			payer TEXT NOT NULL,
			response JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			payload JSONB NOT NULL,
			headers JSONB,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT,
			last_attempt_at TIMESTAMP,
			next_attempt_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_transaction_hash ON %[1]s(transaction_hash) WHERE transaction_hash != '';
		CREATE INDEX IF NOT EXISTS idx_%[1]s_server_created ON %[1]s(server_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_pending ON %[1]s(created_at) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_%[1]s_payer ON %[1]s(payer);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_payment ON %[2]s(payment_id);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_pending ON %[3]s(status, next_attempt_at) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_%[3]s_status ON %[3]s(status);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_created ON %[3]s(created_at DESC);
	`,
		s.paymentsTableName,
		s.proofsTableName,
		s.webhookQueueTableName,
	)

	_, err := s.db.Exec(schema)
	return err
}

// InsertPending claims a payment authorization. The unique signature
// constraint makes this the single point of replay arbitration: exactly one
// concurrent request succeeds, the rest get ErrDuplicateSignature.
func (s *PostgresStore) InsertPending(ctx context.Context, record PaymentRecord) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	metadataJSON, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, server_id, tool_name, resource, signature, payer, pay_to, asset, network, amount, status, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.paymentsTableName)

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.ServerID,
		record.ToolName,
		record.Resource,
		record.Signature,
		record.Payer,
		record.PayTo,
		record.Asset,
		record.Network,
		record.Amount,
		PaymentStatusPending,
		record.CreatedAt.UTC(),
		metadataJSON,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

// GetPayment retrieves a payment record by ID.
func (s *PostgresStore) GetPayment(ctx context.Context, id string) (PaymentRecord, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(paymentSelectColumns+` FROM %s WHERE id = $1`, s.paymentsTableName)
	return s.scanPayment(s.db.QueryRowContext(ctx, query, id))
}

// GetPaymentBySignature retrieves a payment record by its signature.
func (s *PostgresStore) GetPaymentBySignature(ctx context.Context, signature string) (PaymentRecord, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(paymentSelectColumns+` FROM %s WHERE signature = $1`, s.paymentsTableName)
	return s.scanPayment(s.db.QueryRowContext(ctx, query, signature))
}

// MarkCompleted transitions a pending record to completed. The conditional
// WHERE status = 'pending' makes concurrent finalization attempts safe.
func (s *PostgresStore) MarkCompleted(ctx context.Context, id, transactionHash string, settledAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, transaction_hash = $3, settled_at = $4
		WHERE id = $1 AND status = $5
	`, s.paymentsTableName)

	result, err := s.db.ExecContext(ctx, query, id, PaymentStatusCompleted, transactionHash, settledAt.UTC(), PaymentStatusPending)
	if err != nil {
		return mapUniqueViolation(err)
	}
	return s.checkTransition(ctx, result, id)
}

// MarkFailed transitions a pending record to failed.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, failure_reason = $3
		WHERE id = $1 AND status = $4
	`, s.paymentsTableName)

	result, err := s.db.ExecContext(ctx, query, id, PaymentStatusFailed, reason, PaymentStatusPending)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, result, id)
}

// checkTransition distinguishes missing records from already-finalized ones
// after a conditional status update touched zero rows.
func (s *PostgresStore) checkTransition(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, s.paymentsTableName)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("check payment exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotPending
}

// ExpirePending fails pending records created before the cutoff.
func (s *PostgresStore) ExpirePending(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, failure_reason = $2
		WHERE status = $3 AND created_at < $4
	`, s.paymentsTableName)

	result, err := s.db.ExecContext(ctx, query, PaymentStatusFailed, FailureReasonExpired, PaymentStatusPending, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire pending payments: %w", err)
	}
	return result.RowsAffected()
}

// ListPaymentsByServer returns recent payments for a server, newest first.
func (s *PostgresStore) ListPaymentsByServer(ctx context.Context, serverID string, limit int) ([]PaymentRecord, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(paymentSelectColumns+`
		FROM %s
		WHERE server_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, s.paymentsTableName)

	rows, err := s.db.QueryContext(ctx, query, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var records []PaymentRecord
	for rows.Next() {
		record, err := s.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ArchiveOldPayments deletes finalized records older than the cutoff.
func (s *PostgresStore) ArchiveOldPayments(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1 AND status != $2`, s.paymentsTableName)

	result, err := s.db.ExecContext(ctx, query, olderThan.UTC(), PaymentStatusPending)
	if err != nil {
		return 0, fmt.Errorf("archive old payments: %w", err)
	}
	return result.RowsAffected()
}

// RecordProof stores a settlement proof keyed by payment signature.
func (s *PostgresStore) RecordProof(ctx context.Context, proof SettlementProof) error {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	if proof.CreatedAt.IsZero() {
		proof.CreatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (signature, payment_id, transaction_hash, network, payer, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (signature) DO NOTHING
	`, s.proofsTableName)

	_, err := s.db.ExecContext(ctx, query,
		proof.Signature,
		proof.PaymentID,
		proof.Transaction,
		proof.Network,
		proof.Payer,
		[]byte(proof.Response),
		proof.CreatedAt.UTC(),
	)
	return err
}

// GetProofBySignature retrieves a settlement proof by payment signature.
func (s *PostgresStore) GetProofBySignature(ctx context.Context, signature string) (SettlementProof, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT signature, payment_id, transaction_hash, network, payer, response, created_at
		FROM %s
		WHERE signature = $1
	`, s.proofsTableName)

	var proof SettlementProof
	var response []byte
	err := s.db.QueryRowContext(ctx, query, signature).Scan(
		&proof.Signature,
		&proof.PaymentID,
		&proof.Transaction,
		&proof.Network,
		&proof.Payer,
		&response,
		&proof.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return SettlementProof{}, ErrNotFound
	}
	if err != nil {
		return SettlementProof{}, fmt.Errorf("query proof: %w", err)
	}
	proof.Response = response
	return proof, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

const paymentSelectColumns = `
	SELECT id, server_id, tool_name, resource, signature, payer, pay_to, asset, network, amount, status, failure_reason, transaction_hash, created_at, settled_at, metadata`

// scanPayment scans a payment row from SQL.
func (s *PostgresStore) scanPayment(row scanner) (PaymentRecord, error) {
	var record PaymentRecord
	var status string
	var settledAt sql.NullTime
	var metadataJSON []byte

	err := row.Scan(
		&record.ID,
		&record.ServerID,
		&record.ToolName,
		&record.Resource,
		&record.Signature,
		&record.Payer,
		&record.PayTo,
		&record.Asset,
		&record.Network,
		&record.Amount,
		&status,
		&record.FailureReason,
		&record.TransactionHash,
		&record.CreatedAt,
		&settledAt,
		&metadataJSON,
	)
	if err == sql.ErrNoRows {
		return PaymentRecord{}, ErrNotFound
	}
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("scan payment: %w", err)
	}

	record.Status = PaymentStatus(status)
	if settledAt.Valid {
		record.SettledAt = &settledAt.Time
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &record.Metadata); err != nil {
			return PaymentRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return record, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

// mapUniqueViolation converts Postgres unique violations into typed sentinels.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch {
		case strings.Contains(pqErr.Constraint, "signature"):
			return ErrDuplicateSignature
		case strings.Contains(pqErr.Constraint, "transaction"):
			return ErrDuplicateTransaction
		}
	}
	return err
}

// nullTime converts a time.Time to sql.NullTime, handling zero values.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// nullTimePtr converts a *time.Time to sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
