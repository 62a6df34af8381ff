package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// defaultQueryTimeout bounds account queries when the caller context has no
// deadline.
const defaultQueryTimeout = 5 * time.Second

// PostgresStore backs the account stores with PostgreSQL.
type PostgresStore struct {
	db           *sql.DB
	ownsDB       bool
	queryTimeout time.Duration

	usersTableName   string
	keysTableName    string
	walletsTableName string
}

// NewPostgresStore connects to PostgreSQL and ensures the account tables
// exist.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := newPostgresStore(db)
	store.ownsDB = true
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates an account store on a shared connection
// pool. The caller keeps ownership of the pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := newPostgresStore(db)
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:               db,
		queryTimeout:     defaultQueryTimeout,
		usersTableName:   "users",
		keysTableName:    "api_keys",
		walletsTableName: "user_wallets",
	}
}

// WithQueryTimeout overrides the per-query timeout.
func (s *PostgresStore) WithQueryTimeout(timeout time.Duration) *PostgresStore {
	if timeout > 0 {
		s.queryTimeout = timeout
	}
	return s
}

func (s *PostgresStore) createTables() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS %[2]s (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		permissions TEXT[] NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_%[2]s_user_id ON %[2]s(user_id);

	CREATE TABLE IF NOT EXISTS %[3]s (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		address TEXT NOT NULL,
		network TEXT NOT NULL,
		architecture TEXT NOT NULL DEFAULT 'evm',
		managed BOOLEAN NOT NULL DEFAULT FALSE,
		is_primary BOOLEAN NOT NULL DEFAULT FALSE,
		provider_account TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_%[3]s_user_network ON %[3]s(user_id, network);
	`, s.usersTableName, s.keysTableName, s.walletsTableName)

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create account tables: %w", err)
	}
	return nil
}

// LookupByHash returns the active key matching the hash.
func (s *PostgresStore) LookupByHash(ctx context.Context, keyHash string) (APIKey, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, key_hash, name, permissions, active, created_at, last_used_at
		FROM %s
		WHERE key_hash = $1 AND active = TRUE`, s.keysTableName)

	var (
		key         APIKey
		permissions pq.StringArray
		lastUsedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID, &key.UserID, &key.KeyHash, &key.Name,
		&permissions, &key.Active, &key.CreatedAt, &lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrKeyNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("query api key: %w", err)
	}

	key.Permissions = permissions
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}
	return key, nil
}

// TouchLastUsed records key usage.
func (s *PostgresStore) TouchLastUsed(ctx context.Context, keyID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET last_used_at = NOW() WHERE id = $1`, s.keysTableName)
	result, err := s.db.ExecContext(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// PrimaryManagedWallet returns the user's managed wallet for the network and
// architecture, preferring the primary one, then the oldest.
func (s *PostgresStore) PrimaryManagedWallet(ctx context.Context, userID, network, architecture string) (UserWallet, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, address, network, architecture, managed, is_primary, provider_account, created_at
		FROM %s
		WHERE user_id = $1 AND network = $2 AND architecture = $3 AND managed = TRUE
		ORDER BY is_primary DESC, created_at ASC
		LIMIT 1`, s.walletsTableName)

	var wallet UserWallet
	err := s.db.QueryRowContext(ctx, query, userID, network, architecture).Scan(
		&wallet.ID, &wallet.UserID, &wallet.Address, &wallet.Network,
		&wallet.Architecture, &wallet.Managed, &wallet.Primary,
		&wallet.ProviderAccount, &wallet.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return UserWallet{}, ErrWalletNotFound
	}
	if err != nil {
		return UserWallet{}, fmt.Errorf("query wallet: %w", err)
	}
	return wallet, nil
}

// Close closes the underlying pool when this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}
