package accounts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Sentinel errors for account lookups.
var (
	ErrKeyNotFound    = errors.New("accounts: api key not found")
	ErrWalletNotFound = errors.New("accounts: wallet not found")
)

// Identity is the authenticated caller attached to a request context after
// API-key validation.
type Identity struct {
	UserID      string
	KeyID       string
	Permissions []string
}

// HasPermission reports whether the identity carries the named permission.
// An empty permission list grants everything (legacy keys).
func (id Identity) HasPermission(perm string) bool {
	if len(id.Permissions) == 0 {
		return true
	}
	for _, p := range id.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// APIKey is a stored API key. Only the SHA-256 hash of the key material is
// persisted.
type APIKey struct {
	ID          string
	UserID      string
	KeyHash     string
	Name        string
	Permissions []string
	Active      bool
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// UserWallet is a wallet associated with a user. Managed wallets are held by
// the custodial provider and can sign payment authorizations server-side.
type UserWallet struct {
	ID              string
	UserID          string
	Address         string
	Network         string
	Architecture    string // "evm" or "evm-smart"
	Managed         bool
	Primary         bool
	ProviderAccount string // provider-side account name, set once provisioned
	CreatedAt       time.Time
}

// KeyStore looks up and maintains API keys.
type KeyStore interface {
	// LookupByHash returns the active key matching the SHA-256 hex hash.
	// Returns ErrKeyNotFound for unknown, inactive or revoked keys.
	LookupByHash(ctx context.Context, keyHash string) (APIKey, error)

	// TouchLastUsed records key usage. Best-effort; callers ignore errors.
	TouchLastUsed(ctx context.Context, keyID string) error
}

// WalletStore resolves user wallets for server-side signing.
type WalletStore interface {
	// PrimaryManagedWallet returns the user's managed wallet for the given
	// network and architecture, preferring the primary one. Returns
	// ErrWalletNotFound when the user has no matching managed wallet.
	PrimaryManagedWallet(ctx context.Context, userID, network, architecture string) (UserWallet, error)
}

// Store combines the account-related stores backed by one database.
type Store interface {
	KeyStore
	WalletStore
	Close() error
}

// HashKey returns the SHA-256 hex digest of raw API key material. Keys are
// always stored and looked up by this hash.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
