package accounts

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory account store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	keys    map[string]APIKey // keyed by ID
	byHash  map[string]string // key hash -> key ID
	wallets []UserWallet
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]APIKey),
		byHash: make(map[string]string),
	}
}

// AddKey registers an API key. Zero CreatedAt is filled with now.
func (s *MemoryStore) AddKey(key APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	s.keys[key.ID] = key
	s.byHash[key.KeyHash] = key.ID
}

// AddWallet registers a user wallet.
func (s *MemoryStore) AddWallet(wallet UserWallet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wallet.CreatedAt.IsZero() {
		wallet.CreatedAt = time.Now().UTC()
	}
	s.wallets = append(s.wallets, wallet)
}

// LookupByHash returns the active key with the given hash.
func (s *MemoryStore) LookupByHash(ctx context.Context, keyHash string) (APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[keyHash]
	if !ok {
		return APIKey{}, ErrKeyNotFound
	}
	key := s.keys[id]
	if !key.Active {
		return APIKey{}, ErrKeyNotFound
	}
	return key, nil
}

// TouchLastUsed records key usage.
func (s *MemoryStore) TouchLastUsed(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	now := time.Now().UTC()
	key.LastUsedAt = &now
	s.keys[keyID] = key
	return nil
}

// PrimaryManagedWallet returns the user's managed wallet for the network and
// architecture, preferring the primary one.
func (s *MemoryStore) PrimaryManagedWallet(ctx context.Context, userID, network, architecture string) (UserWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *UserWallet
	for i := range s.wallets {
		w := s.wallets[i]
		if w.UserID != userID || w.Network != network || w.Architecture != architecture || !w.Managed {
			continue
		}
		if w.Primary {
			return w, nil
		}
		if found == nil {
			found = &w
		}
	}
	if found == nil {
		return UserWallet{}, ErrWalletNotFound
	}
	return *found, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
