package keyshare

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store. Shares are still sealed and reopened on
// every access so the encryption path behaves exactly like the durable
// stores.
type MemStore struct {
	mu     sync.RWMutex
	shares map[string][]byte
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{shares: make(map[string][]byte)}
}

func (s *MemStore) Put(ctx context.Context, share *Share, passphrase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content, err := seal(share, passphrase)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.shares[share.VaultID] = content
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Get(ctx context.Context, vaultID, passphrase string) (*Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	content, ok := s.shares[vaultID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vault %s", ErrNotFound, vaultID)
	}
	return open(vaultID, content, passphrase)
}

func (s *MemStore) Exists(ctx context.Context, vaultID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.shares[vaultID]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemStore) Delete(ctx context.Context, vaultID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.shares, vaultID)
	s.mu.Unlock()
	return nil
}
