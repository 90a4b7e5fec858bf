package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRegistry is a Registry for tests and single-run tools.
type MemoryRegistry struct {
	mu     sync.Mutex
	vaults map[string]Vault
	leases map[string]string // vault id -> holding session id
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		vaults: make(map[string]Vault),
		leases: make(map[string]string),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, vault *Vault) error {
	if err := vault.IsValid(); err != nil {
		return fmt.Errorf("fail to register vault: %w", err)
	}
	r.mu.Lock()
	r.vaults[vault.ID] = *vault
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Find(ctx context.Context, vaultID string) (*Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vault, ok := r.vaults[vaultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, vaultID)
	}
	found := vault
	return &found, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vaults := make([]*Vault, 0, len(r.vaults))
	for id := range r.vaults {
		vault := r.vaults[id]
		vaults = append(vaults, &vault)
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].Name < vaults[j].Name })
	return vaults, nil
}

func (r *MemoryRegistry) Remove(ctx context.Context, vaultID string) error {
	r.mu.Lock()
	delete(r.vaults, vaultID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) AcquireCeremony(ctx context.Context, vaultID, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.leases[vaultID]; ok && holder != sessionID {
		return fmt.Errorf("%w: held by session %s", ErrCeremonyAlreadyActive, holder)
	}
	r.leases[vaultID] = sessionID
	return nil
}

func (r *MemoryRegistry) ReleaseCeremony(ctx context.Context, vaultID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.leases[vaultID]; ok && holder == sessionID {
		delete(r.leases, vaultID)
	}
	return nil
}

func (r *MemoryRegistry) ActiveCeremony(ctx context.Context, vaultID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leases[vaultID], nil
}
