package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	vaultKeyPrefix = "vault-"
	leaseKeyPrefix = "lease-"
)

// LevelDBRegistry is the device-side Registry: one local database per
// party, no external services. Leases are serialized through a process-wide
// mutex on top of the database so two goroutines of the same device cannot
// race each other into a double ceremony.
type LevelDBRegistry struct {
	db      *leveldb.DB
	leaseMu sync.Mutex
}

var _ Registry = (*LevelDBRegistry)(nil)

func NewLevelDBRegistry(path string) (*LevelDBRegistry, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to open registry database %s: %w", path, err)
	}
	return &LevelDBRegistry{db: db}, nil
}

func (r *LevelDBRegistry) Close() error {
	return r.db.Close()
}

func vaultKey(vaultID string) []byte { return []byte(vaultKeyPrefix + vaultID) }
func leaseKey(vaultID string) []byte { return []byte(leaseKeyPrefix + vaultID) }

func (r *LevelDBRegistry) Register(ctx context.Context, vault *Vault) error {
	if err := vault.IsValid(); err != nil {
		return fmt.Errorf("fail to register vault: %w", err)
	}
	raw, err := json.Marshal(vault)
	if err != nil {
		return fmt.Errorf("fail to marshal vault: %w", err)
	}
	if err := r.db.Put(vaultKey(vault.ID), raw, nil); err != nil {
		return fmt.Errorf("fail to put vault: %w", err)
	}
	return nil
}

func (r *LevelDBRegistry) Find(ctx context.Context, vaultID string) (*Vault, error) {
	raw, err := r.db.Get(vaultKey(vaultID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, vaultID)
	}
	if err != nil {
		return nil, fmt.Errorf("fail to get vault: %w", err)
	}
	var vault Vault
	if err := json.Unmarshal(raw, &vault); err != nil {
		return nil, fmt.Errorf("fail to unmarshal vault: %w", err)
	}
	return &vault, nil
}

func (r *LevelDBRegistry) List(ctx context.Context) ([]*Vault, error) {
	var vaults []*Vault
	iter := r.db.NewIterator(util.BytesPrefix([]byte(vaultKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var vault Vault
		if err := json.Unmarshal(iter.Value(), &vault); err != nil {
			return nil, fmt.Errorf("fail to unmarshal vault %s: %w", iter.Key(), err)
		}
		vaults = append(vaults, &vault)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("fail to iterate vaults: %w", err)
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].Name < vaults[j].Name })
	return vaults, nil
}

func (r *LevelDBRegistry) Remove(ctx context.Context, vaultID string) error {
	if err := r.db.Delete(vaultKey(vaultID), nil); err != nil {
		return fmt.Errorf("fail to delete vault: %w", err)
	}
	return nil
}

func (r *LevelDBRegistry) AcquireCeremony(ctx context.Context, vaultID, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()

	holder, err := r.db.Get(leaseKey(vaultID), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return fmt.Errorf("fail to read ceremony lease: %w", err)
	case string(holder) != sessionID:
		return fmt.Errorf("%w: held by session %s", ErrCeremonyAlreadyActive, holder)
	default:
		return nil
	}
	if err := r.db.Put(leaseKey(vaultID), []byte(sessionID), nil); err != nil {
		return fmt.Errorf("fail to write ceremony lease: %w", err)
	}
	return nil
}

func (r *LevelDBRegistry) ReleaseCeremony(ctx context.Context, vaultID, sessionID string) error {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()

	holder, err := r.db.Get(leaseKey(vaultID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail to read ceremony lease: %w", err)
	}
	if string(holder) != sessionID {
		return nil
	}
	if err := r.db.Delete(leaseKey(vaultID), nil); err != nil {
		return fmt.Errorf("fail to release ceremony lease: %w", err)
	}
	return nil
}

func (r *LevelDBRegistry) ActiveCeremony(ctx context.Context, vaultID string) (string, error) {
	holder, err := r.db.Get(leaseKey(vaultID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fail to read ceremony lease: %w", err)
	}
	return string(holder), nil
}
