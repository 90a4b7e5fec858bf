// Package registry tracks the vaults a party holds a share for, and
// serializes ceremonies: at most one keygen or signing session may be active
// per vault at any time, enforced through a lease keyed by vault id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// VaultKind distinguishes how a vault's shares are held.
type VaultKind string

const (
	// KindFast vaults keep one share on a server party so a single device
	// can sign without a second human.
	KindFast VaultKind = "fast"
	// KindSecure vaults spread every share across user devices.
	KindSecure VaultKind = "secure"
)

var (
	// ErrNotFound is returned when a vault id is unknown.
	ErrNotFound = errors.New("vault not found")
	// ErrCeremonyAlreadyActive is returned when a second ceremony is
	// attempted while a session holds the vault's lease.
	ErrCeremonyAlreadyActive = errors.New("ceremony already active for vault")
)

// Vault is the durable record of one threshold key: which parties hold
// shares, what the committee sizing is, and the public material produced by
// keygen. The private material lives in the key share store, never here.
type Vault struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Kind           VaultKind `json:"kind"`
	Threshold      int       `json:"threshold"`
	Participants   int       `json:"participants"`
	LocalPartyID   string    `json:"local_party_id"`
	PublicKeyECDSA string    `json:"public_key_ecdsa"`
	PublicKeyEdDSA string    `json:"public_key_eddsa"`
	HexChainCode   string    `json:"hex_chain_code"`
	Signers        []string  `json:"signers"`
	CreatedAt      time.Time `json:"created_at"`
}

func (v *Vault) IsValid() error {
	if v == nil {
		return fmt.Errorf("vault is nil")
	}
	if v.ID == "" {
		return fmt.Errorf("vault id is required")
	}
	if v.Name == "" {
		return fmt.Errorf("vault name is required")
	}
	if v.Kind != KindFast && v.Kind != KindSecure {
		return fmt.Errorf("invalid vault kind: %s", v.Kind)
	}
	if v.Threshold < 1 || v.Threshold > v.Participants {
		return fmt.Errorf("invalid committee sizing: %d of %d", v.Threshold, v.Participants)
	}
	if v.LocalPartyID == "" {
		return fmt.Errorf("local party id is required")
	}
	return nil
}

// Registry stores vaults and hands out per-vault ceremony leases.
//
// AcquireCeremony succeeds before the vault row exists, so keygen can hold
// the lease for a vault it is about to create. Acquiring again with the same
// session id is a no-op; any other session gets ErrCeremonyAlreadyActive.
// ReleaseCeremony releases only when the session id matches the holder and
// is otherwise a no-op, so a late release from an aborted ceremony cannot
// kill the lease of its successor.
type Registry interface {
	Register(ctx context.Context, vault *Vault) error
	Find(ctx context.Context, vaultID string) (*Vault, error)
	List(ctx context.Context) ([]*Vault, error)
	Remove(ctx context.Context, vaultID string) error

	AcquireCeremony(ctx context.Context, vaultID, sessionID string) error
	ReleaseCeremony(ctx context.Context, vaultID, sessionID string) error
	// ActiveCeremony returns the session id holding the vault's lease, or
	// "" when the vault is idle.
	ActiveCeremony(ctx context.Context, vaultID string) (string, error)
}
