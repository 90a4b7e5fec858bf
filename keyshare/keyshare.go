// Package keyshare persists the local key material a participant holds for
// each vault. A share on disk is useless without its sibling shares on the
// other devices, but it is still sealed: stores write the mobile-compatible
// backup container, xz-compressed and encrypted with the vault passphrase.
package keyshare

import (
	"context"
	"errors"
	"fmt"
	"time"

	vaultType "github.com/vultisig/commondata/go/vultisig/vault/v1"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/vultisig/mpc-coordinator/common"
)

var (
	// ErrNotFound is returned when no share exists for the vault.
	ErrNotFound = errors.New("key share not found")
	// ErrStoreIO wraps persistence failures so callers can tell a broken
	// store apart from bad input.
	ErrStoreIO = errors.New("key share store io failure")
	// ErrPasswordDenied is returned when the passphrase is refused by the
	// user or fails to open the sealed share.
	ErrPasswordDenied = errors.New("passphrase denied")
)

// Share is one participant's key material for one vault, together with the
// metadata needed to take part in later ceremonies. Material is opaque to
// this package; only the engine that produced it can read it.
type Share struct {
	VaultID        string
	VaultName      string
	LocalPartyID   string
	PublicKeyECDSA string
	PublicKeyEdDSA string
	HexChainCode   string
	ResharePrefix  string
	Signers        []string
	CreatedAt      time.Time
	Material       []byte
}

// Store keeps sealed shares addressable by vault id. Put overwrites any
// existing share for the same vault; Delete is idempotent.
type Store interface {
	Put(ctx context.Context, share *Share, passphrase string) error
	Get(ctx context.Context, vaultID, passphrase string) (*Share, error)
	Exists(ctx context.Context, vaultID string) (bool, error)
	Delete(ctx context.Context, vaultID string) error
}

// PasswordProvider supplies the vault passphrase when a flow was started
// without one, typically by prompting the user. Implementations return an
// error wrapping ErrPasswordDenied when the user refuses.
type PasswordProvider interface {
	Passphrase(ctx context.Context, vaultID string) (string, error)
}

// Filename returns the store-level file name for a vault's share.
func Filename(vaultID string) string {
	return fmt.Sprintf("%s.vult", vaultID)
}

// seal packs a share into its at-rest form: vault proto inside the backup
// container, then xz.
func seal(share *Share, passphrase string) ([]byte, error) {
	if share == nil {
		return nil, fmt.Errorf("share is nil")
	}
	if share.VaultID == "" {
		return nil, fmt.Errorf("share has no vault id")
	}
	createdAt := share.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	vault := &vaultType.Vault{
		Name:           share.VaultName,
		PublicKeyEcdsa: share.PublicKeyECDSA,
		PublicKeyEddsa: share.PublicKeyEdDSA,
		Signers:        share.Signers,
		CreatedAt:      timestamppb.New(createdAt),
		HexChainCode:   share.HexChainCode,
		KeyShares: []*vaultType.Vault_KeyShare{
			{
				PublicKey: share.PublicKeyECDSA,
				Keyshare:  string(share.Material),
			},
		},
		LocalPartyId:  share.LocalPartyID,
		ResharePrefix: share.ResharePrefix,
	}
	backup, err := common.EncryptVaultToBackup(passphrase, vault)
	if err != nil {
		return nil, fmt.Errorf("fail to seal share: %w", err)
	}
	compressed, err := common.CompressData(backup)
	if err != nil {
		return nil, fmt.Errorf("fail to compress share: %w", err)
	}
	return compressed, nil
}

// open is the inverse of seal. A decryption failure maps to
// ErrPasswordDenied; anything structural is reported as-is.
func open(vaultID string, content []byte, passphrase string) (*Share, error) {
	backup, err := common.DecompressData(content)
	if err != nil {
		return nil, fmt.Errorf("fail to decompress share: %w", err)
	}
	vault, err := common.DecryptVaultFromBackup(passphrase, backup)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPasswordDenied, err)
	}
	share := &Share{
		VaultID:        vaultID,
		VaultName:      vault.Name,
		LocalPartyID:   vault.LocalPartyId,
		PublicKeyECDSA: vault.PublicKeyEcdsa,
		PublicKeyEdDSA: vault.PublicKeyEddsa,
		HexChainCode:   vault.HexChainCode,
		ResharePrefix:  vault.ResharePrefix,
		Signers:        vault.Signers,
	}
	if vault.CreatedAt != nil {
		share.CreatedAt = vault.CreatedAt.AsTime()
	}
	for _, ks := range vault.KeyShares {
		if ks.PublicKey == vault.PublicKeyEcdsa {
			share.Material = []byte(ks.Keyshare)
			break
		}
	}
	return share, nil
}
