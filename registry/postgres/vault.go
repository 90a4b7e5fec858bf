package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vultisig/mpc-coordinator/registry"
)

var _ registry.Registry = (*Backend)(nil)

func (b *Backend) Register(ctx context.Context, vault *registry.Vault) error {
	if err := vault.IsValid(); err != nil {
		return fmt.Errorf("fail to register vault: %w", err)
	}
	query := `INSERT INTO vaults (
		id, name, kind, threshold, participants, local_party_id,
		public_key_ecdsa, public_key_eddsa, hex_chain_code, signers, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		kind = EXCLUDED.kind,
		threshold = EXCLUDED.threshold,
		participants = EXCLUDED.participants,
		local_party_id = EXCLUDED.local_party_id,
		public_key_ecdsa = EXCLUDED.public_key_ecdsa,
		public_key_eddsa = EXCLUDED.public_key_eddsa,
		hex_chain_code = EXCLUDED.hex_chain_code,
		signers = EXCLUDED.signers`
	_, err := b.pool.Exec(ctx, query,
		vault.ID, vault.Name, string(vault.Kind), vault.Threshold, vault.Participants,
		vault.LocalPartyID, vault.PublicKeyECDSA, vault.PublicKeyEdDSA,
		vault.HexChainCode, vault.Signers, vault.CreatedAt)
	if err != nil {
		return fmt.Errorf("fail to register vault: %w", err)
	}
	return nil
}

func (b *Backend) Find(ctx context.Context, vaultID string) (*registry.Vault, error) {
	query := `SELECT id, name, kind, threshold, participants, local_party_id,
		public_key_ecdsa, public_key_eddsa, hex_chain_code, signers, created_at
		FROM vaults WHERE id = $1`
	var vault registry.Vault
	err := b.pool.QueryRow(ctx, query, vaultID).Scan(
		&vault.ID, &vault.Name, &vault.Kind, &vault.Threshold, &vault.Participants,
		&vault.LocalPartyID, &vault.PublicKeyECDSA, &vault.PublicKeyEdDSA,
		&vault.HexChainCode, &vault.Signers, &vault.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, vaultID)
	}
	if err != nil {
		return nil, fmt.Errorf("fail to find vault: %w", err)
	}
	return &vault, nil
}

func (b *Backend) List(ctx context.Context) ([]*registry.Vault, error) {
	query := `SELECT id, name, kind, threshold, participants, local_party_id,
		public_key_ecdsa, public_key_eddsa, hex_chain_code, signers, created_at
		FROM vaults ORDER BY name`
	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fail to list vaults: %w", err)
	}
	defer rows.Close()

	var vaults []*registry.Vault
	for rows.Next() {
		var vault registry.Vault
		if err := rows.Scan(
			&vault.ID, &vault.Name, &vault.Kind, &vault.Threshold, &vault.Participants,
			&vault.LocalPartyID, &vault.PublicKeyECDSA, &vault.PublicKeyEdDSA,
			&vault.HexChainCode, &vault.Signers, &vault.CreatedAt); err != nil {
			return nil, fmt.Errorf("fail to scan vault: %w", err)
		}
		vaults = append(vaults, &vault)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fail to list vaults: %w", err)
	}
	return vaults, nil
}

func (b *Backend) Remove(ctx context.Context, vaultID string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM vaults WHERE id = $1`, vaultID); err != nil {
		return fmt.Errorf("fail to remove vault: %w", err)
	}
	return nil
}

func (b *Backend) AcquireCeremony(ctx context.Context, vaultID, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	// the primary key makes the insert race-free across replicas
	tag, err := b.pool.Exec(ctx,
		`INSERT INTO ceremony_leases (vault_id, session_id) VALUES ($1, $2)
		 ON CONFLICT (vault_id) DO NOTHING`, vaultID, sessionID)
	if err != nil {
		return fmt.Errorf("fail to acquire ceremony lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var holder string
	err = b.pool.QueryRow(ctx,
		`SELECT session_id FROM ceremony_leases WHERE vault_id = $1`, vaultID).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		// holder released between insert and select; try once more
		return b.AcquireCeremony(ctx, vaultID, sessionID)
	}
	if err != nil {
		return fmt.Errorf("fail to read ceremony lease: %w", err)
	}
	if holder == sessionID {
		return nil
	}
	return fmt.Errorf("%w: held by session %s", registry.ErrCeremonyAlreadyActive, holder)
}

func (b *Backend) ReleaseCeremony(ctx context.Context, vaultID, sessionID string) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM ceremony_leases WHERE vault_id = $1 AND session_id = $2`,
		vaultID, sessionID)
	if err != nil {
		return fmt.Errorf("fail to release ceremony lease: %w", err)
	}
	return nil
}

func (b *Backend) ActiveCeremony(ctx context.Context, vaultID string) (string, error) {
	var holder string
	err := b.pool.QueryRow(ctx,
		`SELECT session_id FROM ceremony_leases WHERE vault_id = $1`, vaultID).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fail to read ceremony lease: %w", err)
	}
	return holder, nil
}
