package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/ceremony"
	"github.com/vultisig/mpc-coordinator/common"
	"github.com/vultisig/mpc-coordinator/descriptor"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/mpc"
	"github.com/vultisig/mpc-coordinator/registry"
)

// CreateVaultParams describes the vault a keygen ceremony should produce.
// SessionID, HexEncryptionKey and HexChainCode are drawn fresh when empty;
// the fast-vault flow sets them so the server party can announce the same
// session it told the client about.
type CreateVaultParams struct {
	Name         string
	Kind         registry.VaultKind
	Threshold    int
	Participants int
	Passphrase   string

	SessionID        string
	HexEncryptionKey string
	HexChainCode     string
}

func (p *CreateVaultParams) validate() error {
	if p.Name == "" {
		return fmt.Errorf("vault name is required")
	}
	if p.Kind == "" {
		p.Kind = registry.KindSecure
	}
	if p.Kind != registry.KindFast && p.Kind != registry.KindSecure {
		return fmt.Errorf("invalid vault kind: %s", p.Kind)
	}
	if p.Participants < 2 {
		return fmt.Errorf("keygen requires at least 2 participants, got %d", p.Participants)
	}
	if p.Threshold < 2 || p.Threshold > p.Participants {
		return fmt.Errorf("invalid committee sizing: %d of %d", p.Threshold, p.Participants)
	}
	return nil
}

// CreateVault runs the initiating side of a keygen ceremony: announce the
// session, wait for the full party set, drive the rounds, then persist the
// sealed share and register the vault. The ceremony lease is held under the
// prospective vault id for the whole ceremony; an abort leaves no vault row
// and no share behind.
func (c *Coordinator) CreateVault(ctx context.Context, params CreateVaultParams) (*registry.Vault, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	passphrase, err := c.resolvePassphrase(ctx, "", params.Passphrase)
	if err != nil {
		return nil, err
	}
	chainCode := params.HexChainCode
	if chainCode == "" {
		chainCode, err = common.GenerateHexChainCode()
		if err != nil {
			return nil, fmt.Errorf("fail to generate chain code: %w", err)
		}
	}

	session, err := ceremony.NewSession(ceremony.Params{
		SessionID:        params.SessionID,
		Kind:             ceremony.KindKeygen,
		Required:         params.Participants,
		LocalPartyID:     c.localPartyID,
		HexEncryptionKey: params.HexEncryptionKey,
	})
	if err != nil {
		return nil, err
	}

	vaultID := uuid.New().String()
	if err := c.registry.AcquireCeremony(ctx, vaultID, session.ID); err != nil {
		return nil, err
	}
	defer c.releaseLease(vaultID, session.ID)
	c.watch(session, vaultID)

	desc := &descriptor.Descriptor{
		SessionID:        session.ID,
		Kind:             string(ceremony.KindKeygen),
		RelayServer:      c.relayServer,
		HexEncryptionKey: session.HexEncryptionKey,
		VaultID:          vaultID,
		VaultName:        params.Name,
		VaultKind:        string(params.Kind),
		Threshold:        params.Threshold,
		Participants:     params.Participants,
		InitiatedBy:      c.localPartyID,
		HexChainCode:     chainCode,
	}
	c.notify.sessionReady(desc)

	committee, err := c.runner.WaitForParties(ctx, session)
	if err != nil {
		return nil, err
	}
	return c.runKeygen(ctx, session, committee, desc, passphrase)
}

// JoinVault runs the joining side of a keygen ceremony announced by a
// session descriptor.
func (c *Coordinator) JoinVault(ctx context.Context, desc *descriptor.Descriptor, passphrase string) (*registry.Vault, error) {
	if desc == nil || desc.Kind != string(ceremony.KindKeygen) {
		return nil, fmt.Errorf("descriptor is not a keygen invitation")
	}
	passphrase, err := c.resolvePassphrase(ctx, desc.VaultID, passphrase)
	if err != nil {
		return nil, err
	}

	session, err := ceremony.NewSession(ceremony.Params{
		SessionID:        desc.SessionID,
		Kind:             ceremony.KindKeygen,
		Required:         desc.Participants,
		LocalPartyID:     c.localPartyID,
		HexEncryptionKey: desc.HexEncryptionKey,
	})
	if err != nil {
		return nil, err
	}
	if err := c.registry.AcquireCeremony(ctx, desc.VaultID, session.ID); err != nil {
		return nil, err
	}
	defer c.releaseLease(desc.VaultID, session.ID)
	c.watch(session, desc.VaultID)

	committee, err := c.runner.JoinSession(ctx, session)
	if err != nil {
		return nil, err
	}
	return c.runKeygen(ctx, session, committee, desc, passphrase)
}

// runKeygen is the shared tail of both keygen roles: drive the engine
// through the rounds, then persist the share and the vault row inside the
// idempotent finalizer.
func (c *Coordinator) runKeygen(ctx context.Context, session *ceremony.Session, committee []string, desc *descriptor.Descriptor, passphrase string) (*registry.Vault, error) {
	keygenSession, err := c.engine.NewKeygenSession(mpc.KeygenParams{
		SessionID:    session.ID,
		LocalPartyID: c.localPartyID,
		Parties:      committee,
		Threshold:    desc.Threshold,
		ChainCodeHex: desc.HexChainCode,
	})
	if err != nil {
		return nil, c.runner.Abort(session, "", fmt.Errorf("fail to create keygen session: %w", err))
	}
	defer keygenSession.Free()

	if err := c.runner.RunRounds(ctx, session, "", keygenSession); err != nil {
		return nil, err
	}
	result, err := keygenSession.Result()
	if err != nil {
		return nil, c.runner.Abort(session, "", fmt.Errorf("fail to collect keygen result: %w", err))
	}

	vault := &registry.Vault{
		ID:             desc.VaultID,
		Name:           desc.VaultName,
		Kind:           registry.VaultKind(desc.VaultKind),
		Threshold:      desc.Threshold,
		Participants:   len(committee),
		LocalPartyID:   c.localPartyID,
		PublicKeyECDSA: result.PublicKeyECDSA,
		PublicKeyEdDSA: result.PublicKeyEdDSA,
		HexChainCode:   result.ChainCodeHex,
		Signers:        committee,
		CreatedAt:      time.Now().UTC(),
	}
	share := &keyshare.Share{
		VaultID:        vault.ID,
		VaultName:      vault.Name,
		LocalPartyID:   c.localPartyID,
		PublicKeyECDSA: result.PublicKeyECDSA,
		PublicKeyEdDSA: result.PublicKeyEdDSA,
		HexChainCode:   result.ChainCodeHex,
		Signers:        committee,
		CreatedAt:      vault.CreatedAt,
		Material:       result.Keyshare,
	}

	persist := func(persistCtx context.Context) error {
		if err := c.shares.Put(persistCtx, share, passphrase); err != nil {
			return fmt.Errorf("fail to persist key share: %w", err)
		}
		if err := c.registry.Register(persistCtx, vault); err != nil {
			return fmt.Errorf("fail to register vault: %w", err)
		}
		return nil
	}
	if err := c.runner.Finalize(ctx, session, persist); err != nil {
		return nil, err
	}

	if err := c.transport.EndSession(ctx, session.ID); err != nil {
		c.logger.WithField("session", session.ID).Debugf("fail to end session: %v", err)
	}
	c.logger.WithFields(logrus.Fields{
		"vault":          vault.ID,
		"name":           vault.Name,
		"public_key":     vault.PublicKeyECDSA,
		"committee":      committee,
		"local_party_id": c.localPartyID,
	}).Info("vault created")
	return vault, nil
}
