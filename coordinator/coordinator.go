// Package coordinator is the façade a host application drives: vault
// creation and joining, transaction signing, broadcast, and vault
// management. It owns no protocol math and no I/O of its own; everything is
// injected — the relay transport, the threshold engine, the share store,
// the vault registry, chain codecs and broadcasters.
package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/mpc-coordinator/broadcast"
	"github.com/vultisig/mpc-coordinator/ceremony"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/mpc"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/relay"
	"github.com/vultisig/mpc-coordinator/txcodec"
)

type Config struct {
	// LocalPartyID names this party on every session it takes part in.
	LocalPartyID string
	// RelayServer is the URL announced in session descriptors so that
	// joining devices reach the same relay.
	RelayServer string

	Transport relay.Transport
	Engine    mpc.Engine
	Registry  registry.Registry
	Shares    keyshare.Store

	// Passwords supplies vault passphrases for flows started without one.
	// Optional; when nil, an empty explicit passphrase is used as-is.
	Passwords keyshare.PasswordProvider

	Codecs       *txcodec.Set
	Broadcasters *broadcast.Set

	// Observer is optional.
	Observer Observer

	// Zero values fall back to the runner defaults.
	RoundTimeout time.Duration
	JoinTimeout  time.Duration
}

type Coordinator struct {
	localPartyID string
	relayServer  string
	transport    relay.Transport
	engine       mpc.Engine
	registry     registry.Registry
	shares       keyshare.Store
	passwords    keyshare.PasswordProvider
	codecs       *txcodec.Set
	broadcasters *broadcast.Set
	runner       *ceremony.Runner
	notify       *notifier
	logger       *logrus.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.LocalPartyID == "" {
		return nil, fmt.Errorf("local party id is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Shares == nil {
		return nil, fmt.Errorf("share store is required")
	}
	if cfg.Codecs == nil {
		cfg.Codecs = txcodec.NewSet()
	}
	if cfg.Broadcasters == nil {
		cfg.Broadcasters = broadcast.NewSet()
	}
	logger := logrus.WithField("service", "coordinator").Logger
	return &Coordinator{
		localPartyID: cfg.LocalPartyID,
		relayServer:  cfg.RelayServer,
		transport:    cfg.Transport,
		engine:       cfg.Engine,
		registry:     cfg.Registry,
		shares:       cfg.Shares,
		passwords:    cfg.Passwords,
		codecs:       cfg.Codecs,
		broadcasters: cfg.Broadcasters,
		runner:       ceremony.NewRunner(cfg.Transport, cfg.RoundTimeout, cfg.JoinTimeout),
		notify:       newNotifier(cfg.Observer, logger),
		logger:       logger,
	}, nil
}

// watch forwards a session's phase and join events to the observer.
func (c *Coordinator) watch(s *ceremony.Session, vaultID string) {
	s.OnPhase = func(phase ceremony.Phase) {
		c.notify.statusChanged(vaultID, s.ID, phase)
	}
	s.OnJoined = func(partyID string, joined, required int) {
		c.notify.participantJoined(s.ID, partyID, joined, required)
	}
}

// resolvePassphrase prefers the explicit passphrase; otherwise it asks the
// provider, whose refusal surfaces as ErrPasswordDenied.
func (c *Coordinator) resolvePassphrase(ctx context.Context, vaultID, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c.passwords == nil {
		return "", nil
	}
	return c.passwords.Passphrase(ctx, vaultID)
}

// releaseLease returns a ceremony lease with a context that survives the
// (usually cancelled) ceremony context.
func (c *Coordinator) releaseLease(vaultID, sessionID string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.registry.ReleaseCeremony(releaseCtx, vaultID, sessionID); err != nil {
		c.logger.WithFields(logrus.Fields{
			"vault":   vaultID,
			"session": sessionID,
			"error":   err,
		}).Error("fail to release ceremony lease")
	}
}

// Vault returns a vault's registered metadata.
func (c *Coordinator) Vault(ctx context.Context, vaultID string) (*registry.Vault, error) {
	return c.registry.Find(ctx, vaultID)
}

// Vaults lists all registered vaults.
func (c *Coordinator) Vaults(ctx context.Context) ([]*registry.Vault, error) {
	return c.registry.List(ctx)
}

// HasShare reports whether this party holds a key share for the vault.
func (c *Coordinator) HasShare(ctx context.Context, vaultID string) (bool, error) {
	return c.shares.Exists(ctx, vaultID)
}

// DeleteVault removes the local share and the registry entry. Deleting an
// unknown vault is a no-op.
func (c *Coordinator) DeleteVault(ctx context.Context, vaultID string) error {
	if err := c.shares.Delete(ctx, vaultID); err != nil {
		return fmt.Errorf("fail to delete key share: %w", err)
	}
	if err := c.registry.Remove(ctx, vaultID); err != nil {
		return fmt.Errorf("fail to remove vault: %w", err)
	}
	c.logger.WithField("vault", vaultID).Info("vault deleted")
	return nil
}

// Balance queries the vault's address balance on the given chain.
func (c *Coordinator) Balance(ctx context.Context, vaultID, chain string) (*big.Int, error) {
	vault, err := c.registry.Find(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	codec, err := c.codecs.ForChain(chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransactionParams, err)
	}
	address, err := codec.AddressFromPublicKey(vault.PublicKeyECDSA)
	if err != nil {
		return nil, fmt.Errorf("fail to derive address: %w", err)
	}
	b, err := c.broadcasters.ForChain(chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransactionParams, err)
	}
	return b.Balance(ctx, address)
}
