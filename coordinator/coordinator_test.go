package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/mpc-coordinator/broadcast"
	"github.com/vultisig/mpc-coordinator/ceremony"
	"github.com/vultisig/mpc-coordinator/descriptor"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/mpc/sim"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/relay"
	"github.com/vultisig/mpc-coordinator/txcodec"
)

type testObserver struct {
	ready chan *descriptor.Descriptor

	mu     sync.Mutex
	phases []ceremony.Phase
}

func (o *testObserver) OnStatusChanged(_, _ string, phase ceremony.Phase) {
	o.mu.Lock()
	o.phases = append(o.phases, phase)
	o.mu.Unlock()
}

func (o *testObserver) OnSessionReady(desc *descriptor.Descriptor) {
	o.ready <- desc
}

func (o *testObserver) OnParticipantJoined(string, string, int, int) {}

func (o *testObserver) sawPhase(phase ceremony.Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.phases {
		if p == phase {
			return true
		}
	}
	return false
}

type party struct {
	id     string
	coord  *Coordinator
	reg    registry.Registry
	shares keyshare.Store
	obs    *testObserver
}

func newParty(t *testing.T, id string, transport relay.Transport, bcast broadcast.Broadcaster) *party {
	return newPartyTimeouts(t, id, transport, bcast, 3*time.Second, 5*time.Second)
}

func newPartyTimeouts(t *testing.T, id string, transport relay.Transport, bcast broadcast.Broadcaster, roundTimeout, joinTimeout time.Duration) *party {
	t.Helper()
	obs := &testObserver{ready: make(chan *descriptor.Descriptor, 8)}
	reg := registry.NewMemoryRegistry()
	shares := keyshare.NewMemStore()
	coord, err := New(Config{
		LocalPartyID: id,
		RelayServer:  "http://relay.local",
		Transport:    transport,
		Engine:       sim.NewEngine(),
		Registry:     reg,
		Shares:       shares,
		Codecs:       txcodec.NewSet(txcodec.NewSimple("Testnet")),
		Broadcasters: broadcast.NewSet(bcast),
		Observer:     obs,
		RoundTimeout: roundTimeout,
		JoinTimeout:  joinTimeout,
	})
	require.NoError(t, err)
	return &party{id: id, coord: coord, reg: reg, shares: shares, obs: obs}
}

// createVaultPair runs a 2-of-2 keygen between the two parties and returns
// the registered vault.
func createVaultPair(t *testing.T, ctx context.Context, initiator, joiner *party, passInitiator, passJoiner string) *registry.Vault {
	t.Helper()
	created := make(chan *registry.Vault, 1)
	errCh := make(chan error, 1)
	go func() {
		vault, err := initiator.coord.CreateVault(ctx, CreateVaultParams{
			Name:         "family savings",
			Kind:         registry.KindSecure,
			Threshold:    2,
			Participants: 2,
			Passphrase:   passInitiator,
		})
		created <- vault
		errCh <- err
	}()

	desc := <-initiator.obs.ready
	_, err := joiner.coord.JoinVault(ctx, desc, passJoiner)
	require.NoError(t, err)

	vault := <-created
	require.NoError(t, <-errCh)
	require.NotNil(t, vault)
	return vault
}

func TestCreateAndJoinVault(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	alice := newParty(t, "alice", transport, bcast)
	bob := newParty(t, "bob", transport, bcast)

	vault := createVaultPair(t, ctx, alice, bob, "alice-pass", "bob-pass")

	bobVault, err := bob.reg.Find(ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.PublicKeyECDSA, bobVault.PublicKeyECDSA)
	assert.NotEmpty(t, vault.PublicKeyECDSA)
	assert.ElementsMatch(t, []string{"alice", "bob"}, vault.Signers)

	for _, p := range []*party{alice, bob} {
		ok, err := p.coord.HasShare(ctx, vault.ID)
		require.NoError(t, err)
		assert.True(t, ok, "%s should hold a share", p.id)
		assert.True(t, p.obs.sawPhase(ceremony.PhaseCompleted))
	}

	// the ceremony lease is released: a fresh session can acquire it
	require.NoError(t, alice.reg.AcquireCeremony(ctx, vault.ID, uuid.New().String()))
}

func TestSignAndBroadcast(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	alice := newParty(t, "alice", transport, bcast)
	bob := newParty(t, "bob", transport, bcast)
	vault := createVaultPair(t, ctx, alice, bob, "alice-pass", "bob-pass")

	intent, err := alice.coord.PrepareSigning(ctx, vault.ID, "shop-address", big.NewInt(2500), "Testnet")
	require.NoError(t, err)
	require.Len(t, intent.Payload.Hashes, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- alice.coord.InitiateSigning(ctx, intent, "alice-pass")
	}()

	desc := <-alice.obs.ready
	bobIntent, err := bob.coord.ApproveSigning(ctx, desc, "bob-pass")
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.NotEmpty(t, intent.RawSigned)
	assert.NotEmpty(t, intent.TxID)
	assert.NotEmpty(t, bobIntent.TxID)

	// deterministic engine: both committee members assembled the same
	// signature
	for digest, sig := range intent.Signatures {
		require.Contains(t, bobIntent.Signatures, digest)
		assert.Equal(t, sig.R, bobIntent.Signatures[digest].R)
		assert.Equal(t, sig.S, bobIntent.Signatures[digest].S)
	}

	// both parties broadcast; the memory network recorded both copies
	assert.Len(t, bcast.Sent(), 2)
}

func TestPrepareSigningValidation(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	alice := newParty(t, "alice", transport, broadcast.NewMemory("Testnet"))

	// validation fires before the vault lookup: the vault does not exist,
	// yet the parameter error wins
	_, err := alice.coord.PrepareSigning(ctx, "no-such-vault", "", big.NewInt(1), "Testnet")
	assert.True(t, errors.Is(err, ErrInvalidTransactionParams), "empty destination: %v", err)

	_, err = alice.coord.PrepareSigning(ctx, "no-such-vault", "dest", big.NewInt(0), "Testnet")
	assert.True(t, errors.Is(err, ErrInvalidTransactionParams), "zero amount: %v", err)

	_, err = alice.coord.PrepareSigning(ctx, "no-such-vault", "dest", nil, "Testnet")
	assert.True(t, errors.Is(err, ErrInvalidTransactionParams), "nil amount: %v", err)

	_, err = alice.coord.PrepareSigning(ctx, "no-such-vault", "dest", big.NewInt(1000000), "Solana")
	assert.True(t, errors.Is(err, ErrInvalidTransactionParams), "unsupported chain: %v", err)

	// with valid params the vault lookup is the next gate
	_, err = alice.coord.PrepareSigning(ctx, "no-such-vault", "dest", big.NewInt(1), "Testnet")
	assert.True(t, errors.Is(err, ErrVaultNotFound), "unknown vault: %v", err)
}

func TestKeygenAbortIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	// short round timeouts so the barrier abort fires quickly
	alice := newPartyTimeouts(t, "alice", transport, bcast, time.Second, 3*time.Second)
	bob := newPartyTimeouts(t, "bob", transport, bcast, time.Second, 3*time.Second)

	aliceErr := make(chan error, 1)
	go func() {
		_, err := alice.coord.CreateVault(ctx, CreateVaultParams{
			Name:         "doomed",
			Kind:         registry.KindSecure,
			Threshold:    2,
			Participants: 2,
			Passphrase:   "pw",
		})
		aliceErr <- err
	}()

	desc := <-alice.obs.ready

	// pull the network out from under the ceremony once computation starts
	go func() {
		for !alice.obs.sawPhase(ceremony.PhaseComputing) {
			time.Sleep(20 * time.Millisecond)
		}
		transport.SetOffline(true)
	}()

	_, bobErr := bob.coord.JoinVault(ctx, desc, "pw")
	assert.True(t, errors.Is(bobErr, ErrCeremonyAborted), "bob: %v", bobErr)
	err := <-aliceErr
	assert.True(t, errors.Is(err, ErrCeremonyAborted), "alice: %v", err)

	transport.SetOffline(false)

	// no partial artifacts anywhere
	for _, p := range []*party{alice, bob} {
		ok, err := p.shares.Exists(ctx, desc.VaultID)
		require.NoError(t, err)
		assert.False(t, ok, "%s must not keep a share", p.id)
		_, err = p.reg.Find(ctx, desc.VaultID)
		assert.True(t, errors.Is(err, ErrVaultNotFound))
		// lease released despite the abort
		require.NoError(t, p.reg.AcquireCeremony(ctx, desc.VaultID, uuid.New().String()))
	}
}

func TestSigningRejectedWhileCeremonyActive(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	alice := newParty(t, "alice", transport, bcast)
	bob := newParty(t, "bob", transport, bcast)
	vault := createVaultPair(t, ctx, alice, bob, "pw-a", "pw-b")

	intent, err := alice.coord.PrepareSigning(ctx, vault.ID, "dest", big.NewInt(10), "Testnet")
	require.NoError(t, err)

	// another session already holds the vault's lease
	holder := uuid.New().String()
	require.NoError(t, alice.reg.AcquireCeremony(ctx, vault.ID, holder))

	err = alice.coord.InitiateSigning(ctx, intent, "pw-a")
	assert.True(t, errors.Is(err, ErrCeremonyAlreadyActive), "got: %v", err)

	// releasing the stale lease frees the vault again
	require.NoError(t, alice.reg.ReleaseCeremony(ctx, vault.ID, holder))
	active, err := alice.reg.ActiveCeremony(ctx, vault.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCancelledSigningLeavesVaultUsable(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	alice := newParty(t, "alice", transport, bcast)
	bob := newParty(t, "bob", transport, bcast)
	vault := createVaultPair(t, ctx, alice, bob, "pw-a", "pw-b")

	first, err := alice.coord.PrepareSigning(ctx, vault.ID, "dest", big.NewInt(10), "Testnet")
	require.NoError(t, err)

	// nobody joins; cancel the initiator while it waits
	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- alice.coord.InitiateSigning(cancelCtx, first, "pw-a")
	}()
	<-alice.obs.ready
	time.Sleep(150 * time.Millisecond)
	cancel()
	err = <-errCh
	assert.True(t, errors.Is(err, ErrCeremonyAborted), "got: %v", err)

	// a fresh prepare issues a new session and the ceremony succeeds
	second, err := alice.coord.PrepareSigning(ctx, vault.ID, "dest", big.NewInt(10), "Testnet")
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	go func() {
		errCh <- alice.coord.InitiateSigning(ctx, second, "pw-a")
	}()
	desc := <-alice.obs.ready
	_, err = bob.coord.ApproveSigning(ctx, desc, "pw-b")
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.NotEmpty(t, second.TxID)
}

func TestBroadcastRejectionKeepsSignedTx(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	alice := newParty(t, "alice", transport, bcast)
	bob := newParty(t, "bob", transport, bcast)
	vault := createVaultPair(t, ctx, alice, bob, "pw-a", "pw-b")

	bcast.SetReject(true)

	intent, err := alice.coord.PrepareSigning(ctx, vault.ID, "dest", big.NewInt(77), "Testnet")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- alice.coord.InitiateSigning(ctx, intent, "pw-a")
	}()
	desc := <-alice.obs.ready
	bobIntent, bobErr := bob.coord.ApproveSigning(ctx, desc, "pw-b")
	assert.True(t, errors.Is(bobErr, ErrBroadcastRejected), "bob: %v", bobErr)
	require.NotNil(t, bobIntent)
	assert.NotEmpty(t, bobIntent.RawSigned)

	err = <-errCh
	assert.True(t, errors.Is(err, ErrBroadcastRejected), "alice: %v", err)
	require.NotEmpty(t, intent.RawSigned)

	// the signed transaction survives for a later re-broadcast
	bcast.SetReject(false)
	txID, err := alice.coord.Broadcast(ctx, intent)
	require.NoError(t, err)
	assert.NotEmpty(t, txID)
	assert.Equal(t, txID, intent.TxID)
}

func TestApproveSigningWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	alice := newParty(t, "alice", transport, bcast)
	bob := newParty(t, "bob", transport, bcast)
	vault := createVaultPair(t, ctx, alice, bob, "pw-a", "pw-b")

	intent, err := alice.coord.PrepareSigning(ctx, vault.ID, "dest", big.NewInt(5), "Testnet")
	require.NoError(t, err)

	// the share refuses to open before any session work happens
	_, err = bob.coord.ApproveSigning(ctx, intent.Descriptor, "not-bobs-pass")
	assert.True(t, errors.Is(err, ErrPasswordDenied), "got: %v", err)
	assert.False(t, errors.Is(err, ErrStoreIO), "got: %v", err)
}

func TestDeleteVaultIdempotent(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	alice := newParty(t, "alice", transport, bcast)
	bob := newParty(t, "bob", transport, bcast)
	vault := createVaultPair(t, ctx, alice, bob, "pw-a", "pw-b")

	require.NoError(t, alice.coord.DeleteVault(ctx, vault.ID))

	ok, err := alice.coord.HasShare(ctx, vault.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = alice.coord.Vault(ctx, vault.ID)
	assert.True(t, errors.Is(err, ErrVaultNotFound))

	// deleting again is a no-op
	require.NoError(t, alice.coord.DeleteVault(ctx, vault.ID))
}

func TestBalanceQuery(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	alice := newParty(t, "alice", transport, bcast)
	bob := newParty(t, "bob", transport, bcast)
	vault := createVaultPair(t, ctx, alice, bob, "pw-a", "pw-b")

	// the Simple codec addresses vaults by their public key
	bcast.SetBalance(vault.PublicKeyECDSA, big.NewInt(123456))

	balance, err := alice.coord.Balance(ctx, vault.ID, "Testnet")
	require.NoError(t, err)
	assert.Zero(t, balance.Cmp(big.NewInt(123456)))

	_, err = alice.coord.Balance(ctx, vault.ID, "Solana")
	assert.True(t, errors.Is(err, ErrInvalidTransactionParams))
}
