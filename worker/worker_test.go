package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/mpc-coordinator/broadcast"
	"github.com/vultisig/mpc-coordinator/ceremony"
	"github.com/vultisig/mpc-coordinator/coordinator"
	"github.com/vultisig/mpc-coordinator/descriptor"
	"github.com/vultisig/mpc-coordinator/internal/tasks"
	"github.com/vultisig/mpc-coordinator/internal/types"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/mpc/sim"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/relay"
	"github.com/vultisig/mpc-coordinator/txcodec"
	"github.com/vultisig/mpc-coordinator/worker"
)

type readyObserver struct {
	ready chan *descriptor.Descriptor
}

func (o *readyObserver) OnStatusChanged(string, string, ceremony.Phase) {}
func (o *readyObserver) OnSessionReady(desc *descriptor.Descriptor)    { o.ready <- desc }
func (o *readyObserver) OnParticipantJoined(string, string, int, int)  {}

// device is the initiating client of a fast vault: it announces ceremonies
// that the worker under test joins as the server party.
type device struct {
	coord *coordinator.Coordinator
	obs   *readyObserver
}

func newDevice(t *testing.T, id string, transport relay.Transport, bcast broadcast.Broadcaster) *device {
	t.Helper()
	obs := &readyObserver{ready: make(chan *descriptor.Descriptor, 4)}
	coord, err := coordinator.New(coordinator.Config{
		LocalPartyID: id,
		RelayServer:  "http://relay.local",
		Transport:    transport,
		Engine:       sim.NewEngine(),
		Registry:     registry.NewMemoryRegistry(),
		Shares:       keyshare.NewMemStore(),
		Codecs:       txcodec.NewSet(txcodec.NewSimple("Testnet")),
		Broadcasters: broadcast.NewSet(bcast),
		Observer:     obs,
		RoundTimeout: 3 * time.Second,
		JoinTimeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return &device{coord: coord, obs: obs}
}

func newWorker(t *testing.T, transport relay.Transport, bcast broadcast.Broadcaster) (*worker.Service, registry.Registry, keyshare.Store) {
	t.Helper()
	sd, err := statsd.New("127.0.0.1:8125")
	require.NoError(t, err)
	reg := registry.NewMemoryRegistry()
	shares := keyshare.NewMemStore()
	svc, err := worker.NewService(worker.Config{
		RelayServer:  "http://relay.local",
		LocalPartyID: "Server-1111",
		Transport:    transport,
		Engine:       sim.NewEngine(),
		Registry:     reg,
		Shares:       shares,
		Codecs:       txcodec.NewSet(txcodec.NewSimple("Testnet")),
		Broadcasters: broadcast.NewSet(bcast),
		RoundTimeout: 3 * time.Second,
		JoinTimeout:  5 * time.Second,
	}, sd)
	require.NoError(t, err)
	return svc, reg, shares
}

// createFastVault runs a 2-of-2 keygen between the device and the worker and
// returns the vault as the worker recorded it.
func createFastVault(t *testing.T, ctx context.Context, dev *device, svc *worker.Service) *registry.Vault {
	t.Helper()
	created := make(chan *registry.Vault, 1)
	errCh := make(chan error, 1)
	go func() {
		vault, err := dev.coord.CreateVault(ctx, coordinator.CreateVaultParams{
			Name:         "phone wallet",
			Kind:         registry.KindFast,
			Threshold:    2,
			Participants: 2,
			Passphrase:   "device-pass",
		})
		created <- vault
		errCh <- err
	}()

	desc := <-dev.obs.ready
	serverVault, err := svc.JoinKeyGeneration(ctx, types.VaultCreateRequest{
		Name:               desc.VaultName,
		VaultID:            desc.VaultID,
		SessionID:          desc.SessionID,
		HexEncryptionKey:   desc.HexEncryptionKey,
		HexChainCode:       desc.HexChainCode,
		LocalPartyID:       "Server-1111",
		Threshold:          desc.Threshold,
		Participants:       desc.Participants,
		EncryptionPassword: "server-pass",
	})
	require.NoError(t, err)

	deviceVault := <-created
	require.NoError(t, <-errCh)
	require.NotNil(t, deviceVault)
	assert.Equal(t, deviceVault.PublicKeyECDSA, serverVault.PublicKeyECDSA)
	return serverVault
}

func TestJoinKeyGeneration(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	dev := newDevice(t, "phone", transport, bcast)
	svc, reg, shares := newWorker(t, transport, bcast)

	vault := createFastVault(t, ctx, dev, svc)
	assert.NotEmpty(t, vault.PublicKeyECDSA)
	assert.Equal(t, "Server-1111", vault.LocalPartyID)
	assert.ElementsMatch(t, []string{"phone", "Server-1111"}, vault.Signers)

	row, err := reg.Find(ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.KindFast, row.Kind)

	ok, err := shares.Exists(ctx, vault.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// the share only opens with the password the request sealed it with
	_, err = shares.Get(ctx, vault.ID, "device-pass")
	assert.True(t, errors.Is(err, keyshare.ErrPasswordDenied), "got: %v", err)
	share, err := shares.Get(ctx, vault.ID, "server-pass")
	require.NoError(t, err)
	assert.Equal(t, vault.PublicKeyECDSA, share.PublicKeyECDSA)
}

func TestJoinKeySign(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	dev := newDevice(t, "phone", transport, bcast)
	svc, _, _ := newWorker(t, transport, bcast)
	vault := createFastVault(t, ctx, dev, svc)

	intent, err := dev.coord.PrepareSigning(ctx, vault.ID, "shop-address", big.NewInt(2500), "Testnet")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- dev.coord.InitiateSigning(ctx, intent, "device-pass")
	}()

	desc := <-dev.obs.ready
	out, err := svc.JoinKeySign(ctx, types.KeysignRequest{
		VaultID:          desc.VaultID,
		PublicKey:        desc.PublicKey,
		Chain:            desc.Chain,
		Destination:      desc.Destination,
		Amount:           desc.Amount,
		RawTx:            desc.RawTx,
		Messages:         desc.Messages,
		SessionID:        desc.SessionID,
		HexEncryptionKey: desc.HexEncryptionKey,
		VaultPassword:    "server-pass",
	})
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.NotEmpty(t, out.TxID)
	assert.NotEmpty(t, out.RawSigned)
	for digest, sig := range intent.Signatures {
		require.Contains(t, out.Signatures, digest)
		assert.Equal(t, sig.R, out.Signatures[digest].R)
		assert.Equal(t, sig.S, out.Signatures[digest].S)
	}
	// both committee members broadcast their copy
	assert.Len(t, bcast.Sent(), 2)
}

func TestJoinKeySignRejectsForeignKey(t *testing.T) {
	ctx := context.Background()
	transport := relay.NewMemoryTransport()
	bcast := broadcast.NewMemory("Testnet")
	svc, reg, _ := newWorker(t, transport, bcast)

	vaultID := uuid.New().String()
	require.NoError(t, reg.Register(ctx, &registry.Vault{
		ID:             vaultID,
		Name:           "seeded",
		Kind:           registry.KindFast,
		Threshold:      2,
		Participants:   2,
		LocalPartyID:   "Server-1111",
		PublicKeyECDSA: "02aa",
		CreatedAt:      time.Now().UTC(),
	}))

	_, err := svc.JoinKeySign(ctx, types.KeysignRequest{
		VaultID:          vaultID,
		PublicKey:        "02bb",
		Chain:            "Testnet",
		Messages:         []string{"aabb"},
		SessionID:        uuid.New().String(),
		HexEncryptionKey: "aabb",
		VaultPassword:    "server-pass",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public key")
}

func TestHandleKeyGenerationRejectsBadRequest(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newWorker(t, relay.NewMemoryTransport(), broadcast.NewMemory("Testnet"))

	err := svc.HandleKeyGeneration(ctx, asynq.NewTask(tasks.TypeKeyGeneration, []byte("not json")))
	assert.True(t, errors.Is(err, asynq.SkipRetry), "got: %v", err)

	buf, err := json.Marshal(types.VaultCreateRequest{Name: "half-filled"})
	require.NoError(t, err)
	err = svc.HandleKeyGeneration(ctx, asynq.NewTask(tasks.TypeKeyGeneration, buf))
	assert.True(t, errors.Is(err, asynq.SkipRetry), "got: %v", err)
}

func TestHandleKeySignUnknownVault(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newWorker(t, relay.NewMemoryTransport(), broadcast.NewMemory("Testnet"))

	buf, err := json.Marshal(types.KeysignRequest{
		VaultID:          uuid.New().String(),
		PublicKey:        "02aa",
		Chain:            "Testnet",
		Messages:         []string{"aabb"},
		SessionID:        uuid.New().String(),
		HexEncryptionKey: "aabb",
		VaultPassword:    "pw",
	})
	require.NoError(t, err)

	err = svc.HandleKeySign(ctx, asynq.NewTask(tasks.TypeKeySign, buf))
	assert.True(t, errors.Is(err, asynq.SkipRetry), "got: %v", err)
}
