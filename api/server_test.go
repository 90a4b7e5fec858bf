package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/mpc-coordinator/api"
	"github.com/vultisig/mpc-coordinator/broadcast"
	"github.com/vultisig/mpc-coordinator/internal/types"
	"github.com/vultisig/mpc-coordinator/keyshare"
	"github.com/vultisig/mpc-coordinator/registry"
	"github.com/vultisig/mpc-coordinator/txcodec"
)

// memBlob is an in-memory object store standing in for S3.
type memBlob struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemBlob() *memBlob {
	return &memBlob{files: map[string][]byte{}}
}

func (b *memBlob) FileExist(_ context.Context, fileName string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[fileName]
	return ok, nil
}

func (b *memBlob) UploadFileWithRetry(_ context.Context, fileContent []byte, fileName string, _ int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[fileName] = append([]byte(nil), fileContent...)
	return nil
}

func (b *memBlob) GetFile(_ context.Context, fileName string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.files[fileName]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileName)
	}
	return append([]byte(nil), content...), nil
}

func (b *memBlob) DeleteFile(_ context.Context, fileName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, fileName)
	return nil
}

func (b *memBlob) file(fileName string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.files[fileName]...)
}

// memCache mirrors the redis storage contract: a miss is ("", nil).
type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemCache() *memCache {
	return &memCache{data: map[string]string{}}
}

func (c *memCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

type testEnv struct {
	ts     *httptest.Server
	client *api.Client
	blob   *memBlob
	cache  *memCache
	reg    registry.Registry
	bcast  *broadcast.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sd, err := statsd.New("127.0.0.1:8125")
	require.NoError(t, err)

	blob := newMemBlob()
	cache := newMemCache()
	reg := registry.NewMemoryRegistry()
	bcast := broadcast.NewMemory("Testnet")

	srv := api.NewServer(
		0,
		cache,
		nil, // the queue is not exercised in these tests
		nil,
		sd,
		blob,
		reg,
		txcodec.NewSet(txcodec.NewSimple("Testnet")),
		broadcast.NewSet(bcast),
		"test-jwt-secret",
		"admin",
		"hunter2",
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{
		ts:     ts,
		client: api.NewClient(ts.URL),
		blob:   blob,
		cache:  cache,
		reg:    reg,
		bcast:  bcast,
	}
}

// seedVault stores a sealed share and its registry row, as a finished keygen
// would have.
func seedVault(t *testing.T, env *testEnv, password string) *registry.Vault {
	t.Helper()
	vaultID := uuid.New().String()
	share := &keyshare.Share{
		VaultID:        vaultID,
		VaultName:      "seeded vault",
		LocalPartyID:   "Server-2222",
		PublicKeyECDSA: "02" + strings.Repeat("ab", 32),
		HexChainCode:   strings.Repeat("cd", 32),
		Signers:        []string{"phone", "Server-2222"},
		CreatedAt:      time.Now().UTC(),
		Material:       []byte(`{"share":"material"}`),
	}
	require.NoError(t, keyshare.NewBlockStore(env.blob).Put(context.Background(), share, password))

	vault := &registry.Vault{
		ID:             vaultID,
		Name:           share.VaultName,
		Kind:           registry.KindFast,
		Threshold:      2,
		Participants:   2,
		LocalPartyID:   share.LocalPartyID,
		PublicKeyECDSA: share.PublicKeyECDSA,
		HexChainCode:   share.HexChainCode,
		Signers:        share.Signers,
		CreatedAt:      share.CreatedAt,
	}
	require.NoError(t, env.reg.Register(context.Background(), vault))
	return vault
}

func TestPingAndExist(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.client.Ping(ctx))

	exist, err := env.client.ExistVault(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.False(t, exist)

	// a malformed vault id is also just "no"
	exist, err = env.client.ExistVault(ctx, "not-a-vault-id")
	require.NoError(t, err)
	assert.False(t, exist)

	vault := seedVault(t, env, "open-sesame")
	exist, err = env.client.ExistVault(ctx, vault.ID)
	require.NoError(t, err)
	assert.True(t, exist)
}

func TestGetVault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.client.GetVault(ctx, uuid.New().String(), "whatever")
	assert.True(t, errors.Is(err, keyshare.ErrNotFound), "got: %v", err)

	vault := seedVault(t, env, "open-sesame")

	_, err = env.client.GetVault(ctx, vault.ID, "wrong")
	assert.True(t, errors.Is(err, keyshare.ErrPasswordDenied), "got: %v", err)

	got, err := env.client.GetVault(ctx, vault.ID, "open-sesame")
	require.NoError(t, err)
	assert.Equal(t, vault.ID, got.VaultID)
	assert.Equal(t, "seeded vault", got.Name)
	assert.Equal(t, vault.PublicKeyECDSA, got.PublicKeyECDSA)
	assert.Equal(t, "Server-2222", got.LocalPartyID)
	assert.Equal(t, vault.HexChainCode, got.HexChainCode)
	assert.ElementsMatch(t, []string{"phone", "Server-2222"}, got.Signers)
	assert.Equal(t, 2, got.Threshold)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestDownloadVault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vault := seedVault(t, env, "open-sesame")

	_, err := env.client.DownloadVault(ctx, vault.ID, "wrong")
	assert.True(t, errors.Is(err, keyshare.ErrPasswordDenied), "got: %v", err)

	content, err := env.client.DownloadVault(ctx, vault.ID, "open-sesame")
	require.NoError(t, err)
	// the download is the sealed backup byte-for-byte, importable on a device
	assert.Equal(t, env.blob.file(keyshare.Filename(vault.ID)), content)

	// the attachment name follows the mobile export convention
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/vault/download/"+vault.ID, nil)
	require.NoError(t, err)
	req.Header.Set("x-password", base64.StdEncoding.EncodeToString([]byte("open-sesame")))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="seeded vault-abab-part2of2.vult"`,
		resp.Header.Get("Content-Disposition"))

	_, err = env.client.DownloadVault(ctx, uuid.New().String(), "open-sesame")
	assert.True(t, errors.Is(err, keyshare.ErrNotFound), "got: %v", err)
}

func TestBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vault := seedVault(t, env, "open-sesame")

	// the Simple codec addresses vaults by their public key
	env.bcast.SetBalance(vault.PublicKeyECDSA, big.NewInt(777))

	balance, err := env.client.Balance(ctx, vault.ID, "Testnet")
	require.NoError(t, err)
	assert.Equal(t, "Testnet", balance.Chain)
	assert.Equal(t, vault.PublicKeyECDSA, balance.Address)
	assert.Equal(t, "777", balance.Balance)

	_, err = env.client.Balance(ctx, uuid.New().String(), "Testnet")
	assert.True(t, errors.Is(err, registry.ErrNotFound), "got: %v", err)

	_, err = env.client.Balance(ctx, vault.ID, "Solana")
	require.Error(t, err)
}

func TestCreateVaultDedup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	req := types.VaultCreateRequest{
		Name:               "phone wallet",
		VaultID:            uuid.New().String(),
		SessionID:          uuid.New().String(),
		HexEncryptionKey:   strings.Repeat("ef", 32),
		HexChainCode:       strings.Repeat("cd", 32),
		LocalPartyID:       "Server-3333",
		Threshold:          2,
		Participants:       2,
		EncryptionPassword: "pw",
	}
	// a session already submitted is acknowledged without a second task
	require.NoError(t, env.cache.Set(ctx, req.SessionID, req.SessionID, time.Minute))
	require.NoError(t, env.client.CreateVault(ctx, req))

	// invalid requests are rejected before any queue work
	req.Threshold = 1
	req.SessionID = uuid.New().String()
	err := env.client.CreateVault(ctx, req)
	require.Error(t, err)
}

func TestSignMessagesChecksPassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vault := seedVault(t, env, "right-pass")

	req := types.KeysignRequest{
		VaultID:          vault.ID,
		PublicKey:        vault.PublicKeyECDSA,
		Chain:            "Testnet",
		Destination:      "shop-address",
		Amount:           "2500",
		RawTx:            "aabb",
		Messages:         []string{strings.Repeat("ab", 32)},
		SessionID:        uuid.New().String(),
		HexEncryptionKey: strings.Repeat("ef", 32),
		VaultPassword:    "wrong-pass",
	}
	_, err := env.client.SignMessages(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	// a key that is not the vault's is refused the same way
	req.SessionID = uuid.New().String()
	req.VaultPassword = "right-pass"
	req.PublicKey = "02" + strings.Repeat("ff", 32)
	_, err = env.client.SignMessages(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	// a deduped session is acknowledged with an empty task id
	req.PublicKey = vault.PublicKeyECDSA
	req.SessionID = uuid.New().String()
	require.NoError(t, env.cache.Set(ctx, req.SessionID, req.SessionID, time.Minute))
	taskID, err := env.client.SignMessages(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, taskID)
}

func TestAdminFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vault := seedVault(t, env, "open-sesame")

	_, err := env.client.AdminToken(ctx, "admin", "wrong")
	require.Error(t, err)

	token, err := env.client.AdminToken(ctx, "admin", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// no token, no delete
	req, err := http.NewRequest(http.MethodDelete, env.ts.URL+"/admin/vault/"+vault.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.NoError(t, env.client.DeleteVault(ctx, vault.ID, token))

	exist, err := env.client.ExistVault(ctx, vault.ID)
	require.NoError(t, err)
	assert.False(t, exist)
	_, err = env.reg.Find(ctx, vault.ID)
	assert.True(t, errors.Is(err, registry.ErrNotFound), "got: %v", err)

	// deleting again stays 200
	require.NoError(t, env.client.DeleteVault(ctx, vault.ID, token))
}

func TestRefreshAdminToken(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	token, err := env.client.AdminToken(ctx, "admin", "hunter2")
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"token": token})
	require.NoError(t, err)
	resp, err := http.Post(env.ts.URL+"/admin/token/refresh", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var refreshed struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&refreshed))
	assert.NotEmpty(t, refreshed.Token)

	// garbage does not refresh
	body, err = json.Marshal(map[string]string{"token": "not-a-jwt"})
	require.NoError(t, err)
	resp2, err := http.Post(env.ts.URL+"/admin/token/refresh", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestGetDerivedPublicKeyRequiresParams(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/getDerivedPublicKey")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
