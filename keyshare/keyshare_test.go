package keyshare

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShare() *Share {
	return &Share{
		VaultID:        "b1946ac9-2b4e-4b61-bb2f-8d6f0a1b2c3d",
		VaultName:      "family savings",
		LocalPartyID:   "iphone-1f2e",
		PublicKeyECDSA: "02a1633cafcc01ebfb6d78e39f687a1f0995c62fc95f51ead10a02ee0be551b5dc",
		PublicKeyEdDSA: "7d5e1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7",
		HexChainCode:   "8d1f2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8",
		Signers:        []string{"iphone-1f2e", "macbook-9a3c"},
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		Material:       []byte(`{"share":"deadbeef","index":1}`),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	share := testShare()
	require.NoError(t, store.Put(ctx, share, "strong passphrase"))

	got, err := store.Get(ctx, share.VaultID, "strong passphrase")
	require.NoError(t, err)
	assert.Equal(t, share.VaultName, got.VaultName)
	assert.Equal(t, share.LocalPartyID, got.LocalPartyID)
	assert.Equal(t, share.PublicKeyECDSA, got.PublicKeyECDSA)
	assert.Equal(t, share.PublicKeyEdDSA, got.PublicKeyEdDSA)
	assert.Equal(t, share.HexChainCode, got.HexChainCode)
	assert.Equal(t, share.Signers, got.Signers)
	assert.Equal(t, share.Material, got.Material)

	exist, err := store.Exists(ctx, share.VaultID)
	require.NoError(t, err)
	assert.True(t, exist)
}

func TestFileStoreWrongPassphrase(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	share := testShare()
	require.NoError(t, store.Put(ctx, share, "correct"))

	_, err = store.Get(ctx, share.VaultID, "wrong")
	assert.ErrorIs(t, err, ErrPasswordDenied)
	// a failed decryption denies access; it is not a store fault
	assert.NotErrorIs(t, err, ErrStoreIO)
}

func TestFileStoreNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Get(ctx, "no-such-vault", "")
	assert.ErrorIs(t, err, ErrNotFound)

	exist, err := store.Exists(ctx, "no-such-vault")
	require.NoError(t, err)
	assert.False(t, exist)

	// deleting a missing share is not an error
	assert.NoError(t, store.Delete(ctx, "no-such-vault"))
}

func TestFileStoreOverwrite(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	share := testShare()
	require.NoError(t, store.Put(ctx, share, "pass"))

	share.Material = []byte(`{"share":"cafebabe","index":1}`)
	require.NoError(t, store.Put(ctx, share, "pass"))

	got, err := store.Get(ctx, share.VaultID, "pass")
	require.NoError(t, err)
	assert.Equal(t, share.Material, got.Material)
}

func TestFileStoreEmptyPassphrase(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	share := testShare()
	require.NoError(t, store.Put(ctx, share, ""))

	got, err := store.Get(ctx, share.VaultID, "")
	require.NoError(t, err)
	assert.Equal(t, share.Material, got.Material)
}

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	share := testShare()

	require.NoError(t, store.Put(ctx, share, "pass"))
	got, err := store.Get(ctx, share.VaultID, "pass")
	require.NoError(t, err)
	assert.Equal(t, share.Material, got.Material)

	require.NoError(t, store.Delete(ctx, share.VaultID))
	_, err = store.Get(ctx, share.VaultID, "pass")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeBlob struct {
	files map[string][]byte
	fail  bool
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{files: make(map[string][]byte)}
}

func (f *fakeBlob) FileExist(_ context.Context, fileName string) (bool, error) {
	if f.fail {
		return false, fmt.Errorf("blob offline")
	}
	_, ok := f.files[fileName]
	return ok, nil
}

func (f *fakeBlob) UploadFileWithRetry(_ context.Context, fileContent []byte, fileName string, _ int) error {
	if f.fail {
		return fmt.Errorf("blob offline")
	}
	f.files[fileName] = fileContent
	return nil
}

func (f *fakeBlob) GetFile(_ context.Context, fileName string) ([]byte, error) {
	if f.fail {
		return nil, fmt.Errorf("blob offline")
	}
	content, ok := f.files[fileName]
	if !ok {
		return nil, fmt.Errorf("no such file")
	}
	return content, nil
}

func (f *fakeBlob) DeleteFile(_ context.Context, fileName string) error {
	if f.fail {
		return fmt.Errorf("blob offline")
	}
	delete(f.files, fileName)
	return nil
}

func TestBlockStoreRoundTrip(t *testing.T) {
	blob := newFakeBlob()
	store := NewBlockStore(blob)
	ctx := context.Background()
	share := testShare()

	require.NoError(t, store.Put(ctx, share, "pass"))
	assert.Contains(t, blob.files, Filename(share.VaultID))

	got, err := store.Get(ctx, share.VaultID, "pass")
	require.NoError(t, err)
	assert.Equal(t, share.Material, got.Material)

	_, err = store.Get(ctx, "missing", "pass")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlockStoreIOFailure(t *testing.T) {
	blob := newFakeBlob()
	store := NewBlockStore(blob)
	ctx := context.Background()
	share := testShare()
	require.NoError(t, store.Put(ctx, share, "pass"))

	blob.fail = true
	_, err := store.Get(ctx, share.VaultID, "pass")
	assert.ErrorIs(t, err, ErrStoreIO)
	assert.ErrorIs(t, store.Put(ctx, share, "pass"), ErrStoreIO)
	assert.ErrorIs(t, store.Delete(ctx, share.VaultID), ErrStoreIO)
}
