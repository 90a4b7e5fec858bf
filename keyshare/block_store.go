package keyshare

import (
	"context"
	"fmt"
)

// Blob is the slice of object storage the BlockStore needs. It is satisfied
// by storage.BlockStorage.
type Blob interface {
	FileExist(ctx context.Context, fileName string) (bool, error)
	UploadFileWithRetry(ctx context.Context, fileContent []byte, fileName string, retry int) error
	GetFile(ctx context.Context, fileName string) ([]byte, error)
	DeleteFile(ctx context.Context, fileName string) error
}

// BlockStore keeps sealed shares in object storage under the same
// <vault-id>.vult names the FileStore uses locally. The server side runs on
// this store so shares survive host loss.
type BlockStore struct {
	blob        Blob
	uploadRetry int
}

var _ Store = (*BlockStore)(nil)

func NewBlockStore(blob Blob) *BlockStore {
	return &BlockStore{
		blob:        blob,
		uploadRetry: 3,
	}
}

func (s *BlockStore) Put(ctx context.Context, share *Share, passphrase string) error {
	content, err := seal(share, passphrase)
	if err != nil {
		return err
	}
	if err := s.blob.UploadFileWithRetry(ctx, content, Filename(share.VaultID), s.uploadRetry); err != nil {
		return fmt.Errorf("%w: fail to upload share: %v", ErrStoreIO, err)
	}
	return nil
}

func (s *BlockStore) Get(ctx context.Context, vaultID, passphrase string) (*Share, error) {
	exist, err := s.blob.FileExist(ctx, Filename(vaultID))
	if err != nil {
		return nil, fmt.Errorf("%w: fail to check share: %v", ErrStoreIO, err)
	}
	if !exist {
		return nil, fmt.Errorf("%w: vault %s", ErrNotFound, vaultID)
	}
	content, err := s.blob.GetFile(ctx, Filename(vaultID))
	if err != nil {
		return nil, fmt.Errorf("%w: fail to download share: %v", ErrStoreIO, err)
	}
	return open(vaultID, content, passphrase)
}

func (s *BlockStore) Exists(ctx context.Context, vaultID string) (bool, error) {
	exist, err := s.blob.FileExist(ctx, Filename(vaultID))
	if err != nil {
		return false, fmt.Errorf("%w: fail to check share: %v", ErrStoreIO, err)
	}
	return exist, nil
}

func (s *BlockStore) Delete(ctx context.Context, vaultID string) error {
	if err := s.blob.DeleteFile(ctx, Filename(vaultID)); err != nil {
		return fmt.Errorf("%w: fail to delete share: %v", ErrStoreIO, err)
	}
	return nil
}
