package keyshare

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// FileStore keeps sealed shares as <vault-id>.vult files under one
// directory. Writes go through a temp file and rename, so a crash never
// leaves a half-written share behind.
type FileStore struct {
	dir    string
	logger *logrus.Logger
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("fail to create file store: directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: fail to create directory %s: %v", ErrStoreIO, dir, err)
	}
	return &FileStore{
		dir:    dir,
		logger: logrus.WithField("service", "keyshare-store").Logger,
	}, nil
}

func (s *FileStore) path(vaultID string) string {
	return filepath.Join(s.dir, Filename(vaultID))
}

func (s *FileStore) Put(ctx context.Context, share *Share, passphrase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content, err := seal(share, passphrase)
	if err != nil {
		return err
	}
	target := s.path(share.VaultID)
	tmp, err := os.CreateTemp(s.dir, Filename(share.VaultID)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: fail to create temp file: %v", ErrStoreIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: fail to write share: %v", ErrStoreIO, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: fail to close share file: %v", ErrStoreIO, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: fail to commit share file: %v", ErrStoreIO, err)
	}
	s.logger.WithFields(logrus.Fields{
		"vault": share.VaultID,
		"file":  target,
	}).Info("key share saved")
	return nil
}

func (s *FileStore) Get(ctx context.Context, vaultID, passphrase string) (*Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(s.path(vaultID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: vault %s", ErrNotFound, vaultID)
		}
		return nil, fmt.Errorf("%w: fail to read share: %v", ErrStoreIO, err)
	}
	return open(vaultID, content, passphrase)
}

func (s *FileStore) Exists(ctx context.Context, vaultID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(vaultID))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: fail to stat share: %v", ErrStoreIO, err)
}

func (s *FileStore) Delete(ctx context.Context, vaultID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(vaultID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: fail to delete share: %v", ErrStoreIO, err)
	}
	return nil
}
