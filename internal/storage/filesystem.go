package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore writes assets under a local directory, for development.
type FileStore struct {
	root          string
	publicBaseURL string
	bucket        string
}

// NewFileStore creates root if needed.
func NewFileStore(root string, publicBaseURL string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: asset directory is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create asset directory: %w", err)
	}
	return &FileStore{root: root, publicBaseURL: strings.TrimRight(publicBaseURL, "/"), bucket: filepath.Base(root)}, nil
}

func (store *FileStore) Put(ctx context.Context, objectPath string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("no data to write")
	}
	key, err := objectKey("", objectPath)
	if err != nil {
		return "", err
	}
	target := filepath.Join(store.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create asset directory: %w", err)
	}
	// Write then rename so readers never see a partial file.
	temporary := target + ".tmp"
	if err := os.WriteFile(temporary, data, 0o644); err != nil {
		return "", fmt.Errorf("write asset: %w", err)
	}
	if err := os.Rename(temporary, target); err != nil {
		return "", fmt.Errorf("commit asset: %w", err)
	}
	return store.publicBaseURL + "/" + key, nil
}

func (store *FileStore) Bucket() string {
	return store.bucket
}
