// Package storage は文書と証明済み成果物のバイト列を保存する。
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotExist は指定パスに成果物が存在しないことを表す。
var ErrNotExist = errors.New("artifact does not exist")

// ArtifactStore は相対パスをキーにしたバイト列ストア。
type ArtifactStore interface {
	// Put はdataをpathに書き込む。既存の内容は置き換えられる。
	Put(ctx context.Context, path string, data []byte) error
	// Get はpathの内容を返す。存在しない場合はErrNotExistをラップして返す。
	Get(ctx context.Context, path string) ([]byte, error)
}

// FileStore はローカルディレクトリを使ったArtifactStore。
// 一時ファイルへの書き込み後にリネームするため、読み手が書きかけの内容を見ることはない。
type FileStore struct {
	root string
}

// NewFileStore はrootをルートディレクトリとするFileStoreを生成する。
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// resolve は相対パスを絶対パスに変換する。ルート外を指すパスは拒否する。
func (s *FileStore) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", fmt.Errorf("invalid artifact path: %q", path)
	}
	full := filepath.Join(s.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path escapes storage root: %q", path)
	}
	return full, nil
}

// Put はdataを一時ファイルに書き込み、fsync後に目的のパスへリネームする。
func (s *FileStore) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	return nil
}

// Get はpathの内容を返す。
func (s *FileStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

var _ ArtifactStore = (*FileStore)(nil)
