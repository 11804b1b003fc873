package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/signflow/internal/model"
	"github.com/hitoshi/signflow/internal/repository"
	"github.com/hitoshi/signflow/internal/storage"
)

// --- モック定義 ---

type mockArtifactStore struct {
	putFn func(ctx context.Context, path string, data []byte) error
	getFn func(ctx context.Context, path string) ([]byte, error)
}

func (m *mockArtifactStore) Put(ctx context.Context, path string, data []byte) error {
	if m.putFn != nil {
		return m.putFn(ctx, path, data)
	}
	return nil
}

func (m *mockArtifactStore) Get(ctx context.Context, path string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, path)
	}
	return nil, storage.ErrNotExist
}

var _ storage.ArtifactStore = (*mockArtifactStore)(nil)

func newTestService(t *testing.T, maxSize int64) (*Service, *repository.MemoryStore, storage.ArtifactStore) {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	mem := repository.NewMemoryStore()
	return NewService(mem.Documents(), fs, nil, maxSize, nil), mem, fs
}

var pdf = []byte("%PDF-1.4\n1 0 obj << /Type /Page >> endobj\n%%EOF\n")

// TestUpload は保存とハッシュ記録を検証する。
func TestUpload(t *testing.T) {
	svc, _, fs := newTestService(t, 1024)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, "owner-1", "../contracts/nda.pdf", pdf)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	sum := sha256.Sum256(pdf)
	if doc.OriginalHash != hex.EncodeToString(sum[:]) {
		t.Errorf("OriginalHash = %s", doc.OriginalHash)
	}
	if doc.Name != "nda.pdf" {
		t.Errorf("Name = %q, want base name only", doc.Name)
	}
	if doc.StoragePath != "documents/"+doc.ID+".pdf" {
		t.Errorf("StoragePath = %q", doc.StoragePath)
	}
	stored, err := fs.Get(ctx, doc.StoragePath)
	if err != nil || !bytes.Equal(stored, pdf) {
		t.Errorf("stored bytes mismatch: %v", err)
	}

	got, err := svc.Get(ctx, "owner-1", doc.ID)
	if err != nil || got.ID != doc.ID {
		t.Errorf("Get = %v, %v", got, err)
	}
	_, err = svc.Get(ctx, "owner-2", doc.ID)
	if !model.IsCode(err, model.ErrCodeNotFound) {
		t.Errorf("other owner Get: expected NOT_FOUND, got %v", err)
	}
}

// TestUpload_Validation は入力検証を行う。
func TestUpload_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, 16)
	tests := []struct {
		name     string
		filename string
		data     []byte
	}{
		{"空の内容", "a.pdf", nil},
		{"名前なし", "", []byte("%PDF-")},
		{"サイズ超過", "big.pdf", bytes.Repeat([]byte("x"), 17)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upload(context.Background(), "owner-1", tt.filename, tt.data)
			if !model.IsCode(err, model.ErrCodeValidation) {
				t.Errorf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

// TestUpload_StorageError は保存失敗時に文書を登録しないことを検証する。
func TestUpload_StorageError(t *testing.T) {
	mem := repository.NewMemoryStore()
	store := &mockArtifactStore{putFn: func(ctx context.Context, path string, data []byte) error {
		return errors.New("disk full")
	}}
	svc := NewService(mem.Documents(), store, nil, 0, nil)

	_, err := svc.Upload(context.Background(), "owner-1", "a.pdf", pdf)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("storage failure should not be an APIError: %v", err)
	}
}

// TestOpenCertified は証明前後の取得を検証する。
func TestOpenCertified(t *testing.T) {
	svc, mem, fs := newTestService(t, 0)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, "owner-1", "a.pdf", pdf)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	_, _, err = svc.OpenCertified(ctx, "owner-1", doc.ID)
	if !model.IsCode(err, model.ErrCodeInvalidState) {
		t.Fatalf("expected INVALID_STATE before certification, got %v", err)
	}

	certified := []byte("certified-bytes")
	if err := fs.Put(ctx, "certified/env-1.pdf", certified); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mem.Documents().UpdateCertification(ctx, doc.ID, "digest", "certified/env-1.pdf", time.Now()); err != nil {
		t.Fatalf("UpdateCertification: %v", err)
	}

	got, data, err := svc.OpenCertified(ctx, "owner-1", doc.ID)
	if err != nil {
		t.Fatalf("OpenCertified: %v", err)
	}
	if !bytes.Equal(data, certified) || got.CertifiedDigest != "digest" {
		t.Errorf("unexpected artifact: %q / %s", data, got.CertifiedDigest)
	}

	_, _, err = svc.OpenCertified(ctx, "owner-2", doc.ID)
	if !model.IsCode(err, model.ErrCodeNotFound) {
		t.Errorf("other owner: expected NOT_FOUND, got %v", err)
	}
}
