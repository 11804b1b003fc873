// Package document は原本文書のアップロードと証明済み成果物の取得を提供する。
package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/signflow/internal/model"
	"github.com/hitoshi/signflow/internal/repository"
	"github.com/hitoshi/signflow/internal/security"
	"github.com/hitoshi/signflow/internal/storage"
)

const maxNameLen = 255

// StoragePath は原本文書の保存先を返す。
func StoragePath(documentID string) string {
	return path.Join("documents", documentID+".pdf")
}

// Service は文書のサービス層。
type Service struct {
	repo      repository.DocumentRepository
	store     storage.ArtifactStore
	sanitizer security.TextSanitizer
	maxSize   int64
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。maxSizeが0以下の場合はサイズ上限を設けない。
func NewService(repo repository.DocumentRepository, store storage.ArtifactStore, sanitizer security.TextSanitizer, maxSize int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &Service{
		repo:      repo,
		store:     store,
		sanitizer: sanitizer,
		maxSize:   maxSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Upload は原本文書を保存し、SHA-256ハッシュを記録する。
// 内容の解析は行わない。解析できない文書も証明時に代替文書で処理される。
func (s *Service) Upload(ctx context.Context, ownerID, name string, data []byte) (*model.Document, error) {
	name = s.sanitizer.Sanitize(path.Base(name), maxNameLen)
	var problems []string
	if name == "" || name == "." || name == "/" {
		problems = append(problems, "document name is required")
	}
	if len(data) == 0 {
		problems = append(problems, "document content is empty")
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		problems = append(problems, fmt.Sprintf("document exceeds the maximum size of %d bytes", s.maxSize))
	}
	if len(problems) > 0 {
		return nil, model.NewValidationError(problems...)
	}

	sum := sha256.Sum256(data)
	now := s.now().UTC().Truncate(time.Microsecond)
	doc := &model.Document{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Name:         name,
		OriginalHash: hex.EncodeToString(sum[:]),
		Size:         int64(len(data)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	doc.StoragePath = StoragePath(doc.ID)

	if err := s.store.Put(ctx, doc.StoragePath, data); err != nil {
		return nil, fmt.Errorf("文書の保存に失敗しました: %w", err)
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("文書の登録に失敗しました: %w", err)
	}

	s.logger.Info("document uploaded",
		slog.String("document_id", doc.ID),
		slog.String("owner_id", ownerID),
		slog.Int64("size", doc.Size),
	)
	return doc, nil
}

// Get はオーナーの文書を返す。他人の文書はNOT_FOUNDとして扱う。
func (s *Service) Get(ctx context.Context, ownerID, id string) (*model.Document, error) {
	doc, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("文書の取得に失敗しました: %w", err)
	}
	if doc == nil || doc.OwnerID != ownerID {
		return nil, model.NewNotFoundError("document", id)
	}
	return doc, nil
}

// OpenCertified は証明済み成果物のバイト列を返す。未証明の場合はINVALID_STATEを返す。
func (s *Service) OpenCertified(ctx context.Context, ownerID, id string) (*model.Document, []byte, error) {
	doc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	if !doc.IsCertified() {
		return nil, nil, model.NewInvalidStateError("document", id, "document has not been certified")
	}
	data, err := s.store.Get(ctx, doc.CertifiedPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, nil, model.NewNotFoundError("certified artifact", doc.CertifiedPath).WithDetail("document_id", id)
		}
		return nil, nil, fmt.Errorf("証明済み成果物の読み込みに失敗しました: %w", err)
	}
	return doc, data, nil
}
