package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/signflow/internal/model"
)

// PostgresDocumentRepo はPostgreSQLを使用した文書リポジトリ。
type PostgresDocumentRepo struct {
	db *sql.DB
}

// NewPostgresDocumentRepo はPostgresDocumentRepoを生成する。
func NewPostgresDocumentRepo(db *sql.DB) *PostgresDocumentRepo {
	return &PostgresDocumentRepo{db: db}
}

// Create は文書を作成する。
func (r *PostgresDocumentRepo) Create(ctx context.Context, doc *model.Document) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (id, owner_id, name, storage_path, original_hash, size, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		doc.ID, doc.OwnerID, doc.Name, doc.StoragePath, doc.OriginalHash, doc.Size,
		doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// FindByID は指定IDの文書を取得する。見つからない場合はnilを返す。
func (r *PostgresDocumentRepo) FindByID(ctx context.Context, id string) (*model.Document, error) {
	doc := &model.Document{}
	var digest, path sql.NullString
	var certifiedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, storage_path, original_hash, size,
		        certified_digest, certified_path, certified_at, created_at, updated_at
		 FROM documents WHERE id = $1`,
		id,
	).Scan(
		&doc.ID, &doc.OwnerID, &doc.Name, &doc.StoragePath, &doc.OriginalHash, &doc.Size,
		&digest, &path, &certifiedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}

	doc.CertifiedDigest = nullStringValue(digest)
	doc.CertifiedPath = nullStringValue(path)
	doc.CertifiedAt = nullTimeValue(certifiedAt)
	return doc, nil
}

// UpdateCertification は証明済み成果物のダイジェストと保存先を上書きする。
func (r *PostgresDocumentRepo) UpdateCertification(ctx context.Context, id, digest, path string, certifiedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE documents SET certified_digest = $2, certified_path = $3,
		        certified_at = $4, updated_at = $4
		 WHERE id = $1`,
		id, digest, path, certifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update certification: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError("document", id)
	}
	return nil
}

// WithCertificationLock はトランザクションスコープのアドバイザリロックで
// 同一エンベロープの証明処理を直列化する。ロックはfn完了後のコミットで解放される。
func (r *PostgresDocumentRepo) WithCertificationLock(ctx context.Context, envelopeID string, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('certify:' || $1))`, envelopeID,
	); err != nil {
		return fmt.Errorf("failed to acquire certification lock: %w", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to release certification lock: %w", err)
	}
	return nil
}

// compile-time interface check
var _ DocumentRepository = (*PostgresDocumentRepo)(nil)
