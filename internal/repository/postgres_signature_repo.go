package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/signflow/internal/model"
)

const signatureColumns = `id, signer_id, envelope_id, consent, consent_text,
	image_data, image_mime, typed_text, placement, created_at`

// PostgresSignatureRepo はPostgreSQLを使用した署名リポジトリ。
type PostgresSignatureRepo struct {
	db *sql.DB
}

// NewPostgresSignatureRepo はPostgresSignatureRepoを生成する。
func NewPostgresSignatureRepo(db *sql.DB) *PostgresSignatureRepo {
	return &PostgresSignatureRepo{db: db}
}

// ListByEnvelope はエンベロープの全署名を返す。
func (r *PostgresSignatureRepo) ListByEnvelope(ctx context.Context, envelopeID string) ([]*model.Signature, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+signatureColumns+` FROM signatures WHERE envelope_id = $1 ORDER BY signer_id`,
		envelopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	defer rows.Close()

	var sigs []*model.Signature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signatures: %w", err)
	}
	return sigs, nil
}

func scanSignature(row rowScanner) (*model.Signature, error) {
	sig := &model.Signature{}
	var imageMime, typedText sql.NullString
	var placement []byte

	if err := row.Scan(
		&sig.ID, &sig.SignerID, &sig.EnvelopeID, &sig.Consent, &sig.ConsentText,
		&sig.ImageData, &imageMime, &typedText, &placement, &sig.CreatedAt,
	); err != nil {
		return nil, err
	}

	sig.ImageMime = nullStringValue(imageMime)
	sig.TypedText = nullStringValue(typedText)
	if len(placement) > 0 {
		var p model.SignaturePlacement
		if err := json.Unmarshal(placement, &p); err != nil {
			return nil, fmt.Errorf("failed to decode placement: %w", err)
		}
		sig.Placement = &p
	}
	return sig, nil
}

// PostgresFieldRepo はPostgreSQLを使用したフィールドリポジトリ。
type PostgresFieldRepo struct {
	db *sql.DB
}

// NewPostgresFieldRepo はPostgresFieldRepoを生成する。
func NewPostgresFieldRepo(db *sql.DB) *PostgresFieldRepo {
	return &PostgresFieldRepo{db: db}
}

// ListByEnvelope はエンベロープの全フィールドをページ順で返す。
func (r *PostgresFieldRepo) ListByEnvelope(ctx context.Context, envelopeID string) ([]*model.DocumentField, error) {
	return listFields(ctx, r.db, envelopeID)
}

func listFields(ctx context.Context, q querier, envelopeID string) ([]*model.DocumentField, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, envelope_id, signer_id, type, page, x, y, width, height, required, value
		 FROM document_fields WHERE envelope_id = $1 ORDER BY page, y, x, id`,
		envelopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list fields: %w", err)
	}
	defer rows.Close()

	var fields []*model.DocumentField
	for rows.Next() {
		f := &model.DocumentField{}
		var fieldType string
		var value sql.NullString
		if err := rows.Scan(
			&f.ID, &f.EnvelopeID, &f.SignerID, &fieldType, &f.Page,
			&f.X, &f.Y, &f.Width, &f.Height, &f.Required, &value,
		); err != nil {
			return nil, fmt.Errorf("failed to scan field: %w", err)
		}
		f.Type = model.FieldType(fieldType)
		f.Value = nullStringValue(value)
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fields: %w", err)
	}
	return fields, nil
}

// compile-time interface checks
var (
	_ SignatureRepository = (*PostgresSignatureRepo)(nil)
	_ FieldRepository     = (*PostgresFieldRepo)(nil)
)
