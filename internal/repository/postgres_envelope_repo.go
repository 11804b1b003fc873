package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hitoshi/signflow/internal/model"
	"github.com/lib/pq"
)

const envelopeColumns = `id, owner_id, document_id, status, subject, message, void_reason,
	created_at, updated_at, completed_at`

// PostgresEnvelopeRepo はPostgreSQLを使用したエンベロープリポジトリ。
type PostgresEnvelopeRepo struct {
	db *sql.DB
}

// NewPostgresEnvelopeRepo はPostgresEnvelopeRepoを生成する。
func NewPostgresEnvelopeRepo(db *sql.DB) *PostgresEnvelopeRepo {
	return &PostgresEnvelopeRepo{db: db}
}

// Create はエンベロープと作成イベントの監査ログを同一トランザクションで作成する。
func (r *PostgresEnvelopeRepo) Create(ctx context.Context, env *model.Envelope, entry *model.AuditLog) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO envelopes (`+envelopeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		env.ID, env.OwnerID, env.DocumentID, string(env.Status),
		nullString(env.Subject), nullString(env.Message), nullString(env.VoidReason),
		env.CreatedAt, env.UpdatedAt, nullTime(env.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert envelope: %w", err)
	}

	if entry != nil {
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByID は指定IDのエンベロープを取得する。見つからない場合はnilを返す。
func (r *PostgresEnvelopeRepo) FindByID(ctx context.Context, id string) (*model.Envelope, error) {
	return findEnvelope(ctx, r.db, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = $1`, id)
}

// ListByOwner はオーナーのエンベロープ一覧を作成日時の降順で返す。
func (r *PostgresEnvelopeRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Envelope, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	defer rows.Close()

	var envelopes []*model.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate envelopes: %w", err)
	}
	return envelopes, nil
}

// WithLock はエンベロープ行をFOR UPDATEでロックしたトランザクション内でfnを実行する。
func (r *PostgresEnvelopeRepo) WithLock(ctx context.Context, id string, fn func(tx EnvelopeTx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	env, err := findEnvelope(ctx, sqlTx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return err
	}
	if env == nil {
		return model.NewNotFoundError("envelope", id)
	}

	if err := fn(&postgresEnvelopeTx{tx: sqlTx, env: env}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanEnvelope(row rowScanner) (*model.Envelope, error) {
	env := &model.Envelope{}
	var status string
	var subject, message, voidReason sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(
		&env.ID, &env.OwnerID, &env.DocumentID, &status, &subject, &message, &voidReason,
		&env.CreatedAt, &env.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	env.Status = model.EnvelopeStatus(status)
	env.Subject = nullStringValue(subject)
	env.Message = nullStringValue(message)
	env.VoidReason = nullStringValue(voidReason)
	env.CompletedAt = nullTimeValue(completedAt)
	return env, nil
}

func findEnvelope(ctx context.Context, q querier, query string, args ...any) (*model.Envelope, error) {
	env, err := scanEnvelope(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find envelope: %w", err)
	}
	return env, nil
}

// postgresEnvelopeTx はEnvelopeTxのPostgreSQL実装。
type postgresEnvelopeTx struct {
	tx  *sql.Tx
	env *model.Envelope
}

func (t *postgresEnvelopeTx) Envelope() *model.Envelope { return t.env }

func (t *postgresEnvelopeTx) Signers(ctx context.Context) ([]*model.Signer, error) {
	return listSigners(ctx, t.tx,
		`SELECT `+signerColumns+` FROM signers WHERE envelope_id = $1
		 ORDER BY routing_order, created_at, id FOR UPDATE`,
		t.env.ID,
	)
}

func (t *postgresEnvelopeTx) Fields(ctx context.Context) ([]*model.DocumentField, error) {
	return listFields(ctx, t.tx, t.env.ID)
}

func (t *postgresEnvelopeTx) UpdateEnvelope(ctx context.Context, env *model.Envelope) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE envelopes SET status = $2, subject = $3, message = $4, void_reason = $5,
		        updated_at = $6, completed_at = $7
		 WHERE id = $1`,
		env.ID, string(env.Status), nullString(env.Subject), nullString(env.Message),
		nullString(env.VoidReason), env.UpdatedAt, nullTime(env.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update envelope: %w", err)
	}
	return nil
}

func (t *postgresEnvelopeTx) CreateSigner(ctx context.Context, signer *model.Signer) error {
	return insertSigner(ctx, t.tx, signer)
}

func (t *postgresEnvelopeTx) UpdateSigner(ctx context.Context, signer *model.Signer) error {
	return updateSigner(ctx, t.tx, signer)
}

func (t *postgresEnvelopeTx) DeleteSigner(ctx context.Context, signerID string) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM document_fields WHERE signer_id = $1`, signerID,
	); err != nil {
		return fmt.Errorf("failed to delete signer fields: %w", err)
	}
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM signers WHERE id = $1 AND envelope_id = $2`, signerID, t.env.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete signer: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError("signer", signerID)
	}
	return nil
}

func (t *postgresEnvelopeTx) CreateSignature(ctx context.Context, sig *model.Signature) error {
	var placement []byte
	if sig.Placement != nil {
		b, err := json.Marshal(sig.Placement)
		if err != nil {
			return fmt.Errorf("failed to encode placement: %w", err)
		}
		placement = b
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO signatures (id, signer_id, envelope_id, consent, consent_text,
		                         image_data, image_mime, typed_text, placement, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sig.ID, sig.SignerID, sig.EnvelopeID, sig.Consent, sig.ConsentText,
		sig.ImageData, nullString(sig.ImageMime), nullString(sig.TypedText),
		placement, sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signature: %w", err)
	}
	return nil
}

func (t *postgresEnvelopeTx) ReplaceFields(ctx context.Context, fields []*model.DocumentField) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM document_fields WHERE envelope_id = $1`, t.env.ID,
	); err != nil {
		return fmt.Errorf("failed to clear fields: %w", err)
	}

	for _, f := range fields {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO document_fields (id, envelope_id, signer_id, type, page, x, y, width, height, required, value)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			f.ID, t.env.ID, f.SignerID, string(f.Type), f.Page, f.X, f.Y, f.Width, f.Height,
			f.Required, nullString(f.Value),
		)
		if err != nil {
			return fmt.Errorf("failed to insert field: %w", err)
		}
	}
	return nil
}

func (t *postgresEnvelopeTx) UpdateFieldValues(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	ids := make([]string, 0, len(values))
	vals := make([]string, 0, len(values))
	for id, v := range values {
		ids = append(ids, id)
		vals = append(vals, v)
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE document_fields AS f SET value = v.value
		 FROM unnest($2::uuid[], $3::text[]) AS v(id, value)
		 WHERE f.id = v.id AND f.envelope_id = $1`,
		t.env.ID, pq.Array(ids), pq.Array(vals),
	)
	if err != nil {
		return fmt.Errorf("failed to update field values: %w", err)
	}
	return nil
}

func (t *postgresEnvelopeTx) AppendAudit(ctx context.Context, entry *model.AuditLog) error {
	return insertAudit(ctx, t.tx, entry)
}

// compile-time interface checks
var (
	_ EnvelopeRepository = (*PostgresEnvelopeRepo)(nil)
	_ EnvelopeTx         = (*postgresEnvelopeTx)(nil)
)
