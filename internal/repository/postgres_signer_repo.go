package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/signflow/internal/model"
)

const signerColumns = `id, envelope_id, email, name, role, routing_order, signing_token,
	code_hash, code_expires_at, code_attempts, verified,
	session_token, session_expires_at,
	viewed_at, signed_at, declined_at, decline_reason,
	ip_address, user_agent, geo, created_at, updated_at`

// PostgresSignerRepo はPostgreSQLを使用した署名者リポジトリ。
type PostgresSignerRepo struct {
	db *sql.DB
}

// NewPostgresSignerRepo はPostgresSignerRepoを生成する。
func NewPostgresSignerRepo(db *sql.DB) *PostgresSignerRepo {
	return &PostgresSignerRepo{db: db}
}

// FindByID は指定IDの署名者を取得する。見つからない場合はnilを返す。
func (r *PostgresSignerRepo) FindByID(ctx context.Context, id string) (*model.Signer, error) {
	return findSigner(ctx, r.db, `SELECT `+signerColumns+` FROM signers WHERE id = $1`, id)
}

// FindBySigningToken は署名リンクのトークンで署名者を検索する。見つからない場合はnilを返す。
func (r *PostgresSignerRepo) FindBySigningToken(ctx context.Context, token string) (*model.Signer, error) {
	return findSigner(ctx, r.db, `SELECT `+signerColumns+` FROM signers WHERE signing_token = $1`, token)
}

// ListByEnvelope はエンベロープの全署名者をルーティング順で返す。
func (r *PostgresSignerRepo) ListByEnvelope(ctx context.Context, envelopeID string) ([]*model.Signer, error) {
	return listSigners(ctx, r.db,
		`SELECT `+signerColumns+` FROM signers WHERE envelope_id = $1
		 ORDER BY routing_order, created_at, id`,
		envelopeID,
	)
}

// ListByEnvelopeAndRole はエンベロープの署名者のうち指定ロールのものを返す。
func (r *PostgresSignerRepo) ListByEnvelopeAndRole(ctx context.Context, envelopeID string, role model.SignerRole) ([]*model.Signer, error) {
	return listSigners(ctx, r.db,
		`SELECT `+signerColumns+` FROM signers WHERE envelope_id = $1 AND role = $2
		 ORDER BY routing_order, created_at, id`,
		envelopeID, string(role),
	)
}

// Update は署名者をFOR UPDATEでロックし、fnの変更結果を書き戻す。
func (r *PostgresSignerRepo) Update(ctx context.Context, id string, fn func(signer *model.Signer) error) (*model.Signer, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	signer, err := findSigner(ctx, tx, `SELECT `+signerColumns+` FROM signers WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, model.NewNotFoundError("signer", id)
	}

	if err := fn(signer); err != nil {
		return nil, err
	}

	if err := updateSigner(ctx, tx, signer); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit signer update: %w", err)
	}
	return signer, nil
}

func scanSigner(row rowScanner) (*model.Signer, error) {
	s := &model.Signer{}
	var role string
	var codeHash, sessionToken, declineReason, ip, ua, geo sql.NullString
	var codeExpiresAt, sessionExpiresAt, viewedAt, signedAt, declinedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.EnvelopeID, &s.Email, &s.Name, &role, &s.RoutingOrder, &s.SigningToken,
		&codeHash, &codeExpiresAt, &s.CodeAttempts, &s.Verified,
		&sessionToken, &sessionExpiresAt,
		&viewedAt, &signedAt, &declinedAt, &declineReason,
		&ip, &ua, &geo, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Role = model.SignerRole(role)
	s.CodeHash = nullStringValue(codeHash)
	s.CodeExpiresAt = nullTimeValue(codeExpiresAt)
	s.SessionToken = nullStringValue(sessionToken)
	s.SessionExpiresAt = nullTimeValue(sessionExpiresAt)
	s.ViewedAt = nullTimeValue(viewedAt)
	s.SignedAt = nullTimeValue(signedAt)
	s.DeclinedAt = nullTimeValue(declinedAt)
	s.DeclineReason = nullStringValue(declineReason)
	s.IPAddress = nullStringValue(ip)
	s.UserAgent = nullStringValue(ua)
	s.Geo = nullStringValue(geo)
	return s, nil
}

func findSigner(ctx context.Context, q querier, query string, args ...any) (*model.Signer, error) {
	s, err := scanSigner(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find signer: %w", err)
	}
	return s, nil
}

func listSigners(ctx context.Context, q querier, query string, args ...any) ([]*model.Signer, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signers: %w", err)
	}
	defer rows.Close()

	var signers []*model.Signer
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signer: %w", err)
		}
		signers = append(signers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signers: %w", err)
	}
	return signers, nil
}

func insertSigner(ctx context.Context, q querier, s *model.Signer) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO signers (`+signerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		         $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		s.ID, s.EnvelopeID, s.Email, s.Name, string(s.Role), s.RoutingOrder, s.SigningToken,
		nullString(s.CodeHash), nullTime(s.CodeExpiresAt), s.CodeAttempts, s.Verified,
		nullString(s.SessionToken), nullTime(s.SessionExpiresAt),
		nullTime(s.ViewedAt), nullTime(s.SignedAt), nullTime(s.DeclinedAt), nullString(s.DeclineReason),
		nullString(s.IPAddress), nullString(s.UserAgent), nullString(s.Geo),
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signer: %w", err)
	}
	return nil
}

func updateSigner(ctx context.Context, q querier, s *model.Signer) error {
	_, err := q.ExecContext(ctx,
		`UPDATE signers SET
		    email = $2, name = $3, role = $4, routing_order = $5,
		    code_hash = $6, code_expires_at = $7, code_attempts = $8, verified = $9,
		    session_token = $10, session_expires_at = $11,
		    viewed_at = $12, signed_at = $13, declined_at = $14, decline_reason = $15,
		    ip_address = $16, user_agent = $17, geo = $18, updated_at = $19
		 WHERE id = $1`,
		s.ID, s.Email, s.Name, string(s.Role), s.RoutingOrder,
		nullString(s.CodeHash), nullTime(s.CodeExpiresAt), s.CodeAttempts, s.Verified,
		nullString(s.SessionToken), nullTime(s.SessionExpiresAt),
		nullTime(s.ViewedAt), nullTime(s.SignedAt), nullTime(s.DeclinedAt), nullString(s.DeclineReason),
		nullString(s.IPAddress), nullString(s.UserAgent), nullString(s.Geo), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update signer: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SignerRepository = (*PostgresSignerRepo)(nil)
