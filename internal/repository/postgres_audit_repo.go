package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hitoshi/signflow/internal/model"
)

// PostgresAuditLogRepo はPostgreSQLを使用した監査ログリポジトリ。
// UPDATE/DELETEは提供しない。
type PostgresAuditLogRepo struct {
	db *sql.DB
}

// NewPostgresAuditLogRepo はPostgresAuditLogRepoを生成する。
func NewPostgresAuditLogRepo(db *sql.DB) *PostgresAuditLogRepo {
	return &PostgresAuditLogRepo{db: db}
}

// Append は監査ログを追記する。Timestampはサーバー時刻で設定される。
func (r *PostgresAuditLogRepo) Append(ctx context.Context, entry *model.AuditLog) error {
	return insertAudit(ctx, r.db, entry)
}

// ListByEnvelope はエンベロープの監査ログを時系列順で返す。
func (r *PostgresAuditLogRepo) ListByEnvelope(ctx context.Context, envelopeID string) ([]*model.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, envelope_id, created_at, actor_email, actor_role, ip_address, user_agent, event, details
		 FROM audit_logs WHERE envelope_id = $1 ORDER BY created_at, id`,
		envelopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditLog
	for rows.Next() {
		e := &model.AuditLog{}
		var email, role, ip, ua sql.NullString
		var event string
		var details []byte
		if err := rows.Scan(&e.ID, &e.EnvelopeID, &e.Timestamp, &email, &role, &ip, &ua, &event, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		e.ActorEmail = nullStringValue(email)
		e.ActorRole = nullStringValue(role)
		e.IPAddress = nullStringValue(ip)
		e.UserAgent = nullStringValue(ua)
		e.Event = model.AuditEvent(event)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return entries, nil
}

func insertAudit(ctx context.Context, q querier, entry *model.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	err = q.QueryRowContext(ctx,
		`INSERT INTO audit_logs (id, envelope_id, actor_email, actor_role, ip_address, user_agent, event, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		entry.ID, entry.EnvelopeID, nullString(entry.ActorEmail), nullString(entry.ActorRole),
		nullString(entry.IPAddress), nullString(entry.UserAgent), string(entry.Event), b,
	).Scan(&entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuditLogRepository = (*PostgresAuditLogRepo)(nil)
