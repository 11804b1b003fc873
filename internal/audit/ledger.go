// Package audit は追記専用の監査ログ（ledger）を提供する。
// 全コンポーネントが状態遷移や失敗をここに記録する。
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/signflow/internal/model"
	"github.com/hitoshi/signflow/internal/repository"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var requestMetaKey = contextKey("audit_request_meta")

// RequestMeta はリクエスト元の情報を表す。監査ログと署名者の記録に使う。
type RequestMeta struct {
	IPAddress string
	UserAgent string
	Geo       string
}

// WithRequestMeta はコンテキストにリクエスト元情報を注入する。
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey, meta)
}

// RequestMetaFromContext はコンテキストからリクエスト元情報を取得する。
// 未設定の場合はゼロ値を返す。
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey).(RequestMeta)
	return meta
}

// NewEntry は監査ログエントリを組み立てる。Timestampは永続化時にサーバー側で設定される。
func NewEntry(ctx context.Context, envelopeID string, event model.AuditEvent, actor model.Actor, details map[string]any) *model.AuditLog {
	meta := RequestMetaFromContext(ctx)
	d := make(map[string]any, len(details)+1)
	for k, v := range details {
		d[k] = v
	}
	if actor.ID != "" {
		d["actor_id"] = actor.ID
	}
	return &model.AuditLog{
		EnvelopeID: envelopeID,
		ActorEmail: actor.Email,
		ActorRole:  actor.Role,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Event:      event,
		Details:    d,
	}
}

// Ledger は監査ログの追記と参照を提供する。
type Ledger struct {
	repo   repository.AuditLogRepository
	logger *slog.Logger
}

// NewLedger はLedgerを生成する。loggerがnilの場合はslog.Default()を使う。
func NewLedger(repo repository.AuditLogRepository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, logger: logger}
}

// Record はトランザクション外で監査ログを1件追記する。
func (l *Ledger) Record(ctx context.Context, envelopeID string, event model.AuditEvent, actor model.Actor, details map[string]any) error {
	entry := NewEntry(ctx, envelopeID, event, actor, details)
	if err := l.repo.Append(ctx, entry); err != nil {
		l.logger.Error("failed to append audit log",
			slog.String("envelope_id", envelopeID),
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to record audit event %s: %w", event, err)
	}
	return nil
}

// List はエンベロープの監査ログを時系列順で返す。
func (l *Ledger) List(ctx context.Context, envelopeID string) ([]*model.AuditLog, error) {
	entries, err := l.repo.ListByEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return entries, nil
}
