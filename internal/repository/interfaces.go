// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/signflow/internal/model"
)

// DocumentRepository は文書データの永続化インターフェース。
type DocumentRepository interface {
	// Create は文書を作成する。
	Create(ctx context.Context, doc *model.Document) error

	// FindByID は指定IDの文書を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Document, error)

	// UpdateCertification は証明済み成果物のダイジェストと保存先を上書きする。
	// 追記ではなく常に前回値を置き換える。
	UpdateCertification(ctx context.Context, id, digest, path string, certifiedAt time.Time) error

	// WithCertificationLock は同一エンベロープに対する証明処理の書き込みを直列化する。
	// fnの実行中は同じenvelopeIDで呼び出された他のfnはブロックされる。
	WithCertificationLock(ctx context.Context, envelopeID string, fn func(ctx context.Context) error) error
}

// EnvelopeRepository はエンベロープデータの永続化インターフェース。
type EnvelopeRepository interface {
	// Create はエンベロープを作成し、作成イベントの監査ログを同一トランザクションで追記する。
	Create(ctx context.Context, env *model.Envelope, entry *model.AuditLog) error

	// FindByID は指定IDのエンベロープを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Envelope, error)

	// ListByOwner はオーナーのエンベロープ一覧を作成日時の降順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Envelope, error)

	// WithLock は対象エンベロープの行ロックを取得してfnを実行する。
	// fnがエラーを返した場合は全変更をロールバックする。
	// エンベロープが存在しない場合はmodel.ErrCodeNotFoundのAPIErrorを返す。
	WithLock(ctx context.Context, id string, fn func(tx EnvelopeTx) error) error
}

// EnvelopeTx はロック済みエンベロープに対するトランザクション内操作。
// 署名者一覧は常にトランザクション内で読み直し、集計状態の再計算に使う。
type EnvelopeTx interface {
	// Envelope はロック取得時点のエンベロープを返す。
	Envelope() *model.Envelope
	// Signers はエンベロープの全署名者をルーティング順で返す。
	Signers(ctx context.Context) ([]*model.Signer, error)
	// Fields はエンベロープの全フィールドを返す。
	Fields(ctx context.Context) ([]*model.DocumentField, error)

	UpdateEnvelope(ctx context.Context, env *model.Envelope) error
	CreateSigner(ctx context.Context, signer *model.Signer) error
	UpdateSigner(ctx context.Context, signer *model.Signer) error
	DeleteSigner(ctx context.Context, signerID string) error
	CreateSignature(ctx context.Context, sig *model.Signature) error
	// ReplaceFields はエンベロープのフィールドを全件置き換える。
	ReplaceFields(ctx context.Context, fields []*model.DocumentField) error
	// UpdateFieldValues はフィールドIDごとの値を更新する。
	UpdateFieldValues(ctx context.Context, values map[string]string) error
	// AppendAudit は監査ログを追記する。Timestampはサーバー側で設定される。
	AppendAudit(ctx context.Context, entry *model.AuditLog) error
}

// SignerRepository は署名者データの永続化インターフェース。
type SignerRepository interface {
	// FindByID は指定IDの署名者を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Signer, error)

	// FindBySigningToken は署名リンクのトークンで署名者を検索する。見つからない場合はnilを返す。
	FindBySigningToken(ctx context.Context, token string) (*model.Signer, error)

	// ListByEnvelope はエンベロープの全署名者をルーティング順で返す。
	ListByEnvelope(ctx context.Context, envelopeID string) ([]*model.Signer, error)

	// ListByEnvelopeAndRole はエンベロープの署名者のうち指定ロールのものをルーティング順で返す。
	ListByEnvelopeAndRole(ctx context.Context, envelopeID string, role model.SignerRole) ([]*model.Signer, error)

	// Update は署名者の行ロックを取得し、fnで変更した内容を書き戻す。
	// fnがエラーを返した場合は何も書き込まずにそのエラーを返す。
	// 署名者が存在しない場合はmodel.ErrCodeNotFoundのAPIErrorを返す。
	Update(ctx context.Context, id string, fn func(signer *model.Signer) error) (*model.Signer, error)
}

// SignatureRepository は署名データの参照インターフェース。
// 署名の作成はEnvelopeTx経由でのみ行う。
type SignatureRepository interface {
	// ListByEnvelope はエンベロープの全署名を返す。
	ListByEnvelope(ctx context.Context, envelopeID string) ([]*model.Signature, error)
}

// FieldRepository はフィールドデータの参照インターフェース。
type FieldRepository interface {
	// ListByEnvelope はエンベロープの全フィールドをページ順で返す。
	ListByEnvelope(ctx context.Context, envelopeID string) ([]*model.DocumentField, error)
}

// AuditLogRepository は監査ログの永続化インターフェース。追記専用。
type AuditLogRepository interface {
	// Append は監査ログを追記する。Timestampはサーバー側で設定される。
	Append(ctx context.Context, entry *model.AuditLog) error

	// ListByEnvelope はエンベロープの監査ログを時系列順で返す。
	ListByEnvelope(ctx context.Context, envelopeID string) ([]*model.AuditLog, error)
}
