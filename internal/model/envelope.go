// Package model はドメインモデルを定義する。
package model

import "time"

// EnvelopeStatus はエンベロープのライフサイクル状態を表す。
type EnvelopeStatus string

const (
	// StatusDraft は作成直後の編集可能な状態。
	StatusDraft EnvelopeStatus = "DRAFT"
	// StatusSent は署名依頼を送信済みの状態。
	StatusSent EnvelopeStatus = "SENT"
	// StatusViewed はいずれかの署名者が署名リンクを開いた状態。
	StatusViewed EnvelopeStatus = "VIEWED"
	// StatusPartiallySigned は一部の署名者のみ署名済みの状態。
	StatusPartiallySigned EnvelopeStatus = "PARTIALLY_SIGNED"
	// StatusCompleted は全署名者が署名済みの終端状態。
	StatusCompleted EnvelopeStatus = "COMPLETED"
	// StatusDeclined は署名者が辞退した終端状態。
	StatusDeclined EnvelopeStatus = "DECLINED"
	// StatusVoided はオーナーが無効化した終端状態。
	StatusVoided EnvelopeStatus = "VOIDED"
)

// IsTerminal は終端状態かどうかを返す。
func (s EnvelopeStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusVoided:
		return true
	}
	return false
}

// IsValid は定義済みの状態かどうかを返す。
func (s EnvelopeStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusViewed, StatusPartiallySigned,
		StatusCompleted, StatusDeclined, StatusVoided:
		return true
	}
	return false
}

// Envelope は1つの文書と署名者群を束ねる署名トランザクションを表す。
// 物理削除はせず、終端状態も監査用に保持する。
type Envelope struct {
	ID          string
	OwnerID     string
	DocumentID  string
	Status      EnvelopeStatus
	Subject     string
	Message     string
	VoidReason  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// SignerRole は署名者の役割を表す。
type SignerRole string

const (
	// RoleSigner は署名が必要な当事者。
	RoleSigner SignerRole = "SIGNER"
	// RoleCC は写しを受け取るだけの当事者。
	RoleCC SignerRole = "CC"
)

// IsValid は定義済みの役割かどうかを返す。
func (r SignerRole) IsValid() bool {
	return r == RoleSigner || r == RoleCC
}

// Signer はエンベロープに招待された当事者を表す。
// SigningToken は署名者を特定するためだけの資格情報で、認証にはワンタイムコードが別途必要。
type Signer struct {
	ID           string
	EnvelopeID   string
	Email        string
	Name         string
	Role         SignerRole
	RoutingOrder int
	SigningToken string

	// ワンタイムコード（SHA-256ハッシュで保持する）
	CodeHash      string
	CodeExpiresAt *time.Time
	CodeAttempts  int
	Verified      bool

	// 署名セッション
	SessionToken     string
	SessionExpiresAt *time.Time

	ViewedAt      *time.Time
	SignedAt      *time.Time
	DeclinedAt    *time.Time
	DeclineReason string

	IPAddress string
	UserAgent string
	Geo       string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasActed は署名または辞退済みかどうかを返す。
func (s *Signer) HasActed() bool {
	return s.SignedAt != nil || s.DeclinedAt != nil
}

// SignaturePlacement は署名画像の配置情報を表す。座標はページに対する正規化値。
type SignaturePlacement struct {
	Page     int     `json:"page"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	HideText bool    `json:"hide_text,omitempty"`
}

// Signature は署名者の署名行為の証跡を表す。署名者ごとに1件で、作成後は不変。
type Signature struct {
	ID          string
	SignerID    string
	EnvelopeID  string
	Consent     bool
	ConsentText string
	ImageData   []byte
	ImageMime   string
	TypedText   string
	Placement   *SignaturePlacement
	CreatedAt   time.Time
}

// FieldType はフィールドの種別を表す。
type FieldType string

const (
	FieldSignature FieldType = "SIGNATURE"
	FieldText      FieldType = "TEXT"
	FieldDate      FieldType = "DATE"
	FieldCheckbox  FieldType = "CHECKBOX"
	FieldInitial   FieldType = "INITIAL"
)

// IsValid は定義済みのフィールド種別かどうかを返す。
func (t FieldType) IsValid() bool {
	switch t {
	case FieldSignature, FieldText, FieldDate, FieldCheckbox, FieldInitial:
		return true
	}
	return false
}

// DocumentField は署名者ごとに配置された入力フィールドを表す。
// 座標はページ幅・高さに対する相対値（0〜1）で保持する。
type DocumentField struct {
	ID         string
	EnvelopeID string
	SignerID   string
	Type       FieldType
	Page       int
	X          float64
	Y          float64
	Width      float64
	Height     float64
	Required   bool
	Value      string
}

// SigningSession はワンタイムコード検証後に発行される署名セッションを表す。
type SigningSession struct {
	SignerID  string
	Token     string
	ExpiresAt time.Time
}
