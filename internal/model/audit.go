package model

import "time"

// AuditEvent は監査ログのイベント名。
type AuditEvent string

const (
	EventEnvelopeCreated         AuditEvent = "ENVELOPE_CREATED"
	EventSignerAdded             AuditEvent = "SIGNER_ADDED"
	EventSignerRemoved           AuditEvent = "SIGNER_REMOVED"
	EventFieldsUpdated           AuditEvent = "FIELDS_UPDATED"
	EventEnvelopeSent            AuditEvent = "ENVELOPE_SENT"
	EventEnvelopeViewed          AuditEvent = "ENVELOPE_VIEWED"
	EventVerificationCodeSent    AuditEvent = "VERIFICATION_CODE_SENT"
	EventVerificationSucceeded   AuditEvent = "VERIFICATION_SUCCEEDED"
	EventVerificationFailed      AuditEvent = "VERIFICATION_FAILED"
	EventSessionEnded            AuditEvent = "SESSION_ENDED"
	EventDocumentSigned          AuditEvent = "DOCUMENT_SIGNED"
	EventEnvelopePartiallySigned AuditEvent = "ENVELOPE_PARTIALLY_SIGNED"
	EventEnvelopeCompleted       AuditEvent = "ENVELOPE_COMPLETED"
	EventEnvelopeDeclined        AuditEvent = "ENVELOPE_DECLINED"
	EventEnvelopeVoided          AuditEvent = "ENVELOPE_VOIDED"
	EventNotificationFailed      AuditEvent = "NOTIFICATION_FAILED"
	EventRenderFallbackUsed      AuditEvent = "RENDER_FALLBACK_USED"
	EventCompleteSignedPDF       AuditEvent = "COMPLETE_SIGNED_PDF_GENERATED"
)

// Actor ロール
const (
	ActorRoleOwner  = "OWNER"
	ActorRoleSigner = "SIGNER"
	ActorRoleSystem = "SYSTEM"
)

// AuditLog は追記専用の監査ログエントリ。更新・削除はしない。
type AuditLog struct {
	ID         string
	EnvelopeID string
	Timestamp  time.Time
	ActorEmail string
	ActorRole  string
	IPAddress  string
	UserAgent  string
	Event      AuditEvent
	Details    map[string]any
}

// Actor は操作主体を表す。
type Actor struct {
	ID    string
	Email string
	Role  string
}
