package handler

import (
	"time"

	"github.com/hitoshi/signflow/internal/envelope"
	"github.com/hitoshi/signflow/internal/model"
)

// documentResponse は文書情報のAPIレスポンス。保存先のパスは返さない。
type documentResponse struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	OriginalHash    string     `json:"original_hash"`
	Size            int64      `json:"size"`
	Certified       bool       `json:"certified"`
	CertifiedDigest string     `json:"certified_digest,omitempty"`
	CertifiedAt     *time.Time `json:"certified_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toDocumentResponse(d *model.Document) documentResponse {
	return documentResponse{
		ID:              d.ID,
		Name:            d.Name,
		OriginalHash:    d.OriginalHash,
		Size:            d.Size,
		Certified:       d.IsCertified(),
		CertifiedDigest: d.CertifiedDigest,
		CertifiedAt:     d.CertifiedAt,
		CreatedAt:       d.CreatedAt,
	}
}

// envelopeResponse はエンベロープ情報のAPIレスポンス。
type envelopeResponse struct {
	ID          string     `json:"id"`
	DocumentID  string     `json:"document_id"`
	Status      string     `json:"status"`
	Subject     string     `json:"subject"`
	Message     string     `json:"message,omitempty"`
	VoidReason  string     `json:"void_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toEnvelopeResponse(e *model.Envelope) envelopeResponse {
	return envelopeResponse{
		ID:          e.ID,
		DocumentID:  e.DocumentID,
		Status:      string(e.Status),
		Subject:     e.Subject,
		Message:     e.Message,
		VoidReason:  e.VoidReason,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		CompletedAt: e.CompletedAt,
	}
}

// signerResponse はオーナー向けの署名者情報。署名トークン・コード・セッションは含めない。
type signerResponse struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	RoutingOrder  int        `json:"routing_order"`
	Verified      bool       `json:"verified"`
	ViewedAt      *time.Time `json:"viewed_at,omitempty"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`
}

func toSignerResponse(s *model.Signer) signerResponse {
	return signerResponse{
		ID:            s.ID,
		Email:         s.Email,
		Name:          s.Name,
		Role:          string(s.Role),
		RoutingOrder:  s.RoutingOrder,
		Verified:      s.Verified,
		ViewedAt:      s.ViewedAt,
		SignedAt:      s.SignedAt,
		DeclinedAt:    s.DeclinedAt,
		DeclineReason: s.DeclineReason,
	}
}

// fieldPayload はフィールドの入出力形式。
type fieldPayload struct {
	ID       string  `json:"id,omitempty"`
	SignerID string  `json:"signer_id"`
	Type     string  `json:"type"`
	Page     int     `json:"page"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Required bool    `json:"required"`
	Value    string  `json:"value,omitempty"`
}

func toFieldPayload(f *model.DocumentField) fieldPayload {
	return fieldPayload{
		ID:       f.ID,
		SignerID: f.SignerID,
		Type:     string(f.Type),
		Page:     f.Page,
		X:        f.X,
		Y:        f.Y,
		Width:    f.Width,
		Height:   f.Height,
		Required: f.Required,
		Value:    f.Value,
	}
}

func (p fieldPayload) toModel() *model.DocumentField {
	return &model.DocumentField{
		ID:       p.ID,
		SignerID: p.SignerID,
		Type:     model.FieldType(p.Type),
		Page:     p.Page,
		X:        p.X,
		Y:        p.Y,
		Width:    p.Width,
		Height:   p.Height,
		Required: p.Required,
	}
}

func toFieldPayloads(fields []*model.DocumentField) []fieldPayload {
	out := make([]fieldPayload, len(fields))
	for i, f := range fields {
		out[i] = toFieldPayload(f)
	}
	return out
}

// envelopeDetailResponse はエンベロープ詳細のAPIレスポンス。
type envelopeDetailResponse struct {
	envelopeResponse
	Signers  []signerResponse `json:"signers"`
	Fields   []fieldPayload   `json:"fields"`
	Progress progressResponse `json:"progress"`
}

type progressResponse struct {
	Signed int `json:"signed"`
	Total  int `json:"total"`
}

func toEnvelopeDetailResponse(d *envelope.Detail) envelopeDetailResponse {
	signers := make([]signerResponse, len(d.Signers))
	for i, s := range d.Signers {
		signers[i] = toSignerResponse(s)
	}
	return envelopeDetailResponse{
		envelopeResponse: toEnvelopeResponse(d.Envelope),
		Signers:          signers,
		Fields:           toFieldPayloads(d.Fields),
		Progress:         progressResponse{Signed: d.SignedCount, Total: d.SignerCount},
	}
}

// auditLogResponse は監査ログエントリのAPIレスポンス。
type auditLogResponse struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Event      string         `json:"event"`
	ActorEmail string         `json:"actor_email,omitempty"`
	ActorRole  string         `json:"actor_role"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func toAuditLogResponse(l *model.AuditLog) auditLogResponse {
	return auditLogResponse{
		ID:         l.ID,
		Timestamp:  l.Timestamp,
		Event:      string(l.Event),
		ActorEmail: l.ActorEmail,
		ActorRole:  l.ActorRole,
		IPAddress:  l.IPAddress,
		UserAgent:  l.UserAgent,
		Details:    l.Details,
	}
}

// signingViewResponse は署名者が署名リンクから参照する情報。
type signingViewResponse struct {
	Envelope struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Subject string `json:"subject"`
		Message string `json:"message,omitempty"`
	} `json:"envelope"`
	Signer struct {
		ID       string     `json:"id"`
		Name     string     `json:"name"`
		Email    string     `json:"email"`
		Role     string     `json:"role"`
		Verified bool       `json:"verified"`
		SignedAt *time.Time `json:"signed_at,omitempty"`
	} `json:"signer"`
	Fields []fieldPayload `json:"fields"`
}

func toSigningViewResponse(v *envelope.SigningView) signingViewResponse {
	var resp signingViewResponse
	resp.Envelope.ID = v.Envelope.ID
	resp.Envelope.Status = string(v.Envelope.Status)
	resp.Envelope.Subject = v.Envelope.Subject
	resp.Envelope.Message = v.Envelope.Message
	resp.Signer.ID = v.Signer.ID
	resp.Signer.Name = v.Signer.Name
	resp.Signer.Email = v.Signer.Email
	resp.Signer.Role = string(v.Signer.Role)
	resp.Signer.Verified = v.Signer.Verified
	resp.Signer.SignedAt = v.Signer.SignedAt
	resp.Fields = toFieldPayloads(v.Fields)
	return resp
}
