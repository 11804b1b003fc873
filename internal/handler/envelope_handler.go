package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/signflow/internal/certify"
	"github.com/hitoshi/signflow/internal/envelope"
	"github.com/hitoshi/signflow/internal/model"
)

// EnvelopeServiceInterface はエンベロープハンドラーが必要とするサービスインターフェース。
type EnvelopeServiceInterface interface {
	Create(ctx context.Context, ownerID, documentID, subject, message string) (*model.Envelope, error)
	Get(ctx context.Context, ownerID, envelopeID string) (*envelope.Detail, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Envelope, error)
	AddSigner(ctx context.Context, ownerID, envelopeID string, spec envelope.SignerSpec) (*envelope.AddSignerResult, error)
	RemoveSigner(ctx context.Context, ownerID, envelopeID, signerID string) error
	SetFields(ctx context.Context, ownerID, envelopeID string, fields []*model.DocumentField) ([]*model.DocumentField, error)
	Send(ctx context.Context, ownerID, envelopeID string) (*model.Envelope, error)
	Void(ctx context.Context, ownerID, envelopeID, reason string) (*model.Envelope, error)
}

// CertifierInterface は証明処理のインターフェース。
type CertifierInterface interface {
	Certify(ctx context.Context, ownerID, envelopeID string) (*certify.Result, error)
}

// AuditListerInterface は監査ログ取得のインターフェース。
type AuditListerInterface interface {
	List(ctx context.Context, envelopeID string) ([]*model.AuditLog, error)
}

// EnvelopeHandler はエンベロープ管理のHTTPハンドラー。
type EnvelopeHandler struct {
	service   EnvelopeServiceInterface
	certifier CertifierInterface
	audit     AuditListerInterface
}

// NewEnvelopeHandler はEnvelopeHandlerを生成する。
func NewEnvelopeHandler(service EnvelopeServiceInterface, certifier CertifierInterface, audit AuditListerInterface) *EnvelopeHandler {
	return &EnvelopeHandler{
		service:   service,
		certifier: certifier,
		audit:     audit,
	}
}

type createEnvelopeRequest struct {
	DocumentID string `json:"document_id"`
	Subject    string `json:"subject"`
	Message    string `json:"message"`
}

type addSignerRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	RoutingOrder int    `json:"routing_order"`
}

type addSignerResponse struct {
	Signer signerResponse `json:"signer"`
	// InviteCode はSIGNERロールにのみ返す。オーナーが署名者に別経路で伝える。
	InviteCode string `json:"invite_code,omitempty"`
}

type setFieldsRequest struct {
	Fields []fieldPayload `json:"fields"`
}

type voidRequest struct {
	Reason string `json:"reason"`
}

type certifyResponse struct {
	EnvelopeID   string    `json:"envelope_id"`
	DocumentID   string    `json:"document_id"`
	OriginalHash string    `json:"original_hash"`
	ContentHash  string    `json:"content_hash"`
	CompleteHash string    `json:"complete_hash"`
	Fingerprint  string    `json:"fingerprint"`
	FallbackUsed bool      `json:"fallback_used"`
	CertifiedAt  time.Time `json:"certified_at"`
	Size         int       `json:"size"`
}

// Create はエンベロープを作成する。
// POST /api/envelopes
func (h *EnvelopeHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req createEnvelopeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DocumentID == "" {
		handleServiceError(w, r, model.NewValidationError("document_id is required"))
		return
	}

	env, err := h.service.Create(r.Context(), ownerID, req.DocumentID, req.Subject, req.Message)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEnvelopeResponse(env))
}

// List はオーナーのエンベロープ一覧を返す。
// GET /api/envelopes
func (h *EnvelopeHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	envs, err := h.service.ListByOwner(r.Context(), ownerID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]envelopeResponse, len(envs))
	for i, e := range envs {
		out[i] = toEnvelopeResponse(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"envelopes": out})
}

// Get はエンベロープの詳細を返す。
// GET /api/envelopes/{id}
func (h *EnvelopeHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	detail, err := h.service.Get(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeDetailResponse(detail))
}

// AddSigner は署名者を追加する。
// POST /api/envelopes/{id}/signers
func (h *EnvelopeHandler) AddSigner(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req addSignerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.AddSigner(r.Context(), ownerID, chi.URLParam(r, "id"), envelope.SignerSpec{
		Email:        req.Email,
		Name:         req.Name,
		Role:         model.SignerRole(req.Role),
		RoutingOrder: req.RoutingOrder,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, addSignerResponse{
		Signer:     toSignerResponse(res.Signer),
		InviteCode: res.InviteCode,
	})
}

// RemoveSigner は署名者を削除する。
// DELETE /api/envelopes/{id}/signers/{signerID}
func (h *EnvelopeHandler) RemoveSigner(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveSigner(r.Context(), ownerID, chi.URLParam(r, "id"), chi.URLParam(r, "signerID")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetFields はフィールド配置を置き換える。
// PUT /api/envelopes/{id}/fields
func (h *EnvelopeHandler) SetFields(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req setFieldsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fields := make([]*model.DocumentField, len(req.Fields))
	for i, f := range req.Fields {
		fields[i] = f.toModel()
	}

	saved, err := h.service.SetFields(r.Context(), ownerID, chi.URLParam(r, "id"), fields)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": toFieldPayloads(saved)})
}

// Send は署名依頼を送信する。
// POST /api/envelopes/{id}/send
func (h *EnvelopeHandler) Send(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	env, err := h.service.Send(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeResponse(env))
}

// Void はエンベロープを無効化する。
// POST /api/envelopes/{id}/void
func (h *EnvelopeHandler) Void(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req voidRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	env, err := h.service.Void(r.Context(), ownerID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeResponse(env))
}

// Certify は証明済み成果物を生成する。
// POST /api/envelopes/{id}/certify
func (h *EnvelopeHandler) Certify(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	res, err := h.certifier.Certify(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certifyResponse{
		EnvelopeID:   res.EnvelopeID,
		DocumentID:   res.DocumentID,
		OriginalHash: res.OriginalHash,
		ContentHash:  res.ContentHash,
		CompleteHash: res.CompleteHash,
		Fingerprint:  res.Fingerprint,
		FallbackUsed: res.FallbackUsed,
		CertifiedAt:  res.CertifiedAt,
		Size:         res.Size,
	})
}

// AuditTrail はエンベロープの監査ログを時系列で返す。
// GET /api/envelopes/{id}/audit
func (h *EnvelopeHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	envelopeID := chi.URLParam(r, "id")
	// 所有者の確認を兼ねる
	if _, err := h.service.Get(r.Context(), ownerID, envelopeID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	logs, err := h.audit.List(r.Context(), envelopeID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]auditLogResponse, len(logs))
	for i, l := range logs {
		out[i] = toAuditLogResponse(l)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
