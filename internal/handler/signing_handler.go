package handler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/signflow/internal/envelope"
	"github.com/hitoshi/signflow/internal/middleware"
	"github.com/hitoshi/signflow/internal/model"
	"github.com/hitoshi/signflow/internal/verification"
)

// SigningSessionHeader は署名セッショントークンを渡すリクエストヘッダー。
const SigningSessionHeader = "X-Signing-Session"

// SigningServiceInterface は署名者ハンドラーが必要とするエンベロープ操作。
type SigningServiceInterface interface {
	LocateSigner(ctx context.Context, signingToken string) (*model.Signer, error)
	MarkViewed(ctx context.Context, signingToken string) (*envelope.SigningView, error)
	RecordSignature(ctx context.Context, envelopeID, signerID, sessionToken string, in envelope.SignatureInput) (*envelope.SignResult, error)
	Decline(ctx context.Context, envelopeID, signerID, sessionToken, reason string) (*model.Envelope, error)
}

// VerificationServiceInterface は署名者ハンドラーが必要とする本人確認の操作。
type VerificationServiceInterface interface {
	InitiateVerification(ctx context.Context, signerID string) (*verification.InitiateResult, error)
	VerifyCode(ctx context.Context, signerID, submitted string) (*model.SigningSession, error)
	RequireSession(ctx context.Context, signerID, token string) error
	EndSession(ctx context.Context, signerID string) error
}

// SigningHandler は署名リンクから使う署名者APIのHTTPハンドラー。
type SigningHandler struct {
	signing      SigningServiceInterface
	verification VerificationServiceInterface
}

// NewSigningHandler はSigningHandlerを生成する。
func NewSigningHandler(signing SigningServiceInterface, verification VerificationServiceInterface) *SigningHandler {
	return &SigningHandler{signing: signing, verification: verification}
}

type confirmCodeRequest struct {
	Code string `json:"code"`
}

type initiateResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
	Replaced  bool      `json:"replaced"`
}

type sessionResponse struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type signatureRequest struct {
	Consent     bool   `json:"consent"`
	ConsentText string `json:"consent_text"`
	// Image はbase64またはdata URL形式の署名画像。
	Image       string                    `json:"image"`
	ImageMime   string                    `json:"image_mime"`
	TypedText   string                    `json:"typed_text"`
	Placement   *model.SignaturePlacement `json:"placement"`
	FieldValues map[string]string         `json:"field_values"`
}

type signatureResponse struct {
	SignatureID    string `json:"signature_id"`
	EnvelopeID     string `json:"envelope_id"`
	EnvelopeStatus string `json:"envelope_status"`
}

type declineRequest struct {
	Reason string `json:"reason"`
}

// View は署名リンクを開いたことを記録し、署名に必要な情報を返す。
// GET /sign/{token}
func (h *SigningHandler) View(w http.ResponseWriter, r *http.Request) {
	view, err := h.signing.MarkViewed(r.Context(), chi.URLParam(r, middleware.SigningTokenParam))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	middleware.AddLogAttrs(r.Context(), slog.String("signer_id", view.Signer.ID))
	writeJSON(w, http.StatusOK, toSigningViewResponse(view))
}

// InitiateVerification はワンタイムコードを発行して送信する。
// POST /sign/{token}/verification
func (h *SigningHandler) InitiateVerification(w http.ResponseWriter, r *http.Request) {
	signer, ok := h.locate(w, r)
	if !ok {
		return
	}
	res, err := h.verification.InitiateVerification(r.Context(), signer.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, initiateResponse{ExpiresAt: res.ExpiresAt, Replaced: res.Replaced})
}

// ConfirmVerification はワンタイムコードを検証し、署名セッションを発行する。
// POST /sign/{token}/verification/confirm
func (h *SigningHandler) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	signer, ok := h.locate(w, r)
	if !ok {
		return
	}
	var req confirmCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.verification.VerifyCode(r.Context(), signer.ID, strings.TrimSpace(req.Code))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionToken: session.Token, ExpiresAt: session.ExpiresAt})
}

// Sign は署名を記録する。X-Signing-Sessionヘッダーに署名セッションが必要。
// POST /sign/{token}/signature
func (h *SigningHandler) Sign(w http.ResponseWriter, r *http.Request) {
	signer, ok := h.locate(w, r)
	if !ok {
		return
	}
	var req signatureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	image, mimeType, err := decodeSignatureImage(req.Image, req.ImageMime)
	if err != nil {
		handleServiceError(w, r, model.NewValidationError("image must be base64 or a data URL"))
		return
	}

	res, err := h.signing.RecordSignature(r.Context(), signer.EnvelopeID, signer.ID, sessionToken(r), envelope.SignatureInput{
		Consent:     req.Consent,
		ConsentText: req.ConsentText,
		ImageData:   image,
		ImageMime:   mimeType,
		TypedText:   req.TypedText,
		Placement:   req.Placement,
		FieldValues: req.FieldValues,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, signatureResponse{
		SignatureID:    res.Signature.ID,
		EnvelopeID:     res.Envelope.ID,
		EnvelopeStatus: string(res.Envelope.Status),
	})
}

// Decline は署名を辞退する。X-Signing-Sessionヘッダーに署名セッションが必要。
// POST /sign/{token}/decline
func (h *SigningHandler) Decline(w http.ResponseWriter, r *http.Request) {
	signer, ok := h.locate(w, r)
	if !ok {
		return
	}
	var req declineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	env, err := h.signing.Decline(r.Context(), signer.EnvelopeID, signer.ID, sessionToken(r), req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"envelope_id":     env.ID,
		"envelope_status": string(env.Status),
	})
}

// EndSession は署名セッションを破棄する。X-Signing-Sessionヘッダーに現在のセッションが必要。
// 期限切れのセッションも破棄でき、セッションがない場合は何もせず204を返す。
// DELETE /sign/{token}/session
func (h *SigningHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	signer, ok := h.locate(w, r)
	if !ok {
		return
	}
	err := h.verification.RequireSession(r.Context(), signer.ID, sessionToken(r))
	switch {
	case err == nil, model.IsCode(err, model.ErrCodeExpired):
	case signer.SessionToken == "" && model.IsCode(err, model.ErrCodeUnverified):
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		handleServiceError(w, r, err)
		return
	}
	if err := h.verification.EndSession(r.Context(), signer.ID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// locate は署名リンクのトークンから署名者を特定し、リクエストログに署名者IDを追加する。
func (h *SigningHandler) locate(w http.ResponseWriter, r *http.Request) (*model.Signer, bool) {
	signer, err := h.signing.LocateSigner(r.Context(), chi.URLParam(r, middleware.SigningTokenParam))
	if err != nil {
		handleServiceError(w, r, err)
		return nil, false
	}
	middleware.AddLogAttrs(r.Context(), slog.String("signer_id", signer.ID))
	return signer, true
}

func sessionToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(SigningSessionHeader))
}

// decodeSignatureImage はbase64またはdata URL形式の画像をデコードする。
// data URLの場合はURL内のMIMEタイプを優先する。
func decodeSignatureImage(raw, mimeType string) ([]byte, string, error) {
	if raw == "" {
		return nil, mimeType, nil
	}
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", base64.CorruptInputError(0)
		}
		mimeType = strings.TrimSuffix(meta, ";base64")
		raw = payload
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}
