package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/signflow/internal/model"
)

const multipartOverhead = 1 << 20

// DocumentServiceInterface は文書ハンドラーが必要とするサービスインターフェース。
type DocumentServiceInterface interface {
	Upload(ctx context.Context, ownerID, name string, data []byte) (*model.Document, error)
	Get(ctx context.Context, ownerID, id string) (*model.Document, error)
	OpenCertified(ctx context.Context, ownerID, id string) (*model.Document, []byte, error)
}

// DocumentHandler は文書管理のHTTPハンドラー。
type DocumentHandler struct {
	service DocumentServiceInterface
	maxSize int64
}

// NewDocumentHandler はDocumentHandlerを生成する。maxSizeはアップロードの上限バイト数。
func NewDocumentHandler(service DocumentServiceInterface, maxSize int64) *DocumentHandler {
	return &DocumentHandler{service: service, maxSize: maxSize}
}

// Upload は原本文書をアップロードする。
// multipart/form-dataの場合は"file"パートを、それ以外はボディ全体を文書として扱う。
// POST /api/documents
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	// multipartの区切りを見込んで上限に1MiBを加える。文書自体の上限はサービス層で検証する
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+multipartOverhead)

	name, data, err := h.readUpload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handleServiceError(w, r, model.NewValidationError(
				fmt.Sprintf("document exceeds the maximum size of %d bytes", h.maxSize)))
			return
		}
		handleServiceError(w, r, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "アップロードされた文書を読み込めませんでした。",
			Category: "validation",
			Action:   "fileパートに文書を指定してください。",
		})
		return
	}

	doc, err := h.service.Upload(r.Context(), ownerID, name, data)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentResponse(doc))
}

func (h *DocumentHandler) readUpload(r *http.Request) (string, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		return r.URL.Query().Get("name"), data, err
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, err
	}
	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	return name, data, nil
}

// Get は文書情報を取得する。
// GET /api/documents/{id}
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	doc, err := h.service.Get(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// DownloadCertified は証明済み成果物を返す。完全なダイジェストをX-Complete-Hashヘッダーに設定する。
// GET /api/documents/{id}/certified
func (h *DocumentHandler) DownloadCertified(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	doc, data, err := h.service.OpenCertified(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": "signed-" + doc.Name,
	}))
	w.Header().Set("X-Complete-Hash", doc.CertifiedDigest)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
