package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/signflow/internal/middleware"
	"github.com/hitoshi/signflow/internal/model"
)

// maxJSONBody はJSONリクエストボディの上限。署名画像を含むため余裕を持たせる。
const maxJSONBody = 4 << 20

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.ErrorContext(r.Context(), "internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidState:
		return http.StatusConflict
	case model.ErrCodeValidation, "INVALID_REQUEST":
		return http.StatusBadRequest
	case model.ErrCodeExpired:
		return http.StatusGone
	case model.ErrCodeInvalidCode, model.ErrCodeUnverified:
		return http.StatusUnauthorized
	case model.ErrCodeVerificationNotSent:
		return http.StatusBadGateway
	case model.ErrCodeTooManyRequests:
		return http.StatusTooManyRequests
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON はリクエストボディをJSONとして読み込む。失敗時はエラーレスポンスを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requireOwner はコンテキストからオーナーIDを取得する。未認証の場合は401を書き込みfalseを返す。
func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, err := middleware.OwnerIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
			Code:     "UNAUTHORIZED",
			Message:  "認証が必要です。",
			Category: "auth",
			Action:   "有効なトークンを指定してください。",
		})
		return "", false
	}
	return ownerID, true
}
