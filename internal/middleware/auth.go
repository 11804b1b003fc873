package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/signflow/internal/model"
)

// OwnerTokenVerifier はBearerトークンを検証してオーナーIDを返す。
type OwnerTokenVerifier interface {
	Verify(token string) (string, error)
}

// NewOwnerAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// オーナーIDをコンテキストに設定するミドルウェアを返す。
func NewOwnerAuthMiddleware(verifier OwnerTokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w)
				return
			}
			ownerID, err := verifier.Verify(token)
			if err != nil {
				slog.Debug("owner token rejected", slog.String("error", err.Error()))
				writeUnauthorized(w)
				return
			}

			ctx := ContextWithOwnerID(r.Context(), ownerID)
			AddLogAttrs(ctx, slog.String("owner_id", ownerID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効なトークンを指定してください。",
	})
}
