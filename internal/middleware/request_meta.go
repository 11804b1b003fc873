package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/signflow/internal/audit"
)

// geoHeaders は前段のプロキシが付与する国コードヘッダー。先に見つかったものを使う。
var geoHeaders = []string{"CF-IPCountry", "X-Geo-Country"}

// NewRequestMetaMiddleware は監査ログに記録する接続元情報をコンテキストに設定するミドルウェアを返す。
// trustProxyがtrueの場合のみX-Forwarded-Forと国コードヘッダーを信用する。
func NewRequestMetaMiddleware(trustProxy bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := audit.RequestMeta{
				IPAddress: clientIP(r, trustProxy),
				UserAgent: r.UserAgent(),
			}
			if trustProxy {
				for _, h := range geoHeaders {
					if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
						meta.Geo = v
						break
					}
				}
			}
			next.ServeHTTP(w, r.WithContext(audit.WithRequestMeta(r.Context(), meta)))
		})
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
