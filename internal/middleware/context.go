package middleware

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type contextKey string

const (
	ownerIDContextKey  contextKey = "owner_id"
	logAttrsContextKey contextKey = "log_attrs"
)

// ErrNoOwner はコンテキストにオーナーIDが設定されていないことを表す。
var ErrNoOwner = errors.New("owner not found in context")

// OwnerIDFromContext はコンテキストから認証済みオーナーのIDを取得する。
func OwnerIDFromContext(ctx context.Context) (string, error) {
	ownerID, ok := ctx.Value(ownerIDContextKey).(string)
	if !ok || ownerID == "" {
		return "", ErrNoOwner
	}
	return ownerID, nil
}

// ContextWithOwnerID はオーナーIDを設定したコンテキストを返す。
func ContextWithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDContextKey, ownerID)
}

// requestLog はリクエストログに後段のハンドラから属性を追加するための入れ物。
type requestLog struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

func withRequestLog(ctx context.Context) (context.Context, *requestLog) {
	rl := &requestLog{}
	return context.WithValue(ctx, logAttrsContextKey, rl), rl
}

// AddLogAttrs はリクエストログに属性を追加する。ロギングミドルウェアの外側では何もしない。
func AddLogAttrs(ctx context.Context, attrs ...slog.Attr) {
	rl, ok := ctx.Value(logAttrsContextKey).(*requestLog)
	if !ok {
		return
	}
	rl.mu.Lock()
	rl.attrs = append(rl.attrs, attrs...)
	rl.mu.Unlock()
}

func (rl *requestLog) snapshot() []slog.Attr {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	out := make([]slog.Attr, len(rl.attrs))
	copy(out, rl.attrs)
	return out
}
