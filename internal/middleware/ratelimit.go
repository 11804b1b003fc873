package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/hitoshi/signflow/internal/model"
)

// SigningTokenParam は署名者APIのルートで署名リンクのトークンを表すURLパラメータ名。
const SigningTokenParam = "token"

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	OwnerRate       rate.Limit    // オーナーAPIのレート（req/sec）
	OwnerBurst      int           // オーナーAPIのバーストサイズ
	SigningRate     rate.Limit    // 署名リンクごとのレート（req/sec）
	SigningBurst    int           // 署名リンクごとのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// PerMinute は1分あたりのリクエスト数をrate.Limitに変換する。
func PerMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// オーナーAPI 120 req/min/owner、署名者API 30 req/min/link。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		OwnerRate:       PerMinute(120),
		OwnerBurst:      120,
		SigningRate:     PerMinute(30),
		SigningBurst:    30,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はキーごとのリミッターの集合。
type limiterSet struct {
	mu       sync.RWMutex
	limit    rate.Limit
	burst    int
	limiters map[string]*keyLimiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*keyLimiter),
	}
}

// getOrCreate はキーのリミッターを取得または作成する。
func (s *limiterSet) getOrCreate(key string) *rate.Limiter {
	s.mu.RLock()
	kl, exists := s.limiters[key]
	s.mu.RUnlock()

	if exists {
		s.mu.Lock()
		kl.lastAccess = time.Now()
		s.mu.Unlock()
		return kl.limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// ダブルチェック
	if kl, exists := s.limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = &keyLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (s *limiterSet) expire(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

func (s *limiterSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}

// RateLimiter はオーナーごと・署名リンクごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig

	owners  *limiterSet
	signing *limiterSet

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		owners:  newLimiterSet(config.OwnerRate, config.OwnerBurst),
		signing: newLimiterSet(config.SigningRate, config.SigningBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// OwnerMiddleware はオーナーAPIのレート制限ミドルウェアを返す。
// NewOwnerAuthMiddlewareの後に配置する。
func (rl *RateLimiter) OwnerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, err := OwnerIDFromContext(r.Context())
			if err != nil {
				writeUnauthorized(w)
				return
			}

			if !rl.owners.getOrCreate(ownerID).Allow() {
				writeRateLimitResponse(w, rl.config.OwnerRate)
				slog.Warn("rate limit exceeded",
					slog.String("owner_id", ownerID),
					slog.String("limit_type", "owner"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SigningMiddleware は署名リンクごとのレート制限ミドルウェアを返す。
// トークンはchiのURLパラメータから取得するため、{token}を含むルートの内側に配置する。
func (rl *RateLimiter) SigningMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := chi.URLParam(r, SigningTokenParam)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !rl.signing.getOrCreate(token).Allow() {
				writeRateLimitResponse(w, rl.config.SigningRate)
				slog.Warn("rate limit exceeded",
					slog.String("limit_type", "signing"),
					slog.String("path", r.URL.Path),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OwnerLimiterCount は現在管理されているオーナーのリミッター数を返す。
func (rl *RateLimiter) OwnerLimiterCount() int {
	return rl.owners.count()
}

// SigningLimiterCount は現在管理されている署名リンクのリミッター数を返す。
func (rl *RateLimiter) SigningLimiterCount() int {
	return rl.signing.count()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.owners.expire(now, ttl)
	rl.signing.expire(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     model.ErrCodeTooManyRequests,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間が経過してから再度お試しください。",
	})
}
