package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/signflow/internal/metrics"
	"github.com/hitoshi/signflow/internal/middleware"
)

// HealthChecker は依存先の疎通確認を行う。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	OwnerTokens       middleware.OwnerTokenVerifier
	CORSAllowedOrigin string
	TrustProxy        bool
	RateLimiter       *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// オーナーAPI
	DocumentService DocumentServiceInterface
	MaxUploadSize   int64
	EnvelopeService EnvelopeServiceInterface
	Certifier       CertifierInterface
	AuditLister     AuditListerInterface

	// 署名者API
	SigningService      SigningServiceInterface
	VerificationService VerificationServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → RequestMeta
//	  /api/*  : OwnerAuth → RateLimit(Owner)
//	  /sign/* : RateLimit(Signing)
//
// /health と /metrics は認証・レート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewRequestMetaMiddleware(deps.TrustProxy))

	docHandler := NewDocumentHandler(deps.DocumentService, deps.MaxUploadSize)
	envHandler := NewEnvelopeHandler(deps.EnvelopeService, deps.Certifier, deps.AuditLister)
	signHandler := NewSigningHandler(deps.SigningService, deps.VerificationService)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- オーナーAPI ---
	// ミドルウェアスタック: OwnerAuth → RateLimit(Owner)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewOwnerAuthMiddleware(deps.OwnerTokens))
		r.Use(deps.RateLimiter.OwnerMiddleware())

		r.Route("/api/documents", func(r chi.Router) {
			r.Post("/", docHandler.Upload)
			r.Get("/{id}", docHandler.Get)
			r.Get("/{id}/certified", docHandler.DownloadCertified)
		})

		r.Route("/api/envelopes", func(r chi.Router) {
			r.Post("/", envHandler.Create)
			r.Get("/", envHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", envHandler.Get)
				r.Post("/signers", envHandler.AddSigner)
				r.Delete("/signers/{signerID}", envHandler.RemoveSigner)
				r.Put("/fields", envHandler.SetFields)
				r.Post("/send", envHandler.Send)
				r.Post("/void", envHandler.Void)
				r.Post("/certify", envHandler.Certify)
				r.Get("/audit", envHandler.AuditTrail)
			})
		})
	})

	// --- 署名者API ---
	// 署名リンクのトークンで署名者を特定する。署名・辞退には別途署名セッションが必要。
	r.Route("/sign/{"+middleware.SigningTokenParam+"}", func(r chi.Router) {
		r.Use(deps.RateLimiter.SigningMiddleware())

		r.Get("/", signHandler.View)
		r.Post("/verification", signHandler.InitiateVerification)
		r.Post("/verification/confirm", signHandler.ConfirmVerification)
		r.Post("/signature", signHandler.Sign)
		r.Post("/decline", signHandler.Decline)
		r.Delete("/session", signHandler.EndSession)
	})

	return r
}

// healthHandler は疎通確認のハンドラーを返す。checkerがnilの場合は常に200を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
