package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/signflow/internal/audit"
	"github.com/hitoshi/signflow/internal/auth"
	"github.com/hitoshi/signflow/internal/canvas"
	"github.com/hitoshi/signflow/internal/certify"
	"github.com/hitoshi/signflow/internal/config"
	"github.com/hitoshi/signflow/internal/database"
	"github.com/hitoshi/signflow/internal/document"
	"github.com/hitoshi/signflow/internal/envelope"
	"github.com/hitoshi/signflow/internal/handler"
	"github.com/hitoshi/signflow/internal/logger"
	"github.com/hitoshi/signflow/internal/metrics"
	"github.com/hitoshi/signflow/internal/middleware"
	"github.com/hitoshi/signflow/internal/notify"
	"github.com/hitoshi/signflow/internal/repository"
	"github.com/hitoshi/signflow/internal/security"
	"github.com/hitoshi/signflow/internal/storage"
	"github.com/hitoshi/signflow/internal/verification"
	"github.com/hitoshi/signflow/internal/worker/cleanup"
)

// 鍵導出のラベル。同じSIGNING_SECRETからトークン種別ごとに別の鍵を作る。
const (
	ownerKeyLabel   = "signflow/owner-token"
	sessionKeyLabel = "signflow/signing-session"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandToken:
		return runToken(cfg, args[1:], os.Stdout)
	default:
		slog.Info("starting application",
			slog.String("command", string(cmd)),
			slog.String("port", cfg.ServerPort),
			slog.String("base_url", cfg.BaseURL),
		)
		return runServe(cfg)
	}
}

// deriveKey はSIGNING_SECRETから用途別の鍵を導出する。
func deriveKey(secret, label string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// newOwnerTokens はオーナートークンの発行・検証サービスを生成する。
func newOwnerTokens(cfg *config.Config) *auth.TokenService {
	return auth.NewTokenService(hex.EncodeToString(deriveKey(cfg.SigningSecret, ownerKeyLabel)), cfg.OwnerTokenTTL)
}

// newNotifier はNOTIFY_WEBHOOK_URLが設定されていればWebhook通知を、なければログ出力のみの通知を返す。
func newNotifier(cfg *config.Config, sanitizer security.TextSanitizer, log *slog.Logger) (notify.Notifier, error) {
	if cfg.NotifyWebhookURL == "" {
		log.Warn("NOTIFY_WEBHOOK_URL is not set; notifications are only logged")
		return notify.NewLogNotifier(log), nil
	}

	guard := security.NewWebhookGuard()
	if err := guard.ValidateEndpoint(cfg.NotifyWebhookURL); err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
	}
	n := notify.NewWebhookNotifier(guard.NewClient(cfg.NotifyTimeout), cfg.NotifyWebhookURL, sanitizer, log)
	policy := notify.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.NotifyMaxAttempts
	n.SetRetryPolicy(policy)
	return n, nil
}

// server はrunServeが起動するHTTPハンドラーと、停止時に解放するリソースをまとめたもの。
type server struct {
	handler http.Handler
	sweep   *cleanup.CredentialSweepJob
	limiter *middleware.RateLimiter
}

// buildServer はDB接続から全依存関係をワイヤリングし、ルーターを構築する。
func buildServer(cfg *config.Config, db *sql.DB, log *slog.Logger) (*server, error) {
	// 1. リポジトリの初期化
	documentRepo := repository.NewPostgresDocumentRepo(db)
	envelopeRepo := repository.NewPostgresEnvelopeRepo(db)
	signerRepo := repository.NewPostgresSignerRepo(db)
	signatureRepo := repository.NewPostgresSignatureRepo(db)
	fieldRepo := repository.NewPostgresFieldRepo(db)
	auditRepo := repository.NewPostgresAuditLogRepo(db)

	// 2. 保存先・セキュリティ・メトリクス
	files, err := storage.NewFileStore(cfg.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	sanitizer := security.NewTextSanitizer()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	notifier, err := newNotifier(cfg, sanitizer, log)
	if err != nil {
		return nil, err
	}

	// 3. ドメインサービスの初期化
	ledger := audit.NewLedger(auditRepo, log)

	verifyCfg := verification.Config{
		CodeLength:     cfg.OTPLength,
		CodeTTL:        cfg.OTPTTL,
		InviteCodeTTL:  cfg.InviteCodeTTL,
		SessionTTL:     cfg.SessionTTL,
		MaxAttempts:    cfg.OTPMaxAttempts,
		ResendInterval: cfg.OTPResendInterval,
		ResendBurst:    cfg.OTPResendBurst,
		Secret:         deriveKey(cfg.SigningSecret, sessionKeyLabel),
	}
	verifier := verification.NewService(signerRepo, envelopeRepo, ledger, notifier, collector, log, verifyCfg)

	envelopes := envelope.NewService(envelope.Deps{
		Documents: documentRepo,
		Envelopes: envelopeRepo,
		Signers:   signerRepo,
		Fields:    fieldRepo,
		Verifier:  verifier,
		Notifier:  notifier,
		Ledger:    ledger,
		Sanitizer: sanitizer,
		Metrics:   collector,
		Logger:    log,
		BaseURL:   cfg.BaseURL,
	})

	engine := certify.NewEngine(certify.Deps{
		Envelopes:  envelopeRepo,
		Documents:  documentRepo,
		Signatures: signatureRepo,
		Store:      files,
		Canvas:     canvas.NewPDFCanvas(),
		Ledger:     ledger,
		Metrics:    collector,
		Logger:     log,
		Location:   cfg.CertLocation,
		Statement:  cfg.CertStatement,
	})

	documents := document.NewService(documentRepo, files, sanitizer, cfg.MaxUploadSize, log)

	// 4. ルーターの構築（設定値はreq/min単位）
	limiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		limiterCfg.OwnerRate = middleware.PerMinute(cfg.RateLimitGeneral)
		limiterCfg.OwnerBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitSigning > 0 {
		limiterCfg.SigningRate = middleware.PerMinute(cfg.RateLimitSigning)
		limiterCfg.SigningBurst = cfg.RateLimitSigning
	}
	limiter := middleware.NewRateLimiter(limiterCfg)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		Metrics:           collector,
		OwnerTokens:       newOwnerTokens(cfg),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustProxy:        cfg.TrustProxy,
		RateLimiter:       limiter,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		DocumentService: documents,
		MaxUploadSize:   cfg.MaxUploadSize,
		EnvelopeService: envelopes,
		Certifier:       engine,
		AuditLister:     ledger,

		SigningService:      envelopes,
		VerificationService: verifier,
	})

	return &server{
		handler: router,
		sweep:   cleanup.NewCredentialSweepJob(db, log),
		limiter: limiter,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと資格情報の定期消去ジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, 10*time.Second); err != nil {
		return err
	}

	slog.Info("database connection established")

	srv, err := buildServer(cfg, db, slog.Default())
	if err != nil {
		return err
	}
	defer srv.limiter.Stop()

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go srv.sweep.Start(ctx, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runToken はオーナーIDに対するAPIトークンを発行してoutに書き出す。
// オーナーの管理は外部のIDプロバイダーに任せ、このコマンドは運用者が手元でトークンを払い出すために使う。
func runToken(cfg *config.Config, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "" {
		return fmt.Errorf("usage: signflow token <owner-id>")
	}
	token, expiresAt, err := newOwnerTokens(cfg).Issue(args[0])
	if err != nil {
		return fmt.Errorf("failed to issue owner token: %w", err)
	}

	if expiresAt.IsZero() {
		slog.Info("owner token issued", slog.String("owner_id", args[0]))
	} else {
		slog.Info("owner token issued", slog.String("owner_id", args[0]), slog.Time("expires_at", expiresAt))
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
