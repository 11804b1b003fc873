package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// minSecretLength はHS256の鍵として受け付ける最小バイト数。
const minSecretLength = 16

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Secrets
	// SigningSecret はオーナートークンと署名セッショントークンのHS256鍵。
	SigningSecret string
	OwnerTokenTTL time.Duration

	// Verification
	OTPLength         int
	OTPTTL            time.Duration
	InviteCodeTTL     time.Duration
	SessionTTL        time.Duration
	OTPMaxAttempts    int
	OTPResendInterval time.Duration
	OTPResendBurst    int
	SweepInterval     time.Duration

	// Notification
	NotifyWebhookURL  string
	NotifyTimeout     time.Duration
	NotifyMaxAttempts int

	// Certification
	CertLocation  *time.Location
	CertStatement string

	// Storage
	StorageDir    string
	MaxUploadSize int64

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitSigning int

	// Server
	ServerPort string
	BaseURL    string
	TrustProxy bool

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SigningSecret = os.Getenv("SIGNING_SECRET")
	if cfg.SigningSecret == "" {
		missing = append(missing, "SIGNING_SECRET")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SigningSecret) < minSecretLength {
		return nil, fmt.Errorf("SIGNING_SECRET must be at least %d bytes", minSecretLength)
	}

	tz := getEnvString("CERT_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid CERT_TIMEZONE %q: %w", tz, err)
	}
	cfg.CertLocation = loc

	// Optional fields with defaults
	cfg.OwnerTokenTTL = getEnvDuration("OWNER_TOKEN_TTL", 30*24*time.Hour)
	cfg.OTPLength = getEnvInt("OTP_LENGTH", 6)
	cfg.OTPTTL = getEnvDuration("OTP_TTL", 10*time.Minute)
	cfg.InviteCodeTTL = getEnvDuration("INVITE_CODE_TTL", 30*time.Minute)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 24*time.Hour)
	cfg.OTPMaxAttempts = getEnvInt("OTP_MAX_ATTEMPTS", 5)
	cfg.OTPResendInterval = getEnvDuration("OTP_RESEND_INTERVAL", 30*time.Second)
	cfg.OTPResendBurst = getEnvInt("OTP_RESEND_BURST", 3)
	cfg.SweepInterval = getEnvDuration("CREDENTIAL_SWEEP_INTERVAL", time.Hour)
	cfg.NotifyWebhookURL = getEnvString("NOTIFY_WEBHOOK_URL", "")
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second)
	cfg.NotifyMaxAttempts = getEnvInt("NOTIFY_MAX_ATTEMPTS", 3)
	cfg.CertStatement = getEnvString("CERT_STATEMENT", "")
	cfg.StorageDir = getEnvString("STORAGE_DIR", "./data")
	cfg.MaxUploadSize = getEnvInt64("MAX_UPLOAD_SIZE", 20<<20)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSigning = getEnvInt("RATE_LIMIT_SIGNING", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.TrustProxy = getEnvBool("TRUST_PROXY", false)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
