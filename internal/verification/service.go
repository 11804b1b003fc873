// Package verification は署名者の本人確認（ワンタイムコード）と署名セッションを管理する。
//
// 署名者ごとの状態は UNVERIFIED → CODE_ISSUED → VERIFIED → SESSION_EXPIRED|SESSION_ENDED と進む。
// 期限切れは利用時に時刻比較で判定し、バックグラウンドでの掃除は行わない。
package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/signflow/internal/audit"
	"github.com/hitoshi/signflow/internal/metrics"
	"github.com/hitoshi/signflow/internal/model"
	"github.com/hitoshi/signflow/internal/notify"
	"github.com/hitoshi/signflow/internal/repository"
)

// Config は本人確認の設定。
type Config struct {
	CodeLength     int
	CodeTTL        time.Duration
	InviteCodeTTL  time.Duration
	SessionTTL     time.Duration
	MaxAttempts    int
	ResendInterval time.Duration
	ResendBurst    int
	Secret         []byte
}

// DefaultConfig はデフォルト設定を返す。Secretは呼び出し元が設定する。
func DefaultConfig() Config {
	return Config{
		CodeLength:     6,
		CodeTTL:        10 * time.Minute,
		InviteCodeTTL:  30 * time.Minute,
		SessionTTL:     24 * time.Hour,
		MaxAttempts:    5,
		ResendInterval: 30 * time.Second,
		ResendBurst:    3,
	}
}

// InitiateResult はコード発行の結果。
type InitiateResult struct {
	SignerID  string
	ExpiresAt time.Time
	// Replaced は有効期限内の既存コードを置き換えたかどうか。
	Replaced bool
}

type signerLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Service は本人確認サービス。
type Service struct {
	signers   repository.SignerRepository
	envelopes repository.EnvelopeRepository
	ledger    *audit.Ledger
	notifier  notify.Notifier
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config

	now    func() time.Time
	random io.Reader

	limMu    sync.Mutex
	limiters map[string]*signerLimiter
}

// NewService はServiceを生成する。
func NewService(
	signers repository.SignerRepository,
	envelopes repository.EnvelopeRepository,
	ledger *audit.Ledger,
	notifier notify.Notifier,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		signers:   signers,
		envelopes: envelopes,
		ledger:    ledger,
		notifier:  notifier,
		metrics:   collector,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		random:    rand.Reader,
		limiters:  make(map[string]*signerLimiter),
	}
}

// SetClock はテスト用に時刻関数を差し替える。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// InitiateVerification はワンタイムコードを発行して署名者に送信する。
// 既存のコードとセッションは常に無効化される（後勝ち）。
// 送信に失敗した場合はVERIFICATION_NOT_SENTのAPIErrorを返す。
func (s *Service) InitiateVerification(ctx context.Context, signerID string) (*InitiateResult, error) {
	signer, env, err := s.loadActive(ctx, signerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !s.allow(signerID, now) {
		s.metrics.RecordVerification(metrics.VerificationLimited)
		s.logger.Warn("verification resend rate limited", slog.String("signer_id", signerID))
		return nil, model.NewTooManyRequestsError(signerID)
	}

	code, err := generateCode(s.random, s.cfg.CodeLength)
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.cfg.CodeTTL)

	var replaced bool
	signer, err = s.signers.Update(ctx, signerID, func(sg *model.Signer) error {
		if sg.HasActed() {
			return model.NewInvalidStateError("signer", sg.ID, "signer has already completed their action")
		}
		replaced = sg.CodeHash != "" && sg.CodeExpiresAt != nil && now.Before(*sg.CodeExpiresAt)
		sg.CodeHash = hashCode(s.cfg.Secret, sg.ID, code)
		sg.CodeExpiresAt = &expiresAt
		sg.CodeAttempts = 0
		sg.Verified = false
		sg.SessionToken = ""
		sg.SessionExpiresAt = nil
		sg.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	actor := signerActor(signer)
	msg := notify.Message{
		To:   signer.Email,
		Kind: notify.KindVerificationCode,
		Data: map[string]string{
			"recipient_name":  signer.Name,
			"code":            code,
			"expires_minutes": strconv.Itoa(int(s.cfg.CodeTTL / time.Minute)),
		},
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.metrics.RecordNotification(string(notify.KindVerificationCode), false)
		s.metrics.RecordVerification(metrics.VerificationNotSent)
		s.logger.Warn("failed to dispatch verification code",
			slog.String("signer_id", signerID),
			slog.String("envelope_id", env.ID),
			slog.String("error", err.Error()),
		)
		s.recordBestEffort(ctx, env.ID, model.EventNotificationFailed, actor, map[string]any{
			"kind":      string(notify.KindVerificationCode),
			"signer_id": signerID,
			"error":     err.Error(),
		})
		return nil, model.NewVerificationNotSentError(signerID).WithDetail("envelope_id", env.ID)
	}
	s.metrics.RecordNotification(string(notify.KindVerificationCode), true)
	s.metrics.RecordVerification(metrics.VerificationIssued)

	if err := s.ledger.Record(ctx, env.ID, model.EventVerificationCodeSent, actor, map[string]any{
		"signer_id":         signerID,
		"expires_at":        expiresAt.UTC().Format(time.RFC3339),
		"replaced_previous": replaced,
	}); err != nil {
		return nil, err
	}

	return &InitiateResult{SignerID: signerID, ExpiresAt: expiresAt, Replaced: replaced}, nil
}

// PrepareInviteCode は招待時のワンタイムコードを生成してsignerに設定する。
// 永続化は呼び出し元のトランザクションで行う。平文のコードは戻り値でのみ返す。
func (s *Service) PrepareInviteCode(signer *model.Signer) (string, error) {
	code, err := generateCode(s.random, s.cfg.CodeLength)
	if err != nil {
		return "", err
	}
	expiresAt := s.now().Add(s.cfg.InviteCodeTTL)
	signer.CodeHash = hashCode(s.cfg.Secret, signer.ID, code)
	signer.CodeExpiresAt = &expiresAt
	signer.CodeAttempts = 0
	signer.Verified = false
	signer.SessionToken = ""
	signer.SessionExpiresAt = nil
	return code, nil
}

type verifyOutcome int

const (
	outcomeExpired verifyOutcome = iota
	outcomeMismatch
	outcomeSuccess
)

// VerifyCode は入力コードを検証し、一致すれば署名セッションを発行する。
// 有効期限内の同じコードを再度送信した場合も新しいセッションを返す。
// MaxAttempts回失敗したコードは無効化され、再発行が必要になる。
func (s *Service) VerifyCode(ctx context.Context, signerID, submitted string) (*model.SigningSession, error) {
	_, env, err := s.loadActive(ctx, signerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sessionExpiresAt := now.Add(s.cfg.SessionTTL).Truncate(time.Second)
	token, err := issueSessionToken(s.cfg.Secret, signerID, now, sessionExpiresAt)
	if err != nil {
		return nil, err
	}

	var (
		outcome   verifyOutcome
		remaining int
	)
	signer, err := s.signers.Update(ctx, signerID, func(sg *model.Signer) error {
		if sg.HasActed() {
			return model.NewInvalidStateError("signer", sg.ID, "signer has already completed their action")
		}
		if sg.CodeHash == "" || sg.CodeExpiresAt == nil || !now.Before(*sg.CodeExpiresAt) {
			outcome = outcomeExpired
			return nil
		}
		if !codeMatches(s.cfg.Secret, sg.ID, submitted, sg.CodeHash) {
			outcome = outcomeMismatch
			sg.CodeAttempts++
			remaining = s.cfg.MaxAttempts - sg.CodeAttempts
			if remaining <= 0 {
				remaining = 0
				sg.CodeHash = ""
				sg.CodeExpiresAt = nil
			}
			sg.UpdatedAt = now
			return nil
		}
		outcome = outcomeSuccess
		sg.Verified = true
		sg.SessionToken = token
		sg.SessionExpiresAt = &sessionExpiresAt
		sg.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	actor := signerActor(signer)
	switch outcome {
	case outcomeExpired:
		s.metrics.RecordVerification(metrics.VerificationExpired)
		s.recordBestEffort(ctx, env.ID, model.EventVerificationFailed, actor, map[string]any{
			"signer_id": signerID,
			"reason":    "expired",
		})
		return nil, model.NewExpiredError(signerID, "verification code").WithDetail("envelope_id", env.ID)

	case outcomeMismatch:
		s.metrics.RecordVerification(metrics.VerificationMismatch)
		s.recordBestEffort(ctx, env.ID, model.EventVerificationFailed, actor, map[string]any{
			"signer_id": signerID,
			"reason":    "mismatch",
			"remaining": remaining,
		})
		return nil, model.NewInvalidCodeError(signerID, remaining).WithDetail("envelope_id", env.ID)
	}

	s.metrics.RecordVerification(metrics.VerificationSuccess)
	if err := s.ledger.Record(ctx, env.ID, model.EventVerificationSucceeded, actor, map[string]any{
		"signer_id":          signerID,
		"session_expires_at": sessionExpiresAt.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	return &model.SigningSession{SignerID: signerID, Token: token, ExpiresAt: sessionExpiresAt}, nil
}

// RequireSession は署名操作の前提となるセッションを検証する。
// セッションがない場合はUNVERIFIED、期限切れの場合はEXPIREDのAPIErrorを返す。
func (s *Service) RequireSession(ctx context.Context, signerID, token string) error {
	signer, err := s.signers.FindByID(ctx, signerID)
	if err != nil {
		return fmt.Errorf("failed to find signer: %w", err)
	}
	if signer == nil {
		return model.NewNotFoundError("signer", signerID)
	}
	return s.checkSession(signer, token)
}

// CheckSession は取得済みの署名者に対してセッションを検証する。
// エンベロープのロック内など、再取得できない場面で使う。
func (s *Service) CheckSession(signer *model.Signer, token string) error {
	return s.checkSession(signer, token)
}

func (s *Service) checkSession(signer *model.Signer, token string) error {
	if token == "" || !signer.Verified || signer.SessionToken == "" ||
		!constantTimeEqual(signer.SessionToken, token) {
		return model.NewUnverifiedError(signer.ID)
	}
	if signer.SessionExpiresAt == nil || !s.now().Before(*signer.SessionExpiresAt) {
		return model.NewExpiredError(signer.ID, "signing session")
	}
	if err := parseSessionToken(s.cfg.Secret, signer.ID, token, s.now); err != nil {
		if isTokenExpired(err) {
			return model.NewExpiredError(signer.ID, "signing session")
		}
		return model.NewUnverifiedError(signer.ID)
	}
	return nil
}

// ValidateSession はセッションが有効な場合にのみtrueを返す。
func (s *Service) ValidateSession(ctx context.Context, signerID, token string) (bool, error) {
	err := s.RequireSession(ctx, signerID, token)
	if err == nil {
		return true, nil
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return false, nil
	}
	return false, err
}

// EndSession はセッションを破棄する。セッションがない場合も成功する。
func (s *Service) EndSession(ctx context.Context, signerID string) error {
	var hadSession bool
	signer, err := s.signers.Update(ctx, signerID, func(sg *model.Signer) error {
		hadSession = sg.SessionToken != ""
		if !hadSession && sg.SessionExpiresAt == nil {
			return nil
		}
		sg.SessionToken = ""
		sg.SessionExpiresAt = nil
		sg.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return err
	}
	if !hadSession {
		return nil
	}
	return s.ledger.Record(ctx, signer.EnvelopeID, model.EventSessionEnded, signerActor(signer), map[string]any{
		"signer_id": signerID,
	})
}

// loadActive は署名者とエンベロープを取得し、本人確認が可能な状態かを検証する。
func (s *Service) loadActive(ctx context.Context, signerID string) (*model.Signer, *model.Envelope, error) {
	signer, err := s.signers.FindByID(ctx, signerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find signer: %w", err)
	}
	if signer == nil {
		return nil, nil, model.NewNotFoundError("signer", signerID)
	}
	env, err := s.envelopes.FindByID(ctx, signer.EnvelopeID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find envelope: %w", err)
	}
	if env == nil {
		return nil, nil, model.NewNotFoundError("envelope", signer.EnvelopeID)
	}
	if env.Status == model.StatusDraft || env.Status.IsTerminal() {
		return nil, nil, model.NewInvalidStateError("envelope", env.ID,
			fmt.Sprintf("verification is not available in status %s", env.Status))
	}
	return signer, env, nil
}

// allow は署名者ごとのコード再送レートを判定する。
func (s *Service) allow(signerID string, now time.Time) bool {
	s.limMu.Lock()
	defer s.limMu.Unlock()

	idle := s.cfg.ResendInterval * time.Duration(s.cfg.ResendBurst+1)
	for id, l := range s.limiters {
		if now.Sub(l.lastAccess) > idle {
			delete(s.limiters, id)
		}
	}

	l, ok := s.limiters[signerID]
	if !ok {
		l = &signerLimiter{limiter: rate.NewLimiter(rate.Every(s.cfg.ResendInterval), s.cfg.ResendBurst)}
		s.limiters[signerID] = l
	}
	l.lastAccess = now
	return l.limiter.AllowN(now, 1)
}

func signerActor(sg *model.Signer) model.Actor {
	return model.Actor{ID: sg.ID, Email: sg.Email, Role: model.ActorRoleSigner}
}

// recordBestEffort は失敗しても処理を止めない監査記録を残す。記録できなかった場合は警告ログを出す。
func (s *Service) recordBestEffort(ctx context.Context, envelopeID string, event model.AuditEvent, actor model.Actor, details map[string]any) {
	if err := s.ledger.Record(ctx, envelopeID, event, actor, details); err != nil {
		s.logger.Warn("failed to record audit entry",
			slog.String("envelope_id", envelopeID),
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}
}
