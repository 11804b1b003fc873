// Package envelope はエンベロープのライフサイクル（状態遷移）を管理する。
//
// 集計状態は署名者の状態から毎回導出し、カウンタは保持しない。
// 状態を変える操作はすべてEnvelopeRepository.WithLockの中で読み直し・再計算・書き込みを行い、
// 通知の送信はロック解放後に行う。
package envelope

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/jpeg" // 署名画像の形式判定
	_ "image/png"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/hitoshi/signflow/internal/audit"
	"github.com/hitoshi/signflow/internal/field"
	"github.com/hitoshi/signflow/internal/metrics"
	"github.com/hitoshi/signflow/internal/model"
	"github.com/hitoshi/signflow/internal/notify"
	"github.com/hitoshi/signflow/internal/repository"
	"github.com/hitoshi/signflow/internal/security"
)

const (
	maxSubjectLen   = 200
	maxMessageLen   = 2000
	maxReasonLen    = 1000
	maxNameLen      = 200
	maxTypedTextLen = 200
	tokenBytes      = 32
)

var allowedImageMimes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
}

// Verifier は署名者の本人確認の操作のうち、エンベロープのロック内で使うもの。
type Verifier interface {
	// PrepareInviteCode は招待時のワンタイムコードをsignerに設定し、平文のコードを返す。
	PrepareInviteCode(signer *model.Signer) (string, error)
	// CheckSession は署名セッションを検証する。
	CheckSession(signer *model.Signer, token string) error
}

// Deps はServiceの依存関係。
type Deps struct {
	Documents repository.DocumentRepository
	Envelopes repository.EnvelopeRepository
	Signers   repository.SignerRepository
	Fields    repository.FieldRepository
	Verifier  Verifier
	Notifier  notify.Notifier
	Ledger    *audit.Ledger
	Sanitizer security.TextSanitizer
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
	// BaseURL は署名リンクの生成に使う公開URL。
	BaseURL string
}

// SignerSpec は追加する署名者の入力。
type SignerSpec struct {
	Email        string
	Name         string
	Role         model.SignerRole
	RoutingOrder int
}

// AddSignerResult は署名者追加の結果。
// InviteCodeはSIGNERロールにのみ発行され、オーナーが署名者に別経路で伝える。
type AddSignerResult struct {
	Signer     *model.Signer
	InviteCode string
}

// SignatureInput は署名の入力。
type SignatureInput struct {
	Consent     bool
	ConsentText string
	ImageData   []byte
	ImageMime   string
	TypedText   string
	Placement   *model.SignaturePlacement
	// FieldValues は署名者自身のフィールドIDごとの入力値。
	FieldValues map[string]string
}

// SignResult は署名記録の結果。
type SignResult struct {
	Envelope  *model.Envelope
	Signature *model.Signature
}

// Detail はエンベロープと署名者・フィールドをまとめたもの。
type Detail struct {
	Envelope *model.Envelope
	Signers  []*model.Signer
	Fields   []*model.DocumentField
	// SignedCount・SignerCount はSIGNERロールの署名済み数と総数。
	SignedCount int
	SignerCount int
}

// SigningView は署名者が署名リンクから参照する情報。Fieldsは署名者自身のもののみ。
type SigningView struct {
	Envelope *model.Envelope
	Signer   *model.Signer
	Fields   []*model.DocumentField
}

// Service はエンベロープのサービス層。
type Service struct {
	documents repository.DocumentRepository
	envelopes repository.EnvelopeRepository
	signers   repository.SignerRepository
	fields    repository.FieldRepository
	verifier  Verifier
	notifier  notify.Notifier
	ledger    *audit.Ledger
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	baseURL   string

	now    func() time.Time
	random io.Reader
}

// NewService はServiceを生成する。
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &Service{
		documents: deps.Documents,
		envelopes: deps.Envelopes,
		signers:   deps.Signers,
		fields:    deps.Fields,
		verifier:  deps.Verifier,
		notifier:  deps.Notifier,
		ledger:    deps.Ledger,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		baseURL:   strings.TrimRight(deps.BaseURL, "/"),
		now:       time.Now,
		random:    rand.Reader,
	}
}

// SetClock はテスト用に時刻関数を差し替える。
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create はDRAFT状態のエンベロープを作成する。
// 文書が存在しないか呼び出し元の所有でない場合はNOT_FOUNDを返す。
func (s *Service) Create(ctx context.Context, ownerID, documentID, subject, message string) (*model.Envelope, error) {
	doc, err := s.documents.FindByID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("文書の取得に失敗しました: %w", err)
	}
	if doc == nil || doc.OwnerID != ownerID {
		return nil, model.NewNotFoundError("document", documentID)
	}

	subject = s.sanitizer.Sanitize(subject, maxSubjectLen)
	if subject == "" {
		subject = doc.Name
	}

	now := s.timestamp()
	env := &model.Envelope{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		DocumentID: documentID,
		Status:     model.StatusDraft,
		Subject:    subject,
		Message:    s.sanitizer.Sanitize(message, maxMessageLen),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	entry := audit.NewEntry(ctx, env.ID, model.EventEnvelopeCreated, ownerActor(ownerID), map[string]any{
		"document_id": documentID,
		"status":      string(model.StatusDraft),
	})
	if err := s.envelopes.Create(ctx, env, entry); err != nil {
		return nil, fmt.Errorf("エンベロープの作成に失敗しました: %w", err)
	}
	s.metrics.RecordTransition(string(model.StatusDraft))

	s.logger.Info("envelope created",
		slog.String("envelope_id", env.ID),
		slog.String("owner_id", ownerID),
		slog.String("document_id", documentID),
	)
	return env, nil
}

// Get はオーナーのエンベロープを署名者・フィールド付きで返す。
func (s *Service) Get(ctx context.Context, ownerID, envelopeID string) (*Detail, error) {
	env, err := s.loadOwned(ctx, ownerID, envelopeID)
	if err != nil {
		return nil, err
	}
	signers, err := s.signers.ListByEnvelope(ctx, env.ID)
	if err != nil {
		return nil, fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
	}
	fields, err := s.fields.ListByEnvelope(ctx, env.ID)
	if err != nil {
		return nil, fmt.Errorf("フィールド一覧の取得に失敗しました: %w", err)
	}
	required, err := s.signers.ListByEnvelopeAndRole(ctx, env.ID, model.RoleSigner)
	if err != nil {
		return nil, fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
	}
	d := &Detail{Envelope: env, Signers: signers, Fields: fields, SignerCount: len(required)}
	for _, sg := range required {
		if sg.SignedAt != nil {
			d.SignedCount++
		}
	}
	return d, nil
}

// ListByOwner はオーナーのエンベロープ一覧を新しい順に返す。
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]*model.Envelope, error) {
	envs, err := s.envelopes.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("エンベロープ一覧の取得に失敗しました: %w", err)
	}
	return envs, nil
}

// AddSigner はDRAFT状態のエンベロープに署名者を追加する。
// 署名リンク用のトークンを生成し、SIGNERロールには招待用のワンタイムコードを発行する。
func (s *Service) AddSigner(ctx context.Context, ownerID, envelopeID string, spec SignerSpec) (*AddSignerResult, error) {
	email, name, role, order, err := s.normalizeSignerSpec(spec)
	if err != nil {
		return nil, err
	}

	token, err := s.newSigningToken()
	if err != nil {
		return nil, err
	}

	var result *AddSignerResult
	err = s.withOwnedLock(ctx, ownerID, envelopeID, func(tx repository.EnvelopeTx) error {
		env := tx.Envelope()
		if env.Status != model.StatusDraft {
			return model.NewInvalidStateError("envelope", env.ID,
				fmt.Sprintf("signers can only be added while DRAFT (current %s)", env.Status))
		}

		existing, err := tx.Signers(ctx)
		if err != nil {
			return fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
		}
		for _, sg := range existing {
			if strings.EqualFold(sg.Email, email) {
				return model.NewValidationError(fmt.Sprintf("email %s is already a party of this envelope", email))
			}
		}

		now := s.timestamp()
		signer := &model.Signer{
			ID:           uuid.New().String(),
			EnvelopeID:   env.ID,
			Email:        email,
			Name:         name,
			Role:         role,
			RoutingOrder: order,
			SigningToken: token,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		var code string
		if role == model.RoleSigner {
			code, err = s.verifier.PrepareInviteCode(signer)
			if err != nil {
				return err
			}
		}
		if err := tx.CreateSigner(ctx, signer); err != nil {
			return fmt.Errorf("署名者の作成に失敗しました: %w", err)
		}
		if err := tx.AppendAudit(ctx, audit.NewEntry(ctx, env.ID, model.EventSignerAdded, ownerActor(ownerID), map[string]any{
			"signer_id":     signer.ID,
			"email":         email,
			"role":          string(role),
			"routing_order": order,
		})); err != nil {
			return err
		}
		result = &AddSignerResult{Signer: signer, InviteCode: code}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveSigner はDRAFT状態のエンベロープから署名者とそのフィールドを削除する。
func (s *Service) RemoveSigner(ctx context.Context, ownerID, envelopeID, signerID string) error {
	return s.withOwnedLock(ctx, ownerID, envelopeID, func(tx repository.EnvelopeTx) error {
		env := tx.Envelope()
		if env.Status != model.StatusDraft {
			return model.NewInvalidStateError("envelope", env.ID,
				fmt.Sprintf("signers can only be removed while DRAFT (current %s)", env.Status))
		}
		if err := tx.DeleteSigner(ctx, signerID); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, audit.NewEntry(ctx, env.ID, model.EventSignerRemoved, ownerActor(ownerID), map[string]any{
			"signer_id": signerID,
		}))
	})
}

// SetFields はDRAFT状態のエンベロープのフィールドを全件置き換える。
// 配置と署名フィールドの有無を検証し、問題があればすべて列挙したVALIDATION_ERRORを返す。
// 値は署名時に入力されるため、必須値の検査は行わない。
func (s *Service) SetFields(ctx context.Context, ownerID, envelopeID string, fields []*model.DocumentField) ([]*model.DocumentField, error) {
	var saved []*model.DocumentField
	err := s.withOwnedLock(ctx, ownerID, envelopeID, func(tx repository.EnvelopeTx) error {
		env := tx.Envelope()
		if env.Status != model.StatusDraft {
			return model.NewInvalidStateError("envelope", env.ID,
				fmt.Sprintf("fields can only be changed while DRAFT (current %s)", env.Status))
		}

		signers, err := tx.Signers(ctx)
		if err != nil {
			return fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
		}
		roles := make(map[string]model.SignerRole, len(signers))
		for _, sg := range signers {
			roles[sg.ID] = sg.Role
		}

		var problems []string
		next := make([]*model.DocumentField, 0, len(fields))
		for _, f := range fields {
			role, ok := roles[f.SignerID]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("field %s references unknown signer %s", f.ID, f.SignerID))
			case role != model.RoleSigner:
				problems = append(problems, fmt.Sprintf("field %s is assigned to CC recipient %s", f.ID, f.SignerID))
			}
			c := *f
			c.EnvelopeID = env.ID
			c.Value = ""
			next = append(next, &c)
		}
		res := field.Validate(next, 1, 1).Without(field.ErrRequiredEmpty)
		problems = append(problems, res.Messages()...)
		if len(problems) > 0 {
			return model.NewValidationError(problems...).WithDetail("envelope_id", env.ID)
		}

		if err := tx.ReplaceFields(ctx, next); err != nil {
			return fmt.Errorf("フィールドの保存に失敗しました: %w", err)
		}
		if err := tx.AppendAudit(ctx, audit.NewEntry(ctx, env.ID, model.EventFieldsUpdated, ownerActor(ownerID), map[string]any{
			"field_count": len(next),
		})); err != nil {
			return err
		}
		saved, err = tx.Fields(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Send はエンベロープをDRAFTからSENTに遷移させ、最初のルーティング順の署名者に依頼を送る。
// 通知の失敗は記録するだけで遷移は取り消さない。
func (s *Service) Send(ctx context.Context, ownerID, envelopeID string) (*model.Envelope, error) {
	var (
		sent *model.Envelope
		msgs []notify.Message
	)
	err := s.withOwnedLock(ctx, ownerID, envelopeID, func(tx repository.EnvelopeTx) error {
		env := tx.Envelope()
		if env.Status != model.StatusDraft {
			return model.NewInvalidStateError("envelope", env.ID,
				fmt.Sprintf("only DRAFT envelopes can be sent (current %s)", env.Status))
		}

		signers, err := tx.Signers(ctx)
		if err != nil {
			return fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
		}
		signerCount := 0
		for _, sg := range signers {
			if sg.Role == model.RoleSigner {
				signerCount++
			}
		}
		if signerCount == 0 {
			return model.NewValidationError("at least one signer with role SIGNER is required").
				WithDetail("envelope_id", env.ID)
		}

		fields, err := tx.Fields(ctx)
		if err != nil {
			return fmt.Errorf("フィールド一覧の取得に失敗しました: %w", err)
		}
		if res := field.Validate(fields, 1, 1).Without(field.ErrRequiredEmpty); !res.Valid {
			return model.NewValidationError(res.Messages()...).WithDetail("envelope_id", env.ID)
		}

		if err := s.transition(ctx, tx, env, model.StatusSent, ownerActor(ownerID), map[string]any{
			"signer_count": signerCount,
			"party_count":  len(signers),
		}); err != nil {
			return err
		}

		for _, sg := range routingGroup(signers, activeRoutingOrder(signers)) {
			msgs = append(msgs, s.signingRequest(env, sg))
		}
		sent = env
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(model.StatusSent))
	s.dispatch(ctx, sent.ID, msgs)
	return sent, nil
}

// LocateSigner は署名リンクのトークンから署名者を特定する。
// トークンは署名者の特定にのみ使い、署名にはワンタイムコードによる本人確認が別途必要。
func (s *Service) LocateSigner(ctx context.Context, signingToken string) (*model.Signer, error) {
	if signingToken == "" {
		return nil, model.NewNotFoundError("signing link", "")
	}
	signer, err := s.signers.FindBySigningToken(ctx, signingToken)
	if err != nil {
		return nil, fmt.Errorf("署名者の検索に失敗しました: %w", err)
	}
	if signer == nil {
		return nil, model.NewNotFoundError("signing link", "")
	}
	return signer, nil
}

// MarkViewed は署名者が署名リンクを開いたことを記録する。
// 署名者ごとの閲覧日時は初回のみ記録し、SENTのエンベロープはVIEWEDに遷移する。
// 終端状態のエンベロープは変更せずに参照のみ返す。
func (s *Service) MarkViewed(ctx context.Context, signingToken string) (*SigningView, error) {
	located, err := s.LocateSigner(ctx, signingToken)
	if err != nil {
		return nil, err
	}

	var (
		view  *SigningView
		moved bool
	)
	err = s.envelopes.WithLock(ctx, located.EnvelopeID, func(tx repository.EnvelopeTx) error {
		env := tx.Envelope()
		if env.Status == model.StatusDraft {
			return model.NewInvalidStateError("envelope", env.ID, "envelope has not been sent")
		}
		signers, err := tx.Signers(ctx)
		if err != nil {
			return fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
		}
		signer := findSigner(signers, located.ID)
		if signer == nil {
			return model.NewNotFoundError("signer", located.ID)
		}
		fields, err := tx.Fields(ctx)
		if err != nil {
			return fmt.Errorf("フィールド一覧の取得に失敗しました: %w", err)
		}
		view = &SigningView{Envelope: env, Signer: signer, Fields: ownFields(fields, signer.ID)}
		if env.Status.IsTerminal() {
			return nil
		}

		if signer.ViewedAt == nil {
			now := s.timestamp()
			signer.ViewedAt = &now
			signer.UpdatedAt = now
			if err := tx.UpdateSigner(ctx, signer); err != nil {
				return fmt.Errorf("署名者の更新に失敗しました: %w", err)
			}
		}
		if env.Status == model.StatusSent {
			if err := s.transition(ctx, tx, env, model.StatusViewed, signerActor(signer), map[string]any{
				"signer_id": signer.ID,
			}); err != nil {
				return err
			}
			moved = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved {
		s.metrics.RecordTransition(string(model.StatusViewed))
	}
	return view, nil
}

// RecordSignature は本人確認済みの署名者の署名を記録し、集計状態を再計算する。
// 再計算はロック内で全署名者を読み直して行うため、同時に署名しても取りこぼさない。
func (s *Service) RecordSignature(ctx context.Context, envelopeID, signerID, sessionToken string, in SignatureInput) (*SignResult, error) {
	if problems := s.checkSignatureInput(&in); len(problems) > 0 {
		return nil, model.NewValidationError(problems...).WithDetail("signer_id", signerID)
	}

	var (
		result *SignResult
		moved  model.EnvelopeStatus
		msgs   []notify.Message
	)
	err := s.envelopes.WithLock(ctx, envelopeID, func(tx repository.EnvelopeTx) error {
		env := tx.Envelope()
		if env.Status == model.StatusDraft || env.Status.IsTerminal() {
			return model.NewInvalidStateError("envelope", env.ID,
				fmt.Sprintf("signing is not available in status %s", env.Status))
		}

		signers, err := tx.Signers(ctx)
		if err != nil {
			return fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
		}
		signer := findSigner(signers, signerID)
		if signer == nil {
			return model.NewNotFoundError("signer", signerID)
		}
		if err := s.verifier.CheckSession(signer, sessionToken); err != nil {
			return err
		}
		if signer.Role != model.RoleSigner {
			return model.NewForbiddenError("CC recipients cannot sign")
		}
		if signer.HasActed() {
			return model.NewInvalidStateError("signer", signer.ID, "signer has already completed their action")
		}
		orderBefore := activeRoutingOrder(signers)

		fields, err := tx.Fields(ctx)
		if err != nil {
			return fmt.Errorf("フィールド一覧の取得に失敗しました: %w", err)
		}
		own := ownFields(fields, signer.ID)

		now := s.timestamp()
		sig := &model.Signature{
			ID:          uuid.New().String(),
			SignerID:    signer.ID,
			EnvelopeID:  env.ID,
			Consent:     in.Consent,
			ConsentText: in.ConsentText,
			ImageData:   in.ImageData,
			ImageMime:   in.ImageMime,
			TypedText:   in.TypedText,
			Placement:   in.Placement,
			CreatedAt:   now,
		}
		if sig.Placement == nil {
			sig.Placement = defaultPlacement(own)
		}

		values, problems := s.fillFieldValues(own, in.FieldValues, signer, sig, now)
		if len(problems) > 0 {
			return model.NewValidationError(problems...).WithDetail("signer_id", signer.ID)
		}

		if err := tx.CreateSignature(ctx, sig); err != nil {
			return fmt.Errorf("署名の保存に失敗しました: %w", err)
		}
		if len(values) > 0 {
			if err := tx.UpdateFieldValues(ctx, values); err != nil {
				return fmt.Errorf("フィールド値の保存に失敗しました: %w", err)
			}
		}

		meta := audit.RequestMetaFromContext(ctx)
		signer.SignedAt = &now
		signer.IPAddress = meta.IPAddress
		signer.UserAgent = meta.UserAgent
		signer.Geo = meta.Geo
		signer.SessionToken = ""
		signer.SessionExpiresAt = nil
		signer.UpdatedAt = now
		if err := tx.UpdateSigner(ctx, signer); err != nil {
			return fmt.Errorf("署名者の更新に失敗しました: %w", err)
		}

		details := map[string]any{
			"signer_id":    signer.ID,
			"signature_id": sig.ID,
			"consent":      sig.Consent,
			"field_count":  len(values),
		}
		if sig.Placement != nil {
			details["page"] = sig.Placement.Page
		}
		if err := tx.AppendAudit(ctx, audit.NewEntry(ctx, env.ID, model.EventDocumentSigned, signerActor(signer), details)); err != nil {
			return err
		}

		// signersのsignerは更新済みのポインタなので、そのまま再計算に使える
		next := DeriveStatus(env.Status, signers)
		if next != env.Status {
			if err := s.transition(ctx, tx, env, next, signerActor(signer), map[string]any{
				"signer_id": signer.ID,
			}); err != nil {
				return err
			}
			moved = next
		}

		if next == model.StatusCompleted {
			for _, sg := range signers {
				msgs = append(msgs, s.partyMessage(env, sg, notify.KindEnvelopeCompleted, nil))
			}
		} else if orderAfter := activeRoutingOrder(signers); orderAfter != 0 && orderAfter != orderBefore {
			for _, sg := range routingGroup(signers, orderAfter) {
				msgs = append(msgs, s.signingRequest(env, sg))
			}
		}

		result = &SignResult{Envelope: env, Signature: sig}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if moved != "" {
		s.metrics.RecordTransition(string(moved))
	}
	s.logger.Info("signature recorded",
		slog.String("envelope_id", envelopeID),
		slog.String("signer_id", signerID),
		slog.String("status", string(result.Envelope.Status)),
	)
	s.dispatch(ctx, envelopeID, msgs)
	return result, nil
}

// Decline は署名者の辞退を記録し、他の署名者の進捗に関係なくエンベロープをDECLINEDにする。
func (s *Service) Decline(ctx context.Context, envelopeID, signerID, sessionToken, reason string) (*model.Envelope, error) {
	reason = s.sanitizer.Sanitize(reason, maxReasonLen)

	var (
		declined *model.Envelope
		msgs     []notify.Message
	)
	err := s.envelopes.WithLock(ctx, envelopeID, func(tx repository.EnvelopeTx) error {
		env := tx.Envelope()
		if env.Status.IsTerminal() {
			return model.NewInvalidStateError("envelope", env.ID,
				fmt.Sprintf("envelope is already %s", env.Status))
		}

		signers, err := tx.Signers(ctx)
		if err != nil {
			return fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
		}
		signer := findSigner(signers, signerID)
		if signer == nil {
			return model.NewNotFoundError("signer", signerID)
		}
		if err := s.verifier.CheckSession(signer, sessionToken); err != nil {
			return err
		}
		if signer.Role != model.RoleSigner {
			return model.NewForbiddenError("CC recipients cannot decline")
		}
		if signer.HasActed() {
			return model.NewInvalidStateError("signer", signer.ID, "signer has already completed their action")
		}

		now := s.timestamp()
		meta := audit.RequestMetaFromContext(ctx)
		signer.DeclinedAt = &now
		signer.DeclineReason = reason
		signer.IPAddress = meta.IPAddress
		signer.UserAgent = meta.UserAgent
		signer.Geo = meta.Geo
		signer.SessionToken = ""
		signer.SessionExpiresAt = nil
		signer.UpdatedAt = now
		if err := tx.UpdateSigner(ctx, signer); err != nil {
			return fmt.Errorf("署名者の更新に失敗しました: %w", err)
		}

		if err := s.transition(ctx, tx, env, model.StatusDeclined, signerActor(signer), map[string]any{
			"signer_id": signer.ID,
			"reason":    reason,
		}); err != nil {
			return err
		}

		for _, sg := range signers {
			if sg.ID == signer.ID {
				continue
			}
			msgs = append(msgs, s.partyMessage(env, sg, notify.KindEnvelopeDeclined, map[string]string{
				"declined_by": signer.Name,
				"reason":      reason,
			}))
		}
		declined = env
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(model.StatusDeclined))
	s.dispatch(ctx, envelopeID, msgs)
	return declined, nil
}

// Void はオーナーがエンベロープを無効化する。終端状態以外から実行できる。
// 送信済みだった場合は全当事者に通知する。
func (s *Service) Void(ctx context.Context, ownerID, envelopeID, reason string) (*model.Envelope, error) {
	reason = s.sanitizer.Sanitize(reason, maxReasonLen)

	var (
		voided *model.Envelope
		msgs   []notify.Message
	)
	err := s.withOwnedLock(ctx, ownerID, envelopeID, func(tx repository.EnvelopeTx) error {
		env := tx.Envelope()
		if env.Status.IsTerminal() {
			return model.NewInvalidStateError("envelope", env.ID,
				fmt.Sprintf("envelope is already %s", env.Status))
		}
		wasSent := env.Status != model.StatusDraft

		env.VoidReason = reason
		if err := s.transition(ctx, tx, env, model.StatusVoided, ownerActor(ownerID), map[string]any{
			"reason": reason,
		}); err != nil {
			return err
		}

		if wasSent {
			signers, err := tx.Signers(ctx)
			if err != nil {
				return fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
			}
			for _, sg := range signers {
				msgs = append(msgs, s.partyMessage(env, sg, notify.KindEnvelopeVoided, map[string]string{
					"reason": reason,
				}))
			}
		}
		voided = env
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(model.StatusVoided))
	s.dispatch(ctx, envelopeID, msgs)
	return voided, nil
}

// transition は状態遷移を検証して書き込み、遷移ごとに1件の監査ログを追記する。
func (s *Service) transition(ctx context.Context, tx repository.EnvelopeTx, env *model.Envelope, to model.EnvelopeStatus, actor model.Actor, details map[string]any) error {
	from := env.Status
	if !CanTransition(from, to) {
		return model.NewInvalidStateError("envelope", env.ID,
			fmt.Sprintf("transition %s -> %s is not allowed", from, to))
	}

	now := s.timestamp()
	env.Status = to
	env.UpdatedAt = now
	if to == model.StatusCompleted {
		env.CompletedAt = &now
	}
	if err := tx.UpdateEnvelope(ctx, env); err != nil {
		return fmt.Errorf("エンベロープの更新に失敗しました: %w", err)
	}

	d := make(map[string]any, len(details)+2)
	for k, v := range details {
		d[k] = v
	}
	d["from"] = string(from)
	d["to"] = string(to)
	return tx.AppendAudit(ctx, audit.NewEntry(ctx, env.ID, transitionEvents[to], actor, d))
}

var transitionEvents = map[model.EnvelopeStatus]model.AuditEvent{
	model.StatusSent:            model.EventEnvelopeSent,
	model.StatusViewed:          model.EventEnvelopeViewed,
	model.StatusPartiallySigned: model.EventEnvelopePartiallySigned,
	model.StatusCompleted:       model.EventEnvelopeCompleted,
	model.StatusDeclined:        model.EventEnvelopeDeclined,
	model.StatusVoided:          model.EventEnvelopeVoided,
}

// dispatch はコミット後に通知を送信する。失敗はログと監査ログに記録し、呼び出し元には返さない。
func (s *Service) dispatch(ctx context.Context, envelopeID string, msgs []notify.Message) {
	for _, msg := range msgs {
		if err := s.notifier.Send(ctx, msg); err != nil {
			s.metrics.RecordNotification(string(msg.Kind), false)
			s.logger.Warn("notification delivery failed",
				slog.String("envelope_id", envelopeID),
				slog.String("kind", string(msg.Kind)),
				slog.String("error", err.Error()),
			)
			s.recordBestEffort(ctx, envelopeID, model.EventNotificationFailed, systemActor, map[string]any{
				"kind":      string(msg.Kind),
				"recipient": msg.To,
				"error":     err.Error(),
			})
			continue
		}
		s.metrics.RecordNotification(string(msg.Kind), true)
	}
}

func (s *Service) signingRequest(env *model.Envelope, sg *model.Signer) notify.Message {
	return s.partyMessage(env, sg, notify.KindSigningRequest, map[string]string{
		"message":     env.Message,
		"signing_url": s.baseURL + "/sign/" + sg.SigningToken,
	})
}

func (s *Service) partyMessage(env *model.Envelope, sg *model.Signer, kind notify.Kind, extra map[string]string) notify.Message {
	data := map[string]string{
		"recipient_name": sg.Name,
		"subject":        env.Subject,
	}
	for k, v := range extra {
		data[k] = v
	}
	return notify.Message{To: sg.Email, Kind: kind, Data: data}
}

// checkSignatureInput は署名入力を正規化し、問題点をすべて返す。
func (s *Service) checkSignatureInput(in *SignatureInput) []string {
	var problems []string
	if !in.Consent {
		problems = append(problems, "consent to sign electronically is required")
	}
	in.TypedText = s.sanitizer.Sanitize(in.TypedText, maxTypedTextLen)
	in.ConsentText = s.sanitizer.Sanitize(in.ConsentText, maxMessageLen)
	if len(in.ImageData) == 0 && in.TypedText == "" {
		problems = append(problems, "signature image or typed text is required")
	}
	if len(in.ImageData) > 0 {
		if !allowedImageMimes[in.ImageMime] {
			problems = append(problems, fmt.Sprintf("unsupported signature image type %q", in.ImageMime))
		} else if _, format, err := image.DecodeConfig(bytes.NewReader(in.ImageData)); err != nil || "image/"+format != in.ImageMime {
			problems = append(problems, fmt.Sprintf("signature image is not a valid %s", in.ImageMime))
		}
	}
	if p := in.Placement; p != nil {
		rect := &model.DocumentField{Page: p.Page, X: p.X, Y: p.Y, Width: p.Width, Height: p.Height}
		if !field.InBounds(rect, 1, 1) {
			problems = append(problems, "signature placement extends beyond the page boundary")
		}
	}
	return problems
}

// fillFieldValues は署名者自身のフィールドに入力値を割り当て、未入力の署名・イニシャル・日付は自動で埋める。
// 必須値の検査はフィールド検証器の結果をそのまま使う。
func (s *Service) fillFieldValues(own []*model.DocumentField, submitted map[string]string, signer *model.Signer, sig *model.Signature, now time.Time) (map[string]string, []string) {
	var problems []string
	byID := make(map[string]bool, len(own))
	for _, f := range own {
		byID[f.ID] = true
	}
	for id := range submitted {
		if !byID[id] {
			problems = append(problems, fmt.Sprintf("field %s does not belong to signer %s", id, signer.ID))
		}
	}

	values := make(map[string]string, len(own))
	filled := make([]*model.DocumentField, 0, len(own))
	for _, f := range own {
		c := *f
		if v, ok := submitted[f.ID]; ok {
			c.Value = s.sanitizer.Sanitize(v, maxMessageLen)
		}
		if c.Value == "" {
			switch c.Type {
			case model.FieldSignature:
				c.Value = sig.ID
			case model.FieldInitial:
				c.Value = initials(signer.Name, sig.TypedText)
			case model.FieldDate:
				c.Value = now.Format("2006-01-02")
			}
		}
		if c.Value != f.Value {
			values[c.ID] = c.Value
		}
		filled = append(filled, &c)
	}

	res := field.Validate(filled, 1, 1).Without(field.ErrInvalidPosition, field.ErrOverlap, field.ErrMissingField)
	problems = append(problems, res.Messages()...)
	return values, problems
}

func (s *Service) normalizeSignerSpec(spec SignerSpec) (string, string, model.SignerRole, int, error) {
	var problems []string

	email := strings.TrimSpace(spec.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		problems = append(problems, fmt.Sprintf("invalid email address %q", spec.Email))
	}
	name := s.sanitizer.Sanitize(spec.Name, maxNameLen)
	if name == "" {
		problems = append(problems, "signer name is required")
	}
	role := spec.Role
	if role == "" {
		role = model.RoleSigner
	}
	if !role.IsValid() {
		problems = append(problems, fmt.Sprintf("invalid role %q", spec.Role))
	}
	order := spec.RoutingOrder
	if order == 0 {
		order = 1
	}
	if order < 1 {
		problems = append(problems, fmt.Sprintf("routing order must be >= 1, got %d", spec.RoutingOrder))
	}

	if len(problems) > 0 {
		return "", "", "", 0, model.NewValidationError(problems...)
	}
	return strings.ToLower(email), name, role, order, nil
}

func (s *Service) newSigningToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, b); err != nil {
		return "", fmt.Errorf("署名トークンの生成に失敗しました: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Service) loadOwned(ctx context.Context, ownerID, envelopeID string) (*model.Envelope, error) {
	env, err := s.envelopes.FindByID(ctx, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("エンベロープの取得に失敗しました: %w", err)
	}
	// 他人のエンベロープは存在しないものとして扱う
	if env == nil || env.OwnerID != ownerID {
		return nil, model.NewNotFoundError("envelope", envelopeID)
	}
	return env, nil
}

func (s *Service) withOwnedLock(ctx context.Context, ownerID, envelopeID string, fn func(tx repository.EnvelopeTx) error) error {
	return s.envelopes.WithLock(ctx, envelopeID, func(tx repository.EnvelopeTx) error {
		if tx.Envelope().OwnerID != ownerID {
			return model.NewNotFoundError("envelope", envelopeID)
		}
		return fn(tx)
	})
}

func findSigner(signers []*model.Signer, id string) *model.Signer {
	for _, sg := range signers {
		if sg.ID == id {
			return sg
		}
	}
	return nil
}

func ownFields(fields []*model.DocumentField, signerID string) []*model.DocumentField {
	var out []*model.DocumentField
	for _, f := range fields {
		if f.SignerID == signerID {
			out = append(out, f)
		}
	}
	return out
}

// defaultPlacement は署名者の最初の署名フィールドの位置を返す。
func defaultPlacement(own []*model.DocumentField) *model.SignaturePlacement {
	for _, f := range own {
		if f.Type == model.FieldSignature {
			return &model.SignaturePlacement{Page: f.Page, X: f.X, Y: f.Y, Width: f.Width, Height: f.Height}
		}
	}
	return nil
}

// initials は氏名（なければタイプ入力）から最大3文字のイニシャルを作る。
func initials(name, typed string) string {
	src := name
	if strings.TrimSpace(src) == "" {
		src = typed
	}
	var out []rune
	for _, word := range strings.Fields(src) {
		out = append(out, unicode.ToUpper([]rune(word)[0]))
		if len(out) == 3 {
			break
		}
	}
	return string(out)
}

var systemActor = model.Actor{Role: model.ActorRoleSystem}

func ownerActor(ownerID string) model.Actor {
	return model.Actor{ID: ownerID, Role: model.ActorRoleOwner}
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
