// Package certify は署名済み文書の証明処理を提供する。
//
// 処理は固定したスナップショットに対する2段階のパイプラインで、
// コンテンツ段階（署名の描画とハッシュ）→ 証明段階（フッター描画と完全なダイジェスト）の順に実行する。
// 各段階は入力バイト列から新しいバイト列を作る純粋な変換で、同じ入力からは同じ出力が得られる。
package certify

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/hitoshi/signflow/internal/audit"
	"github.com/hitoshi/signflow/internal/canvas"
	"github.com/hitoshi/signflow/internal/metrics"
	"github.com/hitoshi/signflow/internal/model"
	"github.com/hitoshi/signflow/internal/repository"
	"github.com/hitoshi/signflow/internal/storage"
)

// ArtifactPath は証明済み成果物の保存先を返す。再証明時は同じパスを上書きする。
func ArtifactPath(envelopeID string) string {
	return path.Join("certified", envelopeID+".pdf")
}

// Deps はEngineの依存関係。
type Deps struct {
	Envelopes  repository.EnvelopeRepository
	Documents  repository.DocumentRepository
	Signatures repository.SignatureRepository
	Store      storage.ArtifactStore
	Canvas     canvas.Canvas
	Ledger     *audit.Ledger
	Metrics    metrics.MetricsCollector
	Logger     *slog.Logger
	// Location はフッターの署名日時の表示に使うタイムゾーン。
	Location *time.Location
	// Statement はフッターに記載する準拠文言。空の場合はDefaultStatement。
	Statement string
}

// Result は証明処理の結果。
type Result struct {
	EnvelopeID   string
	DocumentID   string
	OriginalHash string
	ContentHash  string
	CompleteHash string
	Fingerprint  string
	Path         string
	FallbackUsed bool
	CertifiedAt  time.Time
	Size         int
}

// Engine は証明処理のエンジン。
type Engine struct {
	envelopes  repository.EnvelopeRepository
	documents  repository.DocumentRepository
	signatures repository.SignatureRepository
	store      storage.ArtifactStore
	canvas     canvas.Canvas
	ledger     *audit.Ledger
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	location   *time.Location
	statement  string
	now        func() time.Time
}

// NewEngine はEngineを生成する。
func NewEngine(deps Deps) *Engine {
	e := &Engine{
		envelopes:  deps.Envelopes,
		documents:  deps.Documents,
		signatures: deps.Signatures,
		store:      deps.Store,
		canvas:     deps.Canvas,
		ledger:     deps.Ledger,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		location:   deps.Location,
		statement:  deps.Statement,
		now:        time.Now,
	}
	if e.canvas == nil {
		e.canvas = canvas.NewPDFCanvas()
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.location == nil {
		e.location = time.UTC
	}
	if e.statement == "" {
		e.statement = DefaultStatement
	}
	return e
}

// SetClock はテスト用に時刻関数を差し替える。
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Certify はエンベロープの証明済み成果物を生成し、完全なダイジェストと保存先を文書に記録する。
// PARTIALLY_SIGNEDまたはCOMPLETEDのエンベロープに対して何度でも実行でき、
// 署名者の状態が変わっていなければ同じバイト列を生成して前回の記録を上書きする。
func (e *Engine) Certify(ctx context.Context, ownerID, envelopeID string) (*Result, error) {
	start := e.now()
	res, err := e.certify(ctx, ownerID, envelopeID)
	elapsed := e.now().Sub(start)
	if err != nil {
		e.metrics.RecordCertification(metrics.CertificationFailed, elapsed)
		return nil, err
	}
	outcome := metrics.CertificationSuccess
	if res.FallbackUsed {
		outcome = metrics.CertificationFallback
	}
	e.metrics.RecordCertification(outcome, elapsed)
	return res, nil
}

func (e *Engine) certify(ctx context.Context, ownerID, envelopeID string) (*Result, error) {
	snap, err := e.snapshot(ctx, ownerID, envelopeID)
	if err != nil {
		return nil, err
	}

	source, err := e.store.Get(ctx, snap.Document.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("原本文書の読み込みに失敗しました: %w", err)
	}

	content, err := ContentStage(e.canvas, source, snap)
	if err != nil {
		return nil, err
	}
	actor := model.Actor{ID: ownerID, Role: model.ActorRoleOwner}
	if content.Fallback {
		e.metrics.RecordFallbackRender()
		e.logger.Warn("source document could not be rendered; using placeholder",
			slog.String("envelope_id", envelopeID),
			slog.String("document_id", snap.Document.ID),
			slog.String("reason", content.FallbackReason),
		)
		if err := e.ledger.Record(ctx, envelopeID, model.EventRenderFallbackUsed, actor, map[string]any{
			"document_id": snap.Document.ID,
			"reason":      content.FallbackReason,
		}); err != nil {
			return nil, err
		}
	}
	if content.Skipped > 0 {
		e.logger.Warn("signatures placed outside the document were not drawn",
			slog.String("envelope_id", envelopeID),
			slog.Int("skipped", content.Skipped),
		)
	}

	final, err := CertificationStage(e.canvas, content.Bytes, snap, e.location, e.statement)
	if err != nil {
		return nil, err
	}

	res := &Result{
		EnvelopeID:   envelopeID,
		DocumentID:   snap.Document.ID,
		OriginalHash: snap.Document.OriginalHash,
		ContentHash:  content.Hash,
		CompleteHash: final.Hash,
		Fingerprint:  final.Fingerprint,
		Path:         ArtifactPath(envelopeID),
		FallbackUsed: content.Fallback,
		Size:         len(final.Bytes),
	}

	// 同じエンベロープの書き込みは直列化し、成果物・ダイジェスト・監査ログを同じ順序で確定させる
	err = e.documents.WithCertificationLock(ctx, envelopeID, func(ctx context.Context) error {
		if err := e.store.Put(ctx, res.Path, final.Bytes); err != nil {
			return fmt.Errorf("証明済み成果物の保存に失敗しました: %w", err)
		}
		res.CertifiedAt = e.now().UTC().Truncate(time.Microsecond)
		if err := e.documents.UpdateCertification(ctx, snap.Document.ID, res.CompleteHash, res.Path, res.CertifiedAt); err != nil {
			return fmt.Errorf("証明結果の記録に失敗しました: %w", err)
		}
		return e.ledger.Record(ctx, envelopeID, model.EventCompleteSignedPDF, actor, map[string]any{
			"document_id":   snap.Document.ID,
			"original_hash": res.OriginalHash,
			"content_hash":  res.ContentHash,
			"complete_hash": res.CompleteHash,
			"fingerprint":   res.Fingerprint,
			"path":          res.Path,
			"fallback":      res.FallbackUsed,
			"status":        string(snap.Envelope.Status),
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("envelope certified",
		slog.String("envelope_id", envelopeID),
		slog.String("document_id", snap.Document.ID),
		slog.String("complete_hash", res.CompleteHash),
		slog.Bool("fallback", res.FallbackUsed),
	)
	return res, nil
}

// snapshot はエンベロープのロック内で状態と署名者を読み、署名を添えて固定する。
func (e *Engine) snapshot(ctx context.Context, ownerID, envelopeID string) (*Snapshot, error) {
	snap := &Snapshot{}
	err := e.envelopes.WithLock(ctx, envelopeID, func(tx repository.EnvelopeTx) error {
		env := tx.Envelope()
		if env.OwnerID != ownerID {
			return model.NewNotFoundError("envelope", envelopeID)
		}
		if env.Status != model.StatusPartiallySigned && env.Status != model.StatusCompleted {
			return model.NewInvalidStateError("envelope", env.ID,
				fmt.Sprintf("certification requires PARTIALLY_SIGNED or COMPLETED (current %s)", env.Status))
		}
		signers, err := tx.Signers(ctx)
		if err != nil {
			return fmt.Errorf("署名者一覧の取得に失敗しました: %w", err)
		}
		snap.Envelope = env
		snap.Signers = signers
		return nil
	})
	if err != nil {
		return nil, err
	}

	doc, err := e.documents.FindByID(ctx, snap.Envelope.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("文書の取得に失敗しました: %w", err)
	}
	if doc == nil {
		return nil, model.NewNotFoundError("document", snap.Envelope.DocumentID).WithDetail("envelope_id", envelopeID)
	}
	snap.Document = doc

	// 署名は作成後に変更されないため、ロック外で読んでもスナップショットと一致する
	sigs, err := e.signatures.ListByEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("署名一覧の取得に失敗しました: %w", err)
	}
	signedAt := make(map[string]bool, len(snap.Signers))
	for _, sg := range snap.Signers {
		if sg.SignedAt != nil {
			signedAt[sg.ID] = true
		}
	}
	snap.Signatures = make(map[string]*model.Signature, len(sigs))
	for _, sig := range sigs {
		if signedAt[sig.SignerID] {
			snap.Signatures[sig.SignerID] = sig
		}
	}
	return snap, nil
}
