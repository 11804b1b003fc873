package certify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/signflow/internal/canvas"
	"github.com/hitoshi/signflow/internal/model"
)

// DefaultStatement は証明フッターに記載する既定の準拠文言。
const DefaultStatement = "Electronically signed via signflow. Each signer verified control of their email address with a one-time code before signing."

const (
	captionHeight   = 0.015
	signatureSize   = 14
	captionSize     = 6
	footerSize      = 7
	blockRowHeight  = 0.05
	blockTop        = 0.45
	blockBottom     = 0.9
	signedAtLayout  = "2006-01-02 15:04:05 MST"
	fingerprintSize = 16
)

// Snapshot は証明処理の入力となる、ある時点で固定したエンベロープの状態。
type Snapshot struct {
	Envelope *model.Envelope
	Document *model.Document
	// Signers はルーティング順の全当事者。
	Signers []*model.Signer
	// Signatures は署名者IDごとの署名。
	Signatures map[string]*model.Signature
}

// CompletedAt は署名済みの署名者のうち最新の署名日時を返す。署名者がいない場合はゼロ値。
func (s *Snapshot) CompletedAt() time.Time {
	var latest time.Time
	for _, sg := range s.Signers {
		if sg.SignedAt != nil && sg.SignedAt.After(latest) {
			latest = *sg.SignedAt
		}
	}
	return latest
}

// signed は署名と署名日時の揃った署名者を、ルーティング順・署名日時・ID順で返す。
func (s *Snapshot) signed() []*model.Signer {
	var out []*model.Signer
	for _, sg := range s.Signers {
		if sg.SignedAt != nil && s.Signatures[sg.ID] != nil {
			out = append(out, sg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RoutingOrder != b.RoutingOrder {
			return a.RoutingOrder < b.RoutingOrder
		}
		if !a.SignedAt.Equal(*b.SignedAt) {
			return a.SignedAt.Before(*b.SignedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (s *Snapshot) progress() (signed, total int) {
	for _, sg := range s.Signers {
		if sg.Role != model.RoleSigner {
			continue
		}
		total++
		if sg.SignedAt != nil {
			signed++
		}
	}
	return signed, total
}

// ContentResult はコンテンツ段階の出力。
type ContentResult struct {
	Bytes []byte
	Hash  string
	// Fallback は原本を解析できず代替文書を使ったかどうか。
	Fallback       bool
	FallbackReason string
	// Skipped は配置先のページが存在せず描画できなかった署名の数。
	Skipped int
}

// CertificationResult は証明段階の出力。
type CertificationResult struct {
	Bytes       []byte
	Hash        string
	Fingerprint string
}

// ContentStage は原本に各署名者の署名を描画し、シリアライズした内容のハッシュを計算する。
// 原本を解析できない場合は失敗せず、告知文付きの代替文書に署名一覧を描画する。
// 出力はsourceとsnapの内容だけで決まる。
func ContentStage(cv canvas.Canvas, source []byte, snap *Snapshot) (*ContentResult, error) {
	res := &ContentResult{}

	doc, err := cv.Load(source)
	var parseErr *canvas.ParseError
	switch {
	case errors.As(err, &parseErr):
		res.Fallback = true
		res.FallbackReason = parseErr.Reason
		doc, err = loadPlaceholder(cv, snap)
		if err != nil {
			return nil, err
		}
		res.Skipped, err = drawSignatureBlock(doc, snap)
	case err != nil:
		return nil, fmt.Errorf("failed to load source document: %w", err)
	default:
		res.Skipped, err = drawPlacedSignatures(doc, snap)
	}
	if err != nil {
		return nil, err
	}

	out, err := doc.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize signed content: %w", err)
	}
	res.Bytes = out
	res.Hash = Digest(out)
	return res, nil
}

// CertificationStage はコンテンツ段階の出力を読み直し、最終ページに証明フッターを描画する。
// 戻り値のHashがフッターを含む完全なダイジェストで、記録上の値となる。
func CertificationStage(cv canvas.Canvas, content []byte, snap *Snapshot, loc *time.Location, statement string) (*CertificationResult, error) {
	if loc == nil {
		loc = time.UTC
	}
	if statement == "" {
		statement = DefaultStatement
	}

	doc, err := cv.Reload(content)
	if err != nil {
		return nil, fmt.Errorf("failed to reload signed content: %w", err)
	}

	completedAt := snap.CompletedAt()
	fp := Fingerprint(snap.Envelope.ID, snap.Document.ID, completedAt)
	signed, total := snap.progress()

	last := doc.PageCount()
	style := canvas.TextStyle{Size: footerSize, Align: "center"}
	line1 := fmt.Sprintf("Envelope %s | Fingerprint %s | Signed %s | %d of %d signers",
		snap.Envelope.ID, fp, completedAt.In(loc).Format(signedAtLayout), signed, total)
	if err := doc.DrawText(last, canvas.Rect{X: 0.05, Y: 0.935, Width: 0.9, Height: 0.02}, line1, style); err != nil {
		return nil, fmt.Errorf("failed to stamp certification footer: %w", err)
	}
	if err := doc.DrawText(last, canvas.Rect{X: 0.05, Y: 0.958, Width: 0.9, Height: 0.02}, statement, style); err != nil {
		return nil, fmt.Errorf("failed to stamp certification footer: %w", err)
	}

	out, err := doc.Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize certified document: %w", err)
	}
	return &CertificationResult{Bytes: out, Hash: Digest(out), Fingerprint: fp}, nil
}

// Fingerprint はエンベロープID・文書ID・最新の署名日時を連結したSHA-256から、
// 先頭16桁を XXXX-XXXX-XXXX-XXXX 形式で返す。
func Fingerprint(envelopeID, documentID string, completedAt time.Time) string {
	sum := sha256.Sum256([]byte(envelopeID + documentID + completedAt.UTC().Format(time.RFC3339Nano)))
	h := strings.ToUpper(hex.EncodeToString(sum[:]))[:fingerprintSize]
	return h[0:4] + "-" + h[4:8] + "-" + h[8:12] + "-" + h[12:16]
}

// Digest はバイト列のSHA-256を16進文字列で返す。
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadPlaceholder(cv canvas.Canvas, snap *Snapshot) (canvas.Document, error) {
	notice := fmt.Sprintf(
		"The original document %q could not be rendered, so this substitute page records the signatures instead.\n"+
			"Original SHA-256: %s\nEnvelope: %s",
		snap.Document.Name, snap.Document.OriginalHash, snap.Envelope.ID)
	title := snap.Envelope.Subject
	if title == "" {
		title = snap.Document.Name
	}
	data, err := canvas.Placeholder(title, notice, snap.CompletedAt())
	if err != nil {
		return nil, err
	}
	doc, err := cv.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load placeholder document: %w", err)
	}
	return doc, nil
}

// drawPlacedSignatures は各署名を指定位置に描画する。存在しないページへの配置は数えて読み飛ばす。
func drawPlacedSignatures(doc canvas.Document, snap *Snapshot) (int, error) {
	skipped := 0
	for _, sg := range snap.signed() {
		sig := snap.Signatures[sg.ID]
		p := sig.Placement
		if p == nil {
			continue
		}
		if p.Page < 1 || p.Page > doc.PageCount() {
			skipped++
			continue
		}
		r := canvas.Rect{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height}
		if err := drawSignature(doc, p.Page, r, sig); err != nil {
			return skipped, err
		}
		if p.HideText {
			continue
		}
		y := p.Y + p.Height
		if y+captionHeight > 1 {
			y = p.Y - captionHeight
		}
		if y < 0 {
			continue
		}
		caption := fmt.Sprintf("%s <%s> %s", sg.Name, sg.Email, sg.SignedAt.UTC().Format(signedAtLayout))
		if err := doc.DrawText(p.Page, canvas.Rect{X: p.X, Y: y, Width: p.Width, Height: captionHeight}, caption,
			canvas.TextStyle{Size: captionSize}); err != nil {
			return skipped, fmt.Errorf("failed to draw signature caption: %w", err)
		}
	}
	return skipped, nil
}

// drawSignatureBlock は代替文書の1ページ目に署名を一覧で描画する。
func drawSignatureBlock(doc canvas.Document, snap *Snapshot) (int, error) {
	skipped := 0
	y := blockTop
	for _, sg := range snap.signed() {
		if y+blockRowHeight > blockBottom {
			skipped++
			continue
		}
		sig := snap.Signatures[sg.ID]
		if err := drawSignature(doc, 1, canvas.Rect{X: 0.1, Y: y, Width: 0.3, Height: blockRowHeight * 0.8}, sig); err != nil {
			return skipped, err
		}
		line := fmt.Sprintf("%s <%s> signed %s", sg.Name, sg.Email, sg.SignedAt.UTC().Format(signedAtLayout))
		if err := doc.DrawText(1, canvas.Rect{X: 0.45, Y: y, Width: 0.45, Height: blockRowHeight * 0.8}, line,
			canvas.TextStyle{Size: 9}); err != nil {
			return skipped, fmt.Errorf("failed to draw signature block: %w", err)
		}
		y += blockRowHeight
	}
	return skipped, nil
}

func drawSignature(doc canvas.Document, page int, r canvas.Rect, sig *model.Signature) error {
	if len(sig.ImageData) > 0 {
		if err := doc.DrawImage(page, r, sig.ImageMime, sig.ImageData); err != nil {
			return fmt.Errorf("failed to draw signature image: %w", err)
		}
		return nil
	}
	if err := doc.DrawText(page, r, sig.TypedText, canvas.TextStyle{Size: signatureSize}); err != nil {
		return fmt.Errorf("failed to draw typed signature: %w", err)
	}
	return nil
}
