// Package field は署名フィールドの配置と入力内容を検証する。
// 外部依存を持たない純粋関数として実装する。
package field

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/signflow/internal/model"
)

// ErrorCode はフィールド検証エラーの種別。
type ErrorCode string

const (
	// ErrInvalidPosition はページ外にはみ出す配置。
	ErrInvalidPosition ErrorCode = "INVALID_POSITION"
	// ErrOverlap は同一ページ上で他フィールドと重なる配置。
	ErrOverlap ErrorCode = "OVERLAP"
	// ErrRequiredEmpty は必須フィールドの値が空または不正。
	ErrRequiredEmpty ErrorCode = "REQUIRED_EMPTY"
	// ErrMissingField は署名フィールドを持たない署名者がいる。
	ErrMissingField ErrorCode = "MISSING_FIELD"
	// ErrInvalidType は未定義のフィールド種別。
	ErrInvalidType ErrorCode = "INVALID_TYPE"
)

// epsilon は浮動小数点の丸め誤差の許容値。
const epsilon = 1e-9

// dateLayouts はDATEフィールドで受け付ける日付書式。
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"01/02/2006",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// Error は1件の検証エラーを表す。
type Error struct {
	Code         ErrorCode
	FieldID      string
	OtherFieldID string // OVERLAPのときの相手フィールド
	SignerID     string
	Message      string
}

// String は人が読める形式を返す。
func (e Error) String() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result は検証結果。すべてのエラーを蓄積して返す。
type Result struct {
	Valid  bool
	Errors []Error
}

// Without は指定コードのエラーを除いた結果を返す。
func (r Result) Without(codes ...ErrorCode) Result {
	skip := make(map[ErrorCode]bool, len(codes))
	for _, c := range codes {
		skip[c] = true
	}
	out := Result{}
	for _, e := range r.Errors {
		if !skip[e.Code] {
			out.Errors = append(out.Errors, e)
		}
	}
	out.Valid = len(out.Errors) == 0
	return out
}

// Messages はエラーメッセージの一覧を返す。
func (r Result) Messages() []string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.String())
	}
	return msgs
}

// Validate はフィールド群を検証し、検出したすべてのエラーを返す。
// 座標はpageWidth×pageHeightのページ上の値として扱う（正規化座標なら1.0×1.0）。
// 検査順: 種別 → 範囲 → 重なり（同一ページの非順序ペアごとに1回）→ 必須値 → 署名者ごとの署名フィールド有無。
func Validate(fields []*model.DocumentField, pageWidth, pageHeight float64) Result {
	var errs []Error

	for _, f := range fields {
		if !f.Type.IsValid() {
			errs = append(errs, Error{
				Code:     ErrInvalidType,
				FieldID:  f.ID,
				SignerID: f.SignerID,
				Message:  fmt.Sprintf("field %s has unknown type %q", f.ID, f.Type),
			})
		}
		if !InBounds(f, pageWidth, pageHeight) {
			errs = append(errs, Error{
				Code:     ErrInvalidPosition,
				FieldID:  f.ID,
				SignerID: f.SignerID,
				Message:  fmt.Sprintf("field %s extends beyond page %d boundary", f.ID, f.Page),
			})
		}
	}

	for i := 0; i < len(fields); i++ {
		for j := i + 1; j < len(fields); j++ {
			if Overlaps(fields[i], fields[j]) {
				errs = append(errs, Error{
					Code:         ErrOverlap,
					FieldID:      fields[i].ID,
					OtherFieldID: fields[j].ID,
					SignerID:     fields[i].SignerID,
					Message:      fmt.Sprintf("field %s overlaps field %s on page %d", fields[i].ID, fields[j].ID, fields[i].Page),
				})
			}
		}
	}

	for _, f := range fields {
		if f.Required && !HasValue(f) {
			errs = append(errs, Error{
				Code:     ErrRequiredEmpty,
				FieldID:  f.ID,
				SignerID: f.SignerID,
				Message:  fmt.Sprintf("required %s field %s has no valid value", f.Type, f.ID),
			})
		}
	}

	var order []string
	hasSignature := make(map[string]bool)
	for _, f := range fields {
		if _, seen := hasSignature[f.SignerID]; !seen {
			order = append(order, f.SignerID)
			hasSignature[f.SignerID] = false
		}
		if f.Type == model.FieldSignature {
			hasSignature[f.SignerID] = true
		}
	}
	for _, signerID := range order {
		if !hasSignature[signerID] {
			errs = append(errs, Error{
				Code:     ErrMissingField,
				SignerID: signerID,
				Message:  fmt.Sprintf("signer %s has no signature field", signerID),
			})
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// InBounds はフィールドがページ内に収まっているかを返す。
func InBounds(f *model.DocumentField, pageWidth, pageHeight float64) bool {
	if f.Page < 1 {
		return false
	}
	if f.X < 0 || f.Y < 0 || f.Width <= 0 || f.Height <= 0 {
		return false
	}
	return f.X+f.Width <= pageWidth+epsilon && f.Y+f.Height <= pageHeight+epsilon
}

// Overlaps は2つのフィールドの矩形が交差するかを返す。
// 辺が接するだけの場合は重なりとみなさない。異なるページのフィールドは常にfalse。
func Overlaps(a, b *model.DocumentField) bool {
	if a.Page != b.Page {
		return false
	}
	return a.X < b.X+b.Width-epsilon &&
		b.X < a.X+a.Width-epsilon &&
		a.Y < b.Y+b.Height-epsilon &&
		b.Y < a.Y+a.Height-epsilon
}

// HasValue は種別ごとの規則でフィールド値が埋まっているかを返す。
func HasValue(f *model.DocumentField) bool {
	switch f.Type {
	case model.FieldSignature, model.FieldInitial:
		return f.Value != ""
	case model.FieldDate:
		return f.Value != "" && IsDate(f.Value)
	case model.FieldText:
		return strings.TrimSpace(f.Value) != ""
	case model.FieldCheckbox:
		return f.Value == "true" || f.Value == "false"
	}
	return false
}

// IsDate は受け付け可能な日付書式かどうかを返す。
func IsDate(v string) bool {
	v = strings.TrimSpace(v)
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}
