package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はオーナーが入力した件名・メッセージからマークアップを除去する。
// 通知本文と証明書のフッターにはプレーンテキストのみを埋め込む。
type TextSanitizer interface {
	// Sanitize はタグを除去し、制御文字を取り除いてmaxLen文字以内に切り詰める。
	// maxLenが0以下の場合は切り詰めない。
	Sanitize(raw string, maxLen int) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizer実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はプレーンテキストを返す。同一入力に対して常に同一出力を返す。
func (s *textSanitizer) Sanitize(raw string, maxLen int) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyはエンティティをエスケープして返すため、プレーンテキストに戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)

	if maxLen > 0 {
		runes := []rune(text)
		if len(runes) > maxLen {
			text = string(runes[:maxLen])
		}
	}
	return text
}
