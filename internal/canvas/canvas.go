// Package canvas は文書ページへの署名・テキスト描画を抽象化する。
package canvas

import "fmt"

// Rect はページに対する正規化座標（0〜1）の矩形。原点は左上。
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// TextStyle はテキスト描画の書式。
type TextStyle struct {
	Size  float64 `json:"size"`
	Align string  `json:"align,omitempty"` // left, center, right
}

// Canvas は文書の読み込みを提供する。
type Canvas interface {
	// Load はアップロードされた原本を読み込む。解析できない場合や、
	// 既に署名の描画を含む場合は*ParseErrorを返す。
	Load(data []byte) (Document, error)
	// Reload はSerializeの出力を既存の描画ごと読み直す。
	Reload(data []byte) (Document, error)
}

// Document は読み込み済みの文書。描画は呼び出し順に積み重なる。
type Document interface {
	PageCount() int
	DrawImage(page int, r Rect, mime string, data []byte) error
	DrawText(page int, r Rect, text string, style TextStyle) error
	// Serialize は現在の内容をバイト列に書き出す。同じ内容からは常に同じバイト列を返す。
	Serialize() ([]byte, error)
}

// ParseError は文書を解析できなかったことを表す。
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable document: %s", e.Reason)
}
