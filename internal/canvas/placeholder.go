package canvas

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

// Placeholder は原本を解析できなかった場合の代替文書を生成する。
// 作成日時をatに固定するため、同じ引数からは同じバイト列が得られる。
func Placeholder(title, notice string, at time.Time) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(at)
	pdf.SetModificationDate(at)
	pdf.SetCatalogSort(true)
	pdf.SetTitle(title, false)
	pdf.SetCreator("signflow", false)
	pdf.SetMargins(20, 25, 20)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 9, title, "", "L", false)
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "", 11)
	pdf.MultiCell(0, 6, notice, "1", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to build placeholder document: %w", err)
	}
	return buf.Bytes(), nil
}
