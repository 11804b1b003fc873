package canvas

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // 署名画像の形式判定
	_ "image/png"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/font"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"golang.org/x/text/encoding/charmap"
)

const (
	// stampKey は描画したコンテンツストリームに付ける私的なキー。
	stampKey = "SignflowStamp"

	stampFont       = "Helvetica"
	fontPrefix      = "SFHelv"
	imagePrefix     = "SFImg"
	defaultTextSize = 10.0
	minTextSize     = 3.0
	// capHeight はHelveticaの大文字高さ（em比）。
	capHeight = 0.718
)

var disableConfigDir sync.Once

// PDFCanvas はpdfcpuでPDFを読み込み、描画を増分更新として原本の後ろに追記するCanvas。
// 原本のバイト列は出力の先頭にそのまま残る。
type PDFCanvas struct{}

// NewPDFCanvas はPDFCanvasを生成する。pdfcpuの設定ディレクトリは使わない。
func NewPDFCanvas() *PDFCanvas {
	disableConfigDir.Do(api.DisableConfigDir)
	return &PDFCanvas{}
}

// Load はアップロードされた原本を読み込む。構文検証に通らない文書、暗号化された文書、
// 既に署名の描画を含む文書は*ParseErrorになる。
func (c *PDFCanvas) Load(data []byte) (Document, error) {
	return load(data, true)
}

// Reload はこのCanvasが書き出した文書を読み直す。既存の描画はそのまま残る。
func (c *PDFCanvas) Reload(data []byte) (Document, error) {
	return load(data, false)
}

func load(data []byte, strict bool) (Document, error) {
	ctx, err := readContext(data, strict)
	if err != nil {
		return nil, err
	}

	boxes := make([]types.Rectangle, ctx.PageCount)
	for i := 1; i <= ctx.PageCount; i++ {
		pageDict, _, inh, err := ctx.PageDict(i, false)
		if err != nil || pageDict == nil {
			return nil, &ParseError{Reason: fmt.Sprintf("page %d is not readable", i)}
		}
		box := inh.CropBox
		if box == nil {
			box = inh.MediaBox
		}
		if box == nil || box.Width() <= 0 || box.Height() <= 0 {
			return nil, &ParseError{Reason: fmt.Sprintf("page %d has no media box", i)}
		}
		boxes[i-1] = *box

		if !strict {
			continue
		}
		stamped, err := hasStamp(ctx.XRefTable, pageDict)
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("page %d content is not readable", i)}
		}
		if stamped {
			return nil, &ParseError{Reason: "document already carries signing stamps"}
		}
	}

	return &pdfDocument{
		base:  append([]byte(nil), data...),
		boxes: boxes,
	}, nil
}

// readContext はdataを解析する。validateが真ならpdfcpuの構文検証も行う。
func readContext(data []byte, validate bool) (ctx *model.Context, err error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, &ParseError{Reason: "missing %PDF- header"}
	}

	// 壊れた入力でpdfcpuがpanicすることがある
	defer func() {
		if r := recover(); r != nil {
			ctx, err = nil, &ParseError{Reason: fmt.Sprintf("malformed document: %v", r)}
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.WriteXRefStream = false
	conf.WriteObjectStream = false
	conf.Offline = true
	conf.Eol = types.EolLF

	rs := bytes.NewReader(data)
	if validate {
		ctx, err = api.ReadAndValidate(rs, conf)
	} else {
		ctx, err = api.ReadContext(rs, conf)
	}
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if ctx.Encrypt != nil {
		return nil, &ParseError{Reason: "encrypted documents are not supported"}
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if ctx.PageCount == 0 {
		return nil, &ParseError{Reason: "no pages"}
	}
	return ctx, nil
}

// hasStamp はページのコンテンツストリームに署名の描画が含まれるかを返す。
func hasStamp(xt *model.XRefTable, pageDict types.Dict) (bool, error) {
	o, found := pageDict.Find("Contents")
	if !found {
		return false, nil
	}
	o, err := xt.Dereference(o)
	if err != nil {
		return false, err
	}
	switch o := o.(type) {
	case types.StreamDict:
		return isStamp(o.Dict), nil
	case types.Array:
		for _, e := range o {
			sd, _, err := xt.DereferenceStreamDict(e)
			if err != nil {
				return false, err
			}
			if sd != nil && isStamp(sd.Dict) {
				return true, nil
			}
		}
	}
	return false, nil
}

func isStamp(d types.Dict) bool {
	b := d.BooleanEntry(stampKey)
	return b != nil && *b
}

type drawOp struct {
	page  int
	rect  Rect
	text  string
	size  float64
	align string
	image []byte
}

type pdfDocument struct {
	base  []byte
	boxes []types.Rectangle
	ops   []drawOp
}

func (d *pdfDocument) PageCount() int { return len(d.boxes) }

func (d *pdfDocument) checkTarget(page int, r Rect) error {
	if page < 1 || page > len(d.boxes) {
		return fmt.Errorf("page %d out of range (1-%d)", page, len(d.boxes))
	}
	if r.Width <= 0 || r.Height <= 0 || r.X < 0 || r.Y < 0 {
		return fmt.Errorf("invalid rect %+v", r)
	}
	return nil
}

// DrawImage はPNGまたはJPEGの画像を矩形内に縦横比を保って中央配置する。
func (d *pdfDocument) DrawImage(page int, r Rect, mime string, data []byte) error {
	if err := d.checkTarget(page, r); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("empty image data")
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}
	if mime != "" && mime != "image/"+format {
		return fmt.Errorf("image is %s, not %s", format, mime)
	}
	d.ops = append(d.ops, drawOp{page: page, rect: r, image: append([]byte(nil), data...)})
	return nil
}

// DrawText は1行のテキストを矩形内に描画する。幅に収まらない場合は文字を縮小する。
func (d *pdfDocument) DrawText(page int, r Rect, text string, style TextStyle) error {
	if err := d.checkTarget(page, r); err != nil {
		return err
	}
	size := style.Size
	if size <= 0 {
		size = defaultTextSize
	}
	d.ops = append(d.ops, drawOp{page: page, rect: r, text: text, size: size, align: style.Align})
	return nil
}

// Serialize は原本の後ろに、描画を含むページ・フォント・画像・コンテンツストリームを
// 増分更新として書き足す。描画がなければ原本をそのまま返す。
func (d *pdfDocument) Serialize() ([]byte, error) {
	if len(d.ops) == 0 {
		return append([]byte(nil), d.base...), nil
	}

	ctx, err := readContext(d.base, false)
	if err != nil {
		return nil, err
	}
	// 解放済みの番号を再利用せず、新しいオブジェクトは末尾に採番する
	if head, _ := ctx.Free(0); head != nil {
		var zero int64
		head.Offset = &zero
	}
	firstNew := *ctx.Size

	byPage := map[int][]drawOp{}
	for _, o := range d.ops {
		byPage[o.page] = append(byPage[o.page], o)
	}
	pages := make([]int, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	fontRef, err := ctx.IndRefForNewObject(types.Dict{
		"Type":     types.Name("Font"),
		"Subtype":  types.Name("Type1"),
		"BaseFont": types.Name(stampFont),
		"Encoding": types.Name("WinAnsiEncoding"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add font: %w", err)
	}
	saveRef, err := newStampStream(ctx, []byte("q\n"))
	if err != nil {
		return nil, err
	}

	var modified []int
	for _, p := range pages {
		pageDict, pageRef, inh, err := ctx.PageDict(p, false)
		if err != nil || pageDict == nil || pageRef == nil {
			return nil, fmt.Errorf("failed to look up page %d: %w", p, err)
		}
		if err := stampPage(ctx, pageDict, inh.Resources, d.boxes[p-1], byPage[p], *fontRef, *saveRef); err != nil {
			return nil, fmt.Errorf("failed to draw on page %d: %w", p, err)
		}
		modified = append(modified, pageRef.ObjectNumber.Value())
	}

	sort.Ints(modified)
	for nr := firstNew; nr < *ctx.Size; nr++ {
		modified = append(modified, nr)
	}

	out := append([]byte(nil), d.base...)
	if last := out[len(out)-1]; last != '\n' && last != '\r' {
		out = append(out, '\n')
	}
	ctx.Write.Increment = true
	ctx.Write.Offset = int64(len(out))
	ctx.Write.ObjNrs = modified

	var buf bytes.Buffer
	if err := api.WriteIncrement(ctx, &buf); err != nil {
		return nil, fmt.Errorf("failed to write incremental update: %w", err)
	}
	return append(out, buf.Bytes()...), nil
}

// stampPage はページに描画用のコンテンツストリームを追加し、参照するリソースを登録する。
// 既存のストリームは q ... Q で囲み、描画がページの状態に影響されないようにする。
func stampPage(ctx *model.Context, pageDict, inherited types.Dict, box types.Rectangle, ops []drawOp, fontRef, saveRef types.IndirectRef) error {
	res := types.NewDict()
	for k, v := range inherited {
		res[k] = v
	}
	fonts, err := copySubDict(ctx.XRefTable, res, "Font")
	if err != nil {
		return err
	}
	fontName := freeName(fonts, fontPrefix)
	fonts.Update(fontName, fontRef)
	res.Update("Font", fonts)

	var xobjects types.Dict

	var content bytes.Buffer
	content.WriteString("Q\n")
	for _, o := range ops {
		if o.image == nil {
			writeText(&content, box, o, fontName)
			continue
		}
		imgRef, w, h, err := model.CreateImageResource(ctx.XRefTable, bytes.NewReader(o.image))
		if err != nil {
			return fmt.Errorf("failed to embed image: %w", err)
		}
		if xobjects == nil {
			if xobjects, err = copySubDict(ctx.XRefTable, res, "XObject"); err != nil {
				return err
			}
		}
		name := freeName(xobjects, imagePrefix)
		xobjects.Update(name, *imgRef)
		writeImage(&content, box, o.rect, float64(w), float64(h), name)
	}
	if xobjects != nil {
		res.Update("XObject", xobjects)
	}

	stampRef, err := newStampStream(ctx, content.Bytes())
	if err != nil {
		return err
	}

	contents := types.Array{saveRef}
	if o, found := pageDict.Find("Contents"); found {
		existing, err := ctx.Dereference(o)
		if err != nil {
			return err
		}
		if a, ok := existing.(types.Array); ok {
			contents = append(contents, a...)
		} else if existing != nil {
			contents = append(contents, o)
		}
	}
	contents = append(contents, *stampRef)

	pageDict.Update("Resources", res)
	pageDict.Update("Contents", contents)
	return nil
}

func newStampStream(ctx *model.Context, content []byte) (*types.IndirectRef, error) {
	sd := types.StreamDict{Dict: types.NewDict(), Content: content}
	sd.Insert(stampKey, types.Boolean(true))
	if err := sd.Encode(); err != nil {
		return nil, fmt.Errorf("failed to encode content stream: %w", err)
	}
	ref, err := ctx.IndRefForNewObject(sd)
	if err != nil {
		return nil, fmt.Errorf("failed to add content stream: %w", err)
	}
	return ref, nil
}

// copySubDict はリソース辞書の下位辞書（Font・XObject）を直接オブジェクトとして複製する。
func copySubDict(xt *model.XRefTable, res types.Dict, key string) (types.Dict, error) {
	out := types.NewDict()
	o, found := res.Find(key)
	if !found || o == nil {
		return out, nil
	}
	d, err := xt.DereferenceDict(o)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s resources: %w", key, err)
	}
	for k, v := range d {
		out[k] = v
	}
	return out, nil
}

func freeName(d types.Dict, prefix string) string {
	for i := 1; ; i++ {
		name := prefix + strconv.Itoa(i)
		if _, found := d.Find(name); !found {
			return name
		}
	}
}

// place は正規化矩形をページのユーザー空間座標（左下原点）に変換する。
func place(box types.Rectangle, r Rect) (x, y, w, h float64) {
	pw, ph := box.Width(), box.Height()
	w = r.Width * pw
	h = r.Height * ph
	x = box.LL.X + r.X*pw
	y = box.UR.Y - r.Y*ph - h
	return x, y, w, h
}

func writeText(buf *bytes.Buffer, box types.Rectangle, o drawOp, fontName string) {
	text := encodeWinAnsi(o.text)
	if text == "" {
		return
	}
	x, y, w, h := place(box, o.rect)

	size := o.size
	tw := font.TextWidth(text, stampFont, 1000) / 1000 * size
	if tw > w {
		size = math.Max(minTextSize, size*w/tw)
		tw = font.TextWidth(text, stampFont, 1000) / 1000 * size
	}
	switch o.align {
	case "center":
		x += (w - tw) / 2
	case "right":
		x += w - tw
	}
	baseline := y + (h-size*capHeight)/2

	fmt.Fprintf(buf, "BT\n/%s %s Tf\n0 g\n%s %s Td\n(%s) Tj\nET\n",
		fontName, num(size), num(x), num(baseline), escapeString(text))
}

func writeImage(buf *bytes.Buffer, box types.Rectangle, r Rect, iw, ih float64, name string) {
	x, y, w, h := place(box, r)
	if iw <= 0 || ih <= 0 {
		return
	}
	scale := math.Min(w/iw, h/ih)
	dw, dh := iw*scale, ih*scale
	fmt.Fprintf(buf, "q\n%s 0 0 %s %s %s cm\n/%s Do\nQ\n",
		num(dw), num(dh), num(x+(w-dw)/2), num(y+(h-dh)/2), name)
}

// encodeWinAnsi はtextをWinAnsiEncodingのバイト列に変換する。表現できない文字は'?'にする。
func encodeWinAnsi(text string) string {
	var b strings.Builder
	for _, r := range text {
		if r < 0x20 {
			b.WriteByte(' ')
			continue
		}
		c, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			c = '?'
		}
		b.WriteByte(c)
	}
	return strings.TrimSpace(b.String())
}

func escapeString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '(' || c == ')' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c > 0x7e:
			fmt.Fprintf(&b, "\\%03o", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func num(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}

var (
	_ Canvas   = (*PDFCanvas)(nil)
	_ Document = (*pdfDocument)(nil)
)
