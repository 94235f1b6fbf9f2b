package normalize

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"path/filepath"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/torii/kakunin/internal/extract"
	"github.com/torii/kakunin/internal/models"
)

// TextImageConverter renders the extracted text of a document onto blank
// pages. It is the terminal converter: ugly but dependable, it succeeds for
// any document whose text can be read, so the pipeline always has pages to
// work with even without poppler or LibreOffice installed.
type TextImageConverter struct {
	extractor *extract.Extractor
}

// NewTextImageConverter creates the text-rendering converter.
func NewTextImageConverter() *TextImageConverter {
	return &TextImageConverter{extractor: extract.NewExtractor()}
}

func (c *TextImageConverter) Name() string { return "textimage" }

// Supports accepts everything. Unreadable content still yields pages; they
// are simply sparse.
func (c *TextImageConverter) Supports(ext string) bool { return true }

func (c *TextImageConverter) Convert(ctx context.Context, doc *models.SourceDocument, dpi int) ([][]byte, error) {
	ext := strings.ToLower(filepath.Ext(doc.Filename))
	sourcePages, err := c.extractor.ExtractPages(doc.Content, ext)
	if err != nil {
		return nil, fmt.Errorf("text extraction failed: %w", err)
	}
	if len(sourcePages) == 0 {
		sourcePages = []string{""}
	}

	layout := newPageLayout(dpi)
	var pages [][]byte
	for _, text := range sourcePages {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, lines := range layout.paginate(text) {
			img, err := layout.render(lines)
			if err != nil {
				return nil, err
			}
			pages = append(pages, img)
		}
	}
	return pages, nil
}

// pageLayout holds the geometry of a rendered US-letter page at a given DPI.
type pageLayout struct {
	width  int
	height int
	margin int
	cols   int
	rows   int
}

func newPageLayout(dpi int) *pageLayout {
	if dpi <= 0 {
		dpi = 200
	}
	l := &pageLayout{
		width:  dpi * 17 / 2, // 8.5in
		height: dpi * 11,
		margin: dpi / 2,
	}
	face := basicfont.Face7x13
	l.cols = (l.width - 2*l.margin) / face.Advance
	l.rows = (l.height - 2*l.margin) / face.Height
	if l.cols < 1 {
		l.cols = 1
	}
	if l.rows < 1 {
		l.rows = 1
	}
	return l
}

// paginate wraps text into pages of at most rows lines of cols characters.
func (l *pageLayout) paginate(text string) [][]string {
	var lines []string
	for _, raw := range strings.Split(text, "\n") {
		lines = append(lines, wrapLine(raw, l.cols)...)
	}
	if len(lines) == 0 {
		lines = []string{""}
	}
	var pages [][]string
	for start := 0; start < len(lines); start += l.rows {
		end := start + l.rows
		if end > len(lines) {
			end = len(lines)
		}
		pages = append(pages, lines[start:end])
	}
	return pages
}

func wrapLine(line string, cols int) []string {
	runes := []rune(line)
	if len(runes) <= cols {
		return []string{line}
	}
	var out []string
	for len(runes) > cols {
		// Prefer breaking at the last space inside the width.
		cut := cols
		for i := cols; i > cols/2; i-- {
			if runes[i-1] == ' ' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimRight(string(runes[:cut]), " "))
		runes = runes[cut:]
	}
	out = append(out, string(runes))
	return out
}

func (l *pageLayout) render(lines []string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, l.width, l.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: face,
	}
	y := l.margin + face.Ascent
	for _, line := range lines {
		drawer.Dot = fixed.P(l.margin, y)
		drawer.DrawString(line)
		y += face.Height
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode page: %w", err)
	}
	return buf.Bytes(), nil
}
