package normalize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/torii/kakunin/internal/models"
)

var sofficeExts = map[string]bool{
	".doc":  true,
	".docx": true,
	".odt":  true,
	".odp":  true,
	".ods":  true,
	".ppt":  true,
	".pptx": true,
	".rtf":  true,
	".xls":  true,
	".xlsx": true,
}

// SofficeConverter renders office documents by converting them to PDF with
// headless LibreOffice, then rasterizing the PDF with pdftoppm.
type SofficeConverter struct {
	runner Runner
}

// NewSofficeConverter creates the LibreOffice-backed converter.
func NewSofficeConverter(runner Runner) *SofficeConverter {
	return &SofficeConverter{runner: runner}
}

func (c *SofficeConverter) Name() string { return "soffice" }

func (c *SofficeConverter) Supports(ext string) bool { return sofficeExts[ext] }

func (c *SofficeConverter) Convert(ctx context.Context, doc *models.SourceDocument, dpi int) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "kakunin-soffice-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	ext := filepath.Ext(doc.Filename)
	src := filepath.Join(dir, "input"+ext)
	if err := os.WriteFile(src, doc.Content, 0600); err != nil {
		return nil, err
	}

	_, stderr, err := c.runner.Run(ctx, "soffice",
		"--headless", "--convert-to", "pdf", "--outdir", dir, src)
	if err != nil {
		return nil, fmt.Errorf("soffice conversion failed: %w (%s)", err, string(stderr))
	}

	pdf := filepath.Join(dir, "input.pdf")
	if _, err := os.Stat(pdf); err != nil {
		return nil, fmt.Errorf("soffice produced no pdf: %w", err)
	}

	prefix := filepath.Join(dir, "page")
	_, stderr, err = c.runner.Run(ctx, "pdftoppm",
		"-png", "-r", strconv.Itoa(dpi), pdf, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (%s)", err, string(stderr))
	}

	return collectPages(dir, "page")
}
