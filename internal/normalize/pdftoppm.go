package normalize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/torii/kakunin/internal/models"
)

// PDFToPPMConverter rasterizes PDFs with the poppler pdftoppm binary.
type PDFToPPMConverter struct {
	runner Runner
}

// NewPDFToPPMConverter creates the poppler-backed PDF converter.
func NewPDFToPPMConverter(runner Runner) *PDFToPPMConverter {
	return &PDFToPPMConverter{runner: runner}
}

func (c *PDFToPPMConverter) Name() string { return "pdftoppm" }

func (c *PDFToPPMConverter) Supports(ext string) bool { return ext == ".pdf" }

// Convert writes the PDF to a scratch directory, runs pdftoppm, and collects
// the rendered pages in order.
func (c *PDFToPPMConverter) Convert(ctx context.Context, doc *models.SourceDocument, dpi int) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "kakunin-pdf-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(src, doc.Content, 0600); err != nil {
		return nil, err
	}

	prefix := filepath.Join(dir, "page")
	_, stderr, err := c.runner.Run(ctx, "pdftoppm",
		"-png", "-r", strconv.Itoa(dpi), src, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (%s)", err, string(stderr))
	}

	return collectPages(dir, "page")
}

// collectPages reads page-*.png files produced under dir, sorted by name.
// pdftoppm zero-pads page numbers so lexical order is page order.
func collectPages(dir, prefix string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && filepath.Ext(name) == ".png" && len(name) > len(prefix) && name[:len(prefix)] == prefix {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var pages [][]byte
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		pages = append(pages, data)
	}
	return pages, nil
}
