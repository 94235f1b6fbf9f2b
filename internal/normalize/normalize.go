// Package normalize renders source documents into page images.
//
// Every document entering the pipeline becomes an ordered set of PNG pages
// at a fixed DPI, whatever its original format. Converters are tried in
// order: each one failing is logged and skipped, except the last, whose
// failure fails the document. The last converter in the default chain renders
// extracted text directly and cannot fail on any readable input, so in
// practice a document only fails normalization when it cannot be read at all.
package normalize

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/internal/storage"
)

// Converter renders one document format family into PNG pages.
type Converter interface {
	// Name identifies the converter in artifacts and logs.
	Name() string
	// Supports reports whether the converter handles the extension.
	Supports(ext string) bool
	// Convert renders the document into PNG pages at the given DPI.
	Convert(ctx context.Context, doc *models.SourceDocument, dpi int) ([][]byte, error)
}

// ConversionError is returned when every applicable converter failed.
type ConversionError struct {
	DocumentID string
	Filename   string
	Attempts   []string // "converter: error" per attempt
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("failed to convert %s (%s): %s",
		e.Filename, e.DocumentID, strings.Join(e.Attempts, "; "))
}

// Normalizer runs the converter chain and stores the resulting pages.
type Normalizer struct {
	converters []Converter
	images     *storage.ImageStore
	dpi        int
	logger     *zap.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithConverters replaces the default converter chain.
func WithConverters(converters ...Converter) Option {
	return func(n *Normalizer) { n.converters = converters }
}

// New creates a Normalizer with the default chain: pdftoppm for PDFs,
// LibreOffice for office formats, and text rendering as the terminal
// fallback.
func New(images *storage.ImageStore, dpi int, opts ...Option) *Normalizer {
	n := &Normalizer{
		images: images,
		dpi:    dpi,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.converters == nil {
		runner := NewExecRunner(n.logger)
		n.converters = []Converter{
			NewPDFToPPMConverter(runner),
			NewSofficeConverter(runner),
			NewTextImageConverter(),
		}
	}
	return n
}

// Normalize renders doc into page images and stores them. It returns the
// stored page set, including which converter produced it.
func (n *Normalizer) Normalize(ctx context.Context, doc *models.SourceDocument) (*models.PageImageSet, error) {
	ext := strings.ToLower(filepath.Ext(doc.Filename))

	if ext == ".pdf" {
		n.checkPDF(doc)
	}

	var attempts []string
	for i, conv := range n.converters {
		if !conv.Supports(ext) {
			continue
		}
		last := i == len(n.converters)-1
		pages, err := conv.Convert(ctx, doc, n.dpi)
		if err != nil {
			attempts = append(attempts, fmt.Sprintf("%s: %v", conv.Name(), err))
			if ctx.Err() != nil {
				break
			}
			n.logger.Warn("converter failed, trying next",
				zap.String("document_id", doc.ID),
				zap.String("converter", conv.Name()),
				zap.Error(err))
			if last {
				break
			}
			continue
		}
		if len(pages) == 0 {
			attempts = append(attempts, fmt.Sprintf("%s: produced no pages", conv.Name()))
			continue
		}
		return n.store(doc, conv.Name(), pages)
	}
	if attempts == nil {
		attempts = []string{fmt.Sprintf("no converter supports %q", ext)}
	}
	return nil, &ConversionError{DocumentID: doc.ID, Filename: doc.Filename, Attempts: attempts}
}

// checkPDF validates the PDF structure up front. A damaged PDF is worth a
// log line but not a hard stop: pdftoppm copes with more damage than the
// validator accepts.
func (n *Normalizer) checkPDF(doc *models.SourceDocument) {
	conf := model.NewDefaultConfiguration()
	if err := api.Validate(bytes.NewReader(doc.Content), conf); err != nil {
		n.logger.Warn("pdf validation failed",
			zap.String("document_id", doc.ID),
			zap.Error(err))
		return
	}
	count, err := api.PageCount(bytes.NewReader(doc.Content), conf)
	if err != nil {
		return
	}
	n.logger.Debug("pdf validated",
		zap.String("document_id", doc.ID),
		zap.Int("pages", count))
}

func (n *Normalizer) store(doc *models.SourceDocument, converter string, pages [][]byte) (*models.PageImageSet, error) {
	set := &models.PageImageSet{
		DocumentID: doc.ID,
		DPI:        n.dpi,
		Converter:  converter,
	}
	for i, data := range pages {
		path, err := n.images.WritePage(doc.ID, i+1, data)
		if err != nil {
			return nil, fmt.Errorf("failed to store page %d: %w", i+1, err)
		}
		set.Pages = append(set.Pages, models.PageImage{Page: i + 1, Path: path})
	}
	n.logger.Info("document normalized",
		zap.String("document_id", doc.ID),
		zap.String("converter", converter),
		zap.Int("pages", len(set.Pages)))
	return set, nil
}
