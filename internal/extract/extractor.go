// Package extract provides deterministic text extraction from document formats.
// It is the non-model word source for coverage verification: no AI call is
// involved, so its output is independent of the extraction stages.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/torii/kakunin/pkg/utils"
)

// Extractor extracts plain text from document files.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract reads the file at path and returns its text content.
// For plain text files (.txt, .md, .rst), content is returned as-is (UTF-8 validated).
// For PDF, OOXML, and OpenDocument formats, text is extracted from the binary format.
func (e *Extractor) Extract(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return e.ExtractBytes(content, ext)
}

// ExtractBytes extracts text from content based on the given extension.
// ext should include the leading dot (e.g. ".pdf").
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	switch ext {
	case ".pdf":
		pages, err := extractPDFPages(content)
		if err != nil {
			return "", err
		}
		return strings.Join(pages, "\n"), nil
	case ".docx", ".rtf":
		return extractDOCX(content)
	case ".odt", ".odp", ".ods":
		return extractOpenDocument(content)
	case ".xlsx":
		return extractExcel(content)
	case ".pptx":
		return extractPPTX(content)
	case ".txt", ".md", ".rst", "":
		return extractPlain(content)
	default:
		// Unknown extension: treat as plain text
		return extractPlain(content)
	}
}

// ExtractPages returns per-page text. Only PDF carries page boundaries; other
// formats yield a single page. Used by the text-to-image fallback converter
// and the rule-based analyzer, which both need page granularity.
func (e *Extractor) ExtractPages(content []byte, ext string) ([]string, error) {
	if strings.ToLower(ext) == ".pdf" {
		return extractPDFPages(content)
	}
	text, err := e.ExtractBytes(content, ext)
	if err != nil {
		return nil, err
	}
	return []string{text}, nil
}

// Words returns the distinct normalized tokens of the document's text,
// in order of first occurrence.
func (e *Extractor) Words(content []byte, ext string) ([]string, error) {
	text, err := e.ExtractBytes(content, ext)
	if err != nil {
		return nil, err
	}
	return utils.UniqueTokens(text), nil
}

// Supported reports whether the extension has a dedicated parser.
func Supported(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".docx", ".rtf", ".odt", ".odp", ".ods", ".xlsx", ".pptx", ".txt", ".md", ".rst":
		return true
	}
	return false
}
