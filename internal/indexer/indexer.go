// Package indexer is the handoff sink for released documents.
//
// Approved records are flattened into a searchable document and written to a
// Bleve index. Search itself is out of scope for the pipeline; the index is
// the contract with whatever search frontend consumes released documents.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"go.uber.org/zap"

	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/internal/orchestrate"
)

// IndexedDocument is the flattened form of a released record.
type IndexedDocument struct {
	ID           string   `json:"id"`
	Filename     string   `json:"filename"`
	Title        string   `json:"title"`
	DocumentType string   `json:"document_type"`
	Content      string   `json:"content"`
	Words        []string `json:"words"`
	ReleasedBy   string   `json:"released_by"`
}

// BleveIndexer writes released documents to a Bleve index on disk.
type BleveIndexer struct {
	index  bleve.Index
	logger *zap.Logger
}

// NewBleveIndexer creates or opens the index at path. An existing index is
// reused; remove the directory to force a rebuild after mapping changes.
func NewBleveIndexer(path string, logger *zap.Logger) (*BleveIndexer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer: lowercase and tokenize, no stemming, so part
	// numbers and norm references match exactly as written.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("title", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("document_type", keywordFieldMapping)
	im.AddDocumentMapping("document", docMapping)
	im.DefaultType = "document"
	im.DefaultMapping = docMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open index: %w", openErr)
		}
		return &BleveIndexer{index: index, logger: logger}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return &BleveIndexer{index: index, logger: logger}, nil
}

// Handoff indexes an approved record.
func (b *BleveIndexer) Handoff(ctx context.Context, rec *models.ProcessingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := Flatten(rec)
	if err := b.index.Index(rec.ID, doc); err != nil {
		return fmt.Errorf("failed to index record %s: %w", rec.ID, err)
	}
	b.logger.Info("record indexed",
		zap.String("document_id", rec.ID),
		zap.String("title", doc.Title))
	return nil
}

// Delete removes a document from the index.
func (b *BleveIndexer) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// DocCount returns the number of indexed documents.
func (b *BleveIndexer) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the index.
func (b *BleveIndexer) Close() error {
	return b.index.Close()
}

// Flatten turns a record's artifacts into the indexable document: analysis
// content as full text, the word list for exact lookups.
func Flatten(rec *models.ProcessingRecord) *IndexedDocument {
	doc := &IndexedDocument{
		ID:         rec.ID,
		Filename:   rec.Filename,
		Title:      rec.Filename,
		ReleasedBy: rec.ReleaseActor,
	}

	if a := rec.Artifact(orchestrate.StageContextFrame); a != nil && !a.Failed {
		var frame models.ContextFrame
		if err := json.Unmarshal(a.Payload, &frame); err == nil {
			doc.DocumentType = frame.DocumentType
		}
	}

	if a := rec.Artifact(orchestrate.StageAnalysis); a != nil && !a.Failed {
		var analysis models.StructuredAnalysis
		if err := json.Unmarshal(a.Payload, &analysis); err == nil {
			if analysis.Metadata.Title != "" {
				doc.Title = analysis.Metadata.Title
			}
			doc.Content = strings.Join(analysis.StringLeaves(), "\n")
		}
	}

	if a := rec.Artifact(orchestrate.StageWordExtraction); a != nil && !a.Failed {
		var wl models.WordList
		if err := json.Unmarshal(a.Payload, &wl); err == nil {
			doc.Words = wl.Words
		}
	}

	return doc
}
