// Package pipeline drives documents through processing states.
//
// The pipeline is the single writer for a record: all mutation happens under
// a per-document lock, and the record is persisted after every state
// transition, so a crash at any point leaves a consistent, resumable record.
// Stage-level analysis failures degrade to review flags; only infrastructure
// failures (conversion, storage) park the record in FAILED.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/torii/kakunin/internal/extract"
	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/internal/normalize"
	"github.com/torii/kakunin/internal/orchestrate"
	"github.com/torii/kakunin/internal/storage"
)

// Phase names, used to record where a FAILED record stopped.
const (
	PhaseNormalize      = "normalize"
	PhaseWordExtraction = "word_extraction"
	PhaseAnalysis       = "analysis"
	PhaseVerification   = "verification"
)

// phaseStart maps a failed phase to the state it resumes from.
var phaseStart = map[string]models.ProcessingState{
	PhaseNormalize:      models.StateUploaded,
	PhaseWordExtraction: models.StateImagesGenerated,
	PhaseAnalysis:       models.StateWordsExtracted,
	PhaseVerification:   models.StateAnalysisDone,
}

// Indexer receives approved records for search indexing.
type Indexer interface {
	Handoff(ctx context.Context, rec *models.ProcessingRecord) error
}

// Pipeline coordinates normalization, analysis, verification, and release.
type Pipeline struct {
	store         storage.RecordStore
	images        *storage.ImageStore
	normalizer    *normalize.Normalizer
	orch          *orchestrate.Orchestrator
	extractor     *extract.Extractor
	indexer       Indexer
	logger        *zap.Logger
	maxConcurrent int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithIndexer sets the sink for approved records.
func WithIndexer(idx Indexer) Option {
	return func(p *Pipeline) { p.indexer = idx }
}

// WithMaxConcurrent bounds how many documents process at once.
func WithMaxConcurrent(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxConcurrent = n
		}
	}
}

// New creates a Pipeline.
func New(store storage.RecordStore, images *storage.ImageStore, normalizer *normalize.Normalizer,
	orch *orchestrate.Orchestrator, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:         store,
		images:        images,
		normalizer:    normalizer,
		orch:          orch,
		extractor:     extract.NewExtractor(),
		logger:        zap.NewNop(),
		maxConcurrent: 4,
		locks:         make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// lock returns the unlock func for a document's mutex. One writer per record.
func (p *Pipeline) lock(id string) func() {
	p.mu.Lock()
	m, ok := p.locks[id]
	if !ok {
		m = &sync.Mutex{}
		p.locks[id] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Ingest registers a new document and returns its record in UPLOADED state.
// Processing is a separate step so callers control when work starts.
func (p *Pipeline) Ingest(ctx context.Context, filename string, content []byte,
	method models.UploadMethod, typeHint string) (*models.ProcessingRecord, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("document %s is empty", filename)
	}
	rec := &models.ProcessingRecord{
		ID:               "doc:" + uuid.NewString(),
		Filename:         filepath.Base(filename),
		MIMEType:         mimeFor(filename),
		TypeHint:         typeHint,
		UploadMethod:     method,
		State:            models.StateUploaded,
		ValidationStatus: models.ValidationPending,
		Release:          models.ReleasePending,
	}
	if err := p.store.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	if err := p.store.PutSource(ctx, rec.ID, content); err != nil {
		return nil, fmt.Errorf("failed to store source: %w", err)
	}
	p.logger.Info("document ingested",
		zap.String("document_id", rec.ID),
		zap.String("filename", rec.Filename),
		zap.String("method", string(method)))
	return rec, nil
}

// Process advances a record from its current state to VALIDATED, persisting
// after every transition. Context cancellation is honored at phase
// boundaries: the record parks in FAILED at the phase it did not start.
func (p *Pipeline) Process(ctx context.Context, id string) error {
	unlock := p.lock(id)
	defer unlock()

	rec, err := p.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.State.Terminal() || rec.State == models.StateValidated {
		return nil
	}
	if rec.State == models.StateFailed {
		return fmt.Errorf("record %s is FAILED at %s; resume or restart it explicitly", id, rec.FailedStage)
	}

	source, err := p.store.GetSource(ctx, id)
	if err != nil {
		return err
	}
	doc := &models.SourceDocument{ID: rec.ID, Filename: rec.Filename, MIMEType: rec.MIMEType, Content: source}

	for rec.State != models.StateValidated {
		phase := nextPhase(rec.State)
		if err := ctx.Err(); err != nil {
			return p.fail(rec, phase, err)
		}
		if err := p.runPhase(ctx, rec, doc, phase); err != nil {
			return p.fail(rec, phase, err)
		}
		if err := p.store.UpdateRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist record after %s: %w", phase, err)
		}
		p.logger.Info("state transition",
			zap.String("document_id", rec.ID),
			zap.String("phase", phase),
			zap.String("state", string(rec.State)))
	}
	return nil
}

func nextPhase(state models.ProcessingState) string {
	switch state {
	case models.StateUploaded:
		return PhaseNormalize
	case models.StateImagesGenerated:
		return PhaseWordExtraction
	case models.StateWordsExtracted:
		return PhaseAnalysis
	case models.StateAnalysisDone:
		return PhaseVerification
	}
	return ""
}

func (p *Pipeline) runPhase(ctx context.Context, rec *models.ProcessingRecord, doc *models.SourceDocument, phase string) error {
	switch phase {
	case PhaseNormalize:
		return p.phaseNormalize(ctx, rec, doc)
	case PhaseWordExtraction:
		return p.phaseWords(ctx, rec, doc)
	case PhaseAnalysis:
		return p.phaseAnalysis(ctx, rec, doc)
	case PhaseVerification:
		return p.phaseVerify(ctx, rec, doc)
	}
	return fmt.Errorf("no phase for state %s", rec.State)
}

// fail parks the record in FAILED, remembering the phase for resume.
func (p *Pipeline) fail(rec *models.ProcessingRecord, phase string, cause error) error {
	rec.State = models.StateFailed
	rec.FailedStage = phase
	rec.FailedReason = cause.Error()
	if err := p.store.UpdateRecord(context.Background(), rec); err != nil {
		p.logger.Error("failed to persist FAILED state",
			zap.String("document_id", rec.ID), zap.Error(err))
	}
	p.logger.Warn("processing failed",
		zap.String("document_id", rec.ID),
		zap.String("phase", phase),
		zap.Error(cause))
	return fmt.Errorf("phase %s failed for %s: %w", phase, rec.ID, cause)
}

func (p *Pipeline) phaseNormalize(ctx context.Context, rec *models.ProcessingRecord, doc *models.SourceDocument) error {
	set, err := p.normalizer.Normalize(ctx, doc)
	if err != nil {
		return err
	}
	if set.Converter == "textimage" {
		rec.AddReviewReason("pages rendered from extracted text; original layout lost")
	}
	rec.State = models.StateImagesGenerated
	return nil
}

func (p *Pipeline) phaseWords(ctx context.Context, rec *models.ProcessingRecord, doc *models.SourceDocument) error {
	in, err := p.input(ctx, rec, doc)
	if err != nil {
		return err
	}
	artifact := p.orch.ExtractWords(ctx, in)
	p.recordArtifact(rec, orchestrate.StageWordExtraction, artifact)
	rec.State = models.StateWordsExtracted
	return nil
}

func (p *Pipeline) phaseAnalysis(ctx context.Context, rec *models.ProcessingRecord, doc *models.SourceDocument) error {
	in, err := p.input(ctx, rec, doc)
	if err != nil {
		return err
	}

	frameArtifact := p.orch.ContextFrame(ctx, in)
	p.recordArtifact(rec, orchestrate.StageContextFrame, frameArtifact)
	var frame *models.ContextFrame
	if !frameArtifact.Failed && len(frameArtifact.Payload) > 0 {
		frame = &models.ContextFrame{}
		if err := json.Unmarshal(frameArtifact.Payload, frame); err != nil {
			frame = nil
		}
	}

	analysisArtifact := p.orch.Analyze(ctx, in, frame)
	p.recordArtifact(rec, orchestrate.StageAnalysis, analysisArtifact)

	rec.State = models.StateAnalysisDone
	return nil
}

// phaseVerify scores coverage and then runs the compliance assessment, the
// last two stages of the sequence.
func (p *Pipeline) phaseVerify(ctx context.Context, rec *models.ProcessingRecord, doc *models.SourceDocument) error {
	var words []string
	if a := rec.Artifact(orchestrate.StageWordExtraction); a != nil && !a.Failed {
		var wl models.WordList
		if err := json.Unmarshal(a.Payload, &wl); err == nil {
			words = wl.Words
		}
	}
	var analysis *models.StructuredAnalysis
	if a := rec.Artifact(orchestrate.StageAnalysis); a != nil && !a.Failed {
		analysis = &models.StructuredAnalysis{}
		if err := json.Unmarshal(a.Payload, analysis); err != nil {
			analysis = nil
		}
	}

	artifact, report := p.orch.Verify(words, analysis)
	p.recordArtifact(rec, orchestrate.StageVerification, artifact)
	rec.Coverage = report

	if report.Decision == models.CoverageReady {
		if rec.ValidationStatus != models.ValidationReviewRequired {
			rec.ValidationStatus = models.ValidationReady
		}
	} else {
		reason := fmt.Sprintf("word coverage %.1f%% below threshold", report.CoveragePercent)
		if len(report.MissingCritical) > 0 {
			reason = "critical terms in the analysis not found in document words: " + strings.Join(report.MissingCritical, ", ")
		}
		rec.AddReviewReason(reason)
	}

	in, err := p.input(ctx, rec, doc)
	if err != nil {
		return err
	}
	complianceArtifact := p.orch.Compliance(ctx, in, analysis)
	p.recordArtifact(rec, orchestrate.StageCompliance, complianceArtifact)

	rec.State = models.StateValidated
	return nil
}

// recordArtifact stores a stage artifact on the record, flagging failures
// and degraded decodes for review. Successful artifacts from an earlier run
// are kept untouched.
func (p *Pipeline) recordArtifact(rec *models.ProcessingRecord, stage string, artifact *models.Artifact) {
	if !rec.SetArtifact(stage, artifact) {
		return
	}
	if artifact.Failed {
		rec.AddReviewReason(fmt.Sprintf("stage %s failed: %s", stage, artifact.Error))
		return
	}
	if artifact.DecodeFailed {
		rec.AddReviewReason(fmt.Sprintf("stage %s produced an undecodable payload", stage))
		return
	}
	if artifact.SchemaInvalid {
		rec.AddReviewReason(fmt.Sprintf("stage %s payload failed schema validation", stage))
	}
	if artifact.DecodeLevel == models.DecodePartial || artifact.DecodeLevel == models.DecodeFallback {
		rec.AddReviewReason(fmt.Sprintf("stage %s payload was only partially recovered", stage))
	}
}

// input assembles the stage input: stored page images plus extracted text.
func (p *Pipeline) input(ctx context.Context, rec *models.ProcessingRecord, doc *models.SourceDocument) (*orchestrate.Input, error) {
	paths, err := p.images.ListPages(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	var pages [][]byte
	for i := range paths {
		data, err := p.images.ReadPage(rec.ID, i+1)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", i+1, err)
		}
		pages = append(pages, data)
	}
	ext := strings.ToLower(filepath.Ext(doc.Filename))
	text, err := p.extractor.ExtractBytes(doc.Content, ext)
	if err != nil {
		p.logger.Warn("text extraction failed",
			zap.String("document_id", rec.ID), zap.Error(err))
		text = ""
	}
	return &orchestrate.Input{DocumentID: rec.ID, Images: pages, Text: text}, nil
}

// Resume retries a FAILED record from the phase that failed. Artifacts from
// completed phases are preserved as stored.
func (p *Pipeline) Resume(ctx context.Context, id string) error {
	unlock := p.lock(id)
	rec, err := p.store.GetRecord(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if rec.State != models.StateFailed {
		unlock()
		return fmt.Errorf("record %s is %s, not FAILED", id, rec.State)
	}
	start, ok := phaseStart[rec.FailedStage]
	if !ok {
		unlock()
		return fmt.Errorf("record %s has unknown failed phase %q", id, rec.FailedStage)
	}
	rec.State = start
	rec.FailedStage = ""
	rec.FailedReason = ""
	if err := p.store.UpdateRecord(ctx, rec); err != nil {
		unlock()
		return err
	}
	unlock()
	return p.Process(ctx, id)
}

// Restart reprocesses a record from scratch: artifacts, coverage, review
// flags, and stored pages are discarded. Terminal records cannot restart.
func (p *Pipeline) Restart(ctx context.Context, id string) error {
	unlock := p.lock(id)
	rec, err := p.store.GetRecord(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if rec.State.Terminal() {
		unlock()
		return fmt.Errorf("record %s is %s and cannot be restarted", id, rec.State)
	}
	rec.State = models.StateUploaded
	rec.FailedStage = ""
	rec.FailedReason = ""
	rec.ValidationStatus = models.ValidationPending
	rec.ReviewReasons = nil
	rec.Artifacts = nil
	rec.Coverage = nil
	if err := p.store.UpdateRecord(ctx, rec); err != nil {
		unlock()
		return err
	}
	if err := p.images.Remove(id); err != nil {
		p.logger.Warn("failed to remove stored pages",
			zap.String("document_id", id), zap.Error(err))
	}
	unlock()
	p.logger.Info("record restarted", zap.String("document_id", id))
	return p.Process(ctx, id)
}

// ProcessPending runs every record that still has work to do, bounded by the
// concurrency limit.
func (p *Pipeline) ProcessPending(ctx context.Context) error {
	var ids []string
	for _, state := range []models.ProcessingState{
		models.StateUploaded,
		models.StateImagesGenerated,
		models.StateWordsExtracted,
		models.StateAnalysisDone,
	} {
		recs, err := p.store.ListRecords(ctx, state, 0, 1000)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrent)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := p.Process(gctx, id); err != nil {
				p.logger.Warn("pending record failed",
					zap.String("document_id", id), zap.Error(err))
			}
			// Failures are recorded on the document, not propagated: one
			// bad document must not stop the batch.
			return nil
		})
	}
	return g.Wait()
}

func mimeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".odt":
		return "application/vnd.oasis.opendocument.text"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	default:
		return "application/octet-stream"
	}
}
