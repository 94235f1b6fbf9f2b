// Package models defines core data structures for documents, processing records, and artifacts.
package models

import "time"

// ProcessingState is the pipeline stage a document has reached.
// States advance monotonically; the two QM_* states and INDEXED are terminal.
type ProcessingState string

const (
	StateUploaded        ProcessingState = "UPLOADED"
	StateImagesGenerated ProcessingState = "IMAGES_GENERATED"
	StateWordsExtracted  ProcessingState = "WORDS_EXTRACTED"
	StateAnalysisDone    ProcessingState = "ANALYSIS_COMPLETE"
	StateValidated       ProcessingState = "VALIDATED"
	StateQMApproved      ProcessingState = "QM_APPROVED"
	StateQMRejected      ProcessingState = "QM_REJECTED"
	StateIndexed         ProcessingState = "INDEXED"
	StateFailed          ProcessingState = "FAILED"
)

// stateOrder lists the non-terminal progression. FAILED sits outside the
// order: it remembers the stage that failed and resumes from there.
var stateOrder = []ProcessingState{
	StateUploaded,
	StateImagesGenerated,
	StateWordsExtracted,
	StateAnalysisDone,
	StateValidated,
}

// Rank returns the position of s in the forward progression, or -1 for
// terminal and FAILED states.
func (s ProcessingState) Rank() int {
	for i, st := range stateOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether s is a terminal state.
func (s ProcessingState) Terminal() bool {
	switch s {
	case StateQMApproved, StateQMRejected, StateIndexed:
		return true
	}
	return false
}

// ValidationStatus flags whether a record needs human review before release.
type ValidationStatus string

const (
	ValidationPending        ValidationStatus = "PENDING"
	ValidationReady          ValidationStatus = "READY"
	ValidationReviewRequired ValidationStatus = "REVIEW_REQUIRED"
)

// ReleaseDecision is the reviewer's verdict at the release gate.
type ReleaseDecision string

const (
	ReleasePending  ReleaseDecision = "pending"
	ReleaseApproved ReleaseDecision = "approved"
	ReleaseRejected ReleaseDecision = "rejected"
)

// UploadMethod records how a document entered the pipeline.
type UploadMethod string

const (
	UploadAPI   UploadMethod = "api"
	UploadWatch UploadMethod = "watch"
	UploadCLI   UploadMethod = "cli"
)

// SourceDocument is an ingested file. Immutable once created.
type SourceDocument struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	TypeHint string `json:"type_hint,omitempty"` // e.g. "work_instruction", "sop"
	Content  []byte `json:"-"`
}

// PageImage references one rendered page in the image store.
type PageImage struct {
	Page int    `json:"page"` // 1-based
	Path string `json:"path"`
}

// PageImageSet is the ordered rendered pages of a document at a fixed DPI.
type PageImageSet struct {
	DocumentID string      `json:"document_id"`
	DPI        int         `json:"dpi"`
	Converter  string      `json:"converter"` // which converter produced the set
	Pages      []PageImage `json:"pages"`
}

// ProcessingRecord is the long-lived pipeline entity for one document.
// It is mutated exclusively by the state machine.
type ProcessingRecord struct {
	ID               string               `json:"id"`
	Filename         string               `json:"filename"`
	MIMEType         string               `json:"mime_type"`
	TypeHint         string               `json:"type_hint,omitempty"`
	UploadMethod     UploadMethod         `json:"upload_method"`
	State            ProcessingState      `json:"state"`
	FailedStage      string               `json:"failed_stage,omitempty"` // set while State == FAILED
	FailedReason     string               `json:"failed_reason,omitempty"`
	ValidationStatus ValidationStatus     `json:"validation_status"`
	ReviewReasons    []string             `json:"review_reasons,omitempty"`
	Artifacts        map[string]*Artifact `json:"artifacts"` // stage name -> artifact
	Coverage         *CoverageReport      `json:"coverage,omitempty"`
	Release          ReleaseDecision      `json:"release"`
	ReleaseActor     string               `json:"release_actor,omitempty"`
	ReleaseComment   string               `json:"release_comment,omitempty"`
	ReleasedAt       *time.Time           `json:"released_at,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Artifact returns the artifact for a stage, or nil.
func (r *ProcessingRecord) Artifact(stage string) *Artifact {
	if r.Artifacts == nil {
		return nil
	}
	return r.Artifacts[stage]
}

// SetArtifact stores an artifact for a stage. A successful artifact is never
// overwritten; callers must clear the stage explicitly on restart. Returns
// false when the write was refused.
func (r *ProcessingRecord) SetArtifact(stage string, a *Artifact) bool {
	if r.Artifacts == nil {
		r.Artifacts = make(map[string]*Artifact)
	}
	if existing, ok := r.Artifacts[stage]; ok && existing != nil && !existing.Failed {
		return false
	}
	r.Artifacts[stage] = a
	return true
}

// AddReviewReason appends a human-readable review reason, skipping duplicates,
// and marks the record REVIEW_REQUIRED.
func (r *ProcessingRecord) AddReviewReason(reason string) {
	r.ValidationStatus = ValidationReviewRequired
	for _, existing := range r.ReviewReasons {
		if existing == reason {
			return
		}
	}
	r.ReviewReasons = append(r.ReviewReasons, reason)
}
