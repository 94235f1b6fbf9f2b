package models

import "encoding/json"

// ArtifactKind tags the payload type of an extraction artifact.
type ArtifactKind string

const (
	KindContextFrame ArtifactKind = "context_frame"
	KindAnalysis     ArtifactKind = "structured_analysis"
	KindWordList     ArtifactKind = "word_list"
	KindVerification ArtifactKind = "verification"
	KindCompliance   ArtifactKind = "compliance"
)

// DecodeLevel identifies which repair layer of the decoder produced a value.
type DecodeLevel string

const (
	DecodeDirect   DecodeLevel = "direct"
	DecodeRepaired DecodeLevel = "repaired"
	DecodePartial  DecodeLevel = "partial"
	DecodeAliased  DecodeLevel = "aliased"
	DecodeFallback DecodeLevel = "fallback"
)

// Artifact is one stage's output: a tagged payload plus provenance for audit.
type Artifact struct {
	Kind          ArtifactKind    `json:"kind"`
	Stage         string          `json:"stage"`
	Provider      string          `json:"provider,omitempty"`
	PromptVersion string          `json:"prompt_version,omitempty"`
	DecodeLevel   DecodeLevel     `json:"decode_level,omitempty"`
	DecodeFailed  bool            `json:"decode_failed,omitempty"`
	SchemaInvalid bool            `json:"schema_invalid,omitempty"` // payload parsed but failed schema validation
	Failed        bool            `json:"failed,omitempty"`         // stage-level error artifact
	Error         string          `json:"error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ContextFrame is the stage-1 payload: domain framing for subsequent calls.
type ContextFrame struct {
	DocumentType string   `json:"document_type"`
	Domain       string   `json:"domain"`
	Language     string   `json:"language"`
	Summary      string   `json:"summary"`
	Keywords     []string `json:"keywords,omitempty"`
}

// StructuredAnalysis is the stage-2 payload: the primary structured record.
type StructuredAnalysis struct {
	Metadata   AnalysisMetadata `json:"metadata"`
	Steps      []ProcessStep    `json:"steps"`
	References []Reference      `json:"references,omitempty"`
}

// AnalysisMetadata describes the analyzed document.
type AnalysisMetadata struct {
	Title          string `json:"title"`
	DocumentNumber string `json:"document_number,omitempty"`
	Revision       string `json:"revision,omitempty"`
	Author         string `json:"author,omitempty"`
	Date           string `json:"date,omitempty"`
	DocumentType   string `json:"document_type,omitempty"`
}

// ProcessStep is one ordered step of the documented process.
type ProcessStep struct {
	Number      int      `json:"number"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description"`
	Equipment   []string `json:"equipment,omitempty"`
	Parameters  []string `json:"parameters,omitempty"`
}

// Reference is a document referenced by the analyzed document.
type Reference struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title,omitempty"`
}

// WordList is the stage-3 payload: every visible word, order preserved.
type WordList struct {
	Words []string `json:"words"`
}

// ComplianceAssessment is the stage-5 payload.
type ComplianceAssessment struct {
	Findings []ComplianceFinding `json:"findings"`
}

// ComplianceFinding is one assessment against a reference standard.
type ComplianceFinding struct {
	Standard string `json:"standard"` // e.g. "ISO 9001"
	Clause   string `json:"clause,omitempty"`
	Status   string `json:"status"` // compliant, gap, not_applicable
	Note     string `json:"note,omitempty"`
}

// StringLeaves returns every string leaf of the analysis tree, in document
// order. Used by the coverage verifier as the reference term source.
func (a *StructuredAnalysis) StringLeaves() []string {
	var leaves []string
	add := func(ss ...string) {
		for _, s := range ss {
			if s != "" {
				leaves = append(leaves, s)
			}
		}
	}
	add(a.Metadata.Title, a.Metadata.DocumentNumber, a.Metadata.Revision,
		a.Metadata.Author, a.Metadata.Date, a.Metadata.DocumentType)
	for _, step := range a.Steps {
		add(step.Title, step.Description)
		add(step.Equipment...)
		add(step.Parameters...)
	}
	for _, ref := range a.References {
		add(ref.Identifier, ref.Title)
	}
	return leaves
}
