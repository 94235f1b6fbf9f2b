package models

// CoverageDecision is the verifier's verdict on word coverage.
type CoverageDecision string

const (
	CoverageReady          CoverageDecision = "READY"
	CoverageReviewRequired CoverageDecision = "REVIEW_REQUIRED"
)

// CoverageReport is the result of cross-checking the structured analysis
// against the independently extracted word lists.
type CoverageReport struct {
	CoveragePercent float64           `json:"coverage_percent"` // 0..100
	TotalTerms      int               `json:"total_terms"`
	ExactMatches    int               `json:"exact_matches"`
	FuzzyMatches    int               `json:"fuzzy_matches"`
	MatchedTerms    []string          `json:"matched_terms,omitempty"`
	MissingTerms    []string          `json:"missing_terms,omitempty"`
	FuzzyCorrected  map[string]string `json:"fuzzy_corrected,omitempty"` // raw -> canonical
	MissingCritical []string          `json:"missing_critical,omitempty"`
	Decision        CoverageDecision  `json:"decision"`
}
