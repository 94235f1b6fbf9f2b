package verify

import (
	"math"
	"testing"

	"github.com/torii/kakunin/internal/models"
)

func analysisWith(description string) *models.StructuredAnalysis {
	return &models.StructuredAnalysis{
		Metadata: models.AnalysisMetadata{Title: "Assembly Instruction"},
		Steps:    []models.ProcessStep{{Number: 1, Description: description}},
	}
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "abc", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"torque", "torqve", 1},
		{"über", "uber", 1},
	}
	for _, tt := range tests {
		if got := levenshteinDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshteinDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if s := Similarity("torque", "torque"); s != 1 {
		t.Errorf("identical similarity = %f", s)
	}
	if s := Similarity("torque", "torqve"); math.Abs(s-5.0/6.0) > 1e-9 {
		t.Errorf("similarity = %f", s)
	}
	if s := Similarity("", ""); s != 1 {
		t.Errorf("empty similarity = %f", s)
	}
}

func TestVerify_fullCoverage(t *testing.T) {
	v := New(95, 0.85, nil)
	words := []string{"Assembly", "Instruction", "tighten", "the", "bolt"}
	report := v.Verify(words, analysisWith("tighten the bolt"))
	if report.Decision != models.CoverageReady {
		t.Errorf("decision = %s, report = %+v", report.Decision, report)
	}
	if report.CoveragePercent != 100 || report.ExactMatches != 5 {
		t.Errorf("report = %+v", report)
	}
}

func TestVerify_fuzzyMatch(t *testing.T) {
	v := New(95, 0.85, nil)
	// The extraction saw "tightens" where the analysis says "tighten":
	// 1 edit over 8 runes = 0.875, which clears the cutoff.
	words := []string{"assembly", "instruction", "tightens", "the", "bolt"}
	report := v.Verify(words, analysisWith("tighten the bolt"))
	if report.FuzzyMatches != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.FuzzyCorrected["tightens"] != "tighten" {
		t.Errorf("fuzzy corrected = %v", report.FuzzyCorrected)
	}
	if report.Decision != models.CoverageReady {
		t.Errorf("decision = %s", report.Decision)
	}
}

// Analysis terms absent from the extracted words are the missing ones: the
// analysis claims content no word path witnessed.
func TestVerify_analysisTermsMissingFromWords(t *testing.T) {
	v := New(95, 0.85, nil)
	words := []string{"assembly", "instruction", "tighten", "the"}
	report := v.Verify(words, analysisWith("tighten the hydraulic manifold"))
	if report.Decision != models.CoverageReviewRequired {
		t.Errorf("decision = %s", report.Decision)
	}
	if report.TotalTerms != 6 || report.ExactMatches != 4 {
		t.Errorf("report = %+v", report)
	}
	if math.Abs(report.CoveragePercent-100*4.0/6.0) > 1e-9 {
		t.Errorf("coverage = %f", report.CoveragePercent)
	}
	if len(report.MissingTerms) != 2 {
		t.Errorf("missing = %v", report.MissingTerms)
	}
}

// Extra extracted words the analysis never mentions must not lower coverage:
// the denominator is the analysis, not the document.
func TestVerify_extraWordsDoNotDiluteCoverage(t *testing.T) {
	v := New(95, 0.85, nil)
	words := []string{"assembly", "instruction", "tighten", "the", "bolt",
		"page", "1", "of", "3", "rev", "b"}
	report := v.Verify(words, analysisWith("tighten the bolt"))
	if report.CoveragePercent != 100 || report.Decision != models.CoverageReady {
		t.Errorf("report = %+v", report)
	}
}

func TestVerify_missingCriticalOverridesCoverage(t *testing.T) {
	v := New(50, 0.85, []string{"ISO 13485:8.2.1"})
	// Coverage passes the (lowered) threshold, but the critical norm
	// reference the analysis carries was seen by neither word path.
	words := []string{"assembly", "instruction", "tighten", "the", "bolt", "per"}
	report := v.Verify(words, analysisWith("tighten the bolt per ISO 13485:8.2.1"))
	if report.CoveragePercent < 50 {
		t.Fatalf("coverage = %f, test needs it above threshold", report.CoveragePercent)
	}
	if report.Decision != models.CoverageReviewRequired {
		t.Errorf("decision = %s, report = %+v", report.Decision, report)
	}
	if len(report.MissingCritical) != 1 || report.MissingCritical[0] != "iso 13485:8.2.1" {
		t.Errorf("missing critical = %v", report.MissingCritical)
	}
}

func TestVerify_criticalPresentInBothSources(t *testing.T) {
	v := New(50, 0.85, []string{"ISO 13485"})
	words := []string{"calibrate", "per", "iso", "13485"}
	report := v.Verify(words, analysisWith("calibrate per ISO 13485"))
	if len(report.MissingCritical) != 0 {
		t.Errorf("missing critical = %v", report.MissingCritical)
	}
	if report.Decision != models.CoverageReady {
		t.Errorf("decision = %s, report = %+v", report.Decision, report)
	}
}

func TestVerify_criticalAbsentFromAnalysisIgnored(t *testing.T) {
	v := New(50, 0.85, []string{"IATF 16949"})
	report := v.Verify([]string{"tighten", "the", "bolt"}, analysisWith("tighten the bolt"))
	if len(report.MissingCritical) != 0 {
		t.Errorf("critical term the analysis never claims must not block: %v", report.MissingCritical)
	}
}

func TestVerify_emptyWordList(t *testing.T) {
	v := New(95, 0.85, nil)
	report := v.Verify(nil, analysisWith("anything"))
	if report.Decision != models.CoverageReviewRequired {
		t.Errorf("empty word list must require review, got %s", report.Decision)
	}
	if len(report.MissingTerms) != report.TotalTerms {
		t.Errorf("every analysis term should be missing: %+v", report)
	}
}

func TestVerify_emptyAnalysis(t *testing.T) {
	v := New(95, 0.85, nil)
	report := v.Verify([]string{"tighten", "the", "bolt"}, nil)
	if report.TotalTerms != 0 || report.Decision != models.CoverageReviewRequired {
		t.Errorf("report = %+v", report)
	}
}

// Adding matching words to the extraction sources must never lower coverage.
func TestVerify_monotonicCoverage(t *testing.T) {
	v := New(95, 0.85, nil)
	base := []string{"tighten", "the", "bolt"}
	withMore := append(append([]string{}, base...), "assembly", "instruction")

	first := v.Verify(base, analysisWith("tighten the bolt"))
	second := v.Verify(withMore, analysisWith("tighten the bolt"))
	if second.CoveragePercent < first.CoveragePercent {
		t.Errorf("coverage dropped: %f -> %f", first.CoveragePercent, second.CoveragePercent)
	}
}
