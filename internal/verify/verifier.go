// Package verify cross-checks the structured analysis against the words
// actually present in the document.
//
// The word lists are extracted without semantic context, so they are an
// independent witness: every term the analysis claims must be traceable to a
// word one of the extraction paths saw. Coverage is the fraction of analysis
// terms found in the extracted word union, with a fuzzy layer absorbing
// inflection and minor transcription noise.
package verify

import (
	"sort"
	"strings"

	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/pkg/utils"
)

// Verifier scores word coverage and decides whether a record is release-ready.
type Verifier struct {
	threshold  float64 // coverage percent required for READY
	similarity float64 // minimum fuzzy similarity for a match
	critical   []string
}

// New creates a verifier. Critical terms must match exactly; the fuzzy layer
// never vouches for them because a one-character drift in a norm reference
// changes its meaning.
func New(threshold, similarity float64, critical []string) *Verifier {
	return &Verifier{threshold: threshold, similarity: similarity, critical: critical}
}

// Verify checks every term of the analysis against the extracted word union
// and returns the coverage report. Terms the analysis carries but no word
// path saw are the missing ones: they are where the model may have invented
// content.
func (v *Verifier) Verify(words []string, analysis *models.StructuredAnalysis) *models.CoverageReport {
	ref := newReference(analysis)
	union := newWordUnion(words)

	report := &models.CoverageReport{TotalTerms: len(ref.tokens)}

	for _, term := range ref.tokens {
		if union.exact(term) {
			report.ExactMatches++
			report.MatchedTerms = append(report.MatchedTerms, term)
			continue
		}
		if raw, ok := union.fuzzy(term, v.similarity); ok {
			report.FuzzyMatches++
			report.MatchedTerms = append(report.MatchedTerms, term)
			if report.FuzzyCorrected == nil {
				report.FuzzyCorrected = make(map[string]string)
			}
			report.FuzzyCorrected[raw] = term
			continue
		}
		report.MissingTerms = append(report.MissingTerms, term)
	}

	if report.TotalTerms > 0 {
		matched := report.ExactMatches + report.FuzzyMatches
		report.CoveragePercent = 100 * float64(matched) / float64(report.TotalTerms)
	} else {
		// Nothing to check. An analysis with no content is itself
		// suspicious, so it never passes silently.
		report.CoveragePercent = 0
	}

	// Critical terms claimed by the analysis must be witnessed by the word
	// lists exactly; fuzzy coverage is not good enough for them.
	for _, raw := range v.critical {
		crit := utils.NormalizeTerm(raw)
		if crit == "" {
			continue
		}
		if ref.contains(crit) && !union.exact(crit) {
			report.MissingCritical = append(report.MissingCritical, crit)
		}
	}
	sort.Strings(report.MissingCritical)

	if report.CoveragePercent >= v.threshold && len(report.MissingCritical) == 0 && report.TotalTerms > 0 {
		report.Decision = models.CoverageReady
	} else {
		report.Decision = models.CoverageReviewRequired
	}
	return report
}

// reference holds the analysis content in matchable form: the deduplicated
// token list that coverage iterates over, plus the full normalized leaves for
// multi-word lookups.
type reference struct {
	tokenSet map[string]bool
	tokens   []string
	leaves   []string
}

func newReference(analysis *models.StructuredAnalysis) *reference {
	ref := &reference{tokenSet: make(map[string]bool)}
	if analysis == nil {
		return ref
	}
	for _, leaf := range analysis.StringLeaves() {
		norm := strings.ToLower(strings.Join(strings.Fields(leaf), " "))
		if norm != "" {
			ref.leaves = append(ref.leaves, norm)
		}
		for _, tok := range utils.Tokenize(leaf) {
			if !ref.tokenSet[tok] {
				ref.tokenSet[tok] = true
				ref.tokens = append(ref.tokens, tok)
			}
		}
	}
	return ref
}

func (r *reference) contains(term string) bool {
	if r.tokenSet[term] {
		return true
	}
	if strings.ContainsAny(term, " :./-") {
		for _, leaf := range r.leaves {
			if strings.Contains(leaf, term) {
				return true
			}
		}
	}
	return false
}

// wordUnion is the merged model-extracted and deterministically extracted
// word list in lookup form.
type wordUnion struct {
	tokenSet map[string]bool
	tokens   []string
	joined   string
}

func newWordUnion(words []string) *wordUnion {
	u := &wordUnion{tokenSet: make(map[string]bool)}
	for _, w := range words {
		t := utils.NormalizeTerm(w)
		if t == "" || u.tokenSet[t] {
			continue
		}
		u.tokenSet[t] = true
		u.tokens = append(u.tokens, t)
	}
	u.joined = strings.Join(u.tokens, " ")
	return u
}

func (u *wordUnion) exact(term string) bool {
	if u.tokenSet[term] {
		return true
	}
	// Identifiers like norm references may tokenize differently in the two
	// sources; a substring hit over the joined words still counts.
	if strings.ContainsAny(term, " :./-") {
		return strings.Contains(u.joined, term)
	}
	return false
}

// fuzzy returns the closest word to term when it clears the similarity
// cutoff, so the report can show which raw word vouched for the term.
func (u *wordUnion) fuzzy(term string, minSimilarity float64) (string, bool) {
	best := ""
	bestScore := 0.0
	for _, tok := range u.tokens {
		if s := Similarity(term, tok); s > bestScore {
			best, bestScore = tok, s
		}
	}
	if bestScore >= minSimilarity {
		return best, true
	}
	return "", false
}
