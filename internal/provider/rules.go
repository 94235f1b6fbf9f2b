package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/pkg/utils"
)

// RuleBasedProvider is the deterministic last-resort backend. It works
// entirely from the extracted document text, needs no network or credentials,
// and is always available, so a pipeline run can complete even with every
// model backend down. Its output is shallow but honest: real words from the
// document, never invented content.
type RuleBasedProvider struct {
	name string
}

// NewRuleBasedProvider creates the rule-based fallback backend.
func NewRuleBasedProvider(name string) *RuleBasedProvider {
	if name == "" {
		name = "rules"
	}
	return &RuleBasedProvider{name: name}
}

func (p *RuleBasedProvider) Name() string { return p.name }

// Available always succeeds.
func (p *RuleBasedProvider) Available(ctx context.Context) error { return nil }

// Generate produces a deterministic JSON payload for the requested stage.
func (p *RuleBasedProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	var payload interface{}
	switch req.Stage {
	case "context_frame":
		payload = p.contextFrame(req.Text)
	case "structured_analysis":
		payload = p.analysis(req.Text)
	case "word_extraction":
		payload = models.WordList{Words: utils.UniqueTokens(req.Text)}
	case "compliance":
		payload = p.compliance(req.Text)
	default:
		return nil, fmt.Errorf("rule-based provider cannot serve stage %q", req.Stage)
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Response{Content: string(out)}, nil
}

var docTypeHints = []struct {
	needle  string
	docType string
}{
	{"work instruction", "work_instruction"},
	{"standard operating procedure", "sop"},
	{"sop", "sop"},
	{"test report", "test_report"},
	{"inspection", "inspection_record"},
	{"specification", "specification"},
	{"manual", "manual"},
}

func (p *RuleBasedProvider) contextFrame(text string) models.ContextFrame {
	lower := strings.ToLower(text)
	docType := "unknown"
	for _, h := range docTypeHints {
		if strings.Contains(lower, h.needle) {
			docType = h.docType
			break
		}
	}
	return models.ContextFrame{
		DocumentType: docType,
		Domain:       "unknown",
		Language:     "unknown",
		Summary:      utils.Truncate(strings.Join(strings.Fields(text), " "), 200),
	}
}

var stepLineRe = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+)$`)

func (p *RuleBasedProvider) analysis(text string) models.StructuredAnalysis {
	lines := strings.Split(text, "\n")
	title := ""
	var steps []models.ProcessStep
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if title == "" {
			title = utils.Truncate(trimmed, 120)
		}
		if m := stepLineRe.FindStringSubmatch(line); m != nil {
			num := 0
			fmt.Sscanf(m[1], "%d", &num)
			steps = append(steps, models.ProcessStep{
				Number:      num,
				Description: strings.TrimSpace(m[2]),
			})
		}
	}
	if title == "" {
		title = "Untitled document"
	}
	if steps == nil {
		// No numbered structure found; keep the whole text as one step so
		// downstream verification still has content to check against.
		steps = []models.ProcessStep{{
			Number:      1,
			Description: utils.Truncate(strings.Join(strings.Fields(text), " "), 2000),
		}}
	}
	return models.StructuredAnalysis{
		Metadata: models.AnalysisMetadata{Title: title},
		Steps:    steps,
	}
}

var standardRe = regexp.MustCompile(`\b(?:ISO|IEC|IATF|DIN|EN)[\s-]?\d+(?:[.:]\d+)*\b`)

func (p *RuleBasedProvider) compliance(text string) models.ComplianceAssessment {
	seen := map[string]bool{}
	var findings []models.ComplianceFinding
	for _, m := range standardRe.FindAllString(text, -1) {
		norm := strings.Join(strings.Fields(m), " ")
		if seen[norm] {
			continue
		}
		seen[norm] = true
		findings = append(findings, models.ComplianceFinding{
			Standard: norm,
			Status:   "not_applicable",
			Note:     "referenced in document; automated assessment not performed",
		})
	}
	if findings == nil {
		findings = []models.ComplianceFinding{}
	}
	return models.ComplianceAssessment{Findings: findings}
}
