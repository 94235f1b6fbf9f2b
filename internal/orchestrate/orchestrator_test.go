package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/internal/provider"
	"github.com/torii/kakunin/internal/verify"
)

// fakeProvider returns canned responses and records calls.
type fakeProvider struct {
	name        string
	unavailable error
	responses   []interface{} // string responses or errors, consumed in order
	calls       int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Available(ctx context.Context) error { return f.unavailable }

func (f *fakeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		return nil, errors.New("no more canned responses")
	}
	switch v := f.responses[idx].(type) {
	case string:
		return &provider.Response{Content: v}, nil
	case error:
		return nil, v
	}
	return nil, errors.New("bad canned response")
}

func newOrchestrator(providers []provider.Provider, opts ...Option) *Orchestrator {
	v := verify.New(95, 0.85, nil)
	opts = append(opts, WithBackoff(provider.NewBackoff(3, time.Millisecond, 5*time.Millisecond)))
	return New(providers, v, opts...)
}

func testInput() *Input {
	return &Input{
		DocumentID: "doc:1",
		Images:     [][]byte{[]byte("png")},
		Text:       "Tighten the bolt to 2.5 Nm",
	}
}

const frameJSON = `{"document_type": "work_instruction", "domain": "assembly", "language": "en", "summary": "Bolt torque instruction."}`

func TestContextFrame_firstProviderWins(t *testing.T) {
	a := &fakeProvider{name: "a", responses: []interface{}{frameJSON}}
	b := &fakeProvider{name: "b"}
	o := newOrchestrator([]provider.Provider{a, b})

	artifact := o.ContextFrame(context.Background(), testInput())
	if artifact.Failed {
		t.Fatalf("artifact = %+v", artifact)
	}
	if artifact.Provider != "a" || artifact.DecodeLevel != models.DecodeDirect {
		t.Errorf("artifact = %+v", artifact)
	}
	if b.calls != 0 {
		t.Error("second provider should not be called")
	}
}

func TestContextFrame_fallsBackWhenFirstTimesOut(t *testing.T) {
	a := &fakeProvider{name: "a", responses: []interface{}{context.DeadlineExceeded}}
	b := &fakeProvider{name: "b", responses: []interface{}{frameJSON}}
	o := newOrchestrator([]provider.Provider{a, b})

	artifact := o.ContextFrame(context.Background(), testInput())
	if artifact.Failed {
		t.Fatalf("artifact = %+v", artifact)
	}
	if artifact.Provider != "b" {
		t.Errorf("provider = %q, want b", artifact.Provider)
	}
}

func TestContextFrame_skipsUnavailableProvider(t *testing.T) {
	a := &fakeProvider{name: "a", unavailable: &provider.UnavailableError{Provider: "a", Reason: "no key"}}
	b := &fakeProvider{name: "b", responses: []interface{}{frameJSON}}
	o := newOrchestrator([]provider.Provider{a, b})

	artifact := o.ContextFrame(context.Background(), testInput())
	if artifact.Provider != "b" {
		t.Errorf("provider = %q, want b", artifact.Provider)
	}
	if a.calls != 0 {
		t.Error("unavailable provider must not be called")
	}
}

func TestContextFrame_retriesRateLimit(t *testing.T) {
	a := &fakeProvider{name: "a", responses: []interface{}{
		&provider.RateLimitError{Provider: "a"},
		frameJSON,
	}}
	o := newOrchestrator([]provider.Provider{a})

	artifact := o.ContextFrame(context.Background(), testInput())
	if artifact.Failed {
		t.Fatalf("artifact = %+v", artifact)
	}
	if a.calls != 2 {
		t.Errorf("calls = %d, want 2", a.calls)
	}
}

func TestGenerate_allProvidersFail(t *testing.T) {
	a := &fakeProvider{name: "a", responses: []interface{}{errors.New("boom")}}
	b := &fakeProvider{name: "b", unavailable: errors.New("down")}
	o := newOrchestrator([]provider.Provider{a, b})

	artifact := o.ContextFrame(context.Background(), testInput())
	if !artifact.Failed {
		t.Fatalf("artifact = %+v", artifact)
	}
	if artifact.Error == "" || artifact.Stage != StageContextFrame {
		t.Errorf("artifact = %+v", artifact)
	}
}

func TestGenerate_undecodableResponseFallsThrough(t *testing.T) {
	a := &fakeProvider{name: "a", responses: []interface{}{"sorry, no JSON today"}}
	b := &fakeProvider{name: "b", responses: []interface{}{frameJSON}}
	o := newOrchestrator([]provider.Provider{a, b})

	artifact := o.ContextFrame(context.Background(), testInput())
	if artifact.Provider != "b" || artifact.DecodeFailed {
		t.Errorf("artifact = %+v", artifact)
	}
}

func TestGenerate_keepsFlaggedArtifactWhenAllUndecodable(t *testing.T) {
	a := &fakeProvider{name: "a", responses: []interface{}{"garbage"}}
	o := newOrchestrator([]provider.Provider{a})

	artifact := o.ContextFrame(context.Background(), testInput())
	if artifact.Failed {
		t.Fatal("flagged artifact, not stage failure, expected")
	}
	if !artifact.DecodeFailed || artifact.DecodeLevel != models.DecodeFallback {
		t.Errorf("artifact = %+v", artifact)
	}
}

func TestExtractWords_mergesExtractedTokens(t *testing.T) {
	// Model drops "2.5" and "nm"; the extracted text restores them.
	a := &fakeProvider{name: "a", responses: []interface{}{`{"words": ["Tighten", "the", "bolt"]}`}}
	o := newOrchestrator([]provider.Provider{a})

	artifact := o.ExtractWords(context.Background(), testInput())
	if artifact.Failed {
		t.Fatalf("artifact = %+v", artifact)
	}
	var wl models.WordList
	if err := json.Unmarshal(artifact.Payload, &wl); err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"tighten": true, "the": true, "bolt": true, "to": true, "2.5": true, "nm": true}
	if len(wl.Words) != len(want) {
		t.Fatalf("words = %v", wl.Words)
	}
	for _, w := range wl.Words {
		if !want[w] {
			t.Errorf("unexpected word %q", w)
		}
	}
}

func TestVerify_producesReportArtifact(t *testing.T) {
	o := newOrchestrator(nil)
	analysis := &models.StructuredAnalysis{
		Metadata: models.AnalysisMetadata{Title: "Bolt instruction"},
		Steps:    []models.ProcessStep{{Number: 1, Description: "tighten the bolt"}},
	}
	artifact, report := o.Verify([]string{"bolt", "instruction", "tighten", "the"}, analysis)
	if report.Decision != models.CoverageReady {
		t.Errorf("decision = %s", report.Decision)
	}
	if artifact.Stage != StageVerification || artifact.Kind != models.KindVerification {
		t.Errorf("artifact = %+v", artifact)
	}
	var decoded models.CoverageReport
	if err := json.Unmarshal(artifact.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.CoveragePercent != 100 {
		t.Errorf("coverage = %f", decoded.CoveragePercent)
	}
}

// A payload that parses but never passes its schema is still used, marked so
// the record gets flagged for review.
func TestAnalyze_marksSchemaInvalidPayload(t *testing.T) {
	a := &fakeProvider{name: "a", responses: []interface{}{`{"steps": [{"description": "tighten"}]}`}}
	o := newOrchestrator([]provider.Provider{a})

	artifact := o.Analyze(context.Background(), testInput(), nil)
	if artifact.Failed || artifact.DecodeFailed {
		t.Fatalf("artifact = %+v", artifact)
	}
	if !artifact.SchemaInvalid {
		t.Error("schema-invalid payload must be marked on the artifact")
	}
	var sa models.StructuredAnalysis
	if err := json.Unmarshal(artifact.Payload, &sa); err != nil {
		t.Fatal(err)
	}
	if len(sa.Steps) != 1 {
		t.Errorf("analysis = %+v", sa)
	}
}

func TestCompliance_noStandardsConfigured(t *testing.T) {
	a := &fakeProvider{name: "a"}
	o := newOrchestrator([]provider.Provider{a})

	artifact := o.Compliance(context.Background(), testInput(), nil)
	if artifact.Failed || a.calls != 0 {
		t.Errorf("artifact = %+v, calls = %d", artifact, a.calls)
	}
	var ca models.ComplianceAssessment
	if err := json.Unmarshal(artifact.Payload, &ca); err != nil {
		t.Fatal(err)
	}
	if len(ca.Findings) != 0 {
		t.Errorf("findings = %v", ca.Findings)
	}
}

func TestCompliance_withStandards(t *testing.T) {
	resp := `{"findings": [{"standard": "ISO 9001", "status": "compliant", "note": "records are controlled"}]}`
	a := &fakeProvider{name: "a", responses: []interface{}{resp}}
	o := newOrchestrator([]provider.Provider{a}, WithStandards([]string{"ISO 9001"}))

	analysis := &models.StructuredAnalysis{Metadata: models.AnalysisMetadata{Title: "T"}}
	artifact := o.Compliance(context.Background(), testInput(), analysis)
	if artifact.Failed {
		t.Fatalf("artifact = %+v", artifact)
	}
	var ca models.ComplianceAssessment
	if err := json.Unmarshal(artifact.Payload, &ca); err != nil {
		t.Fatal(err)
	}
	if len(ca.Findings) != 1 || ca.Findings[0].Standard != "ISO 9001" {
		t.Errorf("findings = %+v", ca.Findings)
	}
}

func TestAnalyze_usesContextFrame(t *testing.T) {
	resp := `{"metadata": {"title": "Bolt instruction"}, "steps": [{"number": 1, "description": "tighten"}]}`
	a := &fakeProvider{name: "a", responses: []interface{}{resp}}
	o := newOrchestrator([]provider.Provider{a})

	frame := &models.ContextFrame{DocumentType: "work_instruction", Domain: "assembly", Summary: "torque doc"}
	artifact := o.Analyze(context.Background(), testInput(), frame)
	if artifact.Failed || artifact.Provider != "a" {
		t.Errorf("artifact = %+v", artifact)
	}
	var sa models.StructuredAnalysis
	if err := json.Unmarshal(artifact.Payload, &sa); err != nil {
		t.Fatal(err)
	}
	if sa.Metadata.Title != "Bolt instruction" || len(sa.Steps) != 1 {
		t.Errorf("analysis = %+v", sa)
	}
}
