// Package orchestrate runs the multi-stage document analysis.
//
// Each model-backed stage walks the provider list in preference order: probe
// availability, generate with retry on rate limits, decode. A provider whose
// response cannot be decoded at all counts as failed and the next provider is
// tried; only when every provider is exhausted does a stage produce an error
// artifact. Stage failures never abort the pipeline run, they flag the record
// for human review.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/torii/kakunin/internal/decode"
	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/internal/provider"
	"github.com/torii/kakunin/internal/verify"
	"github.com/torii/kakunin/pkg/utils"
)

// Stage names, in pipeline order.
const (
	StageContextFrame   = "context_frame"
	StageAnalysis       = "structured_analysis"
	StageWordExtraction = "word_extraction"
	StageVerification   = "verification"
	StageCompliance     = "compliance"
)

// Input is the per-document material every stage works from.
type Input struct {
	DocumentID string
	Images     [][]byte // rendered pages, in page order
	Text       string   // deterministically extracted text
}

// Orchestrator coordinates providers, decoding, and verification.
type Orchestrator struct {
	providers    []provider.Provider
	backoff      *provider.Backoff
	verifier     *verify.Verifier
	stageTimeout time.Duration
	standards    []string
	logger       *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBackoff sets the rate-limit retry policy.
func WithBackoff(b *provider.Backoff) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithStageTimeout bounds each provider attempt.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stageTimeout = d
		}
	}
}

// WithStandards sets the reference standards for compliance assessment.
func WithStandards(standards []string) Option {
	return func(o *Orchestrator) { o.standards = standards }
}

// New creates an Orchestrator over the given providers, tried in order.
func New(providers []provider.Provider, verifier *verify.Verifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers:    providers,
		verifier:     verifier,
		backoff:      provider.NewBackoff(0, 0, 0),
		stageTimeout: 45 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ContextFrame runs the framing stage: a cheap classification pass whose
// output steers the analysis prompt.
func (o *Orchestrator) ContextFrame(ctx context.Context, in *Input) *models.Artifact {
	var frame models.ContextFrame
	return o.generate(ctx, StageContextFrame, models.KindContextFrame,
		ContextFrameSystemPrompt, ContextFrameUserPrompt, in, &frame)
}

// Analyze runs the structured analysis stage. The context frame, when
// available, is prepended to the prompt so the model knows what it is
// reading.
func (o *Orchestrator) Analyze(ctx context.Context, in *Input, frame *models.ContextFrame) *models.Artifact {
	user := AnalysisUserPrompt
	if frame != nil && frame.DocumentType != "" && frame.DocumentType != "unknown" {
		user = fmt.Sprintf("Document context: this is a %s in the %s domain. %s\n\n%s",
			frame.DocumentType, frame.Domain, frame.Summary, AnalysisUserPrompt)
	}
	var analysis models.StructuredAnalysis
	return o.generate(ctx, StageAnalysis, models.KindAnalysis,
		AnalysisSystemPrompt, user, in, &analysis)
}

// ExtractWords runs the context-free word extraction stage. The model's list
// is merged with the deterministically extracted tokens so a model that
// drops words cannot hide them from verification.
func (o *Orchestrator) ExtractWords(ctx context.Context, in *Input) *models.Artifact {
	var words models.WordList
	artifact := o.generate(ctx, StageWordExtraction, models.KindWordList,
		WordExtractionSystemPrompt, WordExtractionUserPrompt, in, &words)
	if artifact.Failed {
		return artifact
	}

	merged := mergeWords(words.Words, utils.Tokenize(in.Text))
	payload, err := json.Marshal(models.WordList{Words: merged})
	if err == nil {
		artifact.Payload = payload
	}
	return artifact
}

// Verify runs the local verification stage: no provider involved.
func (o *Orchestrator) Verify(words []string, analysis *models.StructuredAnalysis) (*models.Artifact, *models.CoverageReport) {
	report := o.verifier.Verify(words, analysis)
	payload, _ := json.Marshal(report)
	return &models.Artifact{
		Kind:          models.KindVerification,
		Stage:         StageVerification,
		PromptVersion: PromptVersion,
		Payload:       payload,
	}, report
}

// Compliance runs the compliance assessment stage against the configured
// standards. With no standards configured the stage is a no-op artifact.
func (o *Orchestrator) Compliance(ctx context.Context, in *Input, analysis *models.StructuredAnalysis) *models.Artifact {
	if len(o.standards) == 0 {
		payload, _ := json.Marshal(models.ComplianceAssessment{Findings: []models.ComplianceFinding{}})
		return &models.Artifact{
			Kind:          models.KindCompliance,
			Stage:         StageCompliance,
			PromptVersion: PromptVersion,
			Payload:       payload,
		}
	}

	var sb strings.Builder
	sb.WriteString(ComplianceUserPrompt)
	sb.WriteString("\n\nReference standards:\n")
	for _, std := range o.standards {
		fmt.Fprintf(&sb, "  - %s\n", std)
	}
	if analysis != nil {
		if summary, err := json.Marshal(analysis); err == nil {
			sb.WriteString("\nStructured analysis of the document:\n")
			sb.Write(summary)
		}
	}

	var assessment models.ComplianceAssessment
	return o.generate(ctx, StageCompliance, models.KindCompliance,
		ComplianceSystemPrompt, sb.String(), in, &assessment)
}

// generate walks the provider list for one stage and returns the artifact.
func (o *Orchestrator) generate(ctx context.Context, stage string, kind models.ArtifactKind,
	system, user string, in *Input, target interface{}) *models.Artifact {

	codec := decode.CodecFor(kind)
	var fallback *models.Artifact
	var failures []string

	for _, p := range o.providers {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
			break
		}
		if err := o.probe(ctx, p); err != nil {
			o.logger.Info("provider unavailable, skipping",
				zap.String("stage", stage),
				zap.String("provider", p.Name()),
				zap.Error(err))
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
			continue
		}

		resp, err := o.call(ctx, p, &provider.Request{
			Stage:        stage,
			SystemPrompt: system,
			UserPrompt:   user,
			Images:       in.Images,
			Text:         in.Text,
			JSON:         true,
		})
		if err != nil {
			o.logger.Warn("provider call failed, trying next",
				zap.String("stage", stage),
				zap.String("provider", p.Name()),
				zap.Error(err))
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
			continue
		}

		res := codec.Decode(resp.Content, target)
		artifact := &models.Artifact{
			Kind:          kind,
			Stage:         stage,
			Provider:      p.Name(),
			PromptVersion: PromptVersion,
			DecodeLevel:   res.Level,
			DecodeFailed:  res.Failed,
			SchemaInvalid: !res.Failed && !res.SchemaValid,
		}
		if payload, err := json.Marshal(target); err == nil {
			artifact.Payload = payload
		}
		if res.Failed {
			// Undecodable output is a provider failure; keep the flagged
			// artifact only if no later provider does better.
			o.logger.Warn("provider response undecodable, trying next",
				zap.String("stage", stage),
				zap.String("provider", p.Name()))
			failures = append(failures, fmt.Sprintf("%s: undecodable response", p.Name()))
			if fallback == nil {
				fallback = artifact
			}
			continue
		}
		if len(res.Warnings) > 0 {
			o.logger.Info("payload decoded with warnings",
				zap.String("stage", stage),
				zap.String("provider", p.Name()),
				zap.String("decode_level", string(res.Level)),
				zap.Strings("warnings", res.Warnings))
		}
		return artifact
	}

	if fallback != nil {
		return fallback
	}
	return &models.Artifact{
		Kind:   kind,
		Stage:  stage,
		Failed: true,
		Error:  fmt.Sprintf("all providers failed: %s", strings.Join(failures, "; ")),
	}
}

// probe checks availability with a short deadline so a hung backend cannot
// stall the whole stage.
func (o *Orchestrator) probe(ctx context.Context, p provider.Provider) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.Available(probeCtx)
}

// call runs one generation bounded by the stage timeout, retrying rate
// limits per the backoff policy.
func (o *Orchestrator) call(ctx context.Context, p provider.Provider, req *provider.Request) (*provider.Response, error) {
	var resp *provider.Response
	err := o.backoff.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
		defer cancel()
		var err error
		resp, err = p.Generate(callCtx, req)
		return err
	})
	return resp, err
}

// mergeWords unions the model's words with the extracted tokens, preserving
// the model's ordering for words it found.
func mergeWords(modelWords, extracted []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(words []string) {
		for _, w := range words {
			norm := utils.NormalizeTerm(w)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			out = append(out, norm)
		}
	}
	add(modelWords)
	add(extracted)
	return out
}
