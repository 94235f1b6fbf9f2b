package pipeline

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/internal/normalize"
	"github.com/torii/kakunin/internal/orchestrate"
	"github.com/torii/kakunin/internal/provider"
	"github.com/torii/kakunin/internal/storage"
	"github.com/torii/kakunin/internal/verify"
)

// fakeConverter always succeeds with one canned page.
type fakeConverter struct{ fail bool }

func (f *fakeConverter) Name() string             { return "fake" }
func (f *fakeConverter) Supports(ext string) bool { return true }
func (f *fakeConverter) Convert(ctx context.Context, doc *models.SourceDocument, dpi int) ([][]byte, error) {
	if f.fail {
		return nil, errors.New("converter broken")
	}
	return [][]byte{[]byte("fake png")}, nil
}

type fakeIndexer struct {
	handoffs int
	fail     bool
}

func (f *fakeIndexer) Handoff(ctx context.Context, rec *models.ProcessingRecord) error {
	if f.fail {
		return errors.New("index unavailable")
	}
	f.handoffs++
	return nil
}

type testEnv struct {
	store  *storage.SQLiteStore
	images *storage.ImageStore
	idx    *fakeIndexer
}

// newTestPipeline wires a fully deterministic pipeline: rule-based provider,
// canned converter, sqlite in a temp dir.
func newTestPipeline(t *testing.T, env *testEnv, conv normalize.Converter) *Pipeline {
	t.Helper()
	if env.store == nil {
		store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = store.Close() })
		env.store = store
	}
	if env.images == nil {
		images, err := storage.NewImageStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		env.images = images
	}
	if env.idx == nil {
		env.idx = &fakeIndexer{}
	}
	if conv == nil {
		conv = &fakeConverter{}
	}
	normalizer := normalize.New(env.images, 100, normalize.WithConverters(conv))
	orch := orchestrate.New(
		[]provider.Provider{provider.NewRuleBasedProvider("rules")},
		verify.New(95, 0.85, nil),
	)
	return New(env.store, env.images, normalizer, orch, WithIndexer(env.idx))
}

const docText = "Torque Instruction\n1. Tighten the bolt to 2.5 Nm.\n"

func ingestAndProcess(t *testing.T, p *Pipeline) *models.ProcessingRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := p.Ingest(ctx, "instruction.txt", []byte(docText), models.UploadAPI, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	got, err := p.store.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestProcess_happyPath(t *testing.T) {
	env := &testEnv{}
	p := newTestPipeline(t, env, nil)
	rec := ingestAndProcess(t, p)

	if rec.State != models.StateValidated {
		t.Fatalf("state = %s", rec.State)
	}
	if rec.ValidationStatus != models.ValidationReady {
		t.Errorf("validation = %s, reasons = %v", rec.ValidationStatus, rec.ReviewReasons)
	}
	for _, stage := range []string{
		orchestrate.StageContextFrame,
		orchestrate.StageAnalysis,
		orchestrate.StageWordExtraction,
		orchestrate.StageVerification,
		orchestrate.StageCompliance,
	} {
		a := rec.Artifact(stage)
		if a == nil || a.Failed {
			t.Errorf("stage %s artifact = %+v", stage, a)
		}
	}
	if rec.Coverage == nil || rec.Coverage.Decision != models.CoverageReady {
		t.Errorf("coverage = %+v", rec.Coverage)
	}
}

func TestIngest_rejectsEmptyContent(t *testing.T) {
	p := newTestPipeline(t, &testEnv{}, nil)
	if _, err := p.Ingest(context.Background(), "empty.txt", nil, models.UploadAPI, ""); err == nil {
		t.Error("expected error for empty document")
	}
}

func TestApprove_requiresValidated(t *testing.T) {
	p := newTestPipeline(t, &testEnv{}, nil)
	rec, err := p.Ingest(context.Background(), "a.txt", []byte(docText), models.UploadAPI, "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Approve(context.Background(), rec.ID, "qm", "")
	var conflict *ReleaseConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ReleaseConflictError", err)
	}
	if conflict.State != models.StateUploaded {
		t.Errorf("conflict state = %s", conflict.State)
	}
	// The record must be untouched.
	got, _ := p.store.GetRecord(context.Background(), rec.ID)
	if got.State != models.StateUploaded || got.Release != models.ReleasePending {
		t.Errorf("record mutated: %+v", got)
	}
}

func TestApprove_indexesRecord(t *testing.T) {
	env := &testEnv{}
	p := newTestPipeline(t, env, nil)
	rec := ingestAndProcess(t, p)

	approved, err := p.Approve(context.Background(), rec.ID, "qm.lead", "looks complete")
	if err != nil {
		t.Fatal(err)
	}
	if approved.State != models.StateIndexed {
		t.Errorf("state = %s", approved.State)
	}
	if approved.Release != models.ReleaseApproved || approved.ReleaseActor != "qm.lead" || approved.ReleasedAt == nil {
		t.Errorf("release fields = %+v", approved)
	}
	if env.idx.handoffs != 1 {
		t.Errorf("handoffs = %d", env.idx.handoffs)
	}

	// A second decision on a released record must conflict.
	_, err = p.Approve(context.Background(), rec.ID, "qm.lead", "")
	var conflict *ReleaseConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("err = %v, want ReleaseConflictError", err)
	}
}

func TestApprove_handoffFailureKeepsApproval(t *testing.T) {
	env := &testEnv{idx: &fakeIndexer{fail: true}}
	p := newTestPipeline(t, env, nil)
	rec := ingestAndProcess(t, p)

	_, err := p.Approve(context.Background(), rec.ID, "qm", "")
	if err == nil {
		t.Fatal("expected handoff error")
	}
	got, _ := p.store.GetRecord(context.Background(), rec.ID)
	if got.State != models.StateQMApproved {
		t.Errorf("state = %s, want QM_APPROVED", got.State)
	}
}

func TestReject_isTerminal(t *testing.T) {
	env := &testEnv{}
	p := newTestPipeline(t, env, nil)
	rec := ingestAndProcess(t, p)

	rejected, err := p.Reject(context.Background(), rec.ID, "qm", "missing revision block")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.State != models.StateQMRejected || rejected.Release != models.ReleaseRejected {
		t.Errorf("record = %+v", rejected)
	}
	if env.idx.handoffs != 0 {
		t.Error("rejected record must not be indexed")
	}
	if err := p.Restart(context.Background(), rec.ID); err == nil {
		t.Error("terminal record must not restart")
	}
	// Process on a terminal record is a no-op.
	if err := p.Process(context.Background(), rec.ID); err != nil {
		t.Errorf("process on terminal record: %v", err)
	}
}

func TestProcess_conversionFailureParksInFailed(t *testing.T) {
	env := &testEnv{}
	p := newTestPipeline(t, env, &fakeConverter{fail: true})
	rec, err := p.Ingest(context.Background(), "a.txt", []byte(docText), models.UploadAPI, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Process(context.Background(), rec.ID); err == nil {
		t.Fatal("expected processing error")
	}
	got, _ := p.store.GetRecord(context.Background(), rec.ID)
	if got.State != models.StateFailed || got.FailedStage != PhaseNormalize {
		t.Errorf("record = state %s, failed stage %q", got.State, got.FailedStage)
	}
	if got.FailedReason == "" {
		t.Error("failed reason should be recorded")
	}
}

func TestResume_retriesOnlyFailedPhase(t *testing.T) {
	env := &testEnv{}
	broken := newTestPipeline(t, env, &fakeConverter{fail: true})
	rec, err := broken.Ingest(context.Background(), "a.txt", []byte(docText), models.UploadAPI, "")
	if err != nil {
		t.Fatal(err)
	}
	_ = broken.Process(context.Background(), rec.ID)

	// Same store and image store, working converter now.
	fixed := newTestPipeline(t, env, nil)
	if err := fixed.Resume(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := fixed.store.GetRecord(context.Background(), rec.ID)
	if got.State != models.StateValidated {
		t.Errorf("state = %s", got.State)
	}
	if got.FailedStage != "" || got.FailedReason != "" {
		t.Errorf("failure fields not cleared: %+v", got)
	}
}

func TestResume_preservesCompletedArtifacts(t *testing.T) {
	env := &testEnv{}
	p := newTestPipeline(t, env, nil)
	rec := ingestAndProcess(t, p)

	before := rec.Artifact(orchestrate.StageAnalysis).Payload

	// Simulate a crash during verification.
	rec.State = models.StateFailed
	rec.FailedStage = PhaseVerification
	if err := p.store.UpdateRecord(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := p.Resume(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := p.store.GetRecord(context.Background(), rec.ID)
	if got.State != models.StateValidated {
		t.Fatalf("state = %s", got.State)
	}
	after := got.Artifact(orchestrate.StageAnalysis).Payload
	if !bytes.Equal(before, after) {
		t.Error("analysis artifact changed across resume")
	}
}

func TestResume_requiresFailedState(t *testing.T) {
	env := &testEnv{}
	p := newTestPipeline(t, env, nil)
	rec := ingestAndProcess(t, p)
	if err := p.Resume(context.Background(), rec.ID); err == nil {
		t.Error("resume on non-FAILED record must error")
	}
}

func TestRestart_reprocessesFromScratch(t *testing.T) {
	env := &testEnv{}
	p := newTestPipeline(t, env, nil)
	rec := ingestAndProcess(t, p)

	if err := p.Restart(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := p.store.GetRecord(context.Background(), rec.ID)
	if got.State != models.StateValidated {
		t.Errorf("state = %s", got.State)
	}
	if got.Artifact(orchestrate.StageAnalysis) == nil {
		t.Error("restart should produce fresh artifacts")
	}
}

// Compliance is assessed in the verification phase, after coverage scoring;
// a record that has only finished analysis carries no compliance artifact.
func TestPhases_complianceFollowsVerification(t *testing.T) {
	env := &testEnv{}
	p := newTestPipeline(t, env, nil)
	ctx := context.Background()
	rec, err := p.Ingest(ctx, "a.txt", []byte(docText), models.UploadAPI, "")
	if err != nil {
		t.Fatal(err)
	}
	source, err := p.store.GetSource(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	doc := &models.SourceDocument{ID: rec.ID, Filename: rec.Filename, MIMEType: rec.MIMEType, Content: source}

	for _, phase := range []string{PhaseNormalize, PhaseWordExtraction, PhaseAnalysis} {
		if err := p.runPhase(ctx, rec, doc, phase); err != nil {
			t.Fatalf("phase %s: %v", phase, err)
		}
	}
	if rec.State != models.StateAnalysisDone {
		t.Fatalf("state = %s", rec.State)
	}
	if rec.Artifact(orchestrate.StageCompliance) != nil {
		t.Error("compliance artifact present before verification")
	}

	if err := p.runPhase(ctx, rec, doc, PhaseVerification); err != nil {
		t.Fatal(err)
	}
	if rec.State != models.StateValidated {
		t.Errorf("state = %s", rec.State)
	}
	if rec.Artifact(orchestrate.StageCompliance) == nil {
		t.Error("compliance artifact missing after verification")
	}
}

func TestRecordArtifact_flagsSchemaInvalidPayload(t *testing.T) {
	p := newTestPipeline(t, &testEnv{}, nil)
	rec := &models.ProcessingRecord{}
	p.recordArtifact(rec, orchestrate.StageAnalysis, &models.Artifact{
		Kind:          models.KindAnalysis,
		Stage:         orchestrate.StageAnalysis,
		DecodeLevel:   models.DecodeDirect,
		SchemaInvalid: true,
	})
	if rec.ValidationStatus != models.ValidationReviewRequired {
		t.Errorf("validation = %s", rec.ValidationStatus)
	}
	if len(rec.ReviewReasons) != 1 {
		t.Errorf("reasons = %v", rec.ReviewReasons)
	}
}

func TestProcessPending_advancesAllRecords(t *testing.T) {
	env := &testEnv{}
	p := newTestPipeline(t, env, nil)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := p.Ingest(ctx, "a.txt", []byte(docText), models.UploadWatch, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}
	if err := p.ProcessPending(ctx); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		got, err := p.store.GetRecord(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.State != models.StateValidated {
			t.Errorf("record %s state = %s", id, got.State)
		}
	}
}
