package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/torii/kakunin/internal/config"
	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/internal/normalize"
	"github.com/torii/kakunin/internal/orchestrate"
	"github.com/torii/kakunin/internal/pipeline"
	"github.com/torii/kakunin/internal/provider"
	"github.com/torii/kakunin/internal/storage"
	"github.com/torii/kakunin/internal/verify"
)

type fakeConverter struct{}

func (f *fakeConverter) Name() string             { return "fake" }
func (f *fakeConverter) Supports(ext string) bool { return true }
func (f *fakeConverter) Convert(ctx context.Context, doc *models.SourceDocument, dpi int) ([][]byte, error) {
	return [][]byte{[]byte("fake png")}, nil
}

type fakeIndexer struct{ fail bool }

func (f *fakeIndexer) Handoff(ctx context.Context, rec *models.ProcessingRecord) error {
	if f.fail {
		return errors.New("index unavailable")
	}
	return nil
}

const docText = "Torque Instruction\n1. Tighten the bolt to 2.5 Nm.\n"

// newTestServer wires a deterministic pipeline behind the HTTP handlers:
// rule-based provider, canned converter, sqlite in a temp dir.
func newTestServer(t *testing.T, idx pipeline.Indexer) *httptest.Server {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	images, err := storage.NewImageStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if idx == nil {
		idx = &fakeIndexer{}
	}
	normalizer := normalize.New(images, 100, normalize.WithConverters(&fakeConverter{}))
	orch := orchestrate.New(
		[]provider.Provider{provider.NewRuleBasedProvider("rules")},
		verify.New(95, 0.85, nil),
	)
	p := pipeline.New(store, images, normalizer, orch, pipeline.WithIndexer(idx))
	srv := NewServer(p, store, &config.Config{}, zap.NewNop())
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)
	return ts
}

func uploadRequest(t *testing.T, url, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeRecord(t *testing.T, resp *http.Response) *models.ProcessingRecord {
	t.Helper()
	defer resp.Body.Close()
	var rec models.ProcessingRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	return &rec
}

// uploadAndWait pushes a document through the full pipeline synchronously.
func uploadAndWait(t *testing.T, ts *httptest.Server) *models.ProcessingRecord {
	t.Helper()
	req := uploadRequest(t, ts.URL+"/api/v1/documents?wait=true", "instruction.txt", []byte(docText))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	return decodeRecord(t, resp)
}

func TestHandleUpload_waitProcessesDocument(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := uploadAndWait(t, ts)
	if rec.State != models.StateValidated {
		t.Errorf("state = %s", rec.State)
	}
	if rec.ValidationStatus != models.ValidationReady {
		t.Errorf("validation = %s, reasons = %v", rec.ValidationStatus, rec.ReviewReasons)
	}
}

func TestHandleUpload_missingFile(t *testing.T) {
	ts := newTestServer(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("type_hint", "sop")
	_ = mw.Close()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandleGetDocument(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := uploadAndWait(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/documents/" + rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decodeRecord(t, resp)
	if got.ID != rec.ID || got.State != models.StateValidated {
		t.Errorf("record = %+v", got)
	}
}

func TestHandleGetDocument_notFound(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/api/v1/documents/doc:missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandleListDocuments_filtersByState(t *testing.T) {
	ts := newTestServer(t, nil)
	uploadAndWait(t, ts)
	uploadAndWait(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/documents?state=VALIDATED")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Documents []*models.ProcessingRecord `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Documents) != 2 {
		t.Errorf("documents = %d", len(body.Documents))
	}

	resp, err = http.Get(ts.URL + "/api/v1/documents?state=FAILED")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body.Documents = nil
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Documents) != 0 {
		t.Errorf("failed documents = %d", len(body.Documents))
	}
}

func postRelease(t *testing.T, ts *httptest.Server, id, decision, actor string) *http.Response {
	t.Helper()
	body, _ := json.Marshal(releaseRequest{Decision: decision, Actor: actor})
	resp, err := http.Post(ts.URL+"/api/v1/documents/"+id+"/release", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHandleRelease_approve(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := uploadAndWait(t, ts)

	resp := postRelease(t, ts, rec.ID, "approve", "qm.lead")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decodeRecord(t, resp)
	if got.State != models.StateIndexed || got.Release != models.ReleaseApproved {
		t.Errorf("record = %+v", got)
	}

	// A second decision on a released record must conflict.
	resp = postRelease(t, ts, rec.ID, "approve", "qm.lead")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandleRelease_rejectUnprocessedConflicts(t *testing.T) {
	ts := newTestServer(t, nil)
	req := uploadRequest(t, ts.URL+"/api/v1/documents", "a.txt", []byte(docText))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	rec := decodeRecord(t, resp)

	// The record may still be mid-pipeline; a VALIDATED-only gate means any
	// non-validated state conflicts.
	releaseResp := postRelease(t, ts, rec.ID, "reject", "qm")
	defer releaseResp.Body.Close()
	if releaseResp.StatusCode != http.StatusPreconditionFailed && releaseResp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", releaseResp.StatusCode)
	}
}

func TestHandleRelease_badDecision(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := uploadAndWait(t, ts)
	resp := postRelease(t, ts, rec.ID, "maybe", "qm")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandleRelease_missingActor(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := uploadAndWait(t, ts)
	resp := postRelease(t, ts, rec.ID, "approve", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandleRelease_handoffFailureReportsAccepted(t *testing.T) {
	ts := newTestServer(t, &fakeIndexer{fail: true})
	rec := uploadAndWait(t, ts)

	resp := postRelease(t, ts, rec.ID, "approve", "qm")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decodeRecord(t, resp)
	if got.State != models.StateQMApproved {
		t.Errorf("state = %s, want QM_APPROVED", got.State)
	}
}

func TestHandleResume_requiresFailedState(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := uploadAndWait(t, ts)
	resp, err := http.Post(ts.URL+"/api/v1/documents/"+rec.ID+"/resume", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandleRestart_reprocesses(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := uploadAndWait(t, ts)
	resp, err := http.Post(ts.URL+"/api/v1/documents/"+rec.ID+"/restart", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decodeRecord(t, resp)
	if got.State != models.StateValidated {
		t.Errorf("state = %s", got.State)
	}
}

func TestHandleStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	uploadAndWait(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Documents int64            `json:"documents"`
		States    map[string]int64 `json:"states"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Documents != 1 || body.States["VALIDATED"] != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
