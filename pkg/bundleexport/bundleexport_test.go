package bundleexport_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/artifact/manifest"
	"github.com/handshake-core/handshake/pkg/bundleexport"
	"github.com/handshake-core/handshake/pkg/diagnostics"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/idgen"
	"github.com/handshake-core/handshake/pkg/jobs"
	"github.com/handshake-core/handshake/pkg/policy"
	"github.com/handshake-core/handshake/pkg/storageguard"
)

type fakeDiagStore struct {
	diags []diagnostics.Diagnostic
}

func (f *fakeDiagStore) RecordDiagnostic(context.Context, *diagnostics.Diagnostic) error { return nil }
func (f *fakeDiagStore) GetDiagnostic(context.Context, uuid.UUID) (*diagnostics.Diagnostic, error) {
	return nil, nil
}
func (f *fakeDiagStore) ListDiagnostics(ctx context.Context, filter diagnostics.Filter) ([]diagnostics.Diagnostic, error) {
	var out []diagnostics.Diagnostic
	for _, d := range f.diags {
		if filter.Fingerprint != "" && d.Fingerprint != filter.Fingerprint {
			continue
		}
		if filter.JobID != "" && d.JobID != filter.JobID {
			continue
		}
		if filter.WorkspaceID != "" && d.WorkspaceID != filter.WorkspaceID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
func (f *fakeDiagStore) ListProblems(context.Context, diagnostics.Filter) ([]diagnostics.Problem, error) {
	return nil, nil
}

type fakeRecorder struct {
	events []*flightrecorder.Envelope
}

func (f *fakeRecorder) RecordEvent(_ context.Context, e *flightrecorder.Envelope) error {
	if err := flightrecorder.ValidateEnvelope(e); err != nil {
		return err
	}
	f.events = append(f.events, e)
	return nil
}
func (f *fakeRecorder) ListEvents(context.Context, flightrecorder.ListFilter) ([]flightrecorder.Envelope, error) {
	out := make([]flightrecorder.Envelope, len(f.events))
	for i, e := range f.events {
		out[i] = *e
	}
	return out, nil
}
func (f *fakeRecorder) ListEventsForExport(ctx context.Context, filter flightrecorder.ListFilter) ([]flightrecorder.Envelope, error) {
	return f.ListEvents(ctx, filter)
}
func (f *fakeRecorder) EnforceRetention(context.Context, int) (int, error) { return 0, nil }

type fakeJobsDB struct {
	jobs map[uuid.UUID]*jobs.Job
}

func (f *fakeJobsDB) CreateAIJob(_ context.Context, _ storageguard.WriteContext, j *jobs.Job) error {
	if f.jobs == nil {
		f.jobs = map[uuid.UUID]*jobs.Job{}
	}
	f.jobs[j.JobID] = j
	return nil
}
func (f *fakeJobsDB) GetAIJob(_ context.Context, jobID uuid.UUID) (*jobs.Job, error) {
	if j, ok := f.jobs[jobID]; ok {
		return j, nil
	}
	return nil, apperrors.NewNotFoundError("ai job")
}
func (f *fakeJobsDB) UpdateAIJobStatus(context.Context, storageguard.WriteContext, uuid.UUID, jobs.JobUpdate) error {
	return nil
}
func (f *fakeJobsDB) ListAIJobs(context.Context, jobs.JobFilter) ([]jobs.Job, error) { return nil, nil }
func (f *fakeJobsDB) CreateWorkflowRun(context.Context, storageguard.WriteContext, *jobs.WorkflowRun) error {
	return nil
}
func (f *fakeJobsDB) UpdateWorkflowRunStatus(context.Context, storageguard.WriteContext, string, jobs.JobState, string) error {
	return nil
}
func (f *fakeJobsDB) HeartbeatWorkflow(context.Context, string, time.Time) error { return nil }
func (f *fakeJobsDB) FindStalledWorkflows(context.Context, int, time.Time) ([]jobs.WorkflowRun, error) {
	return nil, nil
}
func (f *fakeJobsDB) PruneAIJobs(context.Context, time.Time, int, bool) (jobs.PruneReport, error) {
	return jobs.PruneReport{}, nil
}

func newExporter(t *testing.T, diags []diagnostics.Diagnostic, jobRecords []*jobs.Job, events []*flightrecorder.Envelope) (*bundleexport.Exporter, *fakeRecorder) {
	t.Helper()
	root := t.TempDir()
	pol, err := policy.NewEvaluator(context.Background())
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	store := manifest.New(root, pol)

	jobsDB := &fakeJobsDB{jobs: map[uuid.UUID]*jobs.Job{}}
	for _, j := range jobRecords {
		jobsDB.jobs[j.JobID] = j
	}

	rec := &fakeRecorder{events: events}
	exp := bundleexport.New(&fakeDiagStore{diags: diags}, rec, jobsDB, store, pol)
	return exp, rec
}

func TestExport_SafeDefaultRedactsPayloads(t *testing.T) {
	jobID := uuid.New()
	diag := diagnostics.Diagnostic{
		ID: uuid.New(), Fingerprint: "fp_1", Title: "boom", Message: "it broke",
		Severity: diagnostics.SeverityError, Source: "compiler", Surface: "editor",
		JobID: jobID.String(), Timestamp: time.Now().UTC(),
	}
	job := &jobs.Job{JobID: jobID, JobKind: jobs.JobKindCodeAnalysis, State: jobs.StateCompleted,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		Inputs: map[string]interface{}{"secret": "do-not-leak"}}

	exp, rec := newExporter(t, []diagnostics.Diagnostic{diag}, []*jobs.Job{job}, nil)

	res, err := exp.Export(context.Background(), bundleexport.Request{
		Scope:         bundleexport.Scope{Kind: bundleexport.ScopeProblem, Fingerprint: "fp_1"},
		RequestedMode: bundleexport.RedactionSafeDefault,
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.BundleHash == "" {
		t.Fatal("expected a non-empty bundle hash")
	}
	if res.DiagnosticCount != 1 {
		t.Fatalf("expected 1 diagnostic, got %d", res.DiagnosticCount)
	}
	if res.JobCount != 1 {
		t.Fatalf("expected 1 job, got %d", res.JobCount)
	}
	if len(res.ZipBytes) == 0 {
		t.Fatal("expected non-empty zip bytes")
	}

	jobsJSON := zipEntry(t, res.ZipBytes, "jobs.json")
	if bytes.Contains(jobsJSON, []byte("do-not-leak")) {
		t.Fatal("SAFE_DEFAULT left a raw job input in jobs.json")
	}

	var sawExport, sawGovPack bool
	for _, e := range rec.events {
		switch e.EventType {
		case flightrecorder.EventDebugBundleExport:
			sawExport = true
			if e.Payload["bundle_hash"] != res.BundleHash {
				t.Fatalf("debug_bundle_export payload bundle_hash mismatch: %v != %s", e.Payload["bundle_hash"], res.BundleHash)
			}
		case flightrecorder.EventGovernancePackExport:
			sawGovPack = true
			if _, ok := e.Payload["export_record"]; !ok {
				t.Fatal("governance_pack_export payload missing export_record")
			}
		}
	}
	if !sawExport || !sawGovPack {
		t.Fatalf("expected both export events to be emitted, got %+v", rec.events)
	}
}

func TestExport_JobScopeCanonicalFileSet(t *testing.T) {
	jobID := uuid.New()
	job := &jobs.Job{JobID: jobID, JobKind: jobs.JobKindCodeAnalysis, State: jobs.StateCompleted,
		WorkflowRunID: "wfr_1",
		CreatedAt:     time.Now().UTC(), UpdatedAt: time.Now().UTC()}

	diags := []diagnostics.Diagnostic{
		{ID: uuid.New(), Fingerprint: "fp_a", Title: "a", Message: "m1",
			Severity: diagnostics.SeverityError, Source: "s", Surface: "surf",
			JobID: jobID.String(), Timestamp: time.Now().UTC()},
		{ID: uuid.New(), Fingerprint: "fp_b", Title: "b", Message: "m2",
			Severity: diagnostics.SeverityWarning, Source: "s", Surface: "surf",
			JobID: jobID.String(), Timestamp: time.Now().UTC()},
	}
	events := make([]*flightrecorder.Envelope, 3)
	for i := range events {
		events[i] = &flightrecorder.Envelope{
			EventID: uuid.New(), TraceID: uuid.New(),
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			Actor:     flightrecorder.ActorSystem, ActorID: "test",
			EventType: flightrecorder.EventDataBronzeCreated,
			JobID:     jobID.String(),
			Payload:   map[string]interface{}{"bronze_id": uuid.New().String()},
		}
	}

	exp, _ := newExporter(t, diags, []*jobs.Job{job}, events)
	outputDir := t.TempDir()

	res, err := exp.Export(context.Background(), bundleexport.Request{
		Scope:         bundleexport.Scope{Kind: bundleexport.ScopeJob, JobID: jobID.String()},
		RequestedMode: bundleexport.RedactionSafeDefault,
		OutputDir:     outputDir,
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.DiagnosticCount != 2 || res.EventCount != 3 || res.JobCount != 1 {
		t.Fatalf("unexpected counts: %d diags, %d events, %d jobs", res.DiagnosticCount, res.EventCount, res.JobCount)
	}

	bundleDir := filepath.Join(outputDir, "bundle-"+res.BundleID.String())
	want := []string{
		"env.json", "job.json", "diagnostics.jsonl", "trace.jsonl",
		"retention_report.json", "redaction_report.json", "repro.md",
		"coder_prompt.md", "bundle_index.json", "bundle_manifest.json",
	}
	for _, name := range want {
		if _, err := os.Stat(filepath.Join(bundleDir, name)); err != nil {
			t.Fatalf("missing canonical file %s: %v", name, err)
		}
	}
	entries, err := os.ReadDir(bundleDir)
	if err != nil {
		t.Fatalf("read bundle dir: %v", err)
	}
	if len(entries) != len(want) {
		t.Fatalf("expected exactly %d files in the bundle dir, got %d", len(want), len(entries))
	}

	indexBytes, err := os.ReadFile(filepath.Join(bundleDir, "bundle_index.json"))
	if err != nil {
		t.Fatalf("read bundle_index.json: %v", err)
	}
	manifestBytes, err := os.ReadFile(filepath.Join(bundleDir, "bundle_manifest.json"))
	if err != nil {
		t.Fatalf("read bundle_manifest.json: %v", err)
	}
	var bm bundleexport.BundleManifest
	if err := json.Unmarshal(manifestBytes, &bm); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if bm.BundleHash != idgen.SHA256Hex(indexBytes) {
		t.Fatal("bundle_manifest.bundle_hash does not equal sha256 of bundle_index.json")
	}
	if bm.WorkflowRunID != "wfr_1" {
		t.Fatalf("expected workflow_run_id wfr_1 in manifest, got %q", bm.WorkflowRunID)
	}
	if bm.IncludedDiags != 2 || bm.IncludedEvents != 3 || bm.IncludedJobs != 1 {
		t.Fatalf("manifest counts wrong: %+v", bm)
	}

	if err := bundleexport.ValidateDirectory(bundleDir); err != nil {
		t.Fatalf("ValidateDirectory: %v", err)
	}
	zipBytes, err := os.ReadFile(filepath.Join(outputDir, res.BundleID.String()+".zip"))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if !bytes.Equal(zipBytes, res.ZipBytes) {
		t.Fatal("materialized zip differs from returned zip bytes")
	}
	if err := bundleexport.ValidateZip(zipBytes); err != nil {
		t.Fatalf("ValidateZip: %v", err)
	}
}

func TestExport_MissingScopedJobReportedAsEvidenceGap(t *testing.T) {
	exp, _ := newExporter(t, nil, nil, nil)

	res, err := exp.Export(context.Background(), bundleexport.Request{
		Scope:         bundleexport.Scope{Kind: bundleexport.ScopeJob, JobID: uuid.New().String()},
		RequestedMode: bundleexport.RedactionSafeDefault,
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(res.MissingEvidence) != 1 {
		t.Fatalf("expected one missing-evidence entry, got %+v", res.MissingEvidence)
	}
	if res.MissingEvidence[0].Kind != "ai_job" {
		t.Fatalf("expected ai_job evidence gap, got %+v", res.MissingEvidence[0])
	}
}

func TestExport_WorkspaceScopeServesMoreThanGeneralListCap(t *testing.T) {
	const eventCount = flightrecorder.MaxListLimit + 50 // above the list_events cap, still well under the export cap
	events := make([]*flightrecorder.Envelope, eventCount)
	for i := range events {
		events[i] = &flightrecorder.Envelope{
			EventID:   uuid.New(),
			TraceID:   uuid.New(),
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			Actor:     flightrecorder.ActorSystem,
			ActorID:   "test",
			EventType: flightrecorder.EventDataBronzeCreated,
			Payload:   map[string]interface{}{"bronze_id": uuid.New().String()},
		}
	}

	exp, _ := newExporter(t, nil, nil, events)
	res, err := exp.Export(context.Background(), bundleexport.Request{
		Scope:         bundleexport.Scope{Kind: bundleexport.ScopeWorkspace, WorkspaceID: "ws_1"},
		RequestedMode: bundleexport.RedactionSafeDefault,
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.EventCount != eventCount {
		t.Fatalf("expected all %d events to be gathered (above the 200-row list_events cap), got %d", eventCount, res.EventCount)
	}
	if len(res.MissingEvidence) != 0 {
		t.Fatalf("expected no missing evidence below the export cap, got %+v", res.MissingEvidence)
	}
}

func TestExport_FullLocalRejectedForWorkspaceScope(t *testing.T) {
	exp, _ := newExporter(t, nil, nil, nil)

	_, err := exp.Export(context.Background(), bundleexport.Request{
		Scope:         bundleexport.Scope{Kind: bundleexport.ScopeWorkspace, WorkspaceID: "ws_1"},
		RequestedMode: bundleexport.RedactionFullLocal,
	})
	if err == nil {
		t.Fatal("expected FULL_LOCAL to be rejected for a Workspace scope")
	}
}

func TestExport_FullLocalAllowedForJobScope(t *testing.T) {
	exp, _ := newExporter(t, nil, nil, nil)

	res, err := exp.Export(context.Background(), bundleexport.Request{
		Scope:         bundleexport.Scope{Kind: bundleexport.ScopeJob, JobID: uuid.New().String()},
		RequestedMode: bundleexport.RedactionFullLocal,
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.RedactionMode != bundleexport.RedactionFullLocal {
		t.Fatalf("expected FULL_LOCAL, got %s", res.RedactionMode)
	}
}

func TestValidateZip_DetectsTamperedFile(t *testing.T) {
	diag := diagnostics.Diagnostic{
		ID: uuid.New(), Fingerprint: "fp_t", Title: "t", Message: "m",
		Severity: diagnostics.SeverityWarning, Source: "s", Surface: "surf",
		Timestamp: time.Unix(1000, 0).UTC(),
	}
	exp, _ := newExporter(t, []diagnostics.Diagnostic{diag}, nil, nil)
	res, err := exp.Export(context.Background(), bundleexport.Request{
		Scope:         bundleexport.Scope{Kind: bundleexport.ScopeProblem, Fingerprint: "fp_t"},
		RequestedMode: bundleexport.RedactionSafeDefault,
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	tampered := rewriteZipEntry(t, res.ZipBytes, "repro.md", []byte("# tampered\n"))
	if err := bundleexport.ValidateZip(tampered); err == nil {
		t.Fatal("expected ValidateZip to reject a tampered entry")
	}
	if err := bundleexport.ValidateZip(res.ZipBytes); err != nil {
		t.Fatalf("original zip failed validation: %v", err)
	}
}

func zipEntry(t *testing.T, data []byte, name string) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		defer rc.Close()
		content, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		return content
	}
	t.Fatalf("zip entry %s not found", name)
	return nil
}

func rewriteZipEntry(t *testing.T, data []byte, name string, replacement []byte) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		w, err := zw.Create(f.Name)
		if err != nil {
			t.Fatalf("create %s: %v", f.Name, err)
		}
		if f.Name == name {
			if _, err := w.Write(replacement); err != nil {
				t.Fatalf("write %s: %v", f.Name, err)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		if _, err := io.Copy(w, rc); err != nil {
			t.Fatalf("copy %s: %v", f.Name, err)
		}
		rc.Close()
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}
