// Package bundleexport implements the Debug Bundle / Governance Pack
// exporter (C14): given a scope — a single problem, a job, a time window,
// or a whole workspace — it gathers diagnostics, Flight Recorder events,
// and AI jobs, redacts them per the selected mode, writes a canonical file
// set plus a deterministic zip, and persists the result as a content-hashed
// artifact, per §4.14.
package bundleexport

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/artifact/atomic"
	"github.com/handshake-core/handshake/pkg/artifact/bundleindex"
	"github.com/handshake-core/handshake/pkg/artifact/manifest"
	"github.com/handshake-core/handshake/pkg/diagnostics"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/idgen"
	"github.com/handshake-core/handshake/pkg/jobs"
	"github.com/handshake-core/handshake/pkg/policy"
	"github.com/handshake-core/handshake/pkg/shared/logging"
)

// ScopeKind selects what an export covers.
type ScopeKind string

const (
	ScopeProblem    ScopeKind = "Problem"
	ScopeJob        ScopeKind = "Job"
	ScopeTimeWindow ScopeKind = "TimeWindow"
	ScopeWorkspace  ScopeKind = "Workspace"
)

// Scope names the evidence an export gathers. Only the fields relevant to
// Kind are read.
type Scope struct {
	Kind        ScopeKind
	Fingerprint string
	JobID       string
	Start       time.Time
	End         time.Time
	WorkspaceID string
}

// RedactionMode is one of the three §4.14 redaction levels.
type RedactionMode string

const (
	RedactionSafeDefault RedactionMode = "SAFE_DEFAULT"
	RedactionWorkspace   RedactionMode = "WORKSPACE"
	RedactionFullLocal   RedactionMode = "FULL_LOCAL"
)

// eventOverflowCap bounds how many events a TimeWindow/Workspace scope may
// carry before the remainder is recorded as missing evidence rather than
// silently dropped, per spec.md §4.14. It is the Recorder's export-only
// limit, not the general list_events cap: ListEventsForExport is the only
// path that can ever return this many rows.
const eventOverflowCap = flightrecorder.MaxExportListLimit

const (
	bundleSchemaVersion = "1.0"
	engineID            = "handshake_bundle_exporter"
	engineVersion       = "1.0.0"
)

// MissingEvidence records an evidence gap the exporter could not fill
// without failing the whole export.
type MissingEvidence struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Request parameterizes one Export call. OutputDir, when set, is the
// directory under which the canonical file set is materialized as
// bundle-<bundle_id>/ plus <bundle_id>.zip; when empty, the bundle is
// persisted only through the artifact store.
type Request struct {
	Scope         Scope
	RequestedMode RedactionMode
	OutputDir     string
}

// FileEntry is one file's row in the bundle manifest.
type FileEntry struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	Redacted  bool   `json:"redacted"`
}

// BundleManifest is the §3 Debug Bundle Manifest, written as
// bundle_manifest.json. Its bundle_hash equals the sha256 of the canonical
// bundle_index.json, whose index excludes bundle_index.json and
// bundle_manifest.json themselves.
type BundleManifest struct {
	SchemaVersion   string            `json:"schema_version"`
	BundleID        string            `json:"bundle_id"`
	Kind            string            `json:"kind"`
	CreatedAt       time.Time         `json:"created_at"`
	Scope           ScopeRecord       `json:"scope"`
	RedactionMode   string            `json:"redaction_mode"`
	WorkflowRunID   string            `json:"workflow_run_id,omitempty"`
	JobID           string            `json:"job_id,omitempty"`
	Platform        string            `json:"platform"`
	Files           []FileEntry       `json:"files"`
	IncludedDiags   int               `json:"included_diagnostics"`
	IncludedEvents  int               `json:"included_events"`
	IncludedJobs    int               `json:"included_jobs"`
	MissingEvidence []MissingEvidence `json:"missing_evidence"`
	BundleHash      string            `json:"bundle_hash"`
}

// ScopeRecord is the serialized form of a Scope inside the manifest and the
// export record.
type ScopeRecord struct {
	Kind        string     `json:"kind"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	JobID       string     `json:"job_id,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	WorkspaceID string     `json:"workspace_id,omitempty"`
}

func scopeRecord(s Scope) ScopeRecord {
	rec := ScopeRecord{
		Kind: string(s.Kind), Fingerprint: s.Fingerprint,
		JobID: s.JobID, WorkspaceID: s.WorkspaceID,
	}
	if s.Kind == ScopeTimeWindow {
		start, end := s.Start, s.End
		rec.Start, rec.End = &start, &end
	}
	return rec
}

// SourceRef names one evidence source that went into an export, with the
// content hash the export observed.
type SourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Hash string `json:"hash,omitempty"`
}

// ExporterInfo identifies the engine that produced an export.
type ExporterInfo struct {
	EngineID      string `json:"engine_id"`
	EngineVersion string `json:"engine_version"`
	ConfigHash    string `json:"config_hash"`
}

// ExportRecord is the §3 governance export record, carried in full on the
// companion governance_pack_export event.
type ExportRecord struct {
	ExportID              string       `json:"export_id"`
	CreatedAt             time.Time    `json:"created_at"`
	Actor                 string       `json:"actor"`
	SourceRefs            []SourceRef  `json:"source_refs"`
	ExportFormat          string       `json:"export_format"`
	Exporter              ExporterInfo `json:"exporter"`
	DeterminismLevel      string       `json:"determinism_level"`
	ExportTarget          string       `json:"export_target"`
	PolicyID              string       `json:"policy_id"`
	RedactionsApplied     []string     `json:"redactions_applied"`
	OutputArtifactHandles []string     `json:"output_artifact_handles"`
	MaterializedPaths     []string     `json:"materialized_paths"`
	Warnings              []string     `json:"warnings"`
	Errors                []string     `json:"errors"`
}

// Result reports one completed export: the §3 Export Record, the bundle
// identity, and the bytes a caller can hand back to a user (the zip)
// without re-reading them from disk.
type Result struct {
	BundleID        uuid.UUID
	ExportID        uuid.UUID
	BundleHash      string
	RedactionMode   RedactionMode
	MissingEvidence []MissingEvidence
	DiagnosticCount int
	EventCount      int
	JobCount        int
	ZipBytes        []byte
	BundleDir       string
	ZipPath         string
	Record          ExportRecord
}

// Exporter wires the diagnostics store, the Flight Recorder, the AI job
// database, the artifact manifest store, and the shared policy evaluator
// into the C14 operation.
type Exporter struct {
	diagnostics diagnostics.Store
	recorder    flightrecorder.Recorder
	jobsDB      jobs.Database
	artifacts   *manifest.Store
	pol         *policy.Evaluator
}

// New constructs an Exporter.
func New(diagStore diagnostics.Store, recorder flightrecorder.Recorder, jobsDB jobs.Database, artifacts *manifest.Store, pol *policy.Evaluator) *Exporter {
	return &Exporter{diagnostics: diagStore, recorder: recorder, jobsDB: jobsDB, artifacts: artifacts, pol: pol}
}

// Export runs the full C14 pipeline: resolve evidence, redact it per mode,
// assemble the canonical file set and its zip, hash it, materialize and
// persist it, and emit the paired Flight Recorder events.
func (e *Exporter) Export(ctx context.Context, req Request) (Result, error) {
	if req.Scope.Kind == "" {
		return Result{}, apperrors.NewGuardError(apperrors.CodeInvalidScope, "export scope kind must not be empty")
	}
	if req.RequestedMode == "" {
		req.RequestedMode = RedactionSafeDefault
	}

	allowed, err := e.pol.RedactionAllowed(ctx, string(req.RequestedMode), string(req.Scope.Kind))
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		return Result{}, apperrors.NewPolicyError(
			fmt.Sprintf("redaction mode %s is not permitted for scope %s", req.RequestedMode, req.Scope.Kind)).
			WithCode(apperrors.CodePolicy)
	}

	var missing []MissingEvidence

	diags, err := e.resolveDiagnostics(ctx, req.Scope)
	if err != nil {
		return Result{}, err
	}
	if req.Scope.Kind == ScopeProblem && len(diags) == 0 {
		missing = append(missing, MissingEvidence{
			Kind: "diagnostic", ID: req.Scope.Fingerprint,
			Reason: "no diagnostics matched the scoped fingerprint",
		})
	}

	events, eventsMissing, err := e.resolveEvents(ctx, req.Scope)
	if err != nil {
		return Result{}, err
	}
	if eventsMissing != nil {
		missing = append(missing, *eventsMissing)
	}

	jobRecords, jobsMissing, err := e.resolveJobs(ctx, req.Scope, diags, events)
	if err != nil {
		return Result{}, err
	}
	missing = append(missing, jobsMissing...)

	bundleID := uuid.New()
	exportID := uuid.New()
	generatedAt := time.Now().UTC()

	tree, err := buildFileTree(bundleID, exportID, req.Scope, req.RequestedMode, diags, events, jobRecords, missing, generatedAt)
	if err != nil {
		return Result{}, err
	}

	// The index covers every evidence file; bundle_index.json and
	// bundle_manifest.json are excluded from it per §3, and neither is in
	// the tree yet at this point.
	entries, _, err := bundleindex.Build(rawEntries(tree), hashExcludePaths)
	if err != nil {
		return Result{}, err
	}
	indexJSON, err := bundleindex.CanonicalJSON(entries)
	if err != nil {
		return Result{}, err
	}
	bundleHash := idgen.SHA256Hex(indexJSON)
	tree["bundle_index.json"] = indexJSON

	bm := buildBundleManifest(bundleID, req.Scope, req.RequestedMode, tree, jobRecords, missing, generatedAt, bundleHash, len(diags), len(events), len(jobRecords))
	if err := putJSON(tree, "bundle_manifest.json", bm); err != nil {
		return Result{}, err
	}

	zipBytes, err := buildZip(tree)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		BundleID: bundleID, ExportID: exportID, BundleHash: bundleHash,
		RedactionMode: req.RequestedMode, MissingEvidence: missing,
		DiagnosticCount: len(diags), EventCount: len(events), JobCount: len(jobRecords),
		ZipBytes: zipBytes,
	}

	if req.OutputDir != "" {
		bundleDirRel := fmt.Sprintf("bundle-%s", bundleID)
		if err := atomic.WriteTree(req.OutputDir, bundleDirRel, tree, false); err != nil {
			return Result{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "materialize bundle directory").WithCode(apperrors.CodeIO)
		}
		zipRel := fmt.Sprintf("%s.zip", bundleID)
		if err := atomic.Write(req.OutputDir, zipRel, zipBytes, false); err != nil {
			return Result{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "materialize bundle zip").WithCode(apperrors.CodeZip)
		}
		res.BundleDir = fmt.Sprintf("%s/%s", req.OutputDir, bundleDirRel)
		res.ZipPath = fmt.Sprintf("%s/%s", req.OutputDir, zipRel)
	}

	classification := manifest.ClassificationLow
	exportable := true
	var ttl *int
	switch req.RequestedMode {
	case RedactionWorkspace:
		classification = manifest.ClassificationMedium
		days := 30
		ttl = &days
	case RedactionFullLocal:
		classification = manifest.ClassificationHigh
		exportable = false
		days := 30
		ttl = &days
	}

	var artifactHandles []string
	if e.artifacts != nil {
		m := &manifest.Manifest{
			ArtifactID:       bundleID,
			Layer:            manifest.LayerL4,
			Kind:             manifest.KindBundle,
			MIME:             "application/zip",
			FilenameHint:     fmt.Sprintf("%s.zip", bundleID),
			CreatedAt:        generatedAt,
			Classification:   classification,
			Exportable:       exportable,
			RetentionTTLDays: ttl,
		}
		if err := e.artifacts.WriteTree(ctx, m, tree, []string{"bundle_index.json", "bundle_manifest.json"}); err != nil {
			return Result{}, err
		}
		artifactHandles = append(artifactHandles, fmt.Sprintf("%s/%s", manifest.LayerL4, bundleID))
	}

	res.Record = buildExportRecord(exportID, req, diags, jobRecords, bundleHash, res, artifactHandles, generatedAt)

	if err := e.emit(ctx, flightrecorder.EventDebugBundleExport, map[string]interface{}{
		"bundle_id":      bundleID.String(),
		"redaction_mode": string(req.RequestedMode),
		"bundle_hash":    bundleHash,
	}); err != nil {
		return Result{}, err
	}
	recordPayload, err := exportRecordPayload(res.Record)
	if err != nil {
		return Result{}, err
	}
	if err := e.emit(ctx, flightrecorder.EventGovernancePackExport, map[string]interface{}{
		"export_id":     exportID.String(),
		"bundle_id":     bundleID.String(),
		"export_record": recordPayload,
	}); err != nil {
		return Result{}, err
	}
	logrus.WithFields(logging.BundleFields("export", bundleID.String(), string(req.RequestedMode)).ToLogrus()).
		Info("debug bundle exported")

	return res, nil
}

func buildExportRecord(
	exportID uuid.UUID,
	req Request,
	diags []diagnostics.Diagnostic,
	jobRecords []jobs.Job,
	bundleHash string,
	res Result,
	artifactHandles []string,
	generatedAt time.Time,
) ExportRecord {
	refs := make([]SourceRef, 0, len(diags)+len(jobRecords))
	for _, d := range diags {
		refs = append(refs, SourceRef{Kind: "diagnostic", ID: d.ID.String(), Hash: d.Fingerprint})
	}
	for _, j := range jobRecords {
		refs = append(refs, SourceRef{Kind: "ai_job", ID: j.JobID.String()})
	}

	configHash := idgen.SHA256Hex([]byte(string(req.Scope.Kind) + "|" + string(req.RequestedMode)))
	target := "artifact_store"
	var materialized []string
	if res.BundleDir != "" {
		target = req.OutputDir
		materialized = []string{res.BundleDir, res.ZipPath}
	}

	var redactions []string
	switch req.RequestedMode {
	case RedactionSafeDefault:
		redactions = []string{"payload_hash_substitution", "preview_strip"}
	case RedactionWorkspace:
		redactions = []string{"payload_preview_truncation"}
	}

	var warnings []string
	for _, m := range res.MissingEvidence {
		warnings = append(warnings, fmt.Sprintf("missing %s %s: %s", m.Kind, m.ID, m.Reason))
	}

	return ExportRecord{
		ExportID:  exportID.String(),
		CreatedAt: generatedAt,
		Actor:     "bundle_exporter",
		SourceRefs: refs,
		ExportFormat: "debug_bundle_zip_v1",
		Exporter: ExporterInfo{
			EngineID: engineID, EngineVersion: engineVersion, ConfigHash: configHash,
		},
		DeterminismLevel:      "bundle_index_v1",
		ExportTarget:          target,
		PolicyID:              "redaction_policy_v1",
		RedactionsApplied:     redactions,
		OutputArtifactHandles: artifactHandles,
		MaterializedPaths:     materialized,
		Warnings:              warnings,
		Errors:                []string{},
	}
}

// exportRecordPayload round-trips the record through JSON so the event
// payload holds only plain map/slice/string values, the shape the payload
// validators and NFC normalizer walk.
func exportRecordPayload(rec ExportRecord) (map[string]interface{}, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal export record %s", rec.ExportID)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "decode export record %s", rec.ExportID)
	}
	return out, nil
}

func (e *Exporter) resolveDiagnostics(ctx context.Context, scope Scope) ([]diagnostics.Diagnostic, error) {
	if e.diagnostics == nil {
		return nil, nil
	}
	var filter diagnostics.Filter
	switch scope.Kind {
	case ScopeProblem:
		filter = diagnostics.Filter{Fingerprint: scope.Fingerprint, Limit: diagnostics.MaxListLimit}
	case ScopeJob:
		filter = diagnostics.Filter{JobID: scope.JobID, Limit: diagnostics.MaxListLimit}
	case ScopeTimeWindow:
		filter = diagnostics.Filter{WorkspaceID: scope.WorkspaceID, Since: &scope.Start, Until: &scope.End, Limit: diagnostics.MaxListLimit}
	case ScopeWorkspace:
		filter = diagnostics.Filter{WorkspaceID: scope.WorkspaceID, Limit: diagnostics.MaxListLimit}
	}
	diags, err := e.diagnostics.ListDiagnostics(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(diags, func(i, j int) bool {
		if diags[i].Timestamp.Equal(diags[j].Timestamp) {
			return diags[i].ID.String() < diags[j].ID.String()
		}
		return diags[i].Timestamp.Before(diags[j].Timestamp)
	})
	return diags, nil
}

func (e *Exporter) resolveEvents(ctx context.Context, scope Scope) ([]flightrecorder.Envelope, *MissingEvidence, error) {
	if e.recorder == nil {
		return nil, nil, nil
	}

	var filter flightrecorder.ListFilter
	useExportCap := false
	switch scope.Kind {
	case ScopeJob:
		filter = flightrecorder.ListFilter{JobID: scope.JobID, Limit: flightrecorder.MaxListLimit}
	case ScopeTimeWindow:
		since, until := scope.Start, scope.End
		filter = flightrecorder.ListFilter{Since: &since, Until: &until, Limit: flightrecorder.MaxExportListLimit}
		useExportCap = true
	case ScopeWorkspace:
		filter = flightrecorder.ListFilter{Limit: flightrecorder.MaxExportListLimit}
		useExportCap = true
	default:
		return nil, nil, nil
	}

	// TimeWindow/Workspace scopes cap at the much larger export-only limit
	// (spec.md §4.14); a bare Job scope keeps using the general list_events
	// path, since events for a single job are already bounded by the job
	// itself, not by history depth.
	var events []flightrecorder.Envelope
	var err error
	if useExportCap {
		events, err = e.recorder.ListEventsForExport(ctx, filter)
	} else {
		events, err = e.recorder.ListEvents(ctx, filter)
	}
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].EventID.String() < events[j].EventID.String()
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	var missing *MissingEvidence
	if (scope.Kind == ScopeTimeWindow || scope.Kind == ScopeWorkspace) && len(events) >= eventOverflowCap {
		missing = &MissingEvidence{
			Kind:   "event_limit",
			ID:     string(scope.Kind),
			Reason: fmt.Sprintf("event count reached the %d-event retrieval cap; additional events may exist and were not included", eventOverflowCap),
		}
	}
	return events, missing, nil
}

func (e *Exporter) resolveJobs(ctx context.Context, scope Scope, diags []diagnostics.Diagnostic, events []flightrecorder.Envelope) ([]jobs.Job, []MissingEvidence, error) {
	if e.jobsDB == nil {
		return nil, nil, nil
	}

	ids := map[string]bool{}
	if scope.Kind == ScopeJob && scope.JobID != "" {
		ids[scope.JobID] = true
	}
	for _, d := range diags {
		if d.JobID != "" {
			ids[d.JobID] = true
		}
	}
	for _, ev := range events {
		if ev.JobID != "" {
			ids[ev.JobID] = true
		}
	}

	var out []jobs.Job
	var missing []MissingEvidence
	for id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			missing = append(missing, MissingEvidence{Kind: "ai_job", ID: id, Reason: "referenced job id is not a uuid"})
			continue
		}
		j, err := e.jobsDB.GetAIJob(ctx, parsed)
		if err != nil {
			if apperrors.GetType(err) == apperrors.ErrorTypeNotFound {
				missing = append(missing, MissingEvidence{Kind: "ai_job", ID: id, Reason: "referenced job not found"})
				continue
			}
			return nil, nil, err
		}
		out = append(out, *j)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID.String() < out[j].JobID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	sort.Slice(missing, func(i, j int) bool { return missing[i].ID < missing[j].ID })
	return out, missing, nil
}

func (e *Exporter) emit(ctx context.Context, eventType flightrecorder.EventType, payload map[string]interface{}) error {
	if e.recorder == nil {
		return nil
	}
	return e.recorder.RecordEvent(ctx, &flightrecorder.Envelope{
		EventID: uuid.New(), TraceID: uuid.New(), Timestamp: time.Now().UTC(),
		Actor: flightrecorder.ActorSystem, ActorID: "bundle_exporter",
		EventType: eventType, Payload: payload,
	})
}

// redactionTruncate bounds s to at most n bytes, appending a marker when it
// had to cut.
func redactionTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// redactValue applies mode to an arbitrary JSON-able value: SAFE_DEFAULT
// collapses it to a hash-addressed marker, WORKSPACE serializes then
// truncates to a bounded preview, FULL_LOCAL passes it through verbatim.
func redactValue(v interface{}, mode RedactionMode, previewLimit int) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(`"<unserializable>"`)
	}
	switch mode {
	case RedactionSafeDefault:
		return fmt.Sprintf("[REDACTED:payload_hash:%s]", idgen.SHA256Hex(raw))
	case RedactionWorkspace:
		return redactionTruncate(string(raw), previewLimit)
	default:
		return v
	}
}

type bundleEvent struct {
	EventID    string      `json:"event_id"`
	TraceID    string      `json:"trace_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Actor      string      `json:"actor"`
	ActorID    string      `json:"actor_id"`
	EventType  string      `json:"event_type"`
	JobID      string      `json:"job_id,omitempty"`
	WorkflowID string      `json:"workflow_id,omitempty"`
	Payload    interface{} `json:"payload"`
}

type bundleJob struct {
	JobID     string      `json:"job_id"`
	JobKind   string      `json:"job_kind"`
	State     string      `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Inputs    interface{} `json:"inputs,omitempty"`
	Outputs   interface{} `json:"outputs,omitempty"`
}

// jobsFileName returns job.json for a Job scope (a single job object) and
// jobs.json (an array) for every other scope, per §4.14's canonical file
// set.
func jobsFileName(scope Scope) string {
	if scope.Kind == ScopeJob {
		return "job.json"
	}
	return "jobs.json"
}

// buildFileTree produces the canonical bundle file set minus the two
// derived files (bundle_index.json, bundle_manifest.json), keyed by
// relative path, redacted per mode.
func buildFileTree(
	bundleID, exportID uuid.UUID,
	scope Scope,
	mode RedactionMode,
	diags []diagnostics.Diagnostic,
	events []flightrecorder.Envelope,
	jobRecords []jobs.Job,
	missing []MissingEvidence,
	generatedAt time.Time,
) (map[string][]byte, error) {
	tree := map[string][]byte{}

	env := map[string]interface{}{
		"bundle_id":      bundleID.String(),
		"export_id":      exportID.String(),
		"scope_kind":     string(scope.Kind),
		"redaction_mode": string(mode),
		"generated_at":   generatedAt,
		"platform":       runtime.GOOS + "/" + runtime.GOARCH,
		"workspace_id":   scope.WorkspaceID,
	}
	if err := putJSON(tree, "env.json", env); err != nil {
		return nil, err
	}

	var diagLines bytes.Buffer
	for _, d := range diags {
		line, err := json.Marshal(d)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal diagnostic %s", d.ID)
		}
		diagLines.Write(line)
		diagLines.WriteByte('\n')
	}
	tree["diagnostics.jsonl"] = diagLines.Bytes()

	var traceLines bytes.Buffer
	for _, ev := range events {
		be := bundleEvent{
			EventID: ev.EventID.String(), TraceID: ev.TraceID.String(), Timestamp: ev.Timestamp,
			Actor: string(ev.Actor), ActorID: ev.ActorID, EventType: string(ev.EventType),
			JobID: ev.JobID, WorkflowID: ev.WorkflowID,
			Payload: redactValue(ev.Payload, mode, 500),
		}
		line, err := json.Marshal(be)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal event %s", ev.EventID)
		}
		traceLines.Write(line)
		traceLines.WriteByte('\n')
	}
	tree["trace.jsonl"] = traceLines.Bytes()

	bjobs := make([]bundleJob, 0, len(jobRecords))
	for _, j := range jobRecords {
		bjobs = append(bjobs, bundleJob{
			JobID: j.JobID.String(), JobKind: string(j.JobKind), State: string(j.State),
			CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
			Inputs:  redactValue(j.Inputs, mode, 200),
			Outputs: redactValue(j.Outputs, mode, 200),
		})
	}
	if scope.Kind == ScopeJob {
		// A Job scope carries the scoped job as a single object; any other
		// jobs it transitively references still appear in the export
		// record's source refs but not in job.json.
		var scoped interface{}
		for _, bj := range bjobs {
			if bj.JobID == scope.JobID {
				scoped = bj
				break
			}
		}
		if err := putJSON(tree, "job.json", scoped); err != nil {
			return nil, err
		}
	} else {
		if err := putJSON(tree, "jobs.json", bjobs); err != nil {
			return nil, err
		}
	}

	if err := putJSON(tree, "retention_report.json", map[string]interface{}{
		"redaction_mode":     string(mode),
		"retention_ttl_days": retentionDaysFor(mode),
	}); err != nil {
		return nil, err
	}

	fieldsRedacted := 0
	if mode != RedactionFullLocal {
		fieldsRedacted = len(events) + len(jobRecords)*2
	}
	if err := putJSON(tree, "redaction_report.json", map[string]interface{}{
		"redaction_mode":    string(mode),
		"events_considered": len(events),
		"jobs_considered":   len(jobRecords),
		"fields_redacted":   fieldsRedacted,
		"missing_evidence":  missing,
	}); err != nil {
		return nil, err
	}

	tree["repro.md"] = []byte(reproMarkdown(scope, diags, jobRecords))
	tree["coder_prompt.md"] = []byte(coderPromptMarkdown(scope, diags, jobRecords, mode))

	return tree, nil
}

func buildBundleManifest(
	bundleID uuid.UUID,
	scope Scope,
	mode RedactionMode,
	tree map[string][]byte,
	jobRecords []jobs.Job,
	missing []MissingEvidence,
	generatedAt time.Time,
	bundleHash string,
	diagCount, eventCount, jobCount int,
) BundleManifest {
	redactedFiles := map[string]bool{}
	if mode != RedactionFullLocal {
		redactedFiles["trace.jsonl"] = true
		redactedFiles[jobsFileName(scope)] = true
	}

	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	files := make([]FileEntry, 0, len(paths))
	for _, p := range paths {
		files = append(files, FileEntry{
			Path: p, SHA256: idgen.SHA256Hex(tree[p]), SizeBytes: int64(len(tree[p])),
			Redacted: redactedFiles[p],
		})
	}

	bm := BundleManifest{
		SchemaVersion: bundleSchemaVersion,
		BundleID:      bundleID.String(),
		Kind:          "debug_bundle",
		CreatedAt:     generatedAt,
		Scope:         scopeRecord(scope),
		RedactionMode: string(mode),
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		Files:         files,
		IncludedDiags: diagCount, IncludedEvents: eventCount, IncludedJobs: jobCount,
		MissingEvidence: missing,
		BundleHash:      bundleHash,
	}
	if scope.Kind == ScopeJob {
		bm.JobID = scope.JobID
		for _, j := range jobRecords {
			if j.JobID.String() == scope.JobID {
				bm.WorkflowRunID = j.WorkflowRunID
				break
			}
		}
	}
	return bm
}

func retentionDaysFor(mode RedactionMode) int {
	switch mode {
	case RedactionWorkspace, RedactionFullLocal:
		return 30
	default:
		return 0
	}
}

func putJSON(tree map[string][]byte, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal %s", path)
	}
	tree[path] = data
	return nil
}

func reproMarkdown(scope Scope, diags []diagnostics.Diagnostic, jobRecords []jobs.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Repro — %s scope\n\n", scope.Kind)
	if len(diags) > 0 {
		fmt.Fprintf(&b, "## Leading diagnostic\n\n%s: %s\n\n", diags[0].Title, diags[0].Message)
	}
	if len(jobRecords) > 0 {
		fmt.Fprintf(&b, "## Jobs involved\n\n")
		for _, j := range jobRecords {
			fmt.Fprintf(&b, "- %s (%s) — %s\n", j.JobID, j.JobKind, j.State)
		}
	}
	return b.String()
}

func coderPromptMarkdown(scope Scope, diags []diagnostics.Diagnostic, jobRecords []jobs.Job, mode RedactionMode) string {
	var b strings.Builder
	b.WriteString("# Coder prompt\n\n")
	fmt.Fprintf(&b, "Redaction mode: %s\n\n", mode)
	fmt.Fprintf(&b, "%d diagnostic(s), %d job(s) in scope.\n", len(diags), len(jobRecords))
	for _, d := range diags {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", d.Title, d.Message)
	}
	return b.String()
}

// hashExcludePaths names the two derived files the bundle index never
// covers: the index cannot include itself, and the manifest embeds the
// bundle_hash computed from the index, so both sit outside the hash per §3.
var hashExcludePaths = map[string]bool{
	"bundle_index.json": true, "bundle_manifest.json": true,
}

func rawEntries(tree map[string][]byte) []bundleindex.RawEntry {
	raw := make([]bundleindex.RawEntry, 0, len(tree))
	for p, b := range tree {
		raw = append(raw, bundleindex.RawEntry{RelPath: p, Bytes: b})
	}
	return raw
}

// zipEpoch is the fixed modification time stamped on every zip entry so the
// archive's bytes depend only on the bundle's paths and content, never on
// wall-clock time.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// buildZip writes tree into a deterministic zip archive: sorted entry
// order, a fixed modification time, and deflate compression throughout.
func buildZip(tree map[string][]byte) ([]byte, error) {
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	// §4.14/§6: "deflate level 6" is a specific compression level, not just
	// "deflate" — the zip package's built-in Deflate compressor uses flate's
	// DefaultCompression, so register one pinned to level 6 explicitly.
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, 6)
	})
	for _, p := range paths {
		hdr := &zip.FileHeader{Name: p, Method: zip.Deflate}
		hdr.SetModTime(zipEpoch)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, apperrors.WrapOpf(err, "create zip entry %q", p)
		}
		if _, err := w.Write(tree[p]); err != nil {
			return nil, apperrors.WrapOpf(err, "write zip entry %q", p)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, apperrors.WrapOpf(err, "close zip writer")
	}
	return buf.Bytes(), nil
}
