package sqlitedb

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/pkg/jobs"
	"github.com/handshake-core/handshake/pkg/storageguard"
)

// systemWctx is the provenance context these specs write under: a system
// actor never needs job_id/workflow_id, so it's the simplest WriteContext
// that always passes storageguard.ValidateWrite.
var systemWctx = storageguard.WriteContext{ActorKind: storageguard.ActorSystem, ActorID: "test"}

func newTestDB(t *testing.T) jobs.Database {
	t.Helper()
	backend, db, err := Open("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return backend
}

func TestCreateAndGetAIJob(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	j := &jobs.Job{
		TraceID:    uuid.New(),
		JobKind:    jobs.JobKindCodeAnalysis,
		ProtocolID: "code_review_v1",
		ProfileID:  "code_review_v1",
		AccessMode: jobs.AccessAnalysisOnly,
		SafetyMode: jobs.SafetyNormal,
		Inputs:     map[string]interface{}{"path": "foo.rs"},
	}
	if err := db.CreateAIJob(ctx, systemWctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.JobID == uuid.Nil {
		t.Fatal("expected job_id to be assigned")
	}
	if j.State != jobs.StateQueued {
		t.Fatalf("expected default state queued, got %s", j.State)
	}

	got, err := db.GetAIJob(ctx, j.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Inputs["path"] != "foo.rs" {
		t.Fatalf("expected inputs to round-trip, got %v", got.Inputs)
	}
}

func TestCreateAIJob_RejectsBrokenContract(t *testing.T) {
	db := newTestDB(t)
	j := &jobs.Job{JobKind: jobs.JobKindMicroTaskExecution, ProfileID: "x", ProtocolID: "x"}
	if err := db.CreateAIJob(context.Background(), systemWctx, j); err == nil {
		t.Fatal("expected contract violation to be rejected")
	}
}

func TestUpdateAIJobStatus_EnforcesTransitions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	j := &jobs.Job{TraceID: uuid.New(), JobKind: jobs.JobKindCodeAnalysis, ProtocolID: "p", ProfileID: "p",
		AccessMode: jobs.AccessAnalysisOnly, SafetyMode: jobs.SafetyNormal}
	if err := db.CreateAIJob(ctx, systemWctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	running := jobs.StateRunning
	if err := db.UpdateAIJobStatus(ctx, systemWctx, j.JobID, jobs.JobUpdate{State: &running}); err != nil {
		t.Fatalf("transition to running: %v", err)
	}

	completed := jobs.StateCompleted
	if err := db.UpdateAIJobStatus(ctx, systemWctx, j.JobID, jobs.JobUpdate{State: &completed}); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}

	queued := jobs.StateQueued
	if err := db.UpdateAIJobStatus(ctx, systemWctx, j.JobID, jobs.JobUpdate{State: &queued}); err == nil {
		t.Fatal("expected terminal job to reject further transitions")
	}
}

func TestUpdateAIJobStatus_RejectsAIActorWithoutProvenance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	j := &jobs.Job{TraceID: uuid.New(), JobKind: jobs.JobKindCodeAnalysis, ProtocolID: "p", ProfileID: "p",
		AccessMode: jobs.AccessAnalysisOnly, SafetyMode: jobs.SafetyNormal}
	if err := db.CreateAIJob(ctx, systemWctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	running := jobs.StateRunning
	aiWctx := storageguard.WriteContext{ActorKind: storageguard.ActorAI, ActorID: "agent_1"}
	if err := db.UpdateAIJobStatus(ctx, aiWctx, j.JobID, jobs.JobUpdate{State: &running}); err == nil {
		t.Fatal("expected AI actor write without job_id/workflow_id to be rejected as a silent edit")
	}
}

func TestListAIJobs_FiltersByState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		j := &jobs.Job{TraceID: uuid.New(), JobKind: jobs.JobKindCodeAnalysis, ProtocolID: "p", ProfileID: "p",
			AccessMode: jobs.AccessAnalysisOnly, SafetyMode: jobs.SafetyNormal}
		if err := db.CreateAIJob(ctx, systemWctx, j); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	running := jobs.StateRunning
	all, _ := db.ListAIJobs(ctx, jobs.JobFilter{})
	if err := db.UpdateAIJobStatus(ctx, systemWctx, all[0].JobID, jobs.JobUpdate{State: &running}); err != nil {
		t.Fatalf("update: %v", err)
	}

	queuedOnly, err := db.ListAIJobs(ctx, jobs.JobFilter{State: jobs.StateQueued})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queuedOnly) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", len(queuedOnly))
	}
}

func TestWorkflowRunHeartbeatAndStalled(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	j := &jobs.Job{TraceID: uuid.New(), JobKind: jobs.JobKindCodeAnalysis, ProtocolID: "p", ProfileID: "p",
		AccessMode: jobs.AccessAnalysisOnly, SafetyMode: jobs.SafetyNormal}
	if err := db.CreateAIJob(ctx, systemWctx, j); err != nil {
		t.Fatalf("create job: %v", err)
	}

	run := &jobs.WorkflowRun{JobID: j.JobID, Status: jobs.StateRunning, LastHeartbeat: time.Now().UTC().Add(-time.Hour)}
	if err := db.CreateWorkflowRun(ctx, systemWctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	stalled, err := db.FindStalledWorkflows(ctx, 30, time.Now().UTC())
	if err != nil {
		t.Fatalf("find stalled: %v", err)
	}
	if len(stalled) != 1 {
		t.Fatalf("expected 1 stalled workflow, got %d", len(stalled))
	}

	if err := db.HeartbeatWorkflow(ctx, run.ID, time.Now().UTC()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	stalled, err = db.FindStalledWorkflows(ctx, 30, time.Now().UTC())
	if err != nil {
		t.Fatalf("find stalled after heartbeat: %v", err)
	}
	if len(stalled) != 0 {
		t.Fatalf("expected 0 stalled workflows after heartbeat, got %d", len(stalled))
	}
}

func TestPruneAIJobs_RespectsMinVersionsWindow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-90 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		j := &jobs.Job{TraceID: uuid.New(), JobKind: jobs.JobKindCodeAnalysis, ProtocolID: "p", ProfileID: "p",
			AccessMode: jobs.AccessAnalysisOnly, SafetyMode: jobs.SafetyNormal, CreatedAt: old}
		if err := db.CreateAIJob(ctx, systemWctx, j); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		running := jobs.StateRunning
		if err := db.UpdateAIJobStatus(ctx, systemWctx, j.JobID, jobs.JobUpdate{State: &running}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		completed := jobs.StateCompleted
		if err := db.UpdateAIJobStatus(ctx, systemWctx, j.JobID, jobs.JobUpdate{State: &completed}); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	report, err := db.PruneAIJobs(ctx, time.Now().UTC().Add(-24*time.Hour), 1, false)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.Pruned != 2 {
		t.Fatalf("expected 2 pruned (keeping minVersions=1), got %d", report.Pruned)
	}

	remaining, err := db.ListAIJobs(ctx, jobs.JobFilter{})
	if err != nil {
		t.Fatalf("list after prune: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 job remaining, got %d", len(remaining))
	}
}
