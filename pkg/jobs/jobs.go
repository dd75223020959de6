// Package jobs implements the AI-job state machine, workflow-run
// heartbeating, stalled-workflow detection, and bounded pruning (C13),
// against a Database port with two interchangeable backends
// (pkg/jobs/sqlitedb, pkg/jobs/pgdb).
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/storageguard"
)

type JobState string

const (
	StateQueued               JobState = "queued"
	StateRunning              JobState = "running"
	StateStalled              JobState = "stalled"
	StateAwaitingValidation   JobState = "awaiting_validation"
	StateAwaitingUser         JobState = "awaiting_user"
	StateCompleted            JobState = "completed"
	StateCompletedWithIssues  JobState = "completed_with_issues"
	StateFailed               JobState = "failed"
	StateCancelled            JobState = "cancelled"
	StatePoisoned             JobState = "poisoned"
)

// terminalStates are states a job never leaves.
var terminalStates = map[JobState]bool{
	StateCompleted: true, StateCompletedWithIssues: true,
	StateFailed: true, StateCancelled: true, StatePoisoned: true,
}

// IsTerminal reports whether s is one of the terminal states.
func IsTerminal(s JobState) bool { return terminalStates[s] }

// reachableFrom enumerates the states a job in state s may transition into,
// per spec.md §4.13's linear-with-limited-reentrancy machine. Transitioning
// to the same state is always allowed (idempotent).
var reachableFrom = map[JobState]map[JobState]bool{
	StateQueued: {
		StateRunning: true, StateCancelled: true,
	},
	StateRunning: {
		StateAwaitingUser: true, StateAwaitingValidation: true, StateStalled: true,
		StateCompleted: true, StateCompletedWithIssues: true, StateFailed: true,
		StateCancelled: true, StatePoisoned: true,
	},
	StateAwaitingUser: {
		StateRunning: true, StateCancelled: true, StateFailed: true,
	},
	StateAwaitingValidation: {
		StateRunning: true, StateCompleted: true, StateCompletedWithIssues: true, StateFailed: true,
	},
	StateStalled: {
		StateRunning: true, StateFailed: true, StatePoisoned: true, StateCancelled: true,
	},
}

// CanTransition reports whether a job may move from `from` to `to`.
// Transitions within the same terminal-state class (to == from) are always
// idempotent, per spec.md §4.13 and §5.
func CanTransition(from, to JobState) bool {
	if from == to {
		return true
	}
	if IsTerminal(from) {
		return false
	}
	return reachableFrom[from][to]
}

type JobKind string

const (
	JobKindMicroTaskExecution JobKind = "micro_task_execution"
	JobKindCodeAnalysis       JobKind = "code_analysis"
	JobKindRefactor           JobKind = "refactor"
	JobKindDocumentGeneration JobKind = "document_generation"
	JobKindTestGeneration     JobKind = "test_generation"
	JobKindSupplyChainScan    JobKind = "supply_chain_scan"
)

type AccessMode string

const (
	AccessAnalysisOnly AccessMode = "analysis_only"
	AccessPreviewOnly  AccessMode = "preview_only"
	AccessApplyScoped  AccessMode = "apply_scoped"
)

type SafetyMode string

const (
	SafetyStrict       SafetyMode = "strict"
	SafetyNormal       SafetyMode = "normal"
	SafetyExperimental SafetyMode = "experimental"
)

// microTaskExecutorV1 is the only profile/protocol pairing the
// micro_task_execution contract invariant permits.
const microTaskExecutorV1 = "micro_task_executor_v1"

// Job is the §3 AI Job entity.
type Job struct {
	JobID               uuid.UUID              `json:"job_id"`
	TraceID             uuid.UUID              `json:"trace_id"`
	WorkflowRunID       string                 `json:"workflow_run_id,omitempty"`
	JobKind             JobKind                `json:"job_kind"`
	State               JobState               `json:"state"`
	ProtocolID          string                 `json:"protocol_id"`
	ProfileID           string                 `json:"profile_id"`
	CapabilityProfileID string                 `json:"capability_profile_id"`
	AccessMode          AccessMode             `json:"access_mode"`
	SafetyMode          SafetyMode             `json:"safety_mode"`
	EntityRefs          []string               `json:"entity_refs,omitempty"`
	PlannedOperations   []string               `json:"planned_operations,omitempty"`
	Metrics             map[string]interface{} `json:"metrics,omitempty"`
	Inputs              map[string]interface{} `json:"inputs,omitempty"`
	Outputs             map[string]interface{} `json:"outputs,omitempty"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	Pinned              bool                   `json:"pinned,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// ValidateContract enforces spec.md §3's invariant:
// job_kind=micro_task_execution ⇔ profile_id = protocol_id = "micro_task_executor_v1".
func ValidateContract(j *Job) error {
	isExecutorPair := j.ProfileID == microTaskExecutorV1 && j.ProtocolID == microTaskExecutorV1
	isMicroTask := j.JobKind == JobKindMicroTaskExecution

	if isMicroTask && !isExecutorPair {
		return apperrors.NewValidationError(
			"job_kind=micro_task_execution requires both profile_id and protocol_id to be micro_task_executor_v1").
			WithCode(apperrors.CodeValidation)
	}
	if isExecutorPair && !isMicroTask {
		return apperrors.NewValidationError(
			"profile_id/protocol_id=micro_task_executor_v1 requires job_kind=micro_task_execution").
			WithCode(apperrors.CodeValidation)
	}
	// Reject the case where exactly one of profile_id/protocol_id names the
	// executor — a partial match can never satisfy the ⇔.
	oneSided := (j.ProfileID == microTaskExecutorV1) != (j.ProtocolID == microTaskExecutorV1)
	if oneSided {
		return apperrors.NewValidationError(
			"micro_task_executor_v1 must appear in both profile_id and protocol_id, or neither").
			WithCode(apperrors.CodeValidation)
	}
	return nil
}

// WorkflowRun is the §3 Workflow Run entity.
type WorkflowRun struct {
	ID            string    `json:"id"`
	JobID         uuid.UUID `json:"job_id"`
	Status        JobState  `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsStalled reports whether a run in "running" status has gone silent for
// longer than threshold as of now — spec.md §4.13 / Testable Property 12.
func IsStalled(run WorkflowRun, now time.Time, threshold time.Duration) bool {
	return run.Status == StateRunning && now.Sub(run.LastHeartbeat) > threshold
}

// JobUpdate is a partial, null-preserving update: only non-nil fields are
// applied, per spec.md §4.13's update_ai_job_status.
type JobUpdate struct {
	State         *JobState
	WorkflowRunID *string
	TraceID       *uuid.UUID
	Metrics       map[string]interface{}
	ErrorMessage  *string
	Outputs       map[string]interface{}
}

// PruneReport summarizes a prune_ai_jobs call.
type PruneReport struct {
	Scanned     int
	Pruned      int
	SparedPinned int
	SparedWindow int
	BytesFreed  int64
	DryRun      bool
}

// Database is the relational store port §6 names for jobs/workflow runs
// (plus workspace/document/block/bronze/silver/embedding-registry CRUD,
// defined alongside it in pkg/workspace and pkg/pipeline's repositories).
// CreateAIJob, UpdateAIJobStatus, CreateWorkflowRun and
// UpdateWorkflowRunStatus take a storageguard.WriteContext, and their
// implementation calls storageguard.ValidateWrite before the row is
// written. HeartbeatWorkflow and PruneAIJobs also write rows but take no
// WriteContext and do not pass through the guard.
type Database interface {
	CreateAIJob(ctx context.Context, wctx storageguard.WriteContext, j *Job) error
	GetAIJob(ctx context.Context, jobID uuid.UUID) (*Job, error)
	UpdateAIJobStatus(ctx context.Context, wctx storageguard.WriteContext, jobID uuid.UUID, update JobUpdate) error
	ListAIJobs(ctx context.Context, filter JobFilter) ([]Job, error)

	CreateWorkflowRun(ctx context.Context, wctx storageguard.WriteContext, run *WorkflowRun) error
	UpdateWorkflowRunStatus(ctx context.Context, wctx storageguard.WriteContext, id string, status JobState, errorMessage string) error
	HeartbeatWorkflow(ctx context.Context, id string, now time.Time) error
	FindStalledWorkflows(ctx context.Context, thresholdSecs int, now time.Time) ([]WorkflowRun, error)

	PruneAIJobs(ctx context.Context, cutoff time.Time, minVersions int, dryRun bool) (PruneReport, error)
}

// JobFilter bounds a ListAIJobs query.
type JobFilter struct {
	State   JobState
	JobKind JobKind
	Limit   int
}
