// Package dbshared implements the jobs.Database port once, against a
// *sqlx.DB, using sqlx.Rebind so the same query text runs unmodified
// against both the sqlite and Postgres backends (pkg/jobs/sqlitedb,
// pkg/jobs/pgdb) — spec.md §9's "trait-object over storage backends",
// applied without duplicating the SQL twice.
package dbshared

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/jobs"
	"github.com/handshake-core/handshake/pkg/shared/logging"
	"github.com/handshake-core/handshake/pkg/storageguard"
)

const schema = `
CREATE TABLE IF NOT EXISTS ai_jobs (
	job_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	workflow_run_id TEXT,
	job_kind TEXT NOT NULL,
	state TEXT NOT NULL,
	protocol_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	capability_profile_id TEXT,
	access_mode TEXT NOT NULL,
	safety_mode TEXT NOT NULL,
	entity_refs TEXT,
	planned_operations TEXT,
	metrics TEXT,
	inputs TEXT,
	outputs TEXT,
	error_message TEXT,
	pinned INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_runs (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	status TEXT NOT NULL,
	last_heartbeat TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

type jobRow struct {
	JobID               string         `db:"job_id"`
	TraceID             string         `db:"trace_id"`
	WorkflowRunID       sql.NullString `db:"workflow_run_id"`
	JobKind             string         `db:"job_kind"`
	State               string         `db:"state"`
	ProtocolID          string         `db:"protocol_id"`
	ProfileID           string         `db:"profile_id"`
	CapabilityProfileID sql.NullString `db:"capability_profile_id"`
	AccessMode          string         `db:"access_mode"`
	SafetyMode          string         `db:"safety_mode"`
	EntityRefs          sql.NullString `db:"entity_refs"`
	PlannedOperations   sql.NullString `db:"planned_operations"`
	Metrics             sql.NullString `db:"metrics"`
	Inputs              sql.NullString `db:"inputs"`
	Outputs             sql.NullString `db:"outputs"`
	ErrorMessage        sql.NullString `db:"error_message"`
	Pinned              bool           `db:"pinned"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
}

type workflowRunRow struct {
	ID            string `db:"id"`
	JobID         string `db:"job_id"`
	Status        string `db:"status"`
	LastHeartbeat string `db:"last_heartbeat"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
}

// DB implements jobs.Database over a *sqlx.DB.
type DB struct {
	db *sqlx.DB
}

// Open ensures the schema exists and wraps db.
func Open(db *sqlx.DB) (*DB, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperrors.WrapOpf(err, "create jobs schema")
	}
	return &DB{db: db}, nil
}

func (d *DB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.db.Rebind(query), args...)
}

// CreateAIJob validates the job contract and inserts a fresh queued job.
// The write is gated by storageguard.ValidateWrite (spec.md §4.5): an AI
// actor missing job_id/workflow_id context is rejected before any row is
// written.
func (d *DB) CreateAIJob(ctx context.Context, wctx storageguard.WriteContext, j *jobs.Job) error {
	if err := jobs.ValidateContract(j); err != nil {
		return err
	}
	if j.JobID == uuid.Nil {
		j.JobID = uuid.New()
	}
	if _, err := storageguard.ValidateWrite(wctx, j.JobID.String(), time.Now().UTC()); err != nil {
		return err
	}
	if j.State == "" {
		j.State = jobs.StateQueued
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	entityRefs, _ := json.Marshal(j.EntityRefs)
	plannedOps, _ := json.Marshal(j.PlannedOperations)
	metrics, _ := json.Marshal(j.Metrics)
	inputs, _ := json.Marshal(j.Inputs)
	outputs, _ := json.Marshal(j.Outputs)

	_, err := d.exec(ctx, `
		INSERT INTO ai_jobs
			(job_id, trace_id, workflow_run_id, job_kind, state, protocol_id, profile_id,
			 capability_profile_id, access_mode, safety_mode, entity_refs, planned_operations,
			 metrics, inputs, outputs, error_message, pinned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID.String(), j.TraceID.String(), nullStr(j.WorkflowRunID), string(j.JobKind), string(j.State),
		j.ProtocolID, j.ProfileID, nullStr(j.CapabilityProfileID), string(j.AccessMode), string(j.SafetyMode),
		string(entityRefs), string(plannedOps), string(metrics), string(inputs), string(outputs),
		nullStr(j.ErrorMessage), boolToInt(j.Pinned), j.CreatedAt.Format(time.RFC3339Nano), j.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.NewDatabaseError("insert ai job", err)
	}
	logrus.WithFields(logging.JobFields("create", j.JobID.String(), j.WorkflowRunID).ToLogrus()).Debug("ai job created")
	return nil
}

// GetAIJob fetches one job by ID.
func (d *DB) GetAIJob(ctx context.Context, jobID uuid.UUID) (*jobs.Job, error) {
	var r jobRow
	err := d.db.GetContext(ctx, &r, d.db.Rebind(`SELECT * FROM ai_jobs WHERE job_id = ?`), jobID.String())
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("ai job")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get ai job", err)
	}
	job, err := r.toJob()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateAIJobStatus applies a partial, null-preserving update: only
// non-nil JobUpdate fields overwrite stored values, per spec.md §4.13.
// The write is gated by storageguard.ValidateWrite, per spec.md §4.5.
func (d *DB) UpdateAIJobStatus(ctx context.Context, wctx storageguard.WriteContext, jobID uuid.UUID, update jobs.JobUpdate) error {
	if _, err := storageguard.ValidateWrite(wctx, jobID.String(), time.Now().UTC()); err != nil {
		return err
	}
	current, err := d.GetAIJob(ctx, jobID)
	if err != nil {
		return err
	}

	if update.State != nil {
		if !jobs.CanTransition(current.State, *update.State) {
			return apperrors.NewValidationError(
				"illegal job state transition " + string(current.State) + " -> " + string(*update.State)).
				WithCode(apperrors.CodeValidation)
		}
		current.State = *update.State
	}
	if update.WorkflowRunID != nil {
		current.WorkflowRunID = *update.WorkflowRunID
	}
	if update.TraceID != nil {
		current.TraceID = *update.TraceID
	}
	if update.Metrics != nil {
		current.Metrics = update.Metrics
	}
	if update.ErrorMessage != nil {
		current.ErrorMessage = *update.ErrorMessage
	}
	if update.Outputs != nil {
		current.Outputs = update.Outputs
	}
	current.UpdatedAt = time.Now().UTC()

	metrics, _ := json.Marshal(current.Metrics)
	outputs, _ := json.Marshal(current.Outputs)
	_, err = d.exec(ctx, `
		UPDATE ai_jobs SET state=?, workflow_run_id=?, trace_id=?, metrics=?, outputs=?, error_message=?, updated_at=?
		WHERE job_id=?`,
		string(current.State), nullStr(current.WorkflowRunID), current.TraceID.String(),
		string(metrics), string(outputs), nullStr(current.ErrorMessage),
		current.UpdatedAt.Format(time.RFC3339Nano), jobID.String())
	if err != nil {
		return apperrors.NewDatabaseError("update ai job status", err)
	}
	logrus.WithFields(logging.JobFields(string(current.State), jobID.String(), current.WorkflowRunID).ToLogrus()).
		Debug("ai job status updated")

	if update.State != nil && current.WorkflowRunID != "" {
		_ = d.UpdateWorkflowRunStatus(ctx, wctx, current.WorkflowRunID, current.State, current.ErrorMessage)
	}
	return nil
}

// ListAIJobs applies filter's predicates, ordered by created_at DESC.
func (d *DB) ListAIJobs(ctx context.Context, filter jobs.JobFilter) ([]jobs.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT * FROM ai_jobs WHERE 1=1`
	var args []interface{}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.JobKind != "" {
		query += ` AND job_kind = ?`
		args = append(args, string(filter.JobKind))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []jobRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return nil, apperrors.NewDatabaseError("list ai jobs", err)
	}
	out := make([]jobs.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// CreateWorkflowRun inserts a fresh workflow run. The write is gated by
// storageguard.ValidateWrite, per spec.md §4.5.
func (d *DB) CreateWorkflowRun(ctx context.Context, wctx storageguard.WriteContext, run *jobs.WorkflowRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if _, err := storageguard.ValidateWrite(wctx, run.ID, time.Now().UTC()); err != nil {
		return err
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.LastHeartbeat.IsZero() {
		run.LastHeartbeat = now
	}
	run.UpdatedAt = now
	_, err := d.exec(ctx, `
		INSERT INTO workflow_runs (id, job_id, status, last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID.String(), string(run.Status), run.LastHeartbeat.Format(time.RFC3339Nano),
		run.CreatedAt.Format(time.RFC3339Nano), run.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.NewDatabaseError("insert workflow run", err)
	}
	return nil
}

// UpdateWorkflowRunStatus updates a run's status and, if errorMessage is
// non-empty, also writes it to the owning job (spec.md §4.13). The write is
// gated by storageguard.ValidateWrite, per spec.md §4.5.
func (d *DB) UpdateWorkflowRunStatus(ctx context.Context, wctx storageguard.WriteContext, id string, status jobs.JobState, errorMessage string) error {
	if _, err := storageguard.ValidateWrite(wctx, id, time.Now().UTC()); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := d.exec(ctx, `UPDATE workflow_runs SET status=?, updated_at=? WHERE id=?`,
		string(status), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return apperrors.NewDatabaseError("update workflow run status", err)
	}
	if errorMessage != "" {
		_, err = d.exec(ctx, `UPDATE ai_jobs SET error_message=?, updated_at=? WHERE workflow_run_id=?`,
			errorMessage, now.Format(time.RFC3339Nano), id)
		if err != nil {
			return apperrors.NewDatabaseError("propagate workflow run error to job", err)
		}
	}
	return nil
}

// HeartbeatWorkflow is an idempotent, out-of-order-safe heartbeat write.
func (d *DB) HeartbeatWorkflow(ctx context.Context, id string, now time.Time) error {
	_, err := d.exec(ctx, `UPDATE workflow_runs SET last_heartbeat=?, updated_at=? WHERE id=?`,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return apperrors.NewDatabaseError("heartbeat workflow", err)
	}
	return nil
}

// FindStalledWorkflows scans running workflow runs whose last heartbeat is
// older than thresholdSecs as of now.
func (d *DB) FindStalledWorkflows(ctx context.Context, thresholdSecs int, now time.Time) ([]jobs.WorkflowRun, error) {
	cutoff := now.Add(-time.Duration(thresholdSecs) * time.Second).Format(time.RFC3339Nano)
	var rows []workflowRunRow
	err := d.db.SelectContext(ctx, &rows,
		d.db.Rebind(`SELECT * FROM workflow_runs WHERE status = ? AND last_heartbeat < ?`),
		string(jobs.StateRunning), cutoff)
	if err != nil {
		return nil, apperrors.NewDatabaseError("find stalled workflows", err)
	}
	out := make([]jobs.WorkflowRun, 0, len(rows))
	for _, r := range rows {
		run, err := r.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// PruneAIJobs deletes terminal, non-pinned jobs older than cutoff, keeping
// at least minVersions of the newest non-pinned jobs, batching at up to
// 1000 rows per iteration, per spec.md §4.13.
func (d *DB) PruneAIJobs(ctx context.Context, cutoff time.Time, minVersions int, dryRun bool) (jobs.PruneReport, error) {
	const batchSize = 1000
	report := jobs.PruneReport{DryRun: dryRun}

	var allNonPinned []jobRow
	if err := d.db.SelectContext(ctx, &allNonPinned,
		d.db.Rebind(`SELECT * FROM ai_jobs WHERE pinned = 0 ORDER BY created_at ASC`)); err != nil {
		return report, apperrors.NewDatabaseError("scan ai jobs for pruning", err)
	}

	var eligible []jobRow
	for _, r := range allNonPinned {
		report.Scanned++
		if !jobs.IsTerminal(jobs.JobState(r.State)) {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
		if err != nil {
			return report, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse job created_at")
		}
		if !createdAt.Before(cutoff) {
			continue
		}
		eligible = append(eligible, r)
	}

	totalNonPinned := len(allNonPinned)
	deletable := len(eligible)
	actualToDelete := deletable
	if totalNonPinned-minVersions < actualToDelete {
		actualToDelete = totalNonPinned - minVersions
	}
	if actualToDelete < 0 {
		actualToDelete = 0
	}

	report.SparedWindow = deletable - actualToDelete
	var pinnedCount int
	if err := d.db.GetContext(ctx, &pinnedCount, d.db.Rebind(`SELECT COUNT(*) FROM ai_jobs WHERE pinned = 1`)); err != nil {
		return report, apperrors.NewDatabaseError("count pinned ai jobs", err)
	}
	report.SparedPinned = pinnedCount

	if actualToDelete == 0 || dryRun {
		report.Pruned = 0
		return report, nil
	}

	toDelete := eligible[:actualToDelete]
	for start := 0; start < len(toDelete); start += batchSize {
		end := start + batchSize
		if end > len(toDelete) {
			end = len(toDelete)
		}
		batch := toDelete[start:end]
		for _, r := range batch {
			if _, err := d.exec(ctx, `DELETE FROM ai_jobs WHERE job_id = ?`, r.JobID); err != nil {
				return report, apperrors.NewDatabaseError("delete pruned ai job", err)
			}
			report.Pruned++
			report.BytesFreed += int64(len(r.Metrics.String) + len(r.Outputs.String) + len(r.Inputs.String))
		}
	}
	return report, nil
}

func (r jobRow) toJob() (jobs.Job, error) {
	jobID, err := uuid.Parse(r.JobID)
	if err != nil {
		return jobs.Job{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse job_id")
	}
	traceID, err := uuid.Parse(r.TraceID)
	if err != nil {
		return jobs.Job{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse trace_id")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return jobs.Job{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse created_at")
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return jobs.Job{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse updated_at")
	}
	var entityRefs, plannedOps []string
	var metrics, inputs, outputs map[string]interface{}
	_ = json.Unmarshal([]byte(r.EntityRefs.String), &entityRefs)
	_ = json.Unmarshal([]byte(r.PlannedOperations.String), &plannedOps)
	_ = json.Unmarshal([]byte(r.Metrics.String), &metrics)
	_ = json.Unmarshal([]byte(r.Inputs.String), &inputs)
	_ = json.Unmarshal([]byte(r.Outputs.String), &outputs)

	return jobs.Job{
		JobID: jobID, TraceID: traceID, WorkflowRunID: r.WorkflowRunID.String,
		JobKind: jobs.JobKind(r.JobKind), State: jobs.JobState(r.State),
		ProtocolID: r.ProtocolID, ProfileID: r.ProfileID, CapabilityProfileID: r.CapabilityProfileID.String,
		AccessMode: jobs.AccessMode(r.AccessMode), SafetyMode: jobs.SafetyMode(r.SafetyMode),
		EntityRefs: entityRefs, PlannedOperations: plannedOps, Metrics: metrics, Inputs: inputs, Outputs: outputs,
		ErrorMessage: r.ErrorMessage.String, Pinned: r.Pinned, CreatedAt: createdAt, UpdatedAt: updatedAt,
	}, nil
}

func (r workflowRunRow) toRun() (jobs.WorkflowRun, error) {
	jobID, err := uuid.Parse(r.JobID)
	if err != nil {
		return jobs.WorkflowRun{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse workflow run job_id")
	}
	lastHeartbeat, err := time.Parse(time.RFC3339Nano, r.LastHeartbeat)
	if err != nil {
		return jobs.WorkflowRun{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse last_heartbeat")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return jobs.WorkflowRun{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse workflow run created_at")
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return jobs.WorkflowRun{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse workflow run updated_at")
	}
	return jobs.WorkflowRun{
		ID: r.ID, JobID: jobID, Status: jobs.JobState(r.Status),
		LastHeartbeat: lastHeartbeat, CreatedAt: createdAt, UpdatedAt: updatedAt,
	}, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
