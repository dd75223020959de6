// Package storageguard enforces "No Silent Edits": every write performed by
// an AI actor must carry both a job_id and a workflow_id, or it is rejected
// before it reaches storage.
package storageguard

import (
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
)

// ActorKind identifies who performed a write.
type ActorKind string

const (
	ActorHuman  ActorKind = "HUMAN"
	ActorAI     ActorKind = "AI"
	ActorSystem ActorKind = "SYSTEM"
)

// WriteContext carries the actor/job/workflow provenance of a mutating call.
type WriteContext struct {
	ActorKind  ActorKind
	ActorID    string
	JobID      string
	WorkflowID string
}

// MutationMetadata is the provenance record attached to an accepted write.
type MutationMetadata struct {
	ActorKind   ActorKind
	ActorID     string
	JobID       string
	WorkflowID  string
	EditEventID uuid.UUID
	ResourceID  string
	Timestamp   time.Time
}

// ValidateWrite checks ctx against the No Silent Edits invariant for
// resourceID and, if it passes, returns a fresh MutationMetadata record.
// now is passed in so callers (and tests) control timestamp determinism.
func ValidateWrite(ctx WriteContext, resourceID string, now time.Time) (*MutationMetadata, error) {
	if ctx.ActorKind == ActorAI && (ctx.JobID == "" || ctx.WorkflowID == "") {
		return nil, apperrors.NewGuardError(apperrors.CodeSilentEdit,
			"AI-actor writes must carry both job_id and workflow_id").
			WithDetailsf("resource_id=%s", resourceID)
	}

	return &MutationMetadata{
		ActorKind:   ctx.ActorKind,
		ActorID:     ctx.ActorID,
		JobID:       ctx.JobID,
		WorkflowID:  ctx.WorkflowID,
		EditEventID: uuid.New(),
		ResourceID:  resourceID,
		Timestamp:   now,
	}, nil
}
