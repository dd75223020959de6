// Package diagnostics implements the Diagnostics Store (C8): structured
// findings keyed by a stable fingerprint, grouped into Problems, each write
// mirrored into the Flight Recorder as a paired "diagnostic" event.
package diagnostics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/idgen"
)

type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityHint    Severity = "hint"
)

type LinkConfidence string

const (
	LinkDirect    LinkConfidence = "direct"
	LinkInferred  LinkConfidence = "inferred"
	LinkAmbiguous LinkConfidence = "ambiguous"
	LinkUnlinked  LinkConfidence = "unlinked"
)

// Diagnostic is the §3 Diagnostic entity.
type Diagnostic struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	Fingerprint     string         `json:"fingerprint" db:"fingerprint"`
	Title           string         `json:"title" db:"title"`
	Message         string         `json:"message" db:"message"`
	Severity        Severity       `json:"severity" db:"severity"`
	Source          string         `json:"source" db:"source"`
	Surface         string         `json:"surface" db:"surface"`
	Tool            string         `json:"tool,omitempty" db:"tool"`
	Code            string         `json:"code,omitempty" db:"code"`
	Locations       []string       `json:"locations,omitempty" db:"-"`
	EvidenceRefs    []string       `json:"evidence_refs,omitempty" db:"-"`
	LinkConfidence  LinkConfidence `json:"link_confidence" db:"link_confidence"`
	WorkspaceID     string         `json:"workspace_id,omitempty" db:"workspace_id"`
	JobID           string         `json:"job_id,omitempty" db:"job_id"`
	Timestamp       time.Time      `json:"timestamp" db:"timestamp"`
	OccurrenceCount int            `json:"occurrence_count" db:"occurrence_count"`
	FirstSeen       time.Time      `json:"first_seen" db:"first_seen"`
	LastSeen        time.Time      `json:"last_seen" db:"last_seen"`
}

// Fingerprint computes the stable grouping key over a diagnostic's
// identity-bearing fields, per spec.md §3: "stable hash over
// title+code+surface+source+location".
func Fingerprint(title, code, surface, source, location string) string {
	return idgen.SHA256Hex([]byte(title + "\x00" + code + "\x00" + surface + "\x00" + source + "\x00" + location))
}

// Filter bounds a ListDiagnostics query.
type Filter struct {
	Severity    Severity
	Source      string
	Surface     string
	WorkspaceID string
	JobID       string
	Fingerprint string
	Since       *time.Time
	Until       *time.Time
	Limit       int
}

// Problem is a fingerprint-grouped set of diagnostics.
type Problem struct {
	Fingerprint string
	Count       int
	FirstSeen   time.Time
	LastSeen    time.Time
	Sample      Diagnostic
}

// MaxListLimit bounds ListDiagnostics and ListProblems result size.
const MaxListLimit = 200

// Store is the DiagnosticsStore port from spec.md §6.
type Store interface {
	RecordDiagnostic(ctx context.Context, d *Diagnostic) error
	GetDiagnostic(ctx context.Context, id uuid.UUID) (*Diagnostic, error)
	ListDiagnostics(ctx context.Context, filter Filter) ([]Diagnostic, error)
	ListProblems(ctx context.Context, filter Filter) ([]Problem, error)
}

// Validate checks the fields RecordDiagnostic requires before insert.
func Validate(d *Diagnostic) error {
	if d.Title == "" {
		return apperrors.NewValidationError("diagnostic title must not be empty").WithCode(apperrors.CodeValidation)
	}
	switch d.Severity {
	case SeverityFatal, SeverityError, SeverityWarning, SeverityInfo, SeverityHint:
	default:
		return apperrors.NewValidationError("diagnostic severity is not recognized").WithCode(apperrors.CodeValidation)
	}
	if d.Source == "" || d.Surface == "" {
		return apperrors.NewValidationError("diagnostic source and surface must not be empty").WithCode(apperrors.CodeValidation)
	}
	return nil
}

// PairedEnvelope builds the "diagnostic" Flight Recorder event that mirrors
// d, per spec.md §4.8: actor_id="diagnostics_store", job_id/wsid copied.
func PairedEnvelope(d *Diagnostic) *flightrecorder.Envelope {
	var wsids []string
	if d.WorkspaceID != "" {
		wsids = []string{d.WorkspaceID}
	}
	return &flightrecorder.Envelope{
		EventID:   uuid.New(),
		TraceID:   uuid.New(),
		Timestamp: d.Timestamp,
		Actor:     flightrecorder.ActorSystem,
		ActorID:   "diagnostics_store",
		EventType: flightrecorder.EventDiagnostic,
		JobID:     d.JobID,
		WSIDs:     wsids,
		Payload: map[string]interface{}{
			"diagnostic_id": d.ID.String(),
			"fingerprint":   d.Fingerprint,
			"severity":      string(d.Severity),
			"title":         d.Title,
		},
	}
}
