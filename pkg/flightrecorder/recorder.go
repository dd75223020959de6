package flightrecorder

import (
	"context"
	"time"
)

// ListFilter bounds a ListEvents query per spec.md §4.7: predicates on
// event_id, job_id, trace_id, and a time window, with a server-enforced
// result cap.
type ListFilter struct {
	EventID string
	JobID   string
	TraceID string
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

// MaxListLimit is the hard ceiling spec.md §4.7 places on ListEvents result
// size, applied even if the caller asks for more.
const MaxListLimit = 200

// MaxExportListLimit is the separate, much larger ceiling spec.md §4.14
// places on the event evidence a Debug Bundle / Governance Pack export may
// gather for a TimeWindow or Workspace scope. It is deliberately distinct
// from MaxListLimit: the general list_events API stays bounded for
// interactive callers, while an export is allowed to walk far more history
// before it records the remainder as missing evidence.
const MaxExportListLimit = 10000

// Recorder is the FlightRecorder port from spec.md §6: record_event,
// list_events, enforce_retention, plus the export-only query path §4.14
// needs to serve its own, larger cap.
type Recorder interface {
	RecordEvent(ctx context.Context, e *Envelope) error
	ListEvents(ctx context.Context, filter ListFilter) ([]Envelope, error)
	// ListEventsForExport behaves like ListEvents but clamps to
	// MaxExportListLimit instead of MaxListLimit. It exists solely for
	// pkg/bundleexport; list_events callers must keep using ListEvents.
	ListEventsForExport(ctx context.Context, filter ListFilter) ([]Envelope, error)
	EnforceRetention(ctx context.Context, retentionDays int) (int, error)
}
