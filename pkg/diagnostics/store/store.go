// Package store is the embedded-DB backend for the Diagnostics Store port,
// running over a caller-supplied *sqlx.DB. pkg/flightrecorder/store opens
// its own handle from a DSN and does not take or expose one.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/diagnostics"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
)

const schema = `
CREATE TABLE IF NOT EXISTS diagnostics (
	id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	title TEXT NOT NULL,
	message TEXT NOT NULL,
	severity TEXT NOT NULL,
	source TEXT NOT NULL,
	surface TEXT NOT NULL,
	tool TEXT,
	code TEXT,
	locations TEXT,
	evidence_refs TEXT,
	link_confidence TEXT NOT NULL,
	workspace_id TEXT,
	job_id TEXT,
	timestamp TEXT NOT NULL,
	occurrence_count INTEGER NOT NULL,
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_diagnostics_fingerprint ON diagnostics(fingerprint);
CREATE INDEX IF NOT EXISTS idx_diagnostics_job_id ON diagnostics(job_id);
CREATE INDEX IF NOT EXISTS idx_diagnostics_timestamp ON diagnostics(timestamp);
`

type row struct {
	ID              string         `db:"id"`
	Fingerprint     string         `db:"fingerprint"`
	Title           string         `db:"title"`
	Message         string         `db:"message"`
	Severity        string         `db:"severity"`
	Source          string         `db:"source"`
	Surface         string         `db:"surface"`
	Tool            sql.NullString `db:"tool"`
	Code            sql.NullString `db:"code"`
	Locations       sql.NullString `db:"locations"`
	EvidenceRefs    sql.NullString `db:"evidence_refs"`
	LinkConfidence  string         `db:"link_confidence"`
	WorkspaceID     sql.NullString `db:"workspace_id"`
	JobID           sql.NullString `db:"job_id"`
	Timestamp       string         `db:"timestamp"`
	OccurrenceCount int            `db:"occurrence_count"`
	FirstSeen       string         `db:"first_seen"`
	LastSeen        string         `db:"last_seen"`
}

// Store implements diagnostics.Store, persisting to db and mirroring every
// write into recorder as a paired "diagnostic" Flight Recorder event.
type Store struct {
	db       *sqlx.DB
	recorder flightrecorder.Recorder
}

// New wraps an already-open *sqlx.DB and ensures the diagnostics schema
// exists.
func New(db *sqlx.DB, recorder flightrecorder.Recorder) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperrors.WrapOpf(err, "create diagnostics schema")
	}
	return &Store{db: db, recorder: recorder}, nil
}

// RecordDiagnostic validates d, assigns an ID/timestamps if absent, inserts
// it, and emits the paired Flight Recorder event.
func (s *Store) RecordDiagnostic(ctx context.Context, d *diagnostics.Diagnostic) error {
	if err := diagnostics.Validate(d); err != nil {
		return err
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	if d.FirstSeen.IsZero() {
		d.FirstSeen = d.Timestamp
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = d.Timestamp
	}
	if d.OccurrenceCount == 0 {
		d.OccurrenceCount = 1
	}

	locJSON, err := json.Marshal(d.Locations)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal diagnostic locations")
	}
	evJSON, err := json.Marshal(d.EvidenceRefs)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal diagnostic evidence_refs")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO diagnostics
			(id, fingerprint, title, message, severity, source, surface, tool, code,
			 locations, evidence_refs, link_confidence, workspace_id, job_id,
			 timestamp, occurrence_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.Fingerprint, d.Title, d.Message, string(d.Severity), d.Source, d.Surface,
		nullable(d.Tool), nullable(d.Code), string(locJSON), string(evJSON), string(d.LinkConfidence),
		nullable(d.WorkspaceID), nullable(d.JobID), d.Timestamp.Format(time.RFC3339Nano),
		d.OccurrenceCount, d.FirstSeen.Format(time.RFC3339Nano), d.LastSeen.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.NewDatabaseError("insert diagnostic", err)
	}

	if s.recorder != nil {
		if err := s.recorder.RecordEvent(ctx, diagnostics.PairedEnvelope(d)); err != nil {
			return err
		}
	}
	return nil
}

// GetDiagnostic fetches a single diagnostic by ID.
func (s *Store) GetDiagnostic(ctx context.Context, id uuid.UUID) (*diagnostics.Diagnostic, error) {
	var r row
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM diagnostics WHERE id = ?`, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError("diagnostic")
		}
		return nil, apperrors.NewDatabaseError("get diagnostic", err)
	}
	d, err := r.toDiagnostic()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDiagnostics applies filter's predicates, ordered by timestamp DESC.
func (s *Store) ListDiagnostics(ctx context.Context, filter diagnostics.Filter) ([]diagnostics.Diagnostic, error) {
	limit := filter.Limit
	if limit <= 0 || limit > diagnostics.MaxListLimit {
		limit = diagnostics.MaxListLimit
	}

	query := `SELECT * FROM diagnostics WHERE 1=1`
	var args []interface{}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Surface != "" {
		query += ` AND surface = ?`
		args = append(args, filter.Surface)
	}
	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.Fingerprint != "" {
		query += ` AND fingerprint = ?`
		args = append(args, filter.Fingerprint)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since.Format(time.RFC3339Nano))
	}
	if filter.Until != nil {
		query += ` AND timestamp <= ?`
		args = append(args, filter.Until.Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.NewDatabaseError("list diagnostics", err)
	}

	out := make([]diagnostics.Diagnostic, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDiagnostic()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListProblems groups matching diagnostics by fingerprint (count, first/last
// seen, a sample row), truncated to the limit.
func (s *Store) ListProblems(ctx context.Context, filter diagnostics.Filter) ([]diagnostics.Problem, error) {
	matches, err := s.ListDiagnostics(ctx, diagnostics.Filter{
		Severity: filter.Severity, Source: filter.Source, Surface: filter.Surface,
		WorkspaceID: filter.WorkspaceID, JobID: filter.JobID, Fingerprint: filter.Fingerprint,
		Since: filter.Since, Until: filter.Until, Limit: diagnostics.MaxListLimit,
	})
	if err != nil {
		return nil, err
	}

	byFingerprint := make(map[string]*diagnostics.Problem)
	var order []string
	for _, d := range matches {
		p, ok := byFingerprint[d.Fingerprint]
		if !ok {
			p = &diagnostics.Problem{Fingerprint: d.Fingerprint, FirstSeen: d.Timestamp, LastSeen: d.Timestamp, Sample: d}
			byFingerprint[d.Fingerprint] = p
			order = append(order, d.Fingerprint)
		}
		p.Count++
		if d.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = d.Timestamp
		}
		if d.Timestamp.After(p.LastSeen) {
			p.LastSeen = d.Timestamp
			p.Sample = d
		}
	}

	out := make([]diagnostics.Problem, 0, len(order))
	for _, fp := range order {
		out = append(out, *byFingerprint[fp])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })

	limit := filter.Limit
	if limit <= 0 || limit > diagnostics.MaxListLimit {
		limit = diagnostics.MaxListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r row) toDiagnostic() (diagnostics.Diagnostic, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return diagnostics.Diagnostic{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse diagnostic id")
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return diagnostics.Diagnostic{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse diagnostic timestamp")
	}
	firstSeen, err := time.Parse(time.RFC3339Nano, r.FirstSeen)
	if err != nil {
		return diagnostics.Diagnostic{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse diagnostic first_seen")
	}
	lastSeen, err := time.Parse(time.RFC3339Nano, r.LastSeen)
	if err != nil {
		return diagnostics.Diagnostic{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse diagnostic last_seen")
	}
	var locations, evidenceRefs []string
	if r.Locations.Valid && r.Locations.String != "" {
		_ = json.Unmarshal([]byte(r.Locations.String), &locations)
	}
	if r.EvidenceRefs.Valid && r.EvidenceRefs.String != "" {
		_ = json.Unmarshal([]byte(r.EvidenceRefs.String), &evidenceRefs)
	}

	return diagnostics.Diagnostic{
		ID: id, Fingerprint: r.Fingerprint, Title: r.Title, Message: r.Message,
		Severity: diagnostics.Severity(r.Severity), Source: r.Source, Surface: r.Surface,
		Tool: r.Tool.String, Code: r.Code.String, Locations: locations, EvidenceRefs: evidenceRefs,
		LinkConfidence: diagnostics.LinkConfidence(r.LinkConfidence), WorkspaceID: r.WorkspaceID.String,
		JobID: r.JobID.String, Timestamp: ts, OccurrenceCount: r.OccurrenceCount,
		FirstSeen: firstSeen, LastSeen: lastSeen,
	}, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
