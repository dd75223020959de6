// Package store is the embedded analytical backend for the FlightRecorder
// port: a modernc.org/sqlite table with indexes on trace_id, job_id, and
// timestamp, accessed through sqlx for struct scanning.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/shared/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS flight_recorder_events (
	event_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	actor TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	job_id TEXT,
	workflow_id TEXT,
	model_id TEXT,
	activity_span_id TEXT,
	session_span_id TEXT,
	capability_id TEXT,
	policy_decision_id TEXT,
	wsids TEXT,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fr_events_trace_id ON flight_recorder_events(trace_id);
CREATE INDEX IF NOT EXISTS idx_fr_events_job_id ON flight_recorder_events(job_id);
CREATE INDEX IF NOT EXISTS idx_fr_events_timestamp ON flight_recorder_events(timestamp);
`

var (
	eventsRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handshake_events_recorded_total",
		Help: "Flight recorder events persisted, by event_type.",
	}, []string{"event_type"})
	retentionPurgedHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "handshake_events_retention_purged",
		Help:    "Number of events deleted per enforce_retention call.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(eventsRecordedTotal, retentionPurgedHistogram)
}

// row is the sqlx scan target for one stored event.
type row struct {
	EventID          string         `db:"event_id"`
	TraceID          string         `db:"trace_id"`
	Timestamp        string         `db:"timestamp"`
	Actor            string         `db:"actor"`
	ActorID          string         `db:"actor_id"`
	EventType        string         `db:"event_type"`
	JobID            sql.NullString `db:"job_id"`
	WorkflowID       sql.NullString `db:"workflow_id"`
	ModelID          sql.NullString `db:"model_id"`
	ActivitySpanID   sql.NullString `db:"activity_span_id"`
	SessionSpanID    sql.NullString `db:"session_span_id"`
	CapabilityID     sql.NullString `db:"capability_id"`
	PolicyDecisionID sql.NullString `db:"policy_decision_id"`
	WSIDs            sql.NullString `db:"wsids"`
	Payload          string         `db:"payload"`
}

// Store implements flightrecorder.Recorder over an embedded sqlite DB.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the sqlite database at dsn and ensures the
// schema exists. dsn is a modernc.org/sqlite data source, e.g. "file.db" or
// "file::memory:?cache=shared".
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.WrapOpf(err, "open flight recorder store %q", dsn)
	}
	// Single-writer discipline for the embedded DB: all mutations serialize
	// on one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.WrapOpf(err, "create flight recorder schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordEvent validates e (a hard gate — rejected events are never
// persisted), NFC-normalizes it, and inserts it.
func (s *Store) RecordEvent(ctx context.Context, e *flightrecorder.Envelope) error {
	if err := flightrecorder.ValidateEnvelope(e); err != nil {
		return err
	}
	flightrecorder.Normalize(e)

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal event payload")
	}
	var wsidsJSON []byte
	if len(e.WSIDs) > 0 {
		wsidsJSON, err = json.Marshal(e.WSIDs)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal wsids")
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flight_recorder_events
			(event_id, trace_id, timestamp, actor, actor_id, event_type, job_id,
			 workflow_id, model_id, activity_span_id, session_span_id,
			 capability_id, policy_decision_id, wsids, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID.String(), e.TraceID.String(), e.Timestamp.Format(time.RFC3339Nano),
		string(e.Actor), e.ActorID, string(e.EventType),
		nullableString(e.JobID), nullableString(e.WorkflowID), nullableString(e.ModelID),
		nullableString(e.ActivitySpanID), nullableString(e.SessionSpanID),
		nullableString(e.CapabilityID), nullableString(e.PolicyDecisionID),
		nullableBytes(wsidsJSON), string(payloadJSON))
	if err != nil {
		return apperrors.NewDatabaseError("insert flight recorder event", err)
	}

	eventsRecordedTotal.WithLabelValues(string(e.EventType)).Inc()
	logrus.WithFields(logging.EventFields(string(e.EventType), e.EventID.String(), e.JobID).ToLogrus()).
		Debug("flight recorder event recorded")
	return nil
}

// ListEvents applies filter's predicates, ordered by timestamp DESC, bounded
// at flightrecorder.MaxListLimit even if a larger limit is requested.
func (s *Store) ListEvents(ctx context.Context, filter flightrecorder.ListFilter) ([]flightrecorder.Envelope, error) {
	return s.listEvents(ctx, filter, flightrecorder.MaxListLimit)
}

// ListEventsForExport is ListEvents with the cap raised to
// flightrecorder.MaxExportListLimit, for pkg/bundleexport's TimeWindow and
// Workspace scopes (spec.md §4.14).
func (s *Store) ListEventsForExport(ctx context.Context, filter flightrecorder.ListFilter) ([]flightrecorder.Envelope, error) {
	return s.listEvents(ctx, filter, flightrecorder.MaxExportListLimit)
}

func (s *Store) listEvents(ctx context.Context, filter flightrecorder.ListFilter, maxLimit int) ([]flightrecorder.Envelope, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT * FROM flight_recorder_events WHERE 1=1`
	var args []interface{}
	if filter.EventID != "" {
		query += ` AND event_id = ?`
		args = append(args, filter.EventID)
	}
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.TraceID != "" {
		query += ` AND trace_id = ?`
		args = append(args, filter.TraceID)
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
		return nil, apperrors.NewDatabaseError("list flight recorder events", err)
	}

	out := make([]flightrecorder.Envelope, 0, len(rows))
	for _, r := range rows {
		env, err := r.toEnvelope()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// EnforceRetention deletes events older than retentionDays wall-clock,
// returning the purged count.
func (s *Store) EnforceRetention(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `DELETE FROM flight_recorder_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, apperrors.NewDatabaseError("enforce flight recorder retention", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.NewDatabaseError("read rows affected", err)
	}
	retentionPurgedHistogram.Observe(float64(affected))
	return int(affected), nil
}

func (r row) toEnvelope() (flightrecorder.Envelope, error) {
	eventID, err := uuid.Parse(r.EventID)
	if err != nil {
		return flightrecorder.Envelope{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored event_id")
	}
	traceID, err := uuid.Parse(r.TraceID)
	if err != nil {
		return flightrecorder.Envelope{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored trace_id")
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return flightrecorder.Envelope{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored timestamp")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return flightrecorder.Envelope{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored payload")
	}
	var wsids []string
	if r.WSIDs.Valid && r.WSIDs.String != "" {
		if err := json.Unmarshal([]byte(r.WSIDs.String), &wsids); err != nil {
			return flightrecorder.Envelope{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored wsids")
		}
	}

	eventType := flightrecorder.EventType(r.EventType)
	// Back-compat read: legacy capability_action rows whose payload "type"
	// is terminal_command surface as TerminalCommand (spec.md §4.7).
	if eventType == flightrecorder.EventCapabilityAction {
		if t, ok := payload["type"].(string); ok && t == "terminal_command" {
			eventType = flightrecorder.EventTerminalCommand
		}
	}

	return flightrecorder.Envelope{
		EventID:          eventID,
		TraceID:          traceID,
		Timestamp:        ts,
		Actor:            flightrecorder.Actor(r.Actor),
		ActorID:          r.ActorID,
		EventType:        eventType,
		JobID:            r.JobID.String,
		WorkflowID:       r.WorkflowID.String,
		ModelID:          r.ModelID.String,
		ActivitySpanID:   r.ActivitySpanID.String,
		SessionSpanID:    r.SessionSpanID.String,
		CapabilityID:     r.CapabilityID.String,
		PolicyDecisionID: r.PolicyDecisionID.String,
		WSIDs:            wsids,
		Payload:          payload,
	}, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
