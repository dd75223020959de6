// Package store is the embedded analytical backend for the role mailbox: a
// modernc.org/sqlite database holding threads and messages alongside the
// Flight Recorder's own tables, per spec.md §5's "events, diagnostics,
// role-mailbox tables" shared-resource grouping.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/handshake-core/handshake/internal/apperrors"
	"github.com/handshake-core/handshake/pkg/artifact/atomic"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/idgen"
	"github.com/handshake-core/handshake/pkg/rolemailbox"
	"github.com/handshake-core/handshake/pkg/shared/logging"
	"github.com/handshake-core/handshake/pkg/storageguard"
)

const schema = `
CREATE TABLE IF NOT EXISTS role_mailbox_threads (
	thread_id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	context_spec_id TEXT,
	context_work_packet_id TEXT,
	context_task_board_id TEXT,
	context_governance_mode TEXT NOT NULL,
	context_project_id TEXT,
	participants TEXT NOT NULL,
	created_at TEXT NOT NULL,
	closed_at TEXT
);
CREATE TABLE IF NOT EXISTS role_mailbox_messages (
	message_id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	from_role TEXT NOT NULL,
	to_roles TEXT NOT NULL,
	message_type TEXT NOT NULL,
	body_ref TEXT NOT NULL,
	body_sha256 TEXT NOT NULL,
	attachments TEXT,
	relates_to_message_id TEXT,
	transcription_links TEXT,
	idempotency_key TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_rm_messages_thread_id ON role_mailbox_messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_rm_messages_created_at ON role_mailbox_messages(created_at);
`

var messagesRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "handshake_role_mailbox_messages_total",
	Help: "Role mailbox messages created, by message_type.",
}, []string{"message_type"})

func init() {
	prometheus.MustRegister(messagesRecordedTotal)
}

type threadRow struct {
	ThreadID        string         `db:"thread_id"`
	Subject         string         `db:"subject"`
	ContextSpecID   sql.NullString  `db:"context_spec_id"`
	ContextWPID     sql.NullString  `db:"context_work_packet_id"`
	ContextTBID     sql.NullString  `db:"context_task_board_id"`
	GovernanceMode  string         `db:"context_governance_mode"`
	ContextProject  sql.NullString  `db:"context_project_id"`
	Participants    string         `db:"participants"`
	CreatedAt       string         `db:"created_at"`
	ClosedAt        sql.NullString  `db:"closed_at"`
}

type messageRow struct {
	MessageID          string        `db:"message_id"`
	ThreadID           string        `db:"thread_id"`
	CreatedAt          string        `db:"created_at"`
	FromRole           string        `db:"from_role"`
	ToRoles            string        `db:"to_roles"`
	MessageType        string        `db:"message_type"`
	BodyRef            string        `db:"body_ref"`
	BodySHA256         string        `db:"body_sha256"`
	Attachments        sql.NullString `db:"attachments"`
	RelatesToMessageID sql.NullString `db:"relates_to_message_id"`
	TranscriptionLinks sql.NullString `db:"transcription_links"`
	IdempotencyKey     string        `db:"idempotency_key"`
}

// Store implements thread/message persistence and deterministic export over
// an embedded sqlite DB.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the sqlite database at dsn and ensures the
// schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.WrapOpf(err, "open role mailbox store %q", dsn)
	}
	// Same single-writer discipline as the Flight Recorder store; §5 groups
	// the role-mailbox tables with the embedded analytical DB.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.WrapOpf(err, "create role mailbox schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMessage validates req, opens or reuses its thread, and inserts the
// message under wctx's provenance. Every write is gated by
// storageguard.ValidateWrite: an AI actor without a job_id/workflow_id is
// rejected before anything is persisted.
func (s *Store) CreateMessage(ctx context.Context, wctx storageguard.WriteContext, req rolemailbox.CreateMessageRequest) (*rolemailbox.Message, error) {
	if err := rolemailbox.ValidateCreateMessageRequest(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	if _, err := storageguard.ValidateWrite(wctx, threadID, now); err != nil {
		return nil, err
	}

	if err := s.ensureThread(ctx, threadID, req, now); err != nil {
		return nil, err
	}

	msg := &rolemailbox.Message{
		MessageID:          uuid.New().String(),
		ThreadID:           threadID,
		CreatedAt:          now,
		FromRole:           req.FromRole,
		ToRoles:            req.ToRoles,
		MessageType:        req.MessageType,
		BodyRef:            "role_mailbox_body:" + req.IdempotencyKey,
		BodySHA256:         sha256Hex([]byte(req.Body)),
		Attachments:        req.Attachments,
		RelatesToMessageID: req.RelatesToMessageID,
		TranscriptionLinks: req.TranscriptionLinks,
		IdempotencyKey:     req.IdempotencyKey,
	}

	if _, err := storageguard.ValidateWrite(wctx, msg.MessageID, now); err != nil {
		return nil, err
	}

	toRolesJSON, err := marshalRoles(msg.ToRoles)
	if err != nil {
		return nil, err
	}
	attachmentsJSON, err := marshalOptional(msg.Attachments)
	if err != nil {
		return nil, err
	}
	linksJSON, err := marshalOptional(msg.TranscriptionLinks)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_mailbox_messages
			(message_id, thread_id, created_at, from_role, to_roles, message_type,
			 body_ref, body_sha256, attachments, relates_to_message_id,
			 transcription_links, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ThreadID, msg.CreatedAt.Format(time.RFC3339Nano),
		msg.FromRole.String(), string(toRolesJSON), string(msg.MessageType),
		msg.BodyRef, msg.BodySHA256, nullableString(string(attachmentsJSON)),
		nullableString(msg.RelatesToMessageID), nullableString(string(linksJSON)),
		msg.IdempotencyKey)
	if err != nil {
		return nil, apperrors.NewDatabaseError("insert role mailbox message", err)
	}

	messagesRecordedTotal.WithLabelValues(string(msg.MessageType)).Inc()
	logrus.WithFields(logging.NewFields().Component("rolemailbox").Operation("create_message").
		Resource("message", msg.MessageID).Custom("thread_id", msg.ThreadID).ToLogrus()).
		Debug("role mailbox message created")

	return msg, nil
}

func (s *Store) ensureThread(ctx context.Context, threadID string, req rolemailbox.CreateMessageRequest, now time.Time) error {
	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(1) FROM role_mailbox_threads WHERE thread_id = ?`, threadID); err != nil {
		return apperrors.NewDatabaseError("check role mailbox thread existence", err)
	}
	if exists > 0 {
		return nil
	}

	participants := req.ThreadParticipants
	if len(participants) == 0 {
		participants = append([]rolemailbox.RoleID{req.FromRole}, req.ToRoles...)
	}
	participantsJSON, err := marshalRoles(participants)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO role_mailbox_threads
			(thread_id, subject, context_spec_id, context_work_packet_id,
			 context_task_board_id, context_governance_mode, context_project_id,
			 participants, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		threadID, req.ThreadSubject, nullableString(req.Context.SpecID),
		nullableString(req.Context.WorkPacketID), nullableString(req.Context.TaskBoardID),
		string(req.Context.GovernanceMode), nullableString(req.Context.ProjectID),
		string(participantsJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.NewDatabaseError("insert role mailbox thread", err)
	}
	return nil
}

// ListThreads returns every thread, ordered by creation time.
func (s *Store) ListThreads(ctx context.Context) ([]rolemailbox.Thread, error) {
	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM role_mailbox_threads ORDER BY created_at ASC`); err != nil {
		return nil, apperrors.NewDatabaseError("list role mailbox threads", err)
	}
	out := make([]rolemailbox.Thread, 0, len(rows))
	for _, r := range rows {
		t, err := r.toThread()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ListMessages returns every message in threadID, ordered by creation time.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]rolemailbox.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM role_mailbox_messages WHERE thread_id = ? ORDER BY created_at ASC`, threadID); err != nil {
		return nil, apperrors.NewDatabaseError("list role mailbox messages", err)
	}
	out := make([]rolemailbox.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ExportSummary is the result of Export: where it wrote, the hash of the
// written export_manifest.json, and how many threads and messages it holds.
type ExportSummary struct {
	ExportRoot           string
	ExportManifestSHA256 string
	ThreadCount          int
	MessageCount         int
}

// exportedThread is one entry of index.json's "threads" array.
type exportedThread struct {
	ThreadID    string   `json:"thread_id"`
	Subject     string   `json:"subject"`
	ThreadFile  string   `json:"thread_file"`
	MessageCount int     `json:"message_count"`
}

type indexDocument struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   string            `json:"generated_at"`
	Threads       []exportedThread  `json:"threads"`
}

type threadFileManifest struct {
	Path         string `json:"path"`
	SHA256       string `json:"sha256"`
	MessageCount int    `json:"message_count"`
}

type exportManifestDocument struct {
	SchemaVersion      string               `json:"schema_version"`
	ExportRoot         string               `json:"export_root"`
	GeneratedAt        string               `json:"generated_at"`
	IndexSHA256        string               `json:"index_sha256"`
	ThreadFiles        []threadFileManifest `json:"thread_files"`
}

const (
	exportSchemaVersion = "role_mailbox_export_v1"
	exportRoot          = "docs/ROLE_MAILBOX/"
)

// Export writes docs/ROLE_MAILBOX/{index.json, export_manifest.json,
// threads/<thread_id>.jsonl} under root, then records a gov_mailbox_exported
// Flight Recorder event through recorder. The same threads and messages
// always produce byte-identical thread files; index.json and
// export_manifest.json also carry the export's generated_at time, so they
// differ between runs.
func (s *Store) Export(ctx context.Context, root string, recorder flightrecorder.Recorder) (ExportSummary, error) {
	threads, err := s.ListThreads(ctx)
	if err != nil {
		return ExportSummary{}, err
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].ThreadID < threads[j].ThreadID })

	tree := make(map[string][]byte)
	indexThreads := make([]exportedThread, 0, len(threads))
	manifestFiles := make([]threadFileManifest, 0, len(threads))
	messageCount := 0

	for _, t := range threads {
		messages, err := s.ListMessages(ctx, t.ThreadID)
		if err != nil {
			return ExportSummary{}, err
		}
		messageCount += len(messages)

		jsonl, err := canonicalJSONL(messages)
		if err != nil {
			return ExportSummary{}, err
		}
		relPath := fmt.Sprintf("threads/%s.jsonl", t.ThreadID)
		tree[relPath] = jsonl

		indexThreads = append(indexThreads, exportedThread{
			ThreadID:     t.ThreadID,
			Subject:      t.Subject,
			ThreadFile:   relPath,
			MessageCount: len(messages),
		})
		manifestFiles = append(manifestFiles, threadFileManifest{
			Path:         relPath,
			SHA256:       sha256Hex(jsonl),
			MessageCount: len(messages),
		})
	}

	generatedAt := time.Now().UTC().Format(time.RFC3339)
	index := indexDocument{
		SchemaVersion: exportSchemaVersion,
		GeneratedAt:   generatedAt,
		Threads:       indexThreads,
	}
	indexJSON, err := canonicalJSON(index)
	if err != nil {
		return ExportSummary{}, err
	}
	tree["index.json"] = indexJSON

	manifest := exportManifestDocument{
		SchemaVersion: exportSchemaVersion,
		ExportRoot:    exportRoot,
		GeneratedAt:   generatedAt,
		IndexSHA256:   sha256Hex(indexJSON),
		ThreadFiles:   manifestFiles,
	}
	manifestJSON, err := canonicalJSON(manifest)
	if err != nil {
		return ExportSummary{}, err
	}
	tree["export_manifest.json"] = manifestJSON

	if err := atomic.WriteTree(root, exportRoot, tree, true); err != nil {
		return ExportSummary{}, err
	}

	summary := ExportSummary{
		ExportRoot:           exportRoot,
		ExportManifestSHA256: sha256Hex(manifestJSON),
		ThreadCount:          len(threads),
		MessageCount:         messageCount,
	}

	if recorder != nil {
		env := &flightrecorder.Envelope{
			EventID:   uuid.New(),
			TraceID:   uuid.New(),
			Timestamp: time.Now().UTC(),
			Actor:     flightrecorder.ActorAgent,
			ActorID:   "role_mailbox",
			EventType: flightrecorder.EventGovMailboxExported,
			Payload: map[string]interface{}{
				"export_root":            summary.ExportRoot,
				"export_manifest_sha256": summary.ExportManifestSHA256,
				"thread_count":           summary.ThreadCount,
				"message_count":          summary.MessageCount,
			},
		}
		if err := recorder.RecordEvent(ctx, env); err != nil {
			return summary, err
		}
	}

	logrus.WithFields(logging.NewFields().Component("rolemailbox").Operation("export").
		Resource("export", summary.ExportManifestSHA256).Count(summary.MessageCount).ToLogrus()).
		Info("role mailbox exported")

	return summary, nil
}

// canonicalJSON serializes v with fixed Go struct field order and no HTML
// escaping, trimming the trailing newline json.Encoder appends — the same
// deterministic-JSON approach as pkg/artifact/bundleindex.CanonicalJSON.
func canonicalJSON(v interface{}) ([]byte, error) {
	data, err := marshalNoHTMLEscape(v)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal canonical json")
	}
	return data, nil
}

// canonicalJSONL renders messages as one canonical-JSON object per line
// (newline-terminated, including the last line), or an empty byte slice for
// a thread with no messages.
func canonicalJSONL(messages []rolemailbox.Message) ([]byte, error) {
	var out []byte
	for _, m := range messages {
		line, err := marshalNoHTMLEscape(m)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "marshal role mailbox message")
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out, nil
}

func marshalNoHTMLEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; strip it so index.json
	// and export_manifest.json are byte-stable, newline-free documents.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (r threadRow) toThread() (rolemailbox.Thread, error) {
	var participants []rolemailbox.RoleID
	if err := json.Unmarshal([]byte(r.Participants), &participants); err != nil {
		return rolemailbox.Thread{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored participants")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return rolemailbox.Thread{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored thread created_at")
	}
	var closedAt *time.Time
	if r.ClosedAt.Valid && r.ClosedAt.String != "" {
		ts, err := time.Parse(time.RFC3339Nano, r.ClosedAt.String)
		if err != nil {
			return rolemailbox.Thread{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored thread closed_at")
		}
		closedAt = &ts
	}
	return rolemailbox.Thread{
		ThreadID: r.ThreadID,
		Subject:  r.Subject,
		Context: rolemailbox.Context{
			SpecID:         r.ContextSpecID.String,
			WorkPacketID:   r.ContextWPID.String,
			TaskBoardID:    r.ContextTBID.String,
			GovernanceMode: rolemailbox.GovernanceMode(r.GovernanceMode),
			ProjectID:      r.ContextProject.String,
		},
		Participants: participants,
		CreatedAt:    createdAt,
		ClosedAt:     closedAt,
	}, nil
}

func (r messageRow) toMessage() (rolemailbox.Message, error) {
	var toRoles []rolemailbox.RoleID
	if err := json.Unmarshal([]byte(r.ToRoles), &toRoles); err != nil {
		return rolemailbox.Message{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored to_roles")
	}
	fromRole, err := rolemailbox.ParseRoleID(r.FromRole)
	if err != nil {
		return rolemailbox.Message{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return rolemailbox.Message{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored message created_at")
	}
	var attachments []string
	if r.Attachments.Valid && r.Attachments.String != "" {
		if err := json.Unmarshal([]byte(r.Attachments.String), &attachments); err != nil {
			return rolemailbox.Message{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored attachments")
		}
	}
	var links []rolemailbox.TranscriptionLink
	if r.TranscriptionLinks.Valid && r.TranscriptionLinks.String != "" {
		if err := json.Unmarshal([]byte(r.TranscriptionLinks.String), &links); err != nil {
			return rolemailbox.Message{}, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "parse stored transcription_links")
		}
	}
	return rolemailbox.Message{
		MessageID:          r.MessageID,
		ThreadID:           r.ThreadID,
		CreatedAt:           createdAt,
		FromRole:            fromRole,
		ToRoles:             toRoles,
		MessageType:         rolemailbox.MessageType(r.MessageType),
		BodyRef:             r.BodyRef,
		BodySHA256:          r.BodySHA256,
		Attachments:         attachments,
		RelatesToMessageID:  r.RelatesToMessageID.String,
		TranscriptionLinks:  links,
		IdempotencyKey:      r.IdempotencyKey,
	}, nil
}

func marshalRoles(roles []rolemailbox.RoleID) ([]byte, error) {
	return json.Marshal(roles)
}

func marshalOptional(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case []rolemailbox.TranscriptionLink:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func sha256Hex(data []byte) string {
	return idgen.SHA256Hex(data)
}
