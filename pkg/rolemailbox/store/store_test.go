package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/rolemailbox"
	"github.com/handshake-core/handshake/pkg/storageguard"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var systemWctx = storageguard.WriteContext{ActorKind: storageguard.ActorSystem, ActorID: "test"}

func baseRequest() rolemailbox.CreateMessageRequest {
	operator, _ := rolemailbox.ParseRoleID("operator")
	coder, _ := rolemailbox.ParseRoleID("coder")
	return rolemailbox.CreateMessageRequest{
		ThreadSubject:  "scope review",
		Context:        rolemailbox.Context{GovernanceMode: rolemailbox.GovStandard, SpecID: "spec-1"},
		FromRole:       operator,
		ToRoles:        []rolemailbox.RoleID{coder},
		MessageType:    rolemailbox.FYI,
		Body:           "please review the new scope",
		IdempotencyKey: uuid.New().String(),
	}
}

func TestStore_CreateMessage_OpensNewThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, systemWctx, baseRequest())
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if msg.ThreadID == "" {
		t.Fatal("expected a thread_id to be assigned")
	}

	threads, err := s.ListThreads(ctx)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d", len(threads))
	}
	if threads[0].Subject != "scope review" {
		t.Errorf("thread subject = %q, want %q", threads[0].Subject, "scope review")
	}

	messages, err := s.ListMessages(ctx, msg.ThreadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].MessageID != msg.MessageID {
		t.Fatal("expected the created message to be listed back")
	}
}

func TestStore_CreateMessage_AppendsToExistingThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateMessage(ctx, systemWctx, baseRequest())
	if err != nil {
		t.Fatalf("create first message: %v", err)
	}

	second := baseRequest()
	second.ThreadID = first.ThreadID
	second.IdempotencyKey = uuid.New().String()
	if _, err := s.CreateMessage(ctx, systemWctx, second); err != nil {
		t.Fatalf("create second message: %v", err)
	}

	threads, err := s.ListThreads(ctx)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("expected the second message to reuse the existing thread, got %d threads", len(threads))
	}

	messages, err := s.ListMessages(ctx, first.ThreadID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages in the thread, got %d", len(messages))
	}
}

func TestStore_CreateMessage_RejectsInvalidRequest(t *testing.T) {
	s := newTestStore(t)
	req := baseRequest()
	req.MessageType = "not_a_real_type"
	if _, err := s.CreateMessage(context.Background(), systemWctx, req); err == nil {
		t.Fatal("expected an invalid message_type to be rejected before any write")
	}
}

func TestStore_CreateMessage_RejectsAIActorWithoutProvenance(t *testing.T) {
	s := newTestStore(t)
	aiWctx := storageguard.WriteContext{ActorKind: storageguard.ActorAI, ActorID: "agent_1"}
	if _, err := s.CreateMessage(context.Background(), aiWctx, baseRequest()); err == nil {
		t.Fatal("expected an AI actor write without job_id/workflow_id to be rejected as a silent edit")
	}
}

func TestStore_CreateMessage_RejectsDuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := baseRequest()
	if _, err := s.CreateMessage(ctx, systemWctx, req); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if _, err := s.CreateMessage(ctx, systemWctx, req); err == nil {
		t.Fatal("expected a repeated idempotency_key to be rejected")
	}
}

type fakeRecorder struct {
	events []*flightrecorder.Envelope
}

func (f *fakeRecorder) RecordEvent(ctx context.Context, e *flightrecorder.Envelope) error {
	f.events = append(f.events, e)
	return nil
}
func (f *fakeRecorder) ListEvents(ctx context.Context, filter flightrecorder.ListFilter) ([]flightrecorder.Envelope, error) {
	return nil, nil
}
func (f *fakeRecorder) ListEventsForExport(ctx context.Context, filter flightrecorder.ListFilter) ([]flightrecorder.Envelope, error) {
	return nil, nil
}
func (f *fakeRecorder) EnforceRetention(ctx context.Context, retentionDays int) (int, error) {
	return 0, nil
}

func TestStore_Export_WritesExpectedTree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateMessage(ctx, systemWctx, baseRequest()); err != nil {
		t.Fatalf("create message: %v", err)
	}

	root := t.TempDir()
	recorder := &fakeRecorder{}
	summary, err := s.Export(ctx, root, recorder)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if summary.ThreadCount != 1 || summary.MessageCount != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	indexPath := filepath.Join(root, "docs", "ROLE_MAILBOX", "index.json")
	indexBytes, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("read index.json: %v", err)
	}
	var index indexDocument
	if err := json.Unmarshal(indexBytes, &index); err != nil {
		t.Fatalf("unmarshal index.json: %v", err)
	}
	if index.SchemaVersion != exportSchemaVersion {
		t.Errorf("schema_version = %q, want %q", index.SchemaVersion, exportSchemaVersion)
	}
	if len(index.Threads) != 1 || index.Threads[0].MessageCount != 1 {
		t.Fatalf("unexpected index threads: %+v", index.Threads)
	}

	manifestPath := filepath.Join(root, "docs", "ROLE_MAILBOX", "export_manifest.json")
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("read export_manifest.json: %v", err)
	}
	var manifest exportManifestDocument
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		t.Fatalf("unmarshal export_manifest.json: %v", err)
	}
	if manifest.ExportRoot != exportRoot {
		t.Errorf("export_root = %q, want %q", manifest.ExportRoot, exportRoot)
	}
	if len(manifest.ThreadFiles) != 1 {
		t.Fatalf("expected 1 thread file entry, got %d", len(manifest.ThreadFiles))
	}

	threadFile := filepath.Join(root, "docs", "ROLE_MAILBOX", manifest.ThreadFiles[0].Path)
	threadBytes, err := os.ReadFile(threadFile)
	if err != nil {
		t.Fatalf("read thread file: %v", err)
	}
	var line rolemailbox.Message
	if err := json.Unmarshal(threadBytes[:len(threadBytes)-1], &line); err != nil {
		t.Fatalf("unmarshal thread line: %v", err)
	}
	if line.MessageType != rolemailbox.FYI {
		t.Errorf("message_type = %q, want %q", line.MessageType, rolemailbox.FYI)
	}

	if len(recorder.events) != 1 {
		t.Fatalf("expected 1 flight recorder event, got %d", len(recorder.events))
	}
	if recorder.events[0].EventType != flightrecorder.EventGovMailboxExported {
		t.Errorf("event_type = %q, want %q", recorder.events[0].EventType, flightrecorder.EventGovMailboxExported)
	}
}

func TestStore_Export_ThreadFileStableAcrossRuns(t *testing.T) {
	// index.json and export_manifest.json carry a generated_at timestamp, so
	// only the per-thread message content (which carries no generation-time
	// field) is expected to be byte-identical across repeated exports of the
	// same underlying data.
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateMessage(ctx, systemWctx, baseRequest()); err != nil {
		t.Fatalf("create message: %v", err)
	}

	rootA := t.TempDir()
	rootB := t.TempDir()
	summaryA, err := s.Export(ctx, rootA, nil)
	if err != nil {
		t.Fatalf("export A: %v", err)
	}
	summaryB, err := s.Export(ctx, rootB, nil)
	if err != nil {
		t.Fatalf("export B: %v", err)
	}

	threads, err := s.ListThreads(ctx)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	threadFile := filepath.Join("docs", "ROLE_MAILBOX", "threads", threads[0].ThreadID+".jsonl")

	a, err := os.ReadFile(filepath.Join(rootA, threadFile))
	if err != nil {
		t.Fatalf("read A thread file: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(rootB, threadFile))
	if err != nil {
		t.Fatalf("read B thread file: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("expected two exports of the same data to produce a byte-identical thread file")
	}
	if summaryA.ThreadCount != summaryB.ThreadCount || summaryA.MessageCount != summaryB.MessageCount {
		t.Fatalf("expected matching summaries, got %+v and %+v", summaryA, summaryB)
	}
}
