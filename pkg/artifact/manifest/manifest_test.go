package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/handshake-core/handshake/pkg/policy"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	pol, err := policy.NewEvaluator(ctx)
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	return New(t.TempDir(), pol), ctx
}

func TestWriteFile_RoundTrips(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &Manifest{
		ArtifactID:     uuid.New(),
		Layer:          LayerL1,
		Kind:           KindFile,
		MIME:           "text/plain",
		CreatedAt:      time.Now(),
		Classification: ClassificationLow,
		Exportable:     true,
	}

	if err := store.WriteFile(ctx, m, []byte("hello world")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := store.ReadManifest(LayerL1, m.ArtifactID)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if got.ContentHash != m.ContentHash {
		t.Errorf("ContentHash = %s, want %s", got.ContentHash, m.ContentHash)
	}
	if got.SizeBytes != int64(len("hello world")) {
		t.Errorf("SizeBytes = %d, want %d", got.SizeBytes, len("hello world"))
	}

	if err := store.ValidateContentHash(got); err != nil {
		t.Errorf("ValidateContentHash failed: %v", err)
	}
}

func TestWriteFile_PromptPayloadWithoutTTL_Rejected(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &Manifest{
		ArtifactID:     uuid.New(),
		Layer:          LayerL2,
		Kind:           KindPromptPayload,
		Classification: ClassificationLow,
	}

	if err := store.WriteFile(ctx, m, []byte("prompt")); err == nil {
		t.Fatal("expected policy error for missing retention_ttl_days")
	}
}

func TestWriteFile_HighClassificationWithoutTTL_Rejected(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &Manifest{
		ArtifactID:     uuid.New(),
		Layer:          LayerL2,
		Kind:           KindReport,
		Classification: ClassificationHigh,
	}

	if err := store.WriteFile(ctx, m, []byte("data")); err == nil {
		t.Fatal("expected policy error for missing retention_ttl_days")
	}
}

func TestWriteFile_PromptPayloadWithTTL_Accepted(t *testing.T) {
	store, ctx := newTestStore(t)

	ttl := 30
	m := &Manifest{
		ArtifactID:       uuid.New(),
		Layer:            LayerL2,
		Kind:             KindPromptPayload,
		Classification:   ClassificationLow,
		RetentionTTLDays: &ttl,
	}

	if err := store.WriteFile(ctx, m, []byte("prompt")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWriteTree_RoundTripsAndValidates(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &Manifest{
		ArtifactID:     uuid.New(),
		Layer:          LayerL3,
		Kind:           KindDatasetSlice,
		Classification: ClassificationLow,
	}
	tree := map[string][]byte{
		"a.txt": []byte("A"),
		"b.txt": []byte("B"),
	}

	if err := store.WriteTree(ctx, m, tree, nil); err != nil {
		t.Fatalf("WriteTree failed: %v", err)
	}

	got, err := store.ReadManifest(LayerL3, m.ArtifactID)
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if err := store.ValidateContentHash(got); err != nil {
		t.Errorf("ValidateContentHash failed: %v", err)
	}
}

func TestValidateContentHash_DetectsTamper(t *testing.T) {
	store, ctx := newTestStore(t)

	m := &Manifest{
		ArtifactID:     uuid.New(),
		Layer:          LayerL1,
		Kind:           KindFile,
		Classification: ClassificationLow,
	}
	if err := store.WriteFile(ctx, m, []byte("original")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, _ := store.ReadManifest(LayerL1, m.ArtifactID)
	got.ContentHash = "0000000000000000000000000000000000000000000000000000000000000000"

	if err := store.ValidateContentHash(got); err == nil {
		t.Fatal("expected content hash mismatch error")
	}
}
